// Package ingest is the ingestion executor (spec.md §4.8): it invokes the
// external, privileged ingest script that publishes a payload into the
// content distribution filesystem, classifies its exit, and renders a
// tracking-issue body on failure. Grounded on the teacher's pkg/git/git.go
// exec.Command + captured-output idiom and
// original_source/eessitarball.py's ingest method for the argv/exit
// contract.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/eessi/ingestion-controlplane/pkg/logger"
)

// Result captures everything the caller needs to decide the next state
// transition and, on failure, render an issue body.
type Result struct {
	Argv     []string
	ExitCode int
	Stdout   string
	Stderr   string
}

// Succeeded reports whether the ingest script exited 0.
func (r Result) Succeeded() bool { return r.ExitCode == 0 }

// Run builds argv per spec.md §6 (`[sudo?, script, cvmfsRepo, payloadPath]`,
// with an optional trailing `--action` element for the delete/update task
// actions spec.md §3 defines but the ingest argv contract in §6 only
// documents for `add` — SPEC_FULL.md §10's supplemented feature), invokes
// it, and captures stdout/stderr fully before returning (§5 resource
// discipline: subprocesses run to completion, never left partially read).
func Run(ctx context.Context, scriptPath, cvmfsRepo, payloadPath string, asRoot bool, action string) (Result, error) {
	argv := []string{}
	if asRoot {
		argv = append(argv, "sudo")
	}
	argv = append(argv, scriptPath, cvmfsRepo, payloadPath)
	if action != "" && action != "add" {
		argv = append(argv, "--action", action)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := Result{Argv: argv, Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		result.ExitCode = 0
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		logger.LogScope(ctx, slog.LevelError, logger.ScopeIngest, "failed to invoke ingestion script",
			logger.Err(err), slog.String("payload", payloadPath))
		return result, fmt.Errorf("invoking ingestion script %s: %w", scriptPath, err)
	}

	logger.LogScope(ctx, slog.LevelInfo, logger.ScopeIngest, "ran ingestion script",
		slog.String("payload", payloadPath), slog.Int("exitCode", result.ExitCode))
	return result, nil
}

// FailureIssueTitle is the fixed title format issue-duplicate-suppression
// matches against.
func FailureIssueTitle(payloadKey string) string {
	return fmt.Sprintf("Failed to ingest %s", payloadKey)
}

// RenderFailureBody fills a `failed_ingestion_issue_body` template
// (spec.md §6) with the command line, payload key, exit code, and
// captured stdout/stderr, grounded on
// original_source/eessitarball.py's ingest failure-issue construction.
func RenderFailureBody(tmpl, payloadKey string, r Result) string {
	replacer := strings.NewReplacer(
		"{command}", strings.Join(r.Argv, " "),
		"{tarball}", payloadKey,
		"{return_code}", fmt.Sprintf("%d", r.ExitCode),
		"{stdout}", r.Stdout,
		"{stderr}", r.Stderr,
	)
	if tmpl == "" {
		tmpl = "Command: `{command}`\nExit code: {return_code}\n\nstdout:\n```\n{stdout}\n```\n\nstderr:\n```\n{stderr}\n```"
	}
	return replacer.Replace(tmpl)
}
