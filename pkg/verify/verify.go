// Package verify checks an artifact's provenance: its detached signature via
// an external verification executable, and its payload checksum via a
// streamed SHA-256 comparison (spec.md §4.3). The subprocess-invocation
// idiom (exec.Command, captured output, logger.Log on failure) is grounded
// on the teacher's pkg/git/git.go.
package verify

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/eessi/ingestion-controlplane/pkg/logger"
)

// checksumBlockSize matches spec.md §4.3's "streams the file in 8 KiB
// blocks" requirement.
const checksumBlockSize = 8 * 1024

// Signature invokes the configured signature-verification script against a
// data file and its detached signature. If sigPath does not exist, the
// result depends on required: true deems the artifact invalid, false deems
// it valid (spec.md §4.3).
func Signature(ctx context.Context, scriptPath, runenv, allowedSignersFile, dataPath, sigPath string, required bool) (bool, error) {
	if _, err := os.Stat(sigPath); err != nil {
		if os.IsNotExist(err) {
			return !required, nil
		}
		return false, fmt.Errorf("statting signature file %s: %w", sigPath, err)
	}

	args := []string{
		"--verify",
		"--allowed-signers-file", allowedSignersFile,
		"--file", dataPath,
		"--signature-file", sigPath,
	}

	argv := append([]string{scriptPath}, args...)
	if runenv != "" {
		argv = append(strings.Fields(runenv), argv...)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		logger.LogScope(ctx, slog.LevelDebug, logger.ScopeVerify, "signature verified",
			slog.String("dataPath", dataPath), slog.String("sigPath", sigPath))
		return true, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		logger.LogScope(ctx, slog.LevelWarn, logger.ScopeVerify, "signature verification rejected",
			slog.String("dataPath", dataPath), slog.Int("exitCode", exitErr.ExitCode()),
			slog.String("stderr", stderr.String()))
		return false, nil
	}

	logger.LogScope(ctx, slog.LevelError, logger.ScopeVerify, "failed to invoke signature verification script",
		logger.Err(err), slog.String("stderr", stderr.String()))
	return false, fmt.Errorf("invoking %s: %w", scriptPath, err)
}

// Checksum streams the file at path in 8 KiB blocks and compares its SHA-256
// digest to expectedHex, case-insensitively (spec.md §4.3).
func Checksum(path string, expectedHex string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("opening %s for checksum: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, checksumBlockSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return false, fmt.Errorf("reading %s for checksum: %w", path, err)
	}

	actual := hex.EncodeToString(h.Sum(nil))
	return strings.EqualFold(actual, expectedHex), nil
}
