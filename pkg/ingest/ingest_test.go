package ingest

import (
	"context"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCapturesSuccessfulExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a posix shell")
	}
	result, err := Run(context.Background(), "/bin/true", "software.eessi.io", "/payload.tar.gz", false, "add")
	require.NoError(t, err)
	assert.True(t, result.Succeeded())
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, []string{"/bin/true", "software.eessi.io", "/payload.tar.gz"}, result.Argv)
}

func TestRunPrependsSudoWhenAsRoot(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a posix shell")
	}
	// sudo may be absent or refuse to run non-interactively in a test
	// sandbox, so only the constructed argv is asserted; Result.Argv is
	// populated before Run returns, success or failure.
	result, _ := Run(context.Background(), "/bin/false", "software.eessi.io", "/payload.tar.gz", true, "add")
	assert.Equal(t, []string{"sudo", "/bin/false", "software.eessi.io", "/payload.tar.gz"}, result.Argv)
}

func TestRunNonZeroExitIsNotAnError(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a posix shell")
	}
	result, err := Run(context.Background(), "/bin/false", "software.eessi.io", "/payload.tar.gz", false, "add")
	require.NoError(t, err)
	assert.False(t, result.Succeeded())
	assert.Equal(t, 1, result.ExitCode)
}

func TestRunAppendsActionFlagForNonAdd(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a posix shell")
	}
	result, err := Run(context.Background(), "/bin/true", "software.eessi.io", "/payload.tar.gz", false, "delete")
	require.NoError(t, err)
	assert.Equal(t, []string{"/bin/true", "software.eessi.io", "/payload.tar.gz", "--action", "delete"}, result.Argv)
}

func TestFailureIssueTitle(t *testing.T) {
	assert.Equal(t, "Failed to ingest eessi-2023.06.tar.gz", FailureIssueTitle("eessi-2023.06.tar.gz"))
}

func TestRenderFailureBody(t *testing.T) {
	r := Result{
		Argv:     []string{"/usr/local/bin/ingest.sh", "software.eessi.io", "/payload.tar.gz"},
		ExitCode: 1,
		Stdout:   "uploading...",
		Stderr:   "permission denied",
	}
	body := RenderFailureBody("Command: `{command}`\nExit: {return_code}\n{stdout}\n{stderr}", "eessi-2023.06.tar.gz", r)
	assert.Contains(t, body, "/usr/local/bin/ingest.sh software.eessi.io /payload.tar.gz")
	assert.Contains(t, body, "Exit: 1")
	assert.Contains(t, body, "uploading...")
	assert.Contains(t, body, "permission denied")
}

func TestRenderFailureBodyDefaultTemplate(t *testing.T) {
	body := RenderFailureBody("", "eessi-2023.06.tar.gz", Result{Argv: []string{"x"}, ExitCode: 2})
	assert.Contains(t, body, "Exit code: 2")
}
