// Package lockfile provides a single-process-at-a-time guard for the control
// plane's scheduler run (spec.md §5.4). Only one ingestion run may touch the
// staging git repository and the download mirror at a time; this package
// enforces that with an exclusively created PID file.
//
// No library in the dependency pack offers a lockfile primitive, so this is
// one of the few places the implementation falls back to the standard
// library: os.OpenFile with O_EXCL is the idiomatic Go way to express "create
// this file only if it does not already exist" and needs no third-party
// wrapper.
package lockfile

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// Lock represents an acquired process lock backed by a file on disk.
type Lock struct {
	path string
}

// Acquire creates path exclusively and writes the current PID into it. If the
// file already exists, Acquire checks whether the PID recorded in it still
// refers to a live process; if not, the stale lock is removed and acquisition
// is retried once.
func Acquire(path string) (*Lock, error) {
	lock, err := tryAcquire(path)
	if err == nil {
		return lock, nil
	}
	if !os.IsExist(err) {
		return nil, fmt.Errorf("acquiring lock %s: %w", path, err)
	}

	stale, staleErr := isStale(path)
	if staleErr != nil || !stale {
		return nil, fmt.Errorf("another run holds lock %s", path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale lock %s: %w", path, err)
	}

	lock, err = tryAcquire(path)
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %s after clearing stale holder: %w", path, err)
	}
	return lock, nil
}

func tryAcquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		os.Remove(path)
		return nil, err
	}
	return &Lock{path: path}, nil
}

// isStale reports whether the PID recorded in the lock file at path refers to
// a process that is no longer running.
func isStale(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false, fmt.Errorf("lock file %s does not contain a valid pid: %w", path, err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return true, nil
	}
	// On unix, FindProcess always succeeds; signal 0 probes liveness without
	// affecting the target process.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return true, nil
	}
	return false, nil
}

// Release removes the lock file. It is safe to call even if the file was
// already removed out from under the process.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
