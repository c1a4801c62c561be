// Package logger provides the logging fan-out used throughout the control
// plane: a colorized console handler and a plain file handler, both
// filterable by LoggingScope, threaded through an explicit context.Context
// rather than through package-level call-depth state (spec.md §9, "replace
// implicit shared state via decorators").
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Log records msg at lvl with the given attributes, attributing the record
// to its caller's program counter the way the teacher's logger did.
func Log(ctx context.Context, lvl slog.Level, msg string, attrs ...slog.Attr) {
	logger := slog.Default()
	if !logger.Enabled(ctx, lvl) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(2, pcs[:])
	fs := runtime.CallersFrames(pcs[:])
	f, _ := fs.Next()

	record := slog.NewRecord(time.Now(), lvl, msg, f.PC)
	record.AddAttrs(attrs...)
	_ = logger.Handler().Handle(ctx, record)
}

// LogScope is Log with a LoggingScope attribute attached, used by core
// packages so operators can filter a run's output to the subsystems they
// care about (--log-scopes).
func LogScope(ctx context.Context, lvl slog.Level, scope Scope, msg string, attrs ...slog.Attr) {
	Log(ctx, lvl, msg, append(attrs, ScopeAttr(scope))...)
}

// Err formats an error as a log attribute.
func Err(err error) slog.Attr {
	return slog.Any("error", err)
}

// Fatal logs an error-level message and exits with code 1.
func Fatal(ctx context.Context, msg string) {
	Log(ctx, slog.LevelError, msg)
	os.Exit(1)
}

// Scope is a named subsystem a log record can be attributed to, generalized
// from original_source/utils.py's LoggingScope enum.
type Scope uint32

const (
	ScopeDownload Scope = 1 << iota
	ScopeTaskOps
	ScopeGithub
	ScopeVerify
	ScopeIngest
	ScopeError

	scopeAttrKey = "scope"
)

var scopeNames = map[string]Scope{
	"DOWNLOAD": ScopeDownload,
	"TASK_OPS": ScopeTaskOps,
	"GITHUB":   ScopeGithub,
	"VERIFY":   ScopeVerify,
	"INGEST":   ScopeIngest,
	"ERROR":    ScopeError,
}

const allScopes = ScopeDownload | ScopeTaskOps | ScopeGithub | ScopeVerify | ScopeIngest | ScopeError

// ScopeAttr wraps a Scope as a slog.Attr that ScopeHandler recognizes.
func ScopeAttr(s Scope) slog.Attr {
	return slog.Uint64(scopeAttrKey, uint64(s))
}

// ParseScopes parses a comma-separated --log-scopes value such as
// "ALL,-DOWNLOAD" or "+TASK_OPS,+GITHUB" (spec.md §6). An empty string
// enables every scope.
func ParseScopes(csv string) (Scope, error) {
	if strings.TrimSpace(csv) == "" {
		return allScopes, nil
	}
	var enabled Scope
	for _, field := range strings.Split(csv, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		sign := byte('+')
		name := field
		if field[0] == '+' || field[0] == '-' {
			sign = field[0]
			name = field[1:]
		}
		name = strings.ToUpper(name)
		var bit Scope
		if name == "ALL" {
			bit = allScopes
		} else {
			var ok bool
			bit, ok = scopeNames[name]
			if !ok {
				return 0, fmt.Errorf("unknown log scope %q", name)
			}
		}
		if sign == '-' {
			enabled &^= bit
		} else {
			enabled |= bit
		}
	}
	return enabled, nil
}

// ScopeHandler wraps a slog.Handler, dropping records whose scope attribute
// is not enabled. Records with no scope attribute (ambient/top-level logs)
// always pass through.
type ScopeHandler struct {
	next    slog.Handler
	enabled Scope
}

// NewScopeHandler builds a ScopeHandler filtering next to the given enabled
// scope mask.
func NewScopeHandler(next slog.Handler, enabled Scope) *ScopeHandler {
	return &ScopeHandler{next: next, enabled: enabled}
}

// Enabled implements slog.Handler.
func (h *ScopeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle implements slog.Handler, dropping the record if it carries a scope
// attribute not present in the enabled mask.
func (h *ScopeHandler) Handle(ctx context.Context, record slog.Record) error {
	pass := true
	record.Attrs(func(a slog.Attr) bool {
		if a.Key == scopeAttrKey {
			bit := Scope(a.Value.Uint64())
			pass = bit&h.enabled != 0
			return false
		}
		return true
	})
	if !pass {
		return nil
	}
	return h.next.Handle(ctx, record)
}

// WithAttrs implements slog.Handler.
func (h *ScopeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ScopeHandler{next: h.next.WithAttrs(attrs), enabled: h.enabled}
}

// WithGroup implements slog.Handler.
func (h *ScopeHandler) WithGroup(name string) slog.Handler {
	return &ScopeHandler{next: h.next.WithGroup(name), enabled: h.enabled}
}

// fanoutHandler sends every record to both a console and a file handler.
type fanoutHandler struct {
	console slog.Handler
	file    slog.Handler
}

func (h *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.console.Enabled(ctx, level) || (h.file != nil && h.file.Enabled(ctx, level))
}

func (h *fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var firstErr error
	if h.console.Enabled(ctx, record.Level) {
		if err := h.console.Handle(ctx, record.Clone()); err != nil {
			firstErr = err
		}
	}
	if h.file != nil && h.file.Enabled(ctx, record.Level) {
		if err := h.file.Handle(ctx, record.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := &fanoutHandler{console: h.console.WithAttrs(attrs)}
	if h.file != nil {
		out.file = h.file.WithAttrs(attrs)
	}
	return out
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	out := &fanoutHandler{console: h.console.WithGroup(name)}
	if h.file != nil {
		out.file = h.file.WithGroup(name)
	}
	return out
}

// Options configures Setup.
type Options struct {
	ConsoleLevel slog.Level
	FileLevel    slog.Level
	FilePath     string
	Quiet        bool
	Scopes       Scope
}

// Setup constructs the console+file fan-out handler and installs it as the
// default slog logger, returning the file handle so the caller can close it
// on shutdown. Grounded on the teacher's single tint.Handler console setup
// in main.go, generalized into a fan-out with scope filtering.
func Setup(opts Options) (io.Closer, error) {
	var console slog.Handler
	if opts.Quiet {
		console = slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: opts.ConsoleLevel})
	} else {
		console = tint.NewHandler(os.Stderr, &tint.Options{Level: opts.ConsoleLevel, TimeFormat: time.Kitchen})
	}

	var file *os.File
	var fileHandler slog.Handler
	if opts.FilePath != "" {
		f, err := os.OpenFile(opts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("opening log file %s: %w", opts.FilePath, err)
		}
		file = f
		fileHandler = slog.NewJSONHandler(f, &slog.HandlerOptions{Level: opts.FileLevel})
	}

	handler := slog.Handler(&fanoutHandler{console: console, file: fileHandler})
	handler = NewScopeHandler(handler, opts.Scopes)
	slog.SetDefault(slog.New(handler))

	if file != nil {
		return file, nil
	}
	return noopCloser{}, nil
}

type noopCloser struct{}

func (noopCloser) Close() error { return nil }
