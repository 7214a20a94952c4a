// Package logging provides structured logging for the kpxc client engine.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a new structured logger with the specified level and format.
// Supported levels: debug, info, warn, error
// Supported formats: text, json
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a new structured logger with a custom writer.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	lvl := parseLevel(level)

	opts := &slog.HandlerOptions{
		Level: lvl,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Common attribute keys for consistent logging. Never log KeyNonceHex or
// any secret buffer's raw bytes; KeyNonceHex is an 8-character debug prefix
// only, never the full nonce.
const (
	KeyAction     = "action"
	KeyState      = "state"
	KeyPhase      = "phase"
	KeyNonceHex   = "nonce_hex8"
	KeyDatabase   = "database_hash"
	KeyErrorCode  = "error_code"
	KeyError      = "error"
	KeyComponent  = "component"
	KeyPID        = "pid"
	KeyExitCode   = "exit_code"
	KeyDuration   = "duration"
	KeyFrameBytes = "frame_bytes"
	KeyBytes      = "total_bytes"
)
