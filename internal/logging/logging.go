// Package logging builds the component-scoped slog loggers used across
// Opacus. Every logger is bound to the component it reports for, so the
// relay, client and transport lines are separable in aggregated output.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Output formats accepted by New.
const (
	FormatText = "text"
	FormatJSON = "json"
)

var levelNames = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// ParseLevel resolves a level name. Unknown names are an error so that
// configuration validation can reject them before anything starts.
func ParseLevel(name string) (slog.Level, error) {
	lvl, ok := levelNames[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("unknown log level %q", name)
	}
	return lvl, nil
}

// ParseFormat resolves an output format name, with the same strictness
// as ParseLevel.
func ParseFormat(name string) (string, error) {
	switch f := strings.ToLower(strings.TrimSpace(name)); f {
	case FormatText, FormatJSON:
		return f, nil
	default:
		return "", fmt.Errorf("unknown log format %q", name)
	}
}

// New creates a logger for one component, writing to stderr. Level and
// format names that fail to parse fall back to info/text: logger
// construction never blocks startup, validation happens in config.
func New(component, level, format string) *slog.Logger {
	return NewWithWriter(component, level, format, os.Stderr)
}

// NewWithWriter creates a component logger with a custom writer.
func NewWithWriter(component, level, format string, w io.Writer) *slog.Logger {
	lvl, err := ParseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}

	f, err := ParseFormat(format)
	if err != nil {
		f = FormatText
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if f == FormatJSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	if component != "" {
		logger = logger.With(KeyComponent, component)
	}
	return logger
}

// Nop returns a logger that discards everything. Components accept it
// when their caller passes no logger.
func Nop() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// Common attribute keys for consistent logging.
const (
	KeyAgentID    = "agent_id"
	KeyFrameType  = "frame_type"
	KeyFrom       = "from"
	KeyTo         = "to"
	KeySeq        = "seq"
	KeyAddress    = "address"
	KeyRemoteAddr = "remote_addr"
	KeyLocalAddr  = "local_addr"
	KeyNetwork    = "network"
	KeyError      = "error"
	KeyComponent  = "component"
	KeyCount      = "count"
	KeyDuration   = "duration"
)
