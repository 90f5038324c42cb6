// Package clusterlog wires up the single *slog.Logger every other package
// takes as a constructor parameter. It owns level and format selection from
// config.Config; it does not own tracing or metrics, which are separate
// capabilities (see the metrics package).
package clusterlog

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"
)

// New builds the root logger for a rabiad process from the configured level
// and format. An empty level defaults to info; an empty format defaults to
// text. w defaults to os.Stderr when nil.
func New(level, format string, w io.Writer) (*slog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}

	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch format {
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("clusterlog: unrecognized log format %q", format)
	}

	return slog.New(h), nil
}

func parseLevel(level string) (slog.Level, error) {
	switch level {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("clusterlog: unrecognized log level %q", level)
	}
}

// Node returns log, or slog.Default() if log is nil, with a node_id field
// attached so every record from this process can be correlated in a
// multi-node log aggregation.
func Node(log *slog.Logger, id uuid.UUID) *slog.Logger {
	if log == nil {
		log = slog.Default()
	}
	return log.With(slog.String("node_id", id.String()))
}

// Phase attaches the current consensus phase to log, for call sites that
// log once per phase rather than once per node. No package in this module
// calls it; the rabia engine adds its phase as a plain log attribute.
func Phase(log *slog.Logger, phase uint64) *slog.Logger {
	if log == nil {
		log = slog.Default()
	}
	return log.With(slog.Uint64("phase", phase))
}
