package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects the handler built by NewHandler.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text or json
	// File, when set, sends output to a size-rotated log file instead of Output.
	File       string
	MaxSizeMB  int
	MaxBackups int
	Output     io.Writer
}

// ParseLevel maps a textual level to its slog value.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// NewHandler builds the slog handler described by opts. The returned closer
// must be called on shutdown when a log file is in use.
func NewHandler(opts Options) (slog.Handler, io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	var (
		w      = opts.Output
		closer io.Closer = nopCloser{}
		tty    bool
	)
	if w == nil {
		w = os.Stderr
	}
	if opts.File != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    max(opts.MaxSizeMB, 1),
			MaxBackups: opts.MaxBackups,
			Compress:   true,
		}
		w, closer = lj, lj
	} else if f, ok := w.(*os.File); ok {
		tty = isatty.IsTerminal(f.Fd())
	}

	switch strings.ToLower(opts.Format) {
	case "", "text":
		return tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.DateTime,
			NoColor:    !tty,
		}), closer, nil
	case "json":
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}), closer, nil
	}
	return nil, nil, fmt.Errorf("unknown log format %q", opts.Format)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
