package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

var logFile *os.File

// Options configures Init. Format is "text" (colored console) or "json".
// When Dir is set the log is also written to <Dir>/<Name>.log, truncated
// first if Overwrite is true.
type Options struct {
	Level     string
	Format    string
	Dir       string
	Name      string
	Overwrite bool
}

// Init installs the default slog logger and returns it.
func Init(opts Options) (*slog.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	var out io.Writer = os.Stdout
	if opts.Dir != "" {
		f, err := openLogFile(opts)
		if err != nil {
			return nil, err
		}
		Close()
		logFile = f
		out = io.MultiWriter(os.Stdout, f)
	}

	var h slog.Handler
	switch strings.ToLower(opts.Format) {
	case "json":
		h = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	case "", "text":
		h = tint.NewHandler(out, &tint.Options{
			Level:      level,
			TimeFormat: time.RFC3339,
			NoColor:    opts.Dir != "",
		})
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	l := slog.New(h)
	slog.SetDefault(l)
	return l, nil
}

func openLogFile(opts Options) (*os.File, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	name := opts.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(os.Args[0]), filepath.Ext(os.Args[0]))
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if opts.Overwrite {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	return os.OpenFile(filepath.Join(opts.Dir, name+".log"), flags, 0o644)
}

// ParseLevel accepts debug, info, warn/warning and error; "" means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Close closes the log file opened by Init, if any.
func Close() {
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}
