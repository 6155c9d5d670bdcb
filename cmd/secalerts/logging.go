package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// setupLogging installs a JSON slog handler on stdout, teed to logFile when
// set. The returned closer releases the file.
func setupLogging(stdout io.Writer, level string, verbose bool, logFile string) (io.Closer, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	if verbose {
		lvl = slog.LevelDebug
	}

	out := stdout
	var closer io.Closer = nopCloser{}
	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
			return nil, fmt.Errorf("creating log directory: %w", err)
		}
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		out = io.MultiWriter(stdout, f)
		closer = f
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: lvl})))
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
