package utils

import (
	"io"
	"log/slog"
	"os"
)

var (
	InfoLog  *slog.Logger
	ErrorLog *slog.Logger
)

// InitLogger configures the global loggers. Output goes to stderr.
func InitLogger(logLevel string, moduleName string) {
	initLogger(logLevel, moduleName, os.Stderr)
}

// InitLoggerFile configures the global loggers writing to the given file.
// The REPL uses this so interactive output is not interleaved with log lines.
func InitLoggerFile(logLevel string, moduleName string, path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	initLogger(logLevel, moduleName, f)
	return nil
}

func initLogger(logLevel string, moduleName string, w io.Writer) {
	var level slog.Level

	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(handler).With("module", moduleName)

	InfoLog = logger
	ErrorLog = logger
}

func init() {
	// Subsystems log unconditionally; the loggers must exist even when
	// nobody called InitLogger (library use, tests).
	InitLogger("info", "csopesy")
}
