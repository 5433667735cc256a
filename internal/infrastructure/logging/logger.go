package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/nerrad567/appservices/internal/infrastructure/config"
)

// serviceName is attached to every record.
const serviceName = "appservices"

// Logger is a slog.Logger carrying the service and version fields. It is
// safe for concurrent use.
type Logger struct {
	*slog.Logger

	// sink is the rotating file, when logging.output is "file".
	sink io.Closer
}

// New builds the logger described by cfg. Records go to stdout unless
// cfg.Output selects stderr or a rotating file; a file output without a
// path falls back to stdout.
func New(cfg config.LoggingConfig, version string) *Logger {
	var (
		w    io.Writer = os.Stdout
		sink io.Closer
	)
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		w = os.Stderr
	case "file":
		if cfg.File.Path != "" {
			rot := rotatingFile(cfg.File)
			w, sink = rot, rot
		}
	}
	return newWithWriter(w, sink, cfg, version)
}

func rotatingFile(f config.FileLoggingConfig) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   f.Path,
		MaxSize:    f.MaxSize,
		MaxBackups: f.MaxBackups,
		MaxAge:     f.MaxAge,
		Compress:   f.Compress,
	}
}

func newWithWriter(w io.Writer, sink io.Closer, cfg config.LoggingConfig, version string) *Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(w, opts)
	}

	base := slog.New(h).With("service", serviceName, "version", version)
	return &Logger{Logger: base, sink: sink}
}

// parseLevel maps debug, warn (or warning) and error to their slog level.
// Anything else is info.
func parseLevel(level string) slog.Level {
	levels := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	if l, ok := levels[strings.ToLower(level)]; ok {
		return l
	}
	return slog.LevelInfo
}

// With returns a child logger writing to the same output with extra fields.
// Closing the child does not close the parent's file.
//
//	log := logger.With("component", "syncmanager")
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Close closes a file output. It is a no-op otherwise.
func (l *Logger) Close() error {
	if l.sink == nil {
		return nil
	}
	return l.sink.Close()
}

// Default is the logger used before the config is loaded: JSON at info
// level on stdout.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, "dev")
}
