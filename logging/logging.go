// Package logging builds the module's slog logger: a rotating file sink via
// lumberjack when configured, stderr otherwise, optionally bridged through
// otelslog so log records carry the active trace's span context. This
// mirrors the teacher's cmd/fx.go ProvideLogger/ProvideWatermillLogger
// providers (names only — their bodies weren't part of the retrieved file
// set, so the construction below follows spec.md's ambient-logging posture
// and the teacher's declared dependency pair directly).
package logging

import (
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kelpline/blockrt/config"
)

// New builds a *slog.Logger from cfg. When cfg.File is set, output goes to a
// lumberjack-rotated file instead of stderr; when otelEnabled is true, the
// JSON handler is replaced by an otelslog handler, so records go to the OTel
// log pipeline only and neither the file/stderr output nor cfg.Level applies.
func New(cfg config.LoggingConfig, otelEnabled bool) *slog.Logger {
	var out io.Writer = os.Stderr
	if cfg.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: parseLevel(cfg.Level)})

	if otelEnabled {
		// otelslog.NewHandler with no explicit provider uses the global OTel
		// LoggerProvider; cmd/fx.go installs none and calls New with
		// otelEnabled false.
		return slog.New(otelslog.NewHandler("blockrt"))
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
