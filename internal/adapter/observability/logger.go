package observability

import (
	"log/slog"
	"os"

	"github.com/simonhq/simon/internal/config"
)

// SetupLogger configures a JSON slog logger with service fields.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: levelFrom(cfg)}
	h := slog.NewJSONHandler(os.Stderr, opts)
	logger := slog.New(h).With(
		slog.String("service", cfg.ServiceName),
		slog.String("env", cfg.General.Env),
	)
	return logger
}

func levelFrom(cfg config.Config) slog.Level {
	if cfg.IsDev() {
		return slog.LevelDebug
	}
	switch cfg.General.LogLevel {
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
