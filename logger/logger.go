// Package logger configures the process-wide zerolog logger and carries
// request-scoped loggers through context.
package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config represents logger configuration.
type Config struct {
	Level       string // debug, info, warn, error
	Environment string // development, production, test
}

// Init configures the global logger. Development gets a console writer,
// everything else gets JSON lines on stdout.
func Init(cfg Config) {
	InitWithWriter(cfg, os.Stdout)
}

// InitWithWriter is Init with an explicit sink.
func InitWithWriter(cfg Config, out io.Writer) {
	zerolog.TimeFieldFormat = time.RFC3339

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if isDevelopment(cfg.Environment) {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "15:04:05",
		}).With().Timestamp().Caller().Logger()
		return
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
}

func isDevelopment(env string) bool {
	return env == "development" || env == "dev"
}

type contextKey struct{}

// FromContext returns the logger from context or the global logger.
func FromContext(ctx context.Context) *zerolog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(contextKey{}).(*zerolog.Logger); ok && l != nil {
			return l
		}
	}
	return &log.Logger
}

// WithContext returns a context with the logger attached.
func WithContext(ctx context.Context, l *zerolog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, l)
}
