package logger

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Setup builds the process logger: JSON in production, console output in dev.
func Setup(dev bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if dev {
		level = zerolog.DebugLevel
	}

	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Caller().Logger()

	if dev {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, FormatTimestamp: func(i any) string {
			return time.Now().Format(time.RFC3339)
		}}).Level(level).With().Stack().Logger()
	}

	return logger
}

// WithContext attaches a request-scoped child of base to ctx.
func WithContext(ctx context.Context, base zerolog.Logger, requestID string) context.Context {
	return base.With().Str("request_id", requestID).Logger().WithContext(ctx)
}
