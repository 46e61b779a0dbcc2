package observ

import (
	"fmt"
	"time"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger creates a structured logger based on environment
func NewLogger(env, level string) (*zap.Logger, error) {
	var config zap.Config

	if env == "production" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	// Parse level
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	return config.Build()
}

// WithSentry mirrors error-level entries to Sentry. The returned flush func
// must be called before exit. An empty DSN returns the logger unchanged.
func WithSentry(logger *zap.Logger, dsn, env string) (*zap.Logger, func(), error) {
	if dsn == "" {
		return logger, func() {}, nil
	}

	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: env,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create sentry client: %w", err)
	}

	core, err := zapsentry.NewCore(zapsentry.Configuration{
		Level:             zapcore.ErrorLevel,
		EnableBreadcrumbs: true,
		BreadcrumbLevel:   zapcore.InfoLevel,
		Tags:              map[string]string{"service": "meetsync"},
	}, zapsentry.NewSentryClientFromClient(client))
	if err != nil {
		return nil, nil, fmt.Errorf("create sentry core: %w", err)
	}

	flush := func() { client.Flush(2 * time.Second) }
	return zapsentry.AttachCoreToLogger(core, logger), flush, nil
}
