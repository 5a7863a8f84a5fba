package logging

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"github.com/stoik/mailsift/services/pipeline-service/internal/config"
)

// New builds the process logger. When a Sentry DSN is configured, Error and
// above are also reported to Sentry.
func New(cfg config.LogConfig, sentryDSN string) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log.level %q: %w", cfg.Level, err)
	}
	logger.SetLevel(level)

	switch cfg.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if sentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: sentryDSN}); err != nil {
			return nil, fmt.Errorf("initializing sentry: %w", err)
		}
		logger.AddHook(&SentryHook{})
	}

	return logger, nil
}

// Flush waits for buffered Sentry events to be sent.
func Flush(timeout time.Duration) {
	sentry.Flush(timeout)
}

// SentryHook forwards error entries to Sentry with their fields as extras.
type SentryHook struct{}

func (h *SentryHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel}
}

func (h *SentryHook) Fire(entry *logrus.Entry) error {
	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range entry.Data {
			if k == logrus.ErrorKey {
				continue
			}
			scope.SetExtra(k, v)
		}
		if component, ok := entry.Data["component"].(string); ok {
			scope.SetTag("component", component)
		}

		var err error
		if e, ok := entry.Data[logrus.ErrorKey].(error); ok {
			err = fmt.Errorf("%s: %w", entry.Message, e)
		} else {
			err = errors.New(entry.Message)
		}
		sentry.CaptureException(err)
	})
	return nil
}
