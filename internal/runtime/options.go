package runtime

import (
	configpkg "github.com/drblury/abe/internal/runtime/config"
	loggingpkg "github.com/drblury/abe/internal/runtime/logging"
)

// OptionsFromConfig maps the process configuration onto SessionOptions.
// Hooks and Tracer are left for the caller to set.
func OptionsFromConfig(conf *configpkg.Config, log loggingpkg.ServiceLogger) SessionOptions {
	if conf == nil {
		return SessionOptions{Logger: log}
	}
	return SessionOptions{
		Name:  conf.SessionName,
		Key:   conf.Key,
		Group: conf.ConsumerGroup,
		Retry: RetryPolicy{
			MaxAttempts: conf.HandlerMaxAttempts,
			Delay:       conf.HandlerRetryDelay,
			MaxDelay:    conf.HandlerRetryMaxDelay,
		},
		Backoff: BackoffPolicy{
			MaxRetries:      conf.ConsumeMaxRetries,
			InitialInterval: conf.ConsumeInitialInterval,
			MaxInterval:     conf.ConsumeMaxInterval,
		},
		HandlerTimeout:  conf.HandlerTimeout,
		ShutdownTimeout: conf.ShutdownTimeout,
		Logger:          log,
	}
}
