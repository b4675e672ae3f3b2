package abe

import (
	"context"

	runtimepkg "github.com/drblury/abe/internal/runtime"
	configpkg "github.com/drblury/abe/internal/runtime/config"
	errspkg "github.com/drblury/abe/internal/runtime/errors"
	idspkg "github.com/drblury/abe/internal/runtime/ids"
	jsoncodec "github.com/drblury/abe/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/abe/internal/runtime/logging"
	"github.com/drblury/abe/provider"
	// memory is the default backend and must always resolve.
	_ "github.com/drblury/abe/provider/memory"
)

type (
	Provider             = provider.Provider
	Stream               = provider.Stream
	Message              = provider.Message
	Payload              = provider.Payload
	ConsumeOptions       = provider.ConsumeOptions
	CapabilitiesProvider = provider.CapabilitiesProvider
	Capabilities         = provider.Capabilities
	Descriptor           = provider.Descriptor
	Factory              = provider.Factory
	Environment          = provider.Environment
	Registry             = provider.Registry
	LoadOptions          = provider.LoadOptions

	ProviderNotFoundError     = provider.ProviderNotFoundError
	ProviderConstructionError = provider.ProviderConstructionError
	PublishError              = provider.PublishError
	ConsumeError              = provider.ConsumeError
	AcknowledgeError          = provider.AcknowledgeError

	Session        = runtimepkg.Session
	SessionOptions = runtimepkg.SessionOptions
	Handler        = runtimepkg.Handler
	State          = runtimepkg.State
	RetryPolicy    = runtimepkg.RetryPolicy
	BackoffPolicy  = runtimepkg.BackoffPolicy
	Hooks          = runtimepkg.Hooks
	MessageInfo    = runtimepkg.MessageInfo
	Metrics        = runtimepkg.Metrics

	HandlerExhaustedError = runtimepkg.HandlerExhaustedError
	SessionError          = runtimepkg.SessionError
	PanicError            = runtimepkg.PanicError

	Config                = configpkg.Config
	ConfigValidationError = errspkg.ConfigValidationError

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger
	LogOptions    = loggingpkg.Options
	LogFormat     = loggingpkg.Format
)

// Session states.
const (
	StateCreated  = runtimepkg.StateCreated
	StateRunning  = runtimepkg.StateRunning
	StateStopping = runtimepkg.StateStopping
	StateStopped  = runtimepkg.StateStopped
	StateFailed   = runtimepkg.StateFailed
)

// Message outcomes recorded by Metrics.
const (
	OutcomeSuccess      = runtimepkg.OutcomeSuccess
	OutcomeHandlerError = runtimepkg.OutcomeHandlerError
	OutcomeSettleError  = runtimepkg.OutcomeSettleError
)

var (
	NewSession        = runtimepkg.NewSession
	NewMetrics        = runtimepkg.NewMetrics
	LoggingHooks      = runtimepkg.LoggingHooks
	AlertingHooks     = runtimepkg.AlertingHooks
	OptionsFromConfig = runtimepkg.OptionsFromConfig
	EncodePayload     = runtimepkg.EncodePayload

	Load              = provider.Load
	ResolveName       = provider.ResolveName
	NewRegistry       = provider.NewRegistry
	DefaultRegistry   = provider.DefaultRegistry
	RegisterProvider  = provider.Register
	MustRegister      = provider.MustRegister
	ProviderNames     = provider.Names
	GetCapabilities   = provider.GetCapabilities
	OSEnvironment     = provider.OSEnvironment
	IsTransient       = provider.IsTransient
	NewTransientError = provider.NewTransientError
	NewTerminalError  = provider.NewTerminalError

	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	NewLogger            = loggingpkg.New
	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewWatermillAdapter  = loggingpkg.NewWatermillAdapter
	NopLogger            = loggingpkg.NopLogger

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal

	NewID = idspkg.New

	ErrClosed            = provider.ErrClosed
	ErrStreamClosed      = provider.ErrStreamClosed
	ErrDuplicateProvider = provider.ErrDuplicateProvider
	ErrUnknownDelivery   = provider.ErrUnknownDelivery
	ErrAlreadySettled    = provider.ErrAlreadySettled

	ErrProviderRequired   = errspkg.ErrProviderRequired
	ErrHandlerRequired    = errspkg.ErrHandlerRequired
	ErrConsumeKeyRequired = errspkg.ErrConsumeKeyRequired
	ErrSessionRunning     = errspkg.ErrSessionRunning
	ErrConfigRequired     = errspkg.ErrConfigRequired
)

// NewLoggerFromConfig builds the slog-backed logger described by the
// LOG_LEVEL and LOG_FORMAT settings of conf.
func NewLoggerFromConfig(conf *Config) (ServiceLogger, error) {
	if conf == nil {
		return nil, ErrConfigRequired
	}
	return loggingpkg.New(loggingpkg.Options{
		Level:  conf.LogLevel,
		Format: loggingpkg.Format(conf.LogFormat),
	})
}

// NewSessionFromConfig loads the provider selected by conf.Backend from
// conf.Environment and wraps it in a Session configured from conf. A nil
// logger is built from conf. The session logs message events at debug level.
func NewSessionFromConfig(ctx context.Context, conf *Config, logger ServiceLogger) (*Session, error) {
	if conf == nil {
		return nil, ErrConfigRequired
	}
	if logger == nil {
		var err error
		if logger, err = NewLoggerFromConfig(conf); err != nil {
			return nil, err
		}
	}

	p, err := provider.Load(ctx, provider.LoadOptions{
		Name:   conf.Backend,
		Env:    conf.Environment,
		Logger: loggingpkg.NewWatermillAdapter(logger),
	})
	if err != nil {
		return nil, err
	}

	opts := runtimepkg.OptionsFromConfig(conf, logger)
	opts.Hooks = runtimepkg.LoggingHooks(logger)
	return runtimepkg.NewSession(p, opts), nil
}

// JSONHandler adapts a handler taking a typed message to Handler.
func JSONHandler[T any](handler func(ctx context.Context, msg T) error) Handler {
	if handler == nil {
		return nil
	}
	return runtimepkg.JSONHandler[T](handler)
}

// DecodePayload converts payload into T.
func DecodePayload[T any](payload Payload) (T, error) {
	return runtimepkg.DecodePayload[T](payload)
}
