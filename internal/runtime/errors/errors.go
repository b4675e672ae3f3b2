package errors

import sterrors "errors"

var (
	ErrProviderRequired   = sterrors.New("abe: provider is required")
	ErrHandlerRequired    = sterrors.New("abe: handler function is required")
	ErrConsumeKeyRequired = sterrors.New("abe: consume key is required")
	ErrSessionRunning     = sterrors.New("abe: session is already running")
	ErrConfigRequired     = sterrors.New("abe: configuration is required")
)

// ConfigValidationError wraps the joined validation problems of a Config.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "abe: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
