package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	// ErrSinkUnavailable is returned when an event is submitted to a sink
	// that has been disposed or whose pipeline subscription has terminated.
	ErrSinkUnavailable = sterrors.New("fluxpipe: sink is disposed or cancelled")

	// ErrChainTerminated is returned for submissions after the policy chain's
	// shared pipeline ended unexpectedly. The chain instance is inert and
	// needs to be rebuilt.
	ErrChainTerminated = sterrors.New("fluxpipe: policy chain terminated, no further invocations can complete")

	// ErrExecutorShutdown is returned when a task is submitted to an executor
	// that no longer accepts work.
	ErrExecutorShutdown = sterrors.New("fluxpipe: executor is shut down")

	ErrPipelineRequired     = sterrors.New("fluxpipe: pipeline function is required")
	ErrLoggerRequired       = sterrors.New("fluxpipe: logger is required")
	ErrConfigRequired       = sterrors.New("fluxpipe: configuration is required")
	ErrOperationRequired    = sterrors.New("fluxpipe: operation execution function is required")
	ErrSinkFactoryRequired  = sterrors.New("fluxpipe: sink factory is required")
	ErrPoolProviderRequired = sterrors.New("fluxpipe: pool provider is required")
)

// ConfigValidationError wraps the underlying cause of an invalid engine
// configuration.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("fluxpipe: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError wraps err in a ConfigValidationError. A nil err
// returns nil so callers can pass through validation results directly.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// DisposeInterruptedError reports that a blocking wait during sink disposal
// was interrupted. Disposal is expected to run uninterrupted, so callers
// treat this as fatal rather than retrying.
type DisposeInterruptedError struct {
	Sink string
	Err  error
}

func (e *DisposeInterruptedError) Error() string {
	return fmt.Sprintf("fluxpipe: disposal of sink %q interrupted: %v", e.Sink, e.Err)
}

func (e *DisposeInterruptedError) Unwrap() error { return e.Err }
