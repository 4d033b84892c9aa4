package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fluxpipe/fluxpipe/internal/engine/ids"
	"github.com/fluxpipe/fluxpipe/internal/engine/logging"
)

// MetadataKeyCorrelationID is the metadata field guaranteed by the
// correlation policy.
const MetadataKeyCorrelationID = "correlation_id"

// CorrelationPolicy ensures every event entering the chain and every response
// leaving it carries a correlation identifier in its message metadata.
// Operations may answer with a message built from scratch, so the identifier
// is copied onto the response when it is missing there.
func CorrelationPolicy() PolicyStep {
	return PolicyStep{
		Name:      "correlation_id",
		Propagate: true,
		Processor: func(next StageFunc) StageFunc {
			return func(ctx context.Context, evt *Event) (*Event, error) {
				id, ok := evt.Message().Metadata[MetadataKeyCorrelationID]
				if !ok {
					id = ids.CreateULID()
					evt.Message().Metadata.Set(MetadataKeyCorrelationID, id)
				}
				result, err := next(ctx, evt)
				if err != nil {
					return nil, err
				}
				if _, ok := result.Message().Metadata[MetadataKeyCorrelationID]; !ok {
					result.Message().Metadata.Set(MetadataKeyCorrelationID, id)
				}
				return result, nil
			}
		},
	}
}

// LoggingPolicy logs each invocation's message before the wrapped chain runs.
func LoggingPolicy(logger logging.ServiceLogger) PolicyStep {
	return PolicyStep{
		Name:      "log_invocations",
		Propagate: true,
		Processor: func(next StageFunc) StageFunc {
			return func(ctx context.Context, evt *Event) (*Event, error) {
				logger.Debug("processing invocation", logging.LogFields{
					"message_uuid":     evt.Message().UUID,
					"metadata":         evt.Message().Metadata,
					"event_context_id": evt.Context().ID,
				})
				return next(ctx, evt)
			}
		},
	}
}

// TracingPolicy wraps the rest of the chain in an OpenTelemetry span.
func TracingPolicy() PolicyStep {
	return PolicyStep{
		Name:      "tracer",
		Propagate: true,
		Processor: func(next StageFunc) StageFunc {
			return func(ctx context.Context, evt *Event) (*Event, error) {
				tracer := otel.Tracer("fluxpipe-policy-tracer")
				spanCtx, span := tracer.Start(ctx, "InvokeOperation")
				defer span.End()

				span.SetAttributes(
					attribute.String("message.uuid", evt.Message().UUID),
					attribute.String("event.context_id", evt.Context().ID),
				)
				return next(spanCtx, evt)
			}
		},
	}
}

// RetryPolicyConfig customises the retry policy behaviour.
type RetryPolicyConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RetryIf         func(error) bool
}

func (cfg RetryPolicyConfig) withDefaults() RetryPolicyConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 16 * time.Second
	}
	return cfg
}

// RetryPolicy retries the wrapped chain with exponential backoff (defaults
// applied to zero values). Only the final error surfaces to the caller.
func RetryPolicy(cfg RetryPolicyConfig) PolicyStep {
	normalized := cfg.withDefaults()
	return PolicyStep{
		Name:      "retry",
		Propagate: true,
		Processor: func(next StageFunc) StageFunc {
			return func(ctx context.Context, evt *Event) (*Event, error) {
				interval := normalized.InitialInterval
				var lastErr error
				for attempt := 0; attempt <= normalized.MaxRetries; attempt++ {
					if attempt > 0 {
						select {
						case <-time.After(interval):
						case <-ctx.Done():
							return nil, &InvocationError{Event: evt, Err: ctx.Err()}
						}
						interval *= 2
						if interval > normalized.MaxInterval {
							interval = normalized.MaxInterval
						}
					}
					result, err := next(ctx, evt)
					if err == nil {
						return result, nil
					}
					lastErr = err
					if normalized.RetryIf != nil && !normalized.RetryIf(err) {
						break
					}
				}
				return nil, lastErr
			}
		},
	}
}

// ValidationPolicy evaluates a boolean expression against the invocation's
// operation parameters before the wrapped chain runs. Because it governs what
// the operation may see, it does not propagate other steps' transformations
// of the operation response. The expression has access to a `params` map,
// for example: `params.amount > 0 && params.currency == "EUR"`.
func ValidationPolicy(expression string) (PolicyStep, error) {
	program, err := expr.Compile(expression, expr.Env(validationEnv{}), expr.AsBool())
	if err != nil {
		return PolicyStep{}, fmt.Errorf("fluxpipe: compiling validation expression: %w", err)
	}
	return PolicyStep{
		Name:      "validation",
		Propagate: false,
		Processor: func(next StageFunc) StageFunc {
			return func(ctx context.Context, evt *Event) (*Event, error) {
				params, err := invocationParameters(evt)
				if err != nil {
					return nil, &InvocationError{Event: evt, Err: err}
				}
				ok, err := runValidation(program, params)
				if err != nil {
					return nil, &InvocationError{Event: evt, Err: err}
				}
				if !ok {
					return nil, &InvocationError{Event: evt, Err: fmt.Errorf("fluxpipe: validation expression rejected invocation %s", evt.Context().ID)}
				}
				return next(ctx, evt)
			}
		},
	}, nil
}

type validationEnv struct {
	Params map[string]any `expr:"params"`
}

func runValidation(program *vm.Program, params map[string]any) (bool, error) {
	output, err := expr.Run(program, validationEnv{Params: params})
	if err != nil {
		return false, err
	}
	ok, isBool := output.(bool)
	if !isBool {
		return false, fmt.Errorf("fluxpipe: validation expression returned %T, want bool", output)
	}
	return ok, nil
}

// invocationParameters extracts the operation parameters attached to the
// in-flight event.
func invocationParameters(evt *Event) (map[string]any, error) {
	proc, _ := evt.InternalParameter(paramParametersProcessor).(ParametersProcessorFunc)
	if proc == nil {
		return map[string]any{}, nil
	}
	return proc()
}
