package errors

// Error codes for the core contracts. Keep stable; used across adapters,
// mediator, event bus, resilience, and container.
const (
	ErrCodeHandlerNotFound     = "loomcore.handler_not_found"
	ErrCodeHandlerTypeMismatch = "loomcore.handler_type_mismatch"
	ErrCodeAsyncNotConfigured  = "loomcore.async_not_configured"
	ErrCodeEnqueueFailed       = "loomcore.enqueue_failed"
	ErrCodePublishFailed       = "loomcore.publish_failed"
	ErrCodeSerializationFailed = "loomcore.serialization_failed"

	ErrCodeCircuitOpen      = "loomcore.circuit_open"
	ErrCodeTimeout          = "loomcore.timeout"
	ErrCodeRetriesExhausted = "loomcore.retries_exhausted"

	ErrCodeNotRegistered = "loomcore.not_registered"
	ErrCodeNoActiveScope = "loomcore.no_active_scope"
	ErrCodeScopeClosed   = "loomcore.scope_closed"

	ErrCodeStreamClosed = "loomcore.stream_closed"
)

// Code returns an error value that carries only a code string.
// It implements error by returning the code string in Error().
func Code(code string) error { return codedError(code) }

type codedError string

func (e codedError) Error() string { return string(e) }

var (
	ErrHandlerNotFound     = Code(ErrCodeHandlerNotFound)
	ErrHandlerTypeMismatch = Code(ErrCodeHandlerTypeMismatch)
	ErrAsyncNotConfigured  = Code(ErrCodeAsyncNotConfigured)
	ErrEnqueueFailed       = Code(ErrCodeEnqueueFailed)
	ErrPublishFailed       = Code(ErrCodePublishFailed)
	ErrSerializationFailed = Code(ErrCodeSerializationFailed)

	// ErrCircuitOpen is returned when a circuit breaker rejects a call
	// without attempting the wrapped operation. Kept distinct from the
	// wrapped operation's own failures so callers can tell "dependency
	// known-bad, fail fast" apart from "this call itself failed".
	ErrCircuitOpen      = Code(ErrCodeCircuitOpen)
	ErrTimeout          = Code(ErrCodeTimeout)
	ErrRetriesExhausted = Code(ErrCodeRetriesExhausted)

	// Container configuration errors. Fatal at the call site; they indicate
	// a startup/wiring bug and must never be retried.
	ErrNotRegistered = Code(ErrCodeNotRegistered)
	ErrNoActiveScope = Code(ErrCodeNoActiveScope)
	ErrScopeClosed   = Code(ErrCodeScopeClosed)

	ErrStreamClosed = Code(ErrCodeStreamClosed)
)
