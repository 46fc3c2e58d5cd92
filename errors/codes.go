package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: request timeouts, a consumer that missed its ack window.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: unknown command type, invalid parameters.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates resource exhaustion.
	// Examples: outbound queue overflow, out of sockets.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates unexpected errors, bugs, or system failures.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes for the coordination core.
const (
	// Transient errors
	ErrCodeTimeout        ErrorCode = "TIMEOUT"         // Request unresolved within deadline
	ErrCodeConnectionLost ErrorCode = "CONNECTION_LOST" // Transport connection dropped
	ErrCodeUnreachable    ErrorCode = "UNREACHABLE"     // Target agent not connected
	ErrCodeAckMissed      ErrorCode = "ACK_MISSED"      // Consumer did not acknowledge in time

	// Permanent errors
	ErrCodeUnknownCommand    ErrorCode = "UNKNOWN_COMMAND"    // No translator for command type
	ErrCodeInvalidParameters ErrorCode = "INVALID_PARAMETERS" // Parameters do not match the command schema
	ErrCodeMalformedMessage  ErrorCode = "MALFORMED_MESSAGE"  // Wire message failed to parse
	ErrCodeCanceled          ErrorCode = "CANCELED"           // Operation canceled (shutdown or emergency stop)
	ErrCodeCommandFailed     ErrorCode = "COMMAND_FAILED"     // Downstream execution failed

	// Resource errors
	ErrCodeQueueOverflow ErrorCode = "QUEUE_OVERFLOW" // Bounded consumer queue dropped entries
	ErrCodeCapacity      ErrorCode = "CAPACITY"       // Transport out of sockets

	// Internal errors
	ErrCodeInternal     ErrorCode = "INTERNAL"      // Unexpected internal error
	ErrCodeHandlerError ErrorCode = "HANDLER_ERROR" // A subscriber handler failed
	ErrCodePanic        ErrorCode = "PANIC"         // Recovered from panic
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeConnectionLost, ErrCodeUnreachable, ErrCodeAckMissed:
		return CategoryTransient

	case ErrCodeUnknownCommand, ErrCodeInvalidParameters, ErrCodeMalformedMessage,
		ErrCodeCanceled, ErrCodeCommandFailed:
		return CategoryPermanent

	case ErrCodeQueueOverflow, ErrCodeCapacity:
		return CategoryResource

	case ErrCodeInternal, ErrCodeHandlerError, ErrCodePanic:
		return CategoryInternal

	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

// codeDescriptions provides human-readable descriptions for error codes.
var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:           "request timed out",
	ErrCodeConnectionLost:    "connection lost",
	ErrCodeUnreachable:       "target agent unreachable",
	ErrCodeAckMissed:         "consumer did not acknowledge in time",
	ErrCodeUnknownCommand:    "unknown command type",
	ErrCodeInvalidParameters: "invalid command parameters",
	ErrCodeMalformedMessage:  "malformed wire message",
	ErrCodeCanceled:          "operation canceled",
	ErrCodeCommandFailed:     "command execution failed",
	ErrCodeQueueOverflow:     "outbound queue overflow",
	ErrCodeCapacity:          "transport at capacity",
	ErrCodeInternal:          "internal error",
	ErrCodeHandlerError:      "subscriber handler failed",
	ErrCodePanic:             "recovered from panic",
}

// Description returns a human-readable description for the code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return string(c)
}
