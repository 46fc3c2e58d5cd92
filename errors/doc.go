// Package errors provides the structured error taxonomy for the braincore
// coordination core. Every failure that crosses a component boundary (bus,
// transport, bridge, broadcaster) carries a code and a category so callers
// can decide whether to retry, surface, or drop.
//
// # Error Categories
//
//   - Transient: temporary failures where retry may succeed (timeouts, lost
//     connections, missed acks)
//   - Permanent: failures where retry will not help (unknown command type,
//     invalid parameters, malformed messages)
//   - Resource: exhaustion issues (queue overflow, out of sockets)
//   - Internal: unexpected errors indicating bugs (handler failures, panics)
//
// # Usage
//
// Create a new error:
//
//	err := errors.Timeout("request to vision timed out")
//
// Wrap an existing error with context:
//
//	wrapped := errors.Wrap(err, "dispatching command")
//
// Check a code anywhere in a chain:
//
//	if errors.Is(err, errors.ErrCodeUnknownCommand) { ... }
//
// # JSON Serialization
//
// Errors round-trip through JSON so a structured failure can ride inside a
// feedback payload back to the originating agent.
package errors
