package bus

import (
	"context"
	"errors"
	"time"

	"github.com/openrobobrain/braincore/protocol"
)

// Common errors.
var (
	ErrClosed         = errors.New("bus closed")
	ErrTimeout        = errors.New("request timeout")
	ErrCanceled       = errors.New("request canceled")
	ErrInvalidPattern = errors.New("invalid type pattern")
	ErrNoSubscription = errors.New("subscription not found")
)

// Handler processes a delivered message. A handler returning an error (or
// panicking) is logged and isolated; it never prevents delivery to the
// remaining subscribers of the same publish.
type Handler func(msg *protocol.Message) error

// MessageBus delivers messages between agents and implements
// request/response semantics over the same one-way delivery primitive.
type MessageBus interface {
	// Publish fans the message out to all subscribers whose pattern matches
	// the message type. Delivery is best-effort and never blocks the caller.
	Publish(msg *protocol.Message) error

	// Subscribe registers a handler for a type pattern (exact type or a
	// wildcard such as "event.*"). Returns a subscription ID.
	Subscribe(pattern string, handler Handler) (string, error)

	// Unsubscribe removes a subscription. Unknown IDs return
	// ErrNoSubscription.
	Unsubscribe(id string) error

	// Request publishes a request addressed to target and suspends the
	// caller until a response with a matching correlation ID arrives, the
	// timeout elapses (ErrTimeout), the context is canceled, or the bus
	// shuts down (ErrClosed).
	Request(ctx context.Context, target string, payload map[string]any, timeout time.Duration) (*protocol.Message, error)

	// Respond publishes a response whose correlation ID is copied from the
	// message being answered.
	Respond(original *protocol.Message, payload map[string]any) error

	// Close shuts the bus down, failing all pending requests with ErrClosed
	// and refusing new publishes and subscriptions.
	Close() error
}

// Config holds common bus configuration.
type Config struct {
	// BufferSize for per-subscriber delivery queues.
	// Default: 256
	BufferSize int

	// DefaultTimeout for requests issued with a non-positive timeout.
	// Default: 30s
	DefaultTimeout time.Duration

	// SweepInterval for the pending-request expiry sweep. Should be a
	// fraction of the smallest timeout in use.
	// Default: 250ms
	SweepInterval time.Duration
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:     256,
		DefaultTimeout: 30 * time.Second,
		SweepInterval:  250 * time.Millisecond,
	}
}

// ValidatePattern checks that a subscription pattern is usable: a non-empty
// exact type, or a single-level wildcard such as "event.*".
func ValidatePattern(pattern string) error {
	if pattern == "" || pattern == "*" || pattern == ".*" {
		return ErrInvalidPattern
	}
	return nil
}
