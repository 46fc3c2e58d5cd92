// Package broadcast distributes queued commands to downstream consumers.
//
// Commands are ordered by priority (FIFO within a priority) per target, and
// at most one command per target is dispatched at a time: the head of the
// queue becomes NEXT and must reach a terminal state before the next command
// is dispatched. Every dispatch is fanned out to all registered consumers
// (control and monitoring terminals) through bounded per-consumer queues, so
// a slow consumer drops its own oldest entries instead of blocking the rest.
// Unacknowledged dispatches are re-broadcast within a retry window, a
// bounded number of times.
package broadcast

import (
	"errors"
	"time"

	"github.com/openrobobrain/braincore/protocol"
)

// Common errors.
var (
	ErrClosed            = errors.New("broadcaster closed")
	ErrDuplicateConsumer = errors.New("consumer already registered")
	ErrNoConsumer        = errors.New("consumer not registered")
	ErrInvalidConfig     = errors.New("invalid configuration")
)

// SendFunc delivers one message to a consumer, typically a transport
// client's or server connection's send method.
type SendFunc func(msg *protocol.Message) error

// Config holds broadcaster configuration.
type Config struct {
	// QueueCapacity bounds each consumer's outbound queue; the oldest
	// entry is dropped on overflow.
	// Default: 64
	QueueCapacity int

	// AckWindow is how long a dispatched command may sit unacknowledged
	// before re-broadcast.
	// Default: 5s
	AckWindow time.Duration

	// MaxAttempts bounds delivery attempts; exhausting them fails the
	// command.
	// Default: 3
	MaxAttempts int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		QueueCapacity: 64,
		AckWindow:     5 * time.Second,
		MaxAttempts:   3,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.QueueCapacity < 0 || c.MaxAttempts < 0 || c.AckWindow < 0 {
		return ErrInvalidConfig
	}
	return nil
}
