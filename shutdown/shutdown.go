// Package shutdown stops the coordination core in dependency order.
//
// Components register a stop handler under a phase; lower phases run first,
// handlers within a phase run concurrently. The canonical order tears the
// stack down from the outside in: the transport stops accepting traffic
// first, then the broadcaster stops dispatching, then the bridge releases
// its waiters, and the bus closes last since everything above publishes
// through it.
package shutdown

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrAlreadyStopped = errors.New("shutdown already initiated")
	ErrTimeout        = errors.New("shutdown timeout exceeded")
	ErrHandlerFailed  = errors.New("one or more handlers failed")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// Canonical phases for the coordination core. Lower runs first.
const (
	PhaseTransport   = 10
	PhaseBroadcaster = 20
	PhaseBridge      = 30
	PhaseBus         = 40
)

// Handler is implemented by components that need orderly teardown. The
// context is cancelled when the overall shutdown deadline passes.
type Handler interface {
	OnShutdown(ctx context.Context) error
}

// Func adapts a plain function to Handler.
type Func func(ctx context.Context) error

// OnShutdown implements Handler.
func (f Func) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// Result records one handler's teardown outcome.
type Result struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Config configures the coordinator.
type Config struct {
	// Timeout bounds the whole shutdown sequence when triggered by a signal
	// or StopWithTimeout(0).
	// Default: 30s
	Timeout time.Duration

	// ContinueOnError keeps later phases running after a handler fails.
	// Default: true
	ContinueOnError bool

	// OnProgress is called as each handler finishes.
	OnProgress func(Result)
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		ContinueOnError: true,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Timeout < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// registration is one handler with its teardown phase.
type registration struct {
	name    string
	handler Handler
	phase   int
}
