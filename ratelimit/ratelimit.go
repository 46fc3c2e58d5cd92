package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrClosed          = errors.New("limiter closed")
	ErrResourceUnknown = errors.New("unknown resource")
	ErrInvalidConfig   = errors.New("invalid configuration")
)

// TypeCapacityUpdate is the message type capacity changes are published
// under, so every process sharing the bus converges on the same limits.
const TypeCapacityUpdate = "event.ratelimit"

// Limiter bounds how fast a resource may be used. The transport uses one to
// keep a flooding agent from drowning the bus; resources are agent IDs
// there, but any string key works.
type Limiter interface {
	// Acquire blocks until a token is available for the resource, the
	// context ends, or the limiter closes.
	Acquire(ctx context.Context, resource string) error

	// TryAcquire takes a token without blocking. False means over limit.
	TryAcquire(resource string) bool

	// Release returns a token, for semaphore-style in-flight tracking.
	Release(resource string)

	// SetCapacity configures a resource: capacity tokens per window.
	// A non-positive capacity or window removes the resource.
	SetCapacity(resource string, capacity int, window time.Duration)

	// AnnounceReduced shrinks the resource's capacity, typically after
	// downstream pushback. Distributed limiters broadcast the reduction.
	AnnounceReduced(resource string, reason string)

	// GetCapacity reports the resource's current limit, or nil if unknown.
	GetCapacity(resource string) *Capacity

	// Close shuts the limiter down and wakes all waiters.
	Close() error
}

// Capacity describes one resource's current limit.
type Capacity struct {
	Resource  string
	Available int
	Total     int
	Window    time.Duration
	InFlight  int
}

// CapacityUpdate is broadcast over the bus when a limit changes.
type CapacityUpdate struct {
	Resource    string    `json:"resource"`
	AgentID     string    `json:"agentId"`
	NewCapacity int       `json:"newCapacity"`
	Reason      string    `json:"reason"`
	Timestamp   time.Time `json:"timestamp"`
}

// OnCapacityChange is called when another process announces a new limit.
type OnCapacityChange func(update *CapacityUpdate)
