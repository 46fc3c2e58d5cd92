// Package registry provides a directory of online agents for the
// coordination core.
//
// The transport registers agents as they connect and removes them as they
// drop; the bridge and broadcaster consult the directory to decide where
// commands and feedback can be routed. Watchers observe membership changes.
package registry

import (
	"errors"
	"time"
)

// Common errors.
var (
	ErrNotFound  = errors.New("agent not found")
	ErrClosed    = errors.New("registry closed")
	ErrInvalidID = errors.New("invalid agent ID")
)

// Status represents an agent's availability.
type Status string

const (
	StatusOnline   Status = "online"
	StatusDraining Status = "draining"
)

// AgentInfo is the directory entry for one agent.
type AgentInfo struct {
	// ID uniquely identifies the agent.
	ID string

	// Roles lists what the agent does (e.g., "planner", "consumer",
	// "monitor", "control").
	Roles []string

	// Status is the agent's availability.
	Status Status

	// Metadata contains additional key-value pairs from the handshake.
	Metadata map[string]string

	// ConnectedAt is when the agent joined.
	ConnectedAt time.Time

	// LastSeen is when the agent last updated its entry.
	LastSeen time.Time
}

// EventType represents the type of directory event.
type EventType string

const (
	EventJoined  EventType = "joined"
	EventUpdated EventType = "updated"
	EventLeft    EventType = "left"
)

// Event represents a membership change.
type Event struct {
	// Type indicates what happened.
	Type EventType

	// Agent contains the agent information. For EventLeft this is the
	// last known state.
	Agent AgentInfo
}

// Registry provides agent registration and discovery.
type Registry interface {
	// Register adds or updates an agent. Re-registering an existing ID
	// updates the entry.
	Register(info AgentInfo) error

	// Deregister removes an agent. Returns ErrNotFound for unknown IDs.
	Deregister(id string) error

	// Get retrieves an agent by ID.
	Get(id string) (*AgentInfo, error)

	// List returns all agents, optionally restricted to a role.
	List(role string) ([]AgentInfo, error)

	// Watch returns a channel of membership events. The channel closes
	// when the registry closes. Multiple watchers are supported.
	Watch() (<-chan Event, error)

	// Close shuts the registry down.
	Close() error
}

// HasRole checks if an agent carries a role.
func HasRole(info AgentInfo, role string) bool {
	for _, r := range info.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Validate checks an entry for registration.
func Validate(info AgentInfo) error {
	if info.ID == "" {
		return ErrInvalidID
	}
	return nil
}
