package registry

import (
	"sort"
	"sync"
	"time"
)

// MemoryRegistry is an in-memory implementation of Registry, the natural fit
// for a single-process brain where the transport is the only writer.
type MemoryRegistry struct {
	mu       sync.RWMutex
	agents   map[string]AgentInfo
	watchers []chan Event
	closed   bool
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		agents: make(map[string]AgentInfo),
	}
}

// Register adds or updates an agent.
func (r *MemoryRegistry) Register(info AgentInfo) error {
	if err := Validate(info); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	now := time.Now()
	info.LastSeen = now
	if info.Status == "" {
		info.Status = StatusOnline
	}

	old, exists := r.agents[info.ID]
	if exists && info.ConnectedAt.IsZero() {
		info.ConnectedAt = old.ConnectedAt
	} else if info.ConnectedAt.IsZero() {
		info.ConnectedAt = now
	}
	r.agents[info.ID] = info

	eventType := EventJoined
	if exists {
		eventType = EventUpdated
	}
	r.notifyWatchers(Event{Type: eventType, Agent: info})
	return nil
}

// Deregister removes an agent.
func (r *MemoryRegistry) Deregister(id string) error {
	if id == "" {
		return ErrInvalidID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	agent, exists := r.agents[id]
	if !exists {
		return ErrNotFound
	}

	delete(r.agents, id)
	r.notifyWatchers(Event{Type: EventLeft, Agent: agent})
	return nil
}

// Get retrieves an agent by ID.
func (r *MemoryRegistry) Get(id string) (*AgentInfo, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrClosed
	}

	agent, exists := r.agents[id]
	if !exists {
		return nil, ErrNotFound
	}
	return &agent, nil
}

// List returns all agents, restricted to a role when role is non-empty.
// Results are sorted by ID for stable ordering.
func (r *MemoryRegistry) List(role string) ([]AgentInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrClosed
	}

	var result []AgentInfo
	for _, agent := range r.agents {
		if role == "" || HasRole(agent, role) {
			result = append(result, agent)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// Watch returns a channel of membership events.
func (r *MemoryRegistry) Watch() (<-chan Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	ch := make(chan Event, 64)
	r.watchers = append(r.watchers, ch)
	return ch, nil
}

// Close shuts down the registry and closes all watcher channels.
func (r *MemoryRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	for _, ch := range r.watchers {
		close(ch)
	}
	r.watchers = nil
	return nil
}

// notifyWatchers sends an event to all watchers.
// Must be called with lock held.
func (r *MemoryRegistry) notifyWatchers(event Event) {
	for _, ch := range r.watchers {
		select {
		case ch <- event:
		default:
			// Watcher buffer full, skip
		}
	}
}
