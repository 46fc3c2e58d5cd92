package ratelimit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/openrobobrain/braincore/bus"
	"github.com/openrobobrain/braincore/protocol"
)

// DistributedConfig configures a bus-coordinated limiter.
type DistributedConfig struct {
	// Bus carries capacity updates between processes.
	Bus bus.MessageBus

	// AgentID identifies this process; its own updates are ignored.
	AgentID string

	// ReduceFactor is the multiplier applied when reducing capacity (0-1).
	// Default: 0.5
	ReduceFactor float64

	// RecoveryInterval is how often reduced capacity creeps back up.
	// Default: 30s
	RecoveryInterval time.Duration

	// RecoveryFactor is the multiplier applied on each recovery step (>1).
	// Default: 1.1
	RecoveryFactor float64

	// MaxRecovery caps recovery at the originally configured capacity.
	// Default: true
	MaxRecovery bool
}

// Validate checks the configuration.
func (c *DistributedConfig) Validate() error {
	if c.Bus == nil || c.AgentID == "" {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultDistributedConfig returns configuration with sensible defaults.
func DefaultDistributedConfig() DistributedConfig {
	return DistributedConfig{
		ReduceFactor:     0.5,
		RecoveryInterval: 30 * time.Second,
		RecoveryFactor:   1.1,
		MaxRecovery:      true,
	}
}

// resourceConfig remembers a resource's original settings for recovery.
type resourceConfig struct {
	originalCapacity int
	window           time.Duration
}

// DistributedLimiter coordinates limits across processes: a reduction
// announced anywhere is applied everywhere, then recovered gradually.
type DistributedLimiter struct {
	config DistributedConfig
	local  *MemoryLimiter

	mu                 sync.RWMutex
	resourceConfigs    map[string]*resourceConfig
	lastReduction      map[string]time.Time
	onCapacityCallback OnCapacityChange

	subID  string
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDistributedLimiter creates a limiter that shares capacity changes over
// the bus.
func NewDistributedLimiter(config DistributedConfig) (*DistributedLimiter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	def := DefaultDistributedConfig()
	if config.ReduceFactor == 0 {
		config.ReduceFactor = def.ReduceFactor
	}
	if config.RecoveryInterval == 0 {
		config.RecoveryInterval = def.RecoveryInterval
	}
	if config.RecoveryFactor == 0 {
		config.RecoveryFactor = def.RecoveryFactor
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &DistributedLimiter{
		config:          config,
		local:           NewMemoryLimiter(),
		resourceConfigs: make(map[string]*resourceConfig),
		lastReduction:   make(map[string]time.Time),
		ctx:             ctx,
		cancel:          cancel,
	}

	subID, err := config.Bus.Subscribe(TypeCapacityUpdate, d.handleUpdate)
	if err != nil {
		cancel()
		return nil, err
	}
	d.subID = subID

	d.wg.Add(1)
	go d.recoveryLoop()
	return d, nil
}

// handleUpdate applies a capacity reduction announced by another process.
func (d *DistributedLimiter) handleUpdate(msg *protocol.Message) error {
	update, err := updateFromPayload(msg.Payload)
	if err != nil {
		return nil // malformed updates are ignored
	}
	if update.AgentID == d.config.AgentID {
		return nil
	}

	d.mu.Lock()
	rc, ok := d.resourceConfigs[update.Resource]
	if ok && update.NewCapacity < rc.originalCapacity {
		d.local.SetCapacity(update.Resource, update.NewCapacity, rc.window)
		d.lastReduction[update.Resource] = time.Now()
	}
	callback := d.onCapacityCallback
	d.mu.Unlock()

	if callback != nil {
		callback(update)
	}
	return nil
}

// recoveryLoop gradually restores reduced capacity.
func (d *DistributedLimiter) recoveryLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.config.RecoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.attemptRecovery()
		}
	}
}

func (d *DistributedLimiter) attemptRecovery() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for resource, lastReduce := range d.lastReduction {
		if now.Sub(lastReduce) < d.config.RecoveryInterval {
			continue
		}
		rc, ok := d.resourceConfigs[resource]
		if !ok {
			continue
		}
		current := d.local.GetCapacity(resource)
		if current == nil {
			continue
		}

		next := int(float64(current.Total) * d.config.RecoveryFactor)
		if d.config.MaxRecovery && next > rc.originalCapacity {
			next = rc.originalCapacity
		}
		if next > current.Total {
			d.local.SetCapacity(resource, next, rc.window)
		}
		if next >= rc.originalCapacity {
			delete(d.lastReduction, resource)
		}
	}
}

// SetCapacity configures a resource and records its original settings.
func (d *DistributedLimiter) SetCapacity(resource string, capacity int, window time.Duration) {
	d.mu.Lock()
	d.resourceConfigs[resource] = &resourceConfig{
		originalCapacity: capacity,
		window:           window,
	}
	d.mu.Unlock()
	d.local.SetCapacity(resource, capacity, window)
}

// GetCapacity reports the resource's current limit.
func (d *DistributedLimiter) GetCapacity(resource string) *Capacity {
	return d.local.GetCapacity(resource)
}

// Acquire blocks until a token is available.
func (d *DistributedLimiter) Acquire(ctx context.Context, resource string) error {
	return d.local.Acquire(ctx, resource)
}

// TryAcquire takes a token without blocking.
func (d *DistributedLimiter) TryAcquire(resource string) bool {
	return d.local.TryAcquire(resource)
}

// Release returns a token.
func (d *DistributedLimiter) Release(resource string) {
	d.local.Release(resource)
}

// AnnounceReduced shrinks the local capacity and broadcasts the reduction so
// every process sharing the bus backs off together.
func (d *DistributedLimiter) AnnounceReduced(resource string, reason string) {
	d.mu.Lock()
	rc, ok := d.resourceConfigs[resource]
	if !ok {
		d.mu.Unlock()
		return
	}
	current := d.local.GetCapacity(resource)
	if current == nil {
		d.mu.Unlock()
		return
	}
	next := max(int(float64(current.Total)*d.config.ReduceFactor), 1)
	d.local.SetCapacity(resource, next, rc.window)
	d.lastReduction[resource] = time.Now()
	d.mu.Unlock()

	update := &CapacityUpdate{
		Resource:    resource,
		AgentID:     d.config.AgentID,
		NewCapacity: next,
		Reason:      reason,
		Timestamp:   time.Now().UTC(),
	}
	_ = d.config.Bus.Publish(protocol.New(TypeCapacityUpdate, d.config.AgentID, update.toPayload()))
}

// OnCapacityChange sets a callback for updates announced by peers.
func (d *DistributedLimiter) OnCapacityChange(cb OnCapacityChange) {
	d.mu.Lock()
	d.onCapacityCallback = cb
	d.mu.Unlock()
}

// Close unsubscribes from the bus and shuts the local limiter down.
func (d *DistributedLimiter) Close() error {
	d.cancel()
	_ = d.config.Bus.Unsubscribe(d.subID)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	return d.local.Close()
}

// toPayload converts the update to a wire payload.
func (u *CapacityUpdate) toPayload() map[string]any {
	return map[string]any{
		"resource":    u.Resource,
		"agentId":     u.AgentID,
		"newCapacity": u.NewCapacity,
		"reason":      u.Reason,
		"timestamp":   u.Timestamp.Format(time.RFC3339Nano),
	}
}

// updateFromPayload parses an update off the wire. Numeric fields arrive as
// float64 after a JSON round trip.
func updateFromPayload(payload map[string]any) (*CapacityUpdate, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var update CapacityUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		return nil, err
	}
	if update.Resource == "" {
		return nil, ErrInvalidConfig
	}
	return &update, nil
}

var _ Limiter = (*DistributedLimiter)(nil)
