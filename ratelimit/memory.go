package ratelimit

import (
	"context"
	"sync"
	"time"
)

// bucket is one resource's token bucket.
type bucket struct {
	capacity   int
	available  int
	window     time.Duration
	lastRefill time.Time
	inFlight   int
	cond       *sync.Cond
}

// refill adds tokens proportional to the time elapsed since the last refill.
func (b *bucket) refill(now time.Time) {
	if b.window <= 0 || b.capacity <= 0 {
		return
	}
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	added := int(float64(b.capacity) * float64(elapsed) / float64(b.window))
	if added <= 0 {
		return
	}
	b.available = min(b.available+added, b.capacity)
	b.lastRefill = now
}

// MemoryLimiter is a local token-bucket limiter, safe for concurrent use.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	closed  bool
	nowFunc func() time.Time // overridable in tests
}

// NewMemoryLimiter creates an in-process limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		buckets: make(map[string]*bucket),
		nowFunc: time.Now,
	}
}

// SetCapacity configures a resource's bucket. The bucket starts full.
func (m *MemoryLimiter) SetCapacity(resource string, capacity int, window time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if capacity <= 0 || window <= 0 {
		if b, ok := m.buckets[resource]; ok && b.cond != nil {
			b.cond.Broadcast()
		}
		delete(m.buckets, resource)
		return
	}
	if b, ok := m.buckets[resource]; ok {
		b.capacity = capacity
		b.window = window
		if b.available > capacity {
			b.available = capacity
		}
		return
	}
	m.buckets[resource] = &bucket{
		capacity:   capacity,
		available:  capacity,
		window:     window,
		lastRefill: m.nowFunc(),
	}
}

// GetCapacity reports a resource's current limit.
func (m *MemoryLimiter) GetCapacity(resource string) *Capacity {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[resource]
	if !ok {
		return nil
	}
	b.refill(m.nowFunc())
	return &Capacity{
		Resource:  resource,
		Available: b.available,
		Total:     b.capacity,
		Window:    b.window,
		InFlight:  b.inFlight,
	}
}

// TryAcquire takes a token without blocking.
func (m *MemoryLimiter) TryAcquire(resource string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	b, ok := m.buckets[resource]
	if !ok {
		return false
	}
	b.refill(m.nowFunc())
	if b.available > 0 {
		b.available--
		b.inFlight++
		return true
	}
	return false
}

// Acquire blocks until a token is available. Waiters are woken by Release
// and re-check on a short tick so time-based refills are picked up.
func (m *MemoryLimiter) Acquire(ctx context.Context, resource string) error {
	if m.TryAcquire(resource) {
		return nil
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(25 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
			case <-ticker.C:
			}
			m.mu.Lock()
			if b, ok := m.buckets[resource]; ok && b.cond != nil {
				b.cond.Broadcast()
			}
			m.mu.Unlock()
			select {
			case <-done:
				return
			default:
			}
		}
	}()

	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if m.closed {
			return ErrClosed
		}
		b, ok := m.buckets[resource]
		if !ok {
			return ErrResourceUnknown
		}
		b.refill(m.nowFunc())
		if b.available > 0 {
			b.available--
			b.inFlight++
			return nil
		}
		if b.cond == nil {
			b.cond = sync.NewCond(&m.mu)
		}
		b.cond.Wait()
	}
}

// Release returns a token, allowing immediate reuse ahead of the refill.
func (m *MemoryLimiter) Release(resource string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	b, ok := m.buckets[resource]
	if !ok {
		return
	}
	if b.inFlight > 0 {
		b.inFlight--
	}
	if b.available < b.capacity {
		b.available++
	}
	if b.cond != nil {
		b.cond.Signal()
	}
}

// AnnounceReduced shrinks the local capacity by a quarter. The memory
// limiter has no peers to notify.
func (m *MemoryLimiter) AnnounceReduced(resource string, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[resource]
	if !ok {
		return
	}
	b.capacity = max(int(float64(b.capacity)*0.75), 1)
	if b.available > b.capacity {
		b.available = b.capacity
	}
}

// Close shuts the limiter down and wakes all waiters.
func (m *MemoryLimiter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.closed = true
	for _, b := range m.buckets {
		if b.cond != nil {
			b.cond.Broadcast()
		}
	}
	return nil
}

var _ Limiter = (*MemoryLimiter)(nil)
