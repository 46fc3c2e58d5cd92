package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/openrobobrain/braincore/logging"
	"github.com/openrobobrain/braincore/protocol"
)

// MemoryBus implements MessageBus with in-process delivery. One instance is
// constructed at process start and passed explicitly to every component that
// needs it; there is no ambient singleton.
type MemoryBus struct {
	config Config
	log    *logging.Logger

	mu     sync.RWMutex
	subs   []*memorySub
	byID   map[string]*memorySub
	closed atomic.Bool

	// Pending-request table. All mutation goes through take/put under
	// pendingMu so a response and a timeout can never both resolve the
	// same entry.
	pendingMu sync.Mutex
	pending   map[string]*pendingRequest

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// memorySub is one subscription: a pattern, a handler, and a buffered
// delivery queue drained by a dedicated goroutine so one slow or failing
// handler cannot stall the publisher or its peers.
type memorySub struct {
	id      string
	pattern string
	handler Handler
	ch      chan *protocol.Message
	done    chan struct{}
	closed  atomic.Bool
}

// pendingRequest tracks one outstanding request. Exactly one resolution
// (response, timeout, cancellation, shutdown) wins: the winner is whichever
// path removes the entry from the table.
type pendingRequest struct {
	correlationID string
	target        string
	createdAt     time.Time
	deadline      time.Time
	respCh        chan *protocol.Message // buffered 1
	errCh         chan error             // buffered 1
}

// NewMemoryBus creates a new in-process message bus. The sweep goroutine
// starts immediately and runs until Close.
func NewMemoryBus(cfg Config, log *logging.Logger) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	if log == nil {
		log = logging.New()
	}

	b := &MemoryBus{
		config:    cfg,
		log:       log.WithComponent("bus"),
		byID:      make(map[string]*memorySub),
		pending:   make(map[string]*pendingRequest),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}

	go b.sweepLoop()
	return b
}

// Publish fans the message out to all matching subscribers and resolves a
// pending request when the message carries a matching correlation ID.
func (b *MemoryBus) Publish(msg *protocol.Message) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if msg == nil || msg.Type == "" {
		return ErrInvalidPattern
	}
	if msg.Expired() {
		b.log.MessageDropped(msg.Type, "expired")
		return nil
	}

	if msg.CorrelationID != "" {
		b.resolve(msg.CorrelationID, msg)
	}

	b.mu.RLock()
	subs := make([]*memorySub, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.closed.Load() || !protocol.MatchType(sub.pattern, msg.Type) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			b.log.MessageDropped(msg.Type, "subscriber queue full")
		}
	}

	return nil
}

// Subscribe registers a handler for a type pattern.
func (b *MemoryBus) Subscribe(pattern string, handler Handler) (string, error) {
	if err := ValidatePattern(pattern); err != nil {
		return "", err
	}
	if handler == nil {
		return "", ErrInvalidPattern
	}
	if b.closed.Load() {
		return "", ErrClosed
	}

	sub := &memorySub{
		id:      uuid.NewString(),
		pattern: pattern,
		handler: handler,
		ch:      make(chan *protocol.Message, b.config.BufferSize),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.byID[sub.id] = sub
	b.mu.Unlock()

	go b.dispatchLoop(sub)
	return sub.id, nil
}

// Unsubscribe removes a subscription. A no-op error for unknown IDs so a
// handler may unsubscribe itself mid-dispatch without corrupting delivery:
// publishers iterate a snapshot, never the live list.
func (b *MemoryBus) Unsubscribe(id string) error {
	b.mu.Lock()
	sub, ok := b.byID[id]
	if ok {
		delete(b.byID, id)
		for i, s := range b.subs {
			if s == sub {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
	}
	b.mu.Unlock()

	if !ok {
		return ErrNoSubscription
	}
	if !sub.closed.Swap(true) {
		close(sub.done)
	}
	return nil
}

// dispatchLoop drains one subscriber's queue. Handler failures and panics
// are logged and isolated.
func (b *MemoryBus) dispatchLoop(sub *memorySub) {
	for {
		select {
		case <-sub.done:
			return
		case msg := <-sub.ch:
			b.invoke(sub, msg)
		}
	}
}

// invoke calls the handler with panic isolation.
func (b *MemoryBus) invoke(sub *memorySub, msg *protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.log.HandlerError(msg.Type, sub.id, recoveredError{r})
		}
	}()
	if err := sub.handler(msg); err != nil {
		b.log.HandlerError(msg.Type, sub.id, err)
	}
}

type recoveredError struct{ value any }

func (e recoveredError) Error() string {
	if err, ok := e.value.(error); ok {
		return "panic: " + err.Error()
	}
	if s, ok := e.value.(string); ok {
		return "panic: " + s
	}
	return "panic in handler"
}

// Request publishes a request addressed to target and waits for the
// correlated response.
func (b *MemoryBus) Request(ctx context.Context, target string, payload map[string]any, timeout time.Duration) (*protocol.Message, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if timeout <= 0 {
		timeout = b.config.DefaultTimeout
	}

	msg := protocol.New(protocol.TypeAgentRequest, "", payload)
	msg.Target = target

	pr := &pendingRequest{
		correlationID: msg.ID,
		target:        target,
		createdAt:     time.Now(),
		deadline:      time.Now().Add(timeout),
		respCh:        make(chan *protocol.Message, 1),
		errCh:         make(chan error, 1),
	}

	b.pendingMu.Lock()
	b.pending[msg.ID] = pr
	b.pendingMu.Unlock()

	if err := b.Publish(msg); err != nil {
		b.take(msg.ID)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-pr.respCh:
		return resp, nil
	case err := <-pr.errCh:
		return nil, err
	case <-timer.C:
		if b.take(msg.ID) != nil {
			b.log.RequestTimeout(msg.ID, target, timeout)
			return nil, ErrTimeout
		}
		// Lost the race: a resolution is already in flight.
		return b.awaitResolution(pr)
	case <-ctx.Done():
		if b.take(msg.ID) != nil {
			return nil, ErrCanceled
		}
		return b.awaitResolution(pr)
	}
}

// awaitResolution collects the outcome after losing a resolution race. The
// winning path has already removed the entry and is about to (or already
// did) send on one of the buffered channels, so this never blocks for long.
func (b *MemoryBus) awaitResolution(pr *pendingRequest) (*protocol.Message, error) {
	select {
	case resp := <-pr.respCh:
		return resp, nil
	case err := <-pr.errCh:
		return nil, err
	}
}

// Respond publishes a response correlated with the original request.
func (b *MemoryBus) Respond(original *protocol.Message, payload map[string]any) error {
	return b.Publish(original.Response(protocol.TypeAgentResponse, payload))
}

// resolve delivers a response to a pending request. Exactly-once: the entry
// is removed from the table first; a second response for the same
// correlation ID finds nothing and is a no-op.
func (b *MemoryBus) resolve(correlationID string, msg *protocol.Message) {
	pr := b.take(correlationID)
	if pr == nil {
		return
	}
	pr.respCh <- msg
}

// take removes and returns a pending entry, or nil if already resolved.
func (b *MemoryBus) take(correlationID string) *pendingRequest {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	pr, ok := b.pending[correlationID]
	if !ok {
		return nil
	}
	delete(b.pending, correlationID)
	return pr
}

// FailTarget fails every pending request addressed to the given agent. The
// transport calls this on disconnect so callers fail fast instead of
// waiting out their timeouts.
func (b *MemoryBus) FailTarget(target string, err error) int {
	b.pendingMu.Lock()
	var taken []*pendingRequest
	for id, pr := range b.pending {
		if pr.target == target {
			delete(b.pending, id)
			taken = append(taken, pr)
		}
	}
	b.pendingMu.Unlock()

	for _, pr := range taken {
		pr.errCh <- err
	}
	return len(taken)
}

// PendingCount reports the size of the pending-request table.
func (b *MemoryBus) PendingCount() int {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	return len(b.pending)
}

// sweepLoop force-expires pending requests whose deadline has passed, even
// if no response ever arrives and the caller is gone. This keeps the table
// from leaking entries.
func (b *MemoryBus) sweepLoop() {
	defer close(b.sweepDone)

	ticker := time.NewTicker(b.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.sweepStop:
			return
		case <-ticker.C:
			b.sweepExpired(time.Now())
		}
	}
}

// sweepExpired removes entries past their deadline and fails their waiters.
func (b *MemoryBus) sweepExpired(now time.Time) {
	b.pendingMu.Lock()
	var expired []*pendingRequest
	for id, pr := range b.pending {
		if now.After(pr.deadline) {
			delete(b.pending, id)
			expired = append(expired, pr)
		}
	}
	b.pendingMu.Unlock()

	for _, pr := range expired {
		pr.errCh <- ErrTimeout
		b.log.RequestTimeout(pr.correlationID, pr.target, time.Since(pr.createdAt))
	}
}

// Close shuts down the bus: all pending requests fail with ErrClosed, all
// subscriptions stop, and further operations are refused.
func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	close(b.sweepStop)
	<-b.sweepDone

	b.pendingMu.Lock()
	taken := make([]*pendingRequest, 0, len(b.pending))
	for id, pr := range b.pending {
		delete(b.pending, id)
		taken = append(taken, pr)
	}
	b.pendingMu.Unlock()

	for _, pr := range taken {
		pr.errCh <- ErrClosed
	}

	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.byID = make(map[string]*memorySub)
	b.mu.Unlock()

	for _, sub := range subs {
		if !sub.closed.Swap(true) {
			close(sub.done)
		}
	}

	return nil
}
