package broadcast

import (
	"sync"
	"time"

	"github.com/openrobobrain/braincore/command"
	"github.com/openrobobrain/braincore/logging"
	"github.com/openrobobrain/braincore/protocol"
)

// DefaultTarget is the executor commands are addressed to when they carry no
// explicit target.
const DefaultTarget = "cerebellum"

// Broadcaster owns command dispatch: per-target priority queues, the
// one-NEXT-per-target gate, fan-out to consumer queues, and ack-based
// re-broadcast.
type Broadcaster struct {
	config  Config
	log     *logging.Logger
	tracker *command.Tracker

	mu        sync.Mutex
	consumers map[string]*consumerQueue
	targets   map[string]*targetState
	seq       uint64
	closed    bool
}

// targetState is the dispatch state for one target: its priority queue and
// the single in-flight command, if any.
type targetState struct {
	queue  priorityQueue
	active *dispatch
}

// dispatch is one in-flight command at a target.
type dispatch struct {
	cmd     *command.BrainCommand
	attempt int
	acked   bool
	timer   *time.Timer
}

// New creates a broadcaster. The tracker is shared with the bridge so both
// observe the same lifecycle.
func New(cfg Config, tracker *command.Tracker, log *logging.Logger) (*Broadcaster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	def := DefaultConfig()
	if cfg.QueueCapacity == 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.AckWindow == 0 {
		cfg.AckWindow = def.AckWindow
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if tracker == nil {
		tracker = command.NewTracker(log)
	}
	if log == nil {
		log = logging.New()
	}
	return &Broadcaster{
		config:    cfg,
		log:       log.WithComponent("broadcast"),
		tracker:   tracker,
		consumers: make(map[string]*consumerQueue),
		targets:   make(map[string]*targetState),
	}, nil
}

// Tracker returns the shared lifecycle tracker.
func (b *Broadcaster) Tracker() *command.Tracker {
	return b.tracker
}

// AddConsumer registers a downstream consumer. Every dispatched command is
// offered to every consumer's queue.
func (b *Broadcaster) AddConsumer(id string, send SendFunc) error {
	if id == "" || send == nil {
		return ErrInvalidConfig
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, ok := b.consumers[id]; ok {
		return ErrDuplicateConsumer
	}
	b.consumers[id] = newConsumerQueue(id, b.config.QueueCapacity, send, b.log)
	return nil
}

// RemoveConsumer drops a consumer and its queue.
func (b *Broadcaster) RemoveConsumer(id string) error {
	b.mu.Lock()
	q, ok := b.consumers[id]
	delete(b.consumers, id)
	b.mu.Unlock()
	if !ok {
		return ErrNoConsumer
	}
	q.stop()
	return nil
}

// Enqueue accepts a command for dispatch: EXEC on acceptance, QUEUE once in
// the priority queue, and NEXT as soon as the target is free.
func (b *Broadcaster) Enqueue(cmd *command.BrainCommand) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	target := cmd.Target
	if target == "" {
		target = DefaultTarget
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	b.tracker.Track(cmd.CommandID)
	if err := b.tracker.Transition(cmd.CommandID, command.StateQueue); err != nil {
		return err
	}

	ts := b.targetState(target)
	b.seq++
	ts.queue.push(&queuedCommand{cmd: cmd, seq: b.seq})
	b.tryDispatchLocked(target, ts)
	return nil
}

// Ack records the active executor's acknowledgement, stopping re-broadcast.
func (b *Broadcaster) Ack(commandID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ts := range b.targets {
		if ts.active != nil && ts.active.cmd.CommandID == commandID {
			ts.active.acked = true
			if ts.active.timer != nil {
				ts.active.timer.Stop()
			}
			return
		}
	}
}

// Complete moves a command to a terminal state and frees its target's
// dispatch slot. The state must be DONE, FAILED, or CANCELLED.
func (b *Broadcaster) Complete(commandID string, state command.State) error {
	if !state.IsTerminal() {
		return command.ErrInvalidTransition
	}
	if err := b.tracker.Transition(commandID, state); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for target, ts := range b.targets {
		if ts.active != nil && ts.active.cmd.CommandID == commandID {
			b.clearActiveLocked(ts)
			b.tryDispatchLocked(target, ts)
			return nil
		}
		// A command completed while still queued is removed without
		// ever being dispatched.
		for i, qc := range ts.queue {
			if qc.cmd.CommandID == commandID {
				ts.queue = append(ts.queue[:i], ts.queue[i+1:]...)
				rebuild(&ts.queue)
				return nil
			}
		}
	}
	return nil
}

// EmergencyStop cancels everything queued or in flight for the target and,
// when stopCmd is non-nil, dispatches it immediately, bypassing priority
// order. Returns the number of cancelled commands.
func (b *Broadcaster) EmergencyStop(target string, stopCmd *command.BrainCommand) int {
	if target == "" {
		target = DefaultTarget
	}

	b.mu.Lock()
	ts := b.targetState(target)

	cancelled := 0
	for _, qc := range ts.queue.drain() {
		if b.tracker.Transition(qc.cmd.CommandID, command.StateCancelled) == nil {
			cancelled++
		}
	}
	if ts.active != nil {
		if b.tracker.Transition(ts.active.cmd.CommandID, command.StateCancelled) == nil {
			cancelled++
		}
		b.clearActiveLocked(ts)
	}

	if stopCmd != nil {
		b.tracker.Track(stopCmd.CommandID)
		b.tracker.Transition(stopCmd.CommandID, command.StateNext)
		ts.active = &dispatch{cmd: stopCmd, attempt: 1}
		b.deliverLocked(target, stopCmd, 1)
		b.armTimerLocked(target, ts)
	}
	b.mu.Unlock()

	b.log.EmergencyStop(target, cancelled)
	return cancelled
}

// QueueDepth reports how many commands wait behind the active one.
func (b *Broadcaster) QueueDepth(target string) int {
	if target == "" {
		target = DefaultTarget
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ts, ok := b.targets[target]
	if !ok {
		return 0
	}
	return ts.queue.Len()
}

// ActiveCommand returns the command currently dispatched at a target.
func (b *Broadcaster) ActiveCommand(target string) (string, bool) {
	if target == "" {
		target = DefaultTarget
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ts, ok := b.targets[target]
	if !ok || ts.active == nil {
		return "", false
	}
	return ts.active.cmd.CommandID, true
}

// Close stops all consumer queues and retry timers. Queued commands remain
// in their current lifecycle state.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	consumers := b.consumers
	b.consumers = make(map[string]*consumerQueue)
	for _, ts := range b.targets {
		if ts.active != nil && ts.active.timer != nil {
			ts.active.timer.Stop()
		}
	}
	b.mu.Unlock()

	for _, q := range consumers {
		q.stop()
	}
	return nil
}

// targetState returns (creating if needed) the state for a target.
// Must be called with the lock held.
func (b *Broadcaster) targetState(target string) *targetState {
	ts, ok := b.targets[target]
	if !ok {
		ts = &targetState{}
		b.targets[target] = ts
	}
	return ts
}

// tryDispatchLocked promotes the head of the queue to NEXT if the target's
// dispatch slot is free. Must be called with the lock held.
func (b *Broadcaster) tryDispatchLocked(target string, ts *targetState) {
	if ts.active != nil || b.closed {
		return
	}
	qc := ts.queue.popHighest()
	if qc == nil {
		return
	}
	if err := b.tracker.Transition(qc.cmd.CommandID, command.StateNext); err != nil {
		// Terminal while queued (e.g. cancelled); try the next one.
		b.tryDispatchLocked(target, ts)
		return
	}
	ts.active = &dispatch{cmd: qc.cmd, attempt: 1}
	b.deliverLocked(target, qc.cmd, 1)
	b.armTimerLocked(target, ts)
}

// deliverLocked fans a dispatch out to every consumer queue.
// Must be called with the lock held.
func (b *Broadcaster) deliverLocked(target string, cmd *command.BrainCommand, attempt int) {
	b.seq++
	msg := protocol.New(protocol.TypeSyncCommand, "broadcaster", map[string]any{
		"commandId": cmd.CommandID,
		"command":   cmd.ToPayload(),
		"seq":       b.seq,
		"attempt":   attempt,
	})
	for _, q := range b.consumers {
		q.offer(msg)
	}
	b.log.CommandDispatched(cmd.CommandID, target, attempt)
}

// armTimerLocked schedules the ack-window re-broadcast.
// Must be called with the lock held.
func (b *Broadcaster) armTimerLocked(target string, ts *targetState) {
	if b.config.AckWindow <= 0 {
		return
	}
	commandID := ts.active.cmd.CommandID
	ts.active.timer = time.AfterFunc(b.config.AckWindow, func() {
		b.retry(target, commandID)
	})
}

// retry re-broadcasts an unacknowledged dispatch, failing the command when
// attempts run out.
func (b *Broadcaster) retry(target, commandID string) {
	b.mu.Lock()
	ts, ok := b.targets[target]
	if !ok || b.closed || ts.active == nil ||
		ts.active.cmd.CommandID != commandID || ts.active.acked {
		b.mu.Unlock()
		return
	}

	if ts.active.attempt >= b.config.MaxAttempts {
		b.tracker.Transition(commandID, command.StateFailed)
		b.clearActiveLocked(ts)
		b.tryDispatchLocked(target, ts)
		b.mu.Unlock()
		b.log.Warn("dispatch_failed", map[string]interface{}{
			"command":  commandID,
			"target":   target,
			"attempts": b.config.MaxAttempts,
		})
		return
	}

	ts.active.attempt++
	b.deliverLocked(target, ts.active.cmd, ts.active.attempt)
	b.armTimerLocked(target, ts)
	b.mu.Unlock()
}

// clearActiveLocked frees the dispatch slot.
// Must be called with the lock held.
func (b *Broadcaster) clearActiveLocked(ts *targetState) {
	if ts.active != nil && ts.active.timer != nil {
		ts.active.timer.Stop()
	}
	ts.active = nil
}

// rebuild restores heap order after an arbitrary removal.
func rebuild(pq *priorityQueue) {
	items := pq.drain()
	for _, qc := range items {
		pq.push(qc)
	}
}
