// Package bridge is the translation and synchronization point between the
// semantic brain pipeline and the motion-control cerebellum pipeline.
//
// The bridge is the only component that turns an agent-issued BrainCommand
// into an ordered motion-control action sequence, the only place a command's
// completion verdict is decided, and the only writer of the merged
// brain/cerebellum state snapshot. Completion is decided from a single
// consistent snapshot of the command's action statuses: the snapshot is
// copied under the lock, the verdict computed after, so feedback arriving
// mid-check can never split the decision.
package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openrobobrain/braincore/broadcast"
	"github.com/openrobobrain/braincore/bus"
	"github.com/openrobobrain/braincore/command"
	coreerrors "github.com/openrobobrain/braincore/errors"
	"github.com/openrobobrain/braincore/logging"
	"github.com/openrobobrain/braincore/protocol"
)

// Common errors.
var (
	ErrClosed        = errors.New("bridge closed")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Config holds bridge configuration.
type Config struct {
	// CompletionTimeout bounds how long a blocking SendCommand waits for a
	// terminal state.
	// Default: 60s
	CompletionTimeout time.Duration
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{CompletionTimeout: 60 * time.Second}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.CompletionTimeout < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// BridgeState is the merged snapshot of both pipelines. It is replaced
// wholesale on every sync; readers never observe a half-updated snapshot and
// must not mutate the maps.
type BridgeState struct {
	BrainState      map[string]any `json:"brain_state"`
	CerebellumState map[string]any `json:"cerebellum_state"`
	SyncedAt        time.Time      `json:"sync_timestamp"`
}

// Feedback is the result of a command as observed by its issuer.
type Feedback struct {
	CommandID string        `json:"commandId"`
	State     command.State `json:"state"`
	Detail    string        `json:"detail,omitempty"`
}

// commandRecord tracks one in-flight command's action sequence and the
// per-action statuses reported so far.
type commandRecord struct {
	cmd     *command.BrainCommand
	actions []Action
	status  map[string]ActionStatus
	acked   bool
}

// Bridge translates semantic commands into action sequences, arbitrates
// their completion from executor feedback, and merges pipeline state.
type Bridge struct {
	config      Config
	log         *logging.Logger
	bus         bus.MessageBus
	broadcaster *broadcast.Broadcaster
	tracker     *command.Tracker

	mu          sync.Mutex
	translators []Translator
	commands    map[string]*commandRecord

	stateMu sync.Mutex // serializes state merges; readers only Load
	state   atomic.Pointer[BridgeState]

	subs   []string
	closed atomic.Bool
}

// New creates a bridge wired to the bus and broadcaster. The bridge
// subscribes to executor feedback and state-sync traffic; Close unsubscribes.
func New(cfg Config, msgBus bus.MessageBus, bc *broadcast.Broadcaster, log *logging.Logger) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.CompletionTimeout == 0 {
		cfg.CompletionTimeout = DefaultConfig().CompletionTimeout
	}
	if msgBus == nil || bc == nil {
		return nil, ErrInvalidConfig
	}
	if log == nil {
		log = logging.New()
	}

	b := &Bridge{
		config:      cfg,
		log:         log.WithComponent("bridge"),
		bus:         msgBus,
		broadcaster: bc,
		tracker:     bc.Tracker(),
		translators: defaultTranslators(),
		commands:    make(map[string]*commandRecord),
	}

	feedbackSub, err := msgBus.Subscribe(protocol.TypeSyncFeedback, b.handleFeedback)
	if err != nil {
		return nil, err
	}
	stateSub, err := msgBus.Subscribe(protocol.TypeSyncState, b.handleStateSync)
	if err != nil {
		msgBus.Unsubscribe(feedbackSub)
		return nil, err
	}
	b.subs = []string{feedbackSub, stateSub}
	return b, nil
}

// RegisterTranslator adds a translator for additional command types.
// Built-in translators are consulted first.
func (b *Bridge) RegisterTranslator(t Translator) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.translators = append(b.translators, t)
}

// Translate maps a command to its action sequence without side effects.
// Every declared command type translates; anything else fails with
// UNKNOWN_COMMAND before the command ever enters the queue.
func (b *Bridge) Translate(cmd *command.BrainCommand) ([]Action, error) {
	b.mu.Lock()
	translators := b.translators
	b.mu.Unlock()

	for _, t := range translators {
		if t.CanTranslate(cmd.CommandType) {
			return t.Translate(cmd)
		}
	}
	return nil, coreerrors.UnknownCommand(cmd.CommandType, coreerrors.WithCommandID(cmd.CommandID))
}

// SendCommand translates and enqueues a command. With waitForCompletion the
// call suspends until the command reaches a terminal state or the completion
// timeout elapses; otherwise it returns as soon as the command is queued.
func (b *Bridge) SendCommand(ctx context.Context, cmd *command.BrainCommand, waitForCompletion bool) (*Feedback, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	actions, err := b.Translate(cmd)
	if err != nil {
		return nil, err
	}

	b.tracker.Track(cmd.CommandID)
	var watch <-chan command.State
	if waitForCompletion {
		if watch, err = b.tracker.WatchTerminal(cmd.CommandID); err != nil {
			return nil, err
		}
	}
	b.register(cmd, actions)

	if err := b.broadcaster.Enqueue(cmd); err != nil {
		b.discard(cmd.CommandID)
		return nil, err
	}

	if !waitForCompletion {
		state, _ := b.tracker.State(cmd.CommandID)
		return &Feedback{CommandID: cmd.CommandID, State: state}, nil
	}
	return b.awaitCompletion(ctx, cmd.CommandID, watch)
}

// register stores the command's action plan and arms a cleanup watcher that
// drops the record once the lifecycle goes terminal, whatever drove it there:
// executor feedback, retry exhaustion in the broadcaster, or an emergency
// stop. The watcher also forgets the tracker entry so neither table grows
// without bound.
func (b *Bridge) register(cmd *command.BrainCommand, actions []Action) {
	status := make(map[string]ActionStatus, len(actions))
	for _, a := range actions {
		status[a.ActionID] = ActionPending
	}
	b.mu.Lock()
	b.commands[cmd.CommandID] = &commandRecord{cmd: cmd, actions: actions, status: status}
	b.mu.Unlock()

	ch, err := b.tracker.WatchTerminal(cmd.CommandID)
	if err != nil {
		return
	}
	go func() {
		<-ch
		b.mu.Lock()
		delete(b.commands, cmd.CommandID)
		b.mu.Unlock()
		b.tracker.Forget(cmd.CommandID)
	}()
}

// discard drops a command that never made it into the queue. Cancelling the
// lifecycle releases the cleanup watcher armed in register.
func (b *Bridge) discard(commandID string) {
	b.mu.Lock()
	delete(b.commands, commandID)
	b.mu.Unlock()
	b.tracker.Transition(commandID, command.StateCancelled)
}

// awaitCompletion suspends until the command reaches a terminal state.
func (b *Bridge) awaitCompletion(ctx context.Context, commandID string, ch <-chan command.State) (*Feedback, error) {
	timer := time.NewTimer(b.config.CompletionTimeout)
	defer timer.Stop()

	select {
	case state := <-ch:
		fb := &Feedback{CommandID: commandID, State: state}
		switch state {
		case command.StateFailed:
			return fb, coreerrors.CommandFailed(commandID, "execution failed")
		case command.StateCancelled:
			return fb, coreerrors.Canceled("command cancelled", coreerrors.WithCommandID(commandID))
		}
		return fb, nil
	case <-timer.C:
		return nil, coreerrors.Timeout("command completion", coreerrors.WithCommandID(commandID))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OnFeedback records one action's status and, once the whole sequence has a
// verdict, completes the command. The verdict is computed from a snapshot of
// the statuses copied under the lock, so concurrent feedback cannot produce
// an inconsistent decision. A failed action takes precedence over completed
// peers.
func (b *Bridge) OnFeedback(commandID, actionID string, status ActionStatus, detail string) {
	b.mu.Lock()
	rec, ok := b.commands[commandID]
	if !ok {
		b.mu.Unlock()
		return
	}
	if _, known := rec.status[actionID]; !known {
		b.mu.Unlock()
		return
	}
	rec.status[actionID] = status

	ack := false
	if !rec.acked && status != ActionPending {
		rec.acked = true
		ack = true
	}

	// Snapshot first, decide after.
	snapshot := make(map[string]ActionStatus, len(rec.status))
	for id, s := range rec.status {
		snapshot[id] = s
	}
	actions := rec.actions
	source := rec.cmd.SourceAgent
	b.mu.Unlock()

	if ack {
		b.broadcaster.Ack(commandID)
	}

	terminal, verdict := decide(actions, snapshot)
	if !terminal {
		return
	}

	b.mu.Lock()
	delete(b.commands, commandID)
	b.mu.Unlock()

	if err := b.broadcaster.Complete(commandID, verdict); err != nil {
		b.log.Warn("complete_failed", map[string]interface{}{
			"command": commandID,
			"state":   verdict.String(),
			"error":   err.Error(),
		})
		return
	}
	b.publishResult(commandID, source, verdict, detail)
}

// decide computes the command verdict from one consistent status snapshot.
// Cancellation and failure take precedence over completion.
func decide(actions []Action, snapshot map[string]ActionStatus) (bool, command.State) {
	anyCancelled := false
	anyFailed := false
	allCompleted := true
	for _, a := range actions {
		switch s := snapshot[a.ActionID]; {
		case s == ActionCancelled:
			anyCancelled = true
		case s.failed():
			anyFailed = true
		case s != ActionCompleted:
			allCompleted = false
		}
	}
	switch {
	case anyCancelled:
		return true, command.StateCancelled
	case anyFailed:
		return true, command.StateFailed
	case allCompleted:
		return true, command.StateDone
	}
	return false, ""
}

// publishResult reports the final verdict back to the issuing agent.
func (b *Bridge) publishResult(commandID, source string, state command.State, detail string) {
	msg := protocol.New(protocol.TypeSyncFeedback, "bridge", map[string]any{
		"commandId": commandID,
		"state":     state.String(),
		"detail":    detail,
	})
	msg.Target = source
	if err := b.bus.Publish(msg); err != nil {
		b.log.Warn("result_publish_failed", map[string]interface{}{
			"command": commandID,
			"error":   err.Error(),
		})
	}
}

// SyncState merges a state update into the snapshot and replaces it as one
// atomic unit. A nil side keeps the existing value, so brain-only or
// cerebellum-only updates never discard the other pipeline's state.
func (b *Bridge) SyncState(brainState, cerebellumState map[string]any) {
	b.stateMu.Lock()
	next := &BridgeState{SyncedAt: time.Now().UTC()}
	if cur := b.state.Load(); cur != nil {
		next.BrainState = cur.BrainState
		next.CerebellumState = cur.CerebellumState
	}
	if brainState != nil {
		next.BrainState = brainState
	}
	if cerebellumState != nil {
		next.CerebellumState = cerebellumState
	}
	b.state.Store(next)
	b.stateMu.Unlock()

	b.log.StateSync(brainState != nil, cerebellumState != nil)
}

// State returns the current merged snapshot. The returned value is shared
// and read-only.
func (b *Bridge) State() *BridgeState {
	if s := b.state.Load(); s != nil {
		return s
	}
	return &BridgeState{}
}

// EmergencyStop cancels every queued and in-flight command for the target
// and dispatches a halt ahead of any priority order. Returns the number of
// cancelled commands.
func (b *Bridge) EmergencyStop(target string) int {
	stopCmd := command.New("emergency_stop", "bridge", nil)
	stopCmd.Priority = command.PriorityUrgent
	stopCmd.Target = target

	actions, _ := b.Translate(stopCmd)
	b.tracker.Track(stopCmd.CommandID)
	b.register(stopCmd, actions)

	cancelled := b.broadcaster.EmergencyStop(target, stopCmd)

	event := protocol.New(protocol.TypeEventLifecycle, "bridge", map[string]any{
		"event":     "emergency_stop",
		"target":    target,
		"cancelled": cancelled,
	})
	if err := b.bus.Publish(event); err != nil {
		b.log.Warn("emergency_event_failed", map[string]interface{}{"error": err.Error()})
	}
	return cancelled
}

// Actions returns the translated action plan for an in-flight command so
// the dispatch consumer can forward it to the executor. The slice is shared
// and read-only.
func (b *Bridge) Actions(commandID string) ([]Action, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.commands[commandID]
	if !ok {
		return nil, false
	}
	return rec.actions, true
}

// Pending returns the number of commands awaiting a verdict.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.commands)
}

// Close unsubscribes the bridge from the bus. In-flight commands keep their
// lifecycle state; waiters are released by the broadcaster or their timeout.
func (b *Bridge) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	for _, id := range b.subs {
		b.bus.Unsubscribe(id)
	}
	return nil
}

// handleFeedback ingests executor feedback off the bus. Verdict messages the
// bridge publishes itself carry no actionId and are ignored here.
func (b *Bridge) handleFeedback(msg *protocol.Message) error {
	actionID, _ := msg.Payload["actionId"].(string)
	if actionID == "" {
		return nil
	}
	commandID, _ := msg.Payload["commandId"].(string)
	statusStr, _ := msg.Payload["status"].(string)
	detail, _ := msg.Payload["detail"].(string)
	if commandID == "" || statusStr == "" {
		b.log.MessageDropped(msg.Type, "missing commandId or status")
		return nil
	}
	b.OnFeedback(commandID, actionID, ActionStatus(statusStr), detail)
	return nil
}

// handleStateSync ingests state-sync messages from either pipeline.
func (b *Bridge) handleStateSync(msg *protocol.Message) error {
	brain, _ := msg.Payload["brain_state"].(map[string]any)
	cerebellum, _ := msg.Payload["cerebellum_state"].(map[string]any)
	if brain == nil && cerebellum == nil {
		b.log.MessageDropped(msg.Type, "no state payload")
		return nil
	}
	b.SyncState(brain, cerebellum)
	return nil
}
