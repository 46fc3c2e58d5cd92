package command

import (
	"sync"
	"time"

	"github.com/openrobobrain/braincore/logging"
)

// State represents a command's position in its dispatch lifecycle.
type State string

const (
	// StateExec indicates the command is accepted but not yet queued.
	StateExec State = "EXEC"

	// StateQueue indicates the command is waiting for a dispatch slot.
	StateQueue State = "QUEUE"

	// StateNext indicates the command is the head of its target's queue and
	// is being executed by the consumer.
	StateNext State = "NEXT"

	// StateDone indicates terminal success.
	StateDone State = "DONE"

	// StateFailed indicates terminal failure.
	StateFailed State = "FAILED"

	// StateCancelled indicates the command was cancelled before completion.
	StateCancelled State = "CANCELLED"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// IsTerminal returns true for the absorbing states.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateFailed || s == StateCancelled
}

// stateOrder ranks the progress states for regression checks.
var stateOrder = map[State]int{
	StateExec:  0,
	StateQueue: 1,
	StateNext:  2,
	StateDone:  3,
}

// CanTransition reports whether a lifecycle move is legal: strictly forward
// through EXEC → QUEUE → NEXT → DONE, with FAILED and CANCELLED reachable
// from any non-terminal state. Terminal states absorb.
func CanTransition(from, to State) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StateFailed || to == StateCancelled {
		return true
	}
	fromRank, okFrom := stateOrder[from]
	toRank, okTo := stateOrder[to]
	if !okFrom || !okTo {
		return false
	}
	return toRank > fromRank
}

// record is one command's lifecycle entry.
type record struct {
	state     State
	updatedAt time.Time
	watchers  []chan State
}

// Tracker owns the lifecycle state machines, one per command ID. All
// transitions are checked for monotonicity; a regression is rejected, never
// applied.
type Tracker struct {
	mu      sync.Mutex
	records map[string]*record
	log     *logging.Logger
}

// NewTracker creates an empty lifecycle tracker.
func NewTracker(log *logging.Logger) *Tracker {
	if log == nil {
		log = logging.New()
	}
	return &Tracker{
		records: make(map[string]*record),
		log:     log.WithComponent("lifecycle"),
	}
}

// Track registers a command in EXEC. Re-tracking an existing ID is a no-op
// so duplicate submissions cannot reset progress.
func (t *Tracker) Track(commandID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.records[commandID]; ok {
		return
	}
	t.records[commandID] = &record{state: StateExec, updatedAt: time.Now()}
}

// State returns the current lifecycle state.
func (t *Tracker) State(commandID string) (State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[commandID]
	if !ok {
		return "", ErrNotTracked
	}
	return rec.state, nil
}

// Transition moves a command to a new state. Illegal moves (regressions,
// leaving a terminal state, unknown states) return ErrInvalidTransition and
// leave the record untouched.
func (t *Tracker) Transition(commandID string, to State) error {
	t.mu.Lock()
	rec, ok := t.records[commandID]
	if !ok {
		t.mu.Unlock()
		return ErrNotTracked
	}
	from := rec.state
	if !CanTransition(from, to) {
		t.mu.Unlock()
		return ErrInvalidTransition
	}
	rec.state = to
	rec.updatedAt = time.Now()

	var watchers []chan State
	if to.IsTerminal() {
		watchers = rec.watchers
		rec.watchers = nil
	}
	t.mu.Unlock()

	t.log.CommandState(commandID, from.String(), to.String())
	for _, ch := range watchers {
		ch <- to
	}
	return nil
}

// WatchTerminal returns a channel that receives the command's terminal state
// once reached. If the command is already terminal the state is delivered
// immediately. The channel is buffered; the tracker never blocks on it.
func (t *Tracker) WatchTerminal(commandID string) (<-chan State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[commandID]
	if !ok {
		return nil, ErrNotTracked
	}
	ch := make(chan State, 1)
	if rec.state.IsTerminal() {
		ch <- rec.state
		return ch, nil
	}
	rec.watchers = append(rec.watchers, ch)
	return ch, nil
}

// Active returns the IDs of all commands not yet in a terminal state.
func (t *Tracker) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []string
	for id, rec := range t.records {
		if !rec.state.IsTerminal() {
			ids = append(ids, id)
		}
	}
	return ids
}

// Forget drops a command's record. Only terminal commands may be forgotten;
// this keeps the tracker from growing without bound.
func (t *Tracker) Forget(commandID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[commandID]
	if !ok {
		return ErrNotTracked
	}
	if !rec.state.IsTerminal() {
		return ErrInvalidTransition
	}
	delete(t.records, commandID)
	return nil
}
