package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Common errors.
var (
	// ErrNotTracked indicates the command has no lifecycle record.
	ErrNotTracked = errors.New("command not tracked")

	// ErrInvalidTransition indicates a lifecycle regression or an
	// attempt to leave a terminal state.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")

	// ErrInvalidCommand indicates the command is missing required fields.
	ErrInvalidCommand = errors.New("invalid command")
)

// Priority orders commands for dispatch. Higher priorities are dispatched
// first; equal priorities keep submission order.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// priorityRank maps priorities to numeric rank for ordering.
var priorityRank = map[Priority]int{
	PriorityLow:    0,
	PriorityNormal: 1,
	PriorityHigh:   2,
	PriorityUrgent: 3,
}

// Rank returns the numeric rank of the priority. Unknown priorities rank as
// NORMAL.
func (p Priority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return priorityRank[PriorityNormal]
}

// ParsePriority normalizes a wire priority string. Unknown values fall back
// to NORMAL.
func ParsePriority(s string) Priority {
	p := Priority(s)
	if _, ok := priorityRank[p]; ok {
		return p
	}
	return PriorityNormal
}

// BrainCommand is a semantic command issued by an agent. Parameters are
// immutable after creation; lifecycle state lives in the Tracker, keyed by
// CommandID.
type BrainCommand struct {
	// CommandID is the unique identifier. Generated on creation if empty.
	CommandID string `json:"commandId"`

	// CommandType names the semantic operation (e.g. "move_to", "grasp").
	CommandType string `json:"commandType"`

	// Parameters carry the type-specific arguments.
	Parameters map[string]any `json:"parameters"`

	// Priority orders dispatch.
	Priority Priority `json:"priority"`

	// SourceAgent is the agent that issued the command.
	SourceAgent string `json:"sourceAgent"`

	// Target is the downstream consumer the command is addressed to.
	Target string `json:"target,omitempty"`

	// CreatedAt is when the command was issued.
	CreatedAt time.Time `json:"createdAt"`
}

// New creates a command with a generated ID and NORMAL priority.
func New(commandType, sourceAgent string, parameters map[string]any) *BrainCommand {
	return &BrainCommand{
		CommandID:   uuid.NewString(),
		CommandType: commandType,
		Parameters:  parameters,
		Priority:    PriorityNormal,
		SourceAgent: sourceAgent,
		CreatedAt:   time.Now().UTC(),
	}
}

// Validate checks required fields.
func (c *BrainCommand) Validate() error {
	if c == nil || c.CommandID == "" {
		return fmt.Errorf("%w: missing command ID", ErrInvalidCommand)
	}
	if c.CommandType == "" {
		return fmt.Errorf("%w: missing command type", ErrInvalidCommand)
	}
	return nil
}

// FromPayload decodes a command from a bus message payload.
func FromPayload(payload map[string]any) (*BrainCommand, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	var cmd BrainCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	if cmd.CommandID == "" {
		cmd.CommandID = uuid.NewString()
	}
	if cmd.Priority == "" {
		cmd.Priority = PriorityNormal
	} else {
		cmd.Priority = ParsePriority(string(cmd.Priority))
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now().UTC()
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	return &cmd, nil
}

// ToPayload encodes the command as a bus message payload.
func (c *BrainCommand) ToPayload() map[string]any {
	data, _ := json.Marshal(c)
	var payload map[string]any
	_ = json.Unmarshal(data, &payload)
	return payload
}

// Clone returns a copy with its own parameter map.
func (c *BrainCommand) Clone() *BrainCommand {
	clone := *c
	if c.Parameters != nil {
		clone.Parameters = make(map[string]any, len(c.Parameters))
		for k, v := range c.Parameters {
			clone.Parameters[k] = v
		}
	}
	return &clone
}
