package bridge

import (
	"github.com/google/uuid"

	"github.com/openrobobrain/braincore/command"
	coreerrors "github.com/openrobobrain/braincore/errors"
)

// Action is one low-level motion-control step produced by translating a
// semantic command. Actions for one command execute in SequenceIndex order.
type Action struct {
	ActionID      string         `json:"actionId"`
	CommandID     string         `json:"commandId"`
	Type          string         `json:"actionType"`
	Topic         string         `json:"topic"`
	Payload       map[string]any `json:"payload"`
	SequenceIndex int            `json:"sequenceIndex"`
}

// ActionStatus is the execution status of one action, reported by the
// downstream executor through feedback messages.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionExecuting ActionStatus = "executing"
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
	ActionTimeout   ActionStatus = "timeout"
	ActionCancelled ActionStatus = "cancelled"
)

// failed reports whether the status terminates the action unsuccessfully.
func (s ActionStatus) failed() bool {
	return s == ActionFailed || s == ActionTimeout || s == ActionCancelled
}

// Translator maps one family of semantic command types to motion-control
// action sequences. Translation has no side effects: it reads the command and
// returns actions or an error, nothing else.
type Translator interface {
	// CanTranslate reports whether this translator handles the command type.
	CanTranslate(commandType string) bool

	// Translate produces the ordered action sequence for the command.
	// Parameters that do not match the command's schema return an
	// INVALID_PARAMETERS error.
	Translate(cmd *command.BrainCommand) ([]Action, error)
}

func newAction(cmd *command.BrainCommand, actionType, topic string, payload map[string]any, index int) Action {
	return Action{
		ActionID:      uuid.NewString(),
		CommandID:     cmd.CommandID,
		Type:          actionType,
		Topic:         topic,
		Payload:       payload,
		SequenceIndex: index,
	}
}

// moveTranslator handles navigation commands: a single navigate action
// carrying the target pose.
type moveTranslator struct{}

func (moveTranslator) CanTranslate(commandType string) bool {
	switch commandType {
	case "move", "move_to", "navigate":
		return true
	}
	return false
}

func (moveTranslator) Translate(cmd *command.BrainCommand) ([]Action, error) {
	params := cmd.Parameters
	position, ok := params["target_position"].(map[string]any)
	if !ok {
		position, ok = params["position"].(map[string]any)
	}
	if !ok {
		return nil, coreerrors.InvalidParameters(
			"target_position required",
			coreerrors.WithCommandID(cmd.CommandID),
		)
	}

	velocity := 0.5
	if v, ok := params["velocity"].(float64); ok {
		velocity = v
	}
	orientation, ok := params["orientation"].(map[string]any)
	if !ok {
		orientation = map[string]any{"w": 1.0}
	}

	return []Action{newAction(cmd, "navigate_to_pose", "/navigate_to_pose", map[string]any{
		"pose": map[string]any{
			"position":    position,
			"orientation": orientation,
		},
		"velocity": velocity,
	}, 0)}, nil
}

// graspTranslator decomposes a grasp into the four-step arm sequence:
// plan the approach, open the gripper, move to the grasp pose, close.
type graspTranslator struct{}

func (graspTranslator) CanTranslate(commandType string) bool {
	switch commandType {
	case "grasp", "pick", "grab":
		return true
	}
	return false
}

func (graspTranslator) Translate(cmd *command.BrainCommand) ([]Action, error) {
	params := cmd.Parameters
	graspPose, ok := params["grasp_pose"].(map[string]any)
	if !ok {
		return nil, coreerrors.InvalidParameters(
			"grasp_pose required",
			coreerrors.WithCommandID(cmd.CommandID),
		)
	}
	approachPose, ok := params["approach_pose"].(map[string]any)
	if !ok {
		approachPose = graspPose
	}

	width := 0.1
	if w, ok := params["gripper_width"].(float64); ok {
		width = w
	}
	force := 10.0
	if f, ok := params["grasp_force"].(float64); ok {
		force = f
	}

	return []Action{
		newAction(cmd, "plan_approach", "/move_group", map[string]any{
			"target_pose":    approachPose,
			"planning_group": "arm",
		}, 0),
		newAction(cmd, "gripper_open", "/gripper/command", map[string]any{
			"command": "open",
			"width":   width,
		}, 1),
		newAction(cmd, "move_linear", "/move_group", map[string]any{
			"target_pose":    graspPose,
			"planning_group": "arm",
		}, 2),
		newAction(cmd, "gripper_close", "/gripper/command", map[string]any{
			"command": "close",
			"force":   force,
		}, 3),
	}, nil
}

// stopTranslator handles emergency_stop: a single halt action with no
// required parameters, accepted unconditionally.
type stopTranslator struct{}

func (stopTranslator) CanTranslate(commandType string) bool {
	return commandType == "emergency_stop" || commandType == "stop"
}

func (stopTranslator) Translate(cmd *command.BrainCommand) ([]Action, error) {
	return []Action{newAction(cmd, "halt", "/emergency_stop", map[string]any{
		"command": "STOP",
	}, 0)}, nil
}

// defaultTranslators returns the built-in translator set.
func defaultTranslators() []Translator {
	return []Translator{
		moveTranslator{},
		graspTranslator{},
		stopTranslator{},
	}
}
