package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/openrobobrain/braincore/broadcast"
	"github.com/openrobobrain/braincore/bus"
	"github.com/openrobobrain/braincore/command"
	coreerrors "github.com/openrobobrain/braincore/errors"
	"github.com/openrobobrain/braincore/protocol"
)

type testHarness struct {
	bus         *bus.MemoryBus
	broadcaster *broadcast.Broadcaster
	bridge      *Bridge
}

func newTestHarness(t *testing.T) *testHarness {
	return newTestHarnessConfig(t, broadcast.DefaultConfig())
}

func newTestHarnessConfig(t *testing.T, bcCfg broadcast.Config) *testHarness {
	t.Helper()

	busCfg := bus.DefaultConfig()
	busCfg.SweepInterval = 50 * time.Millisecond
	mb := bus.NewMemoryBus(busCfg, nil)

	bc, err := broadcast.New(bcCfg, nil, nil)
	if err != nil {
		t.Fatalf("new broadcaster: %v", err)
	}
	if err := bc.AddConsumer("executor", func(*protocol.Message) error { return nil }); err != nil {
		t.Fatalf("add consumer: %v", err)
	}

	cfg := DefaultConfig()
	cfg.CompletionTimeout = 2 * time.Second
	br, err := New(cfg, mb, bc, nil)
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}

	t.Cleanup(func() {
		br.Close()
		bc.Close()
		mb.Close()
	})
	return &testHarness{bus: mb, broadcaster: bc, bridge: br}
}

func moveCommand() *command.BrainCommand {
	return command.New("move_to", "planner", map[string]any{
		"target_position": map[string]any{"x": 1.0, "y": 2.0, "z": 0.0},
		"velocity":        0.5,
	})
}

func graspCommand() *command.BrainCommand {
	return command.New("grasp", "planner", map[string]any{
		"grasp_pose":    map[string]any{"x": 0.3, "y": 0.1, "z": 0.2},
		"approach_pose": map[string]any{"x": 0.3, "y": 0.1, "z": 0.4},
	})
}

// completeAll reports every action of a command as completed, in sequence
// order, via the feedback path.
func (h *testHarness) completeAll(t *testing.T, commandID string) {
	t.Helper()
	actions, ok := h.bridge.Actions(commandID)
	if !ok {
		t.Fatalf("no action plan for %s", commandID)
	}
	for _, a := range actions {
		h.bridge.OnFeedback(commandID, a.ActionID, ActionCompleted, "")
	}
}

func TestTranslateMove(t *testing.T) {
	h := newTestHarness(t)

	actions, err := h.bridge.Translate(moveCommand())
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("expected 1 action, got %d", len(actions))
	}
	if actions[0].Type != "navigate_to_pose" || actions[0].Topic != "/navigate_to_pose" {
		t.Errorf("unexpected action: %+v", actions[0])
	}
	pose, _ := actions[0].Payload["pose"].(map[string]any)
	if pose == nil || pose["position"] == nil {
		t.Error("target position not carried into the action payload")
	}
}

func TestTranslateGraspSequence(t *testing.T) {
	h := newTestHarness(t)

	actions, err := h.bridge.Translate(graspCommand())
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	expected := []string{"plan_approach", "gripper_open", "move_linear", "gripper_close"}
	if len(actions) != len(expected) {
		t.Fatalf("expected %d actions, got %d", len(expected), len(actions))
	}
	for i, a := range actions {
		if a.Type != expected[i] {
			t.Errorf("action %d: expected %s, got %s", i, expected[i], a.Type)
		}
		if a.SequenceIndex != i {
			t.Errorf("action %d: sequence index %d", i, a.SequenceIndex)
		}
	}
}

func TestUnknownCommandTypeNeverQueued(t *testing.T) {
	h := newTestHarness(t)

	cmd := command.New("teleport", "planner", nil)
	_, err := h.bridge.SendCommand(context.Background(), cmd, false)
	if !coreerrors.Is(err, coreerrors.ErrCodeUnknownCommand) {
		t.Fatalf("expected UNKNOWN_COMMAND, got %v", err)
	}
	if _, err := h.broadcaster.Tracker().State(cmd.CommandID); err != command.ErrNotTracked {
		t.Error("untranslatable command entered the lifecycle")
	}
}

func TestInvalidParameters(t *testing.T) {
	h := newTestHarness(t)

	cmd := command.New("move_to", "planner", map[string]any{"velocity": 0.5})
	_, err := h.bridge.SendCommand(context.Background(), cmd, false)
	if !coreerrors.Is(err, coreerrors.ErrCodeInvalidParameters) {
		t.Fatalf("expected INVALID_PARAMETERS, got %v", err)
	}
}

func TestSendCommandWaitForCompletion(t *testing.T) {
	h := newTestHarness(t)

	cmd := moveCommand()
	done := make(chan struct{})
	var fb *Feedback
	var sendErr error
	go func() {
		fb, sendErr = h.bridge.SendCommand(context.Background(), cmd, true)
		close(done)
	}()

	// Wait for the command to be dispatched, then report completion.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if state, err := h.broadcaster.Tracker().State(cmd.CommandID); err == nil && state == command.StateNext {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("command never reached NEXT")
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.completeAll(t, cmd.CommandID)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SendCommand did not resolve")
	}
	if sendErr != nil {
		t.Fatalf("send: %v", sendErr)
	}
	if fb.State != command.StateDone {
		t.Errorf("expected DONE, got %s", fb.State)
	}
	if h.bridge.Pending() != 0 {
		t.Errorf("command record leaked: %d pending", h.bridge.Pending())
	}
}

func TestFeedbackOverBus(t *testing.T) {
	h := newTestHarness(t)

	cmd := moveCommand()
	if _, err := h.bridge.SendCommand(context.Background(), cmd, false); err != nil {
		t.Fatalf("send: %v", err)
	}
	actions, _ := h.bridge.Actions(cmd.CommandID)
	watch, err := h.broadcaster.Tracker().WatchTerminal(cmd.CommandID)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	msg := protocol.New(protocol.TypeSyncFeedback, "executor", map[string]any{
		"commandId": cmd.CommandID,
		"actionId":  actions[0].ActionID,
		"status":    string(ActionCompleted),
	})
	if err := h.bus.Publish(msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case state := <-watch:
		if state != command.StateDone {
			t.Errorf("expected DONE, got %s", state)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("feedback never completed the command")
	}
}

func TestFailedActionOutweighsCompletedPeers(t *testing.T) {
	h := newTestHarness(t)

	cmd := graspCommand()
	if _, err := h.bridge.SendCommand(context.Background(), cmd, false); err != nil {
		t.Fatalf("send: %v", err)
	}
	actions, _ := h.bridge.Actions(cmd.CommandID)
	watch, err := h.broadcaster.Tracker().WatchTerminal(cmd.CommandID)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	h.bridge.OnFeedback(cmd.CommandID, actions[0].ActionID, ActionCompleted, "")
	h.bridge.OnFeedback(cmd.CommandID, actions[1].ActionID, ActionCompleted, "")
	h.bridge.OnFeedback(cmd.CommandID, actions[2].ActionID, ActionFailed, "planning failed")

	select {
	case state := <-watch:
		if state != command.StateFailed {
			t.Errorf("expected FAILED, got %s", state)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("failed action never decided the command")
	}
	// Late feedback for the remaining action is a no-op.
	h.bridge.OnFeedback(cmd.CommandID, actions[3].ActionID, ActionCompleted, "")
	waitForPending(t, h.bridge, 0)
}

func TestExecutingFeedbackAcksDispatch(t *testing.T) {
	h := newTestHarness(t)

	cmd := moveCommand()
	if _, err := h.bridge.SendCommand(context.Background(), cmd, false); err != nil {
		t.Fatalf("send: %v", err)
	}
	actions, _ := h.bridge.Actions(cmd.CommandID)
	h.bridge.OnFeedback(cmd.CommandID, actions[0].ActionID, ActionExecuting, "")

	// Executing is progress, not a verdict.
	if state, _ := h.broadcaster.Tracker().State(cmd.CommandID); state != command.StateNext {
		t.Errorf("expected NEXT, got %s", state)
	}
	if h.bridge.Pending() != 1 {
		t.Error("command record dropped before a verdict")
	}
}

func TestEmergencyStopCancelsWaiters(t *testing.T) {
	h := newTestHarness(t)

	active := moveCommand()
	queued := moveCommand()

	results := make(chan error, 2)
	for _, cmd := range []*command.BrainCommand{active, queued} {
		go func(c *command.BrainCommand) {
			_, err := h.bridge.SendCommand(context.Background(), c, true)
			results <- err
		}(cmd)
	}

	// Both commands in flight before the stop.
	deadline := time.Now().Add(2 * time.Second)
	for h.broadcaster.QueueDepth(broadcast.DefaultTarget) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("commands never queued")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancelled := h.bridge.EmergencyStop(broadcast.DefaultTarget)
	if cancelled != 2 {
		t.Errorf("expected 2 cancelled, got %d", cancelled)
	}

	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			if !coreerrors.Is(err, coreerrors.ErrCodeCanceled) {
				t.Errorf("expected CANCELED, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("waiter not released by emergency stop")
		}
	}

	// The halt itself is dispatched and completable.
	if activeID, ok := h.broadcaster.ActiveCommand(broadcast.DefaultTarget); !ok {
		t.Error("stop command not dispatched")
	} else {
		watch, err := h.broadcaster.Tracker().WatchTerminal(activeID)
		if err != nil {
			t.Fatalf("watch: %v", err)
		}
		h.completeAll(t, activeID)
		select {
		case state := <-watch:
			if state != command.StateDone {
				t.Errorf("stop command not completed: %s", state)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("stop command never completed")
		}
	}
}

// waitForPending polls until the bridge tracks exactly n command records.
func waitForPending(t *testing.T, b *Bridge, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for b.Pending() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d pending command(s), still %d", n, b.Pending())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEmergencyStopReleasesCommandRecords(t *testing.T) {
	h := newTestHarness(t)

	cancelledCmd := moveCommand()
	if _, err := h.bridge.SendCommand(context.Background(), cancelledCmd, false); err != nil {
		t.Fatalf("send: %v", err)
	}

	h.bridge.EmergencyStop(broadcast.DefaultTarget)

	// The cancelled command's record is released; only the halt remains.
	waitForPending(t, h.bridge, 1)

	activeID, ok := h.broadcaster.ActiveCommand(broadcast.DefaultTarget)
	if !ok {
		t.Fatal("stop command not dispatched")
	}
	h.completeAll(t, activeID)
	waitForPending(t, h.bridge, 0)

	// The lifecycle table is bounded too: terminal entries are forgotten.
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err1 := h.broadcaster.Tracker().State(cancelledCmd.CommandID)
		_, err2 := h.broadcaster.Tracker().State(activeID)
		if err1 == command.ErrNotTracked && err2 == command.ErrNotTracked {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("tracker still holds terminal command records")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRetryExhaustionReleasesCommandRecord(t *testing.T) {
	cfg := broadcast.DefaultConfig()
	cfg.AckWindow = 20 * time.Millisecond
	cfg.MaxAttempts = 2
	h := newTestHarnessConfig(t, cfg)

	cmd := moveCommand()
	if _, err := h.bridge.SendCommand(context.Background(), cmd, false); err != nil {
		t.Fatalf("send: %v", err)
	}

	// No executor ever acknowledges; the broadcaster fails the command after
	// its attempts run out and the bridge must release the record.
	waitForPending(t, h.bridge, 0)
}

func TestVerdictPublishedToSource(t *testing.T) {
	h := newTestHarness(t)

	got := make(chan *protocol.Message, 1)
	h.bus.Subscribe(protocol.TypeSyncFeedback, func(msg *protocol.Message) error {
		if msg.Source == "bridge" {
			got <- msg
		}
		return nil
	})

	cmd := moveCommand()
	if _, err := h.bridge.SendCommand(context.Background(), cmd, false); err != nil {
		t.Fatalf("send: %v", err)
	}
	h.completeAll(t, cmd.CommandID)

	select {
	case msg := <-got:
		if msg.Target != "planner" {
			t.Errorf("verdict addressed to %q, expected planner", msg.Target)
		}
		if state, _ := msg.Payload["state"].(string); state != command.StateDone.String() {
			t.Errorf("unexpected verdict state: %v", msg.Payload["state"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("verdict never published")
	}
}

func TestSyncStateMergesPartialUpdates(t *testing.T) {
	h := newTestHarness(t)

	h.bridge.SyncState(map[string]any{"mode": "autonomous"}, nil)
	h.bridge.SyncState(nil, map[string]any{"joint_temp": 41.5})

	state := h.bridge.State()
	if state.BrainState["mode"] != "autonomous" {
		t.Error("brain state lost by cerebellum-only update")
	}
	if state.CerebellumState["joint_temp"] != 41.5 {
		t.Error("cerebellum state not merged")
	}
	if state.SyncedAt.IsZero() {
		t.Error("sync timestamp not stamped")
	}
}

func TestSyncStateReplacesSnapshotAtomically(t *testing.T) {
	h := newTestHarness(t)

	h.bridge.SyncState(map[string]any{"mode": "idle"}, map[string]any{"ok": true})
	before := h.bridge.State()

	h.bridge.SyncState(map[string]any{"mode": "active"}, nil)
	after := h.bridge.State()

	if before == after {
		t.Error("snapshot mutated in place instead of replaced")
	}
	if before.BrainState["mode"] != "idle" {
		t.Error("earlier snapshot changed after the fact")
	}
	if after.CerebellumState["ok"] != true {
		t.Error("unchanged side dropped on replace")
	}
}

func TestStateSyncOverBus(t *testing.T) {
	h := newTestHarness(t)

	msg := protocol.New(protocol.TypeSyncState, "cerebellum", map[string]any{
		"cerebellum_state": map[string]any{"battery": 0.87},
	})
	if err := h.bus.Publish(msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if h.bridge.State().CerebellumState["battery"] == 0.87 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("state sync never applied")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSendCommandAfterClose(t *testing.T) {
	h := newTestHarness(t)
	h.bridge.Close()

	if _, err := h.bridge.SendCommand(context.Background(), moveCommand(), false); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
