// Package command defines the semantic commands agents issue to the motion
// pipeline and the per-command dispatch lifecycle.
//
// A BrainCommand is immutable once created; its progress is tracked
// separately by a Tracker as a small state machine per command ID:
//
//	EXEC → QUEUE → NEXT → DONE
//
// with FAILED and CANCELLED reachable from any non-terminal state. Terminal
// states absorb: no transition ever leaves DONE, FAILED, or CANCELLED, and
// the tracker rejects regressions rather than applying them.
package command
