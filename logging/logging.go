// Package logging provides real-time leveled log output for the coordination
// core. Logs are for operator monitoring only; command history and feedback
// travel through the bus and are recorded by their consumers.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logger provides structured logging to stdout.
type Logger struct {
	mu        sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
	agentID   string
}

// levelPriority maps levels to numeric priority for filtering.
var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// New creates a new Logger.
func New() *Logger {
	return &Logger{
		output:   os.Stdout,
		minLevel: LevelInfo,
	}
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		output:    l.output,
		minLevel:  l.minLevel,
		component: component,
		agentID:   l.agentID,
	}
}

// WithAgentID returns a new logger tagged with an agent ID.
func (l *Logger) WithAgentID(agentID string) *Logger {
	return &Logger{
		output:    l.output,
		minLevel:  l.minLevel,
		component: l.component,
		agentID:   agentID,
	}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.minLevel = level
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields formats a map of fields as key=value pairs.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	var parts []string
	for k, v := range fields {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return " " + strings.Join(parts, " ")
}

// log writes a log entry: LEVEL TIMESTAMP [component] message key=value ...
func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var fieldStr string
	if len(fields) > 0 && fields[0] != nil {
		if l.agentID != "" {
			fields[0]["agent"] = l.agentID
		}
		fieldStr = formatFields(fields[0])
	} else if l.agentID != "" {
		fieldStr = " agent=" + l.agentID
	}

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Write([]byte(line))
}

// --- Event-derived logging methods ---
// Convenience helpers for the recurring events in the coordination core.

// HandlerError logs a subscriber handler failure. Delivery to the remaining
// subscribers continues; this is the only trace of the failure.
func (l *Logger) HandlerError(msgType, subscriberID string, err error) {
	l.Error("handler_error", map[string]interface{}{
		"type":       msgType,
		"subscriber": subscriberID,
		"error":      err.Error(),
	})
}

// MessageDropped logs a message dropped before delivery (expired, malformed,
// or queue overflow).
func (l *Logger) MessageDropped(msgType, reason string) {
	l.Warn("message_dropped", map[string]interface{}{
		"type":   msgType,
		"reason": reason,
	})
}

// RequestTimeout logs an expired pending request.
func (l *Logger) RequestTimeout(correlationID, target string, timeout time.Duration) {
	l.Warn("request_timeout", map[string]interface{}{
		"correlation_id": correlationID,
		"target":         target,
		"timeout":        timeout.String(),
	})
}

// CommandState logs a command lifecycle transition.
func (l *Logger) CommandState(commandID, from, to string) {
	l.Debug("command_state", map[string]interface{}{
		"command": commandID,
		"from":    from,
		"to":      to,
	})
}

// CommandDispatched logs a command handed to a consumer.
func (l *Logger) CommandDispatched(commandID, target string, attempt int) {
	l.Info("command_dispatched", map[string]interface{}{
		"command": commandID,
		"target":  target,
		"attempt": attempt,
	})
}

// HeartbeatEviction logs a connection evicted for missed heartbeats.
func (l *Logger) HeartbeatEviction(agentID string, lastSeen time.Time) {
	l.Warn("heartbeat_eviction", map[string]interface{}{
		"agent":     agentID,
		"last_seen": lastSeen.UTC().Format(time.RFC3339),
	})
}

// EmergencyStop logs an emergency stop, always at error level.
func (l *Logger) EmergencyStop(target string, cancelled int) {
	l.Error("emergency_stop", map[string]interface{}{
		"target":    target,
		"cancelled": cancelled,
	})
}

// QueueOverflow logs a drop-oldest eviction on a consumer queue.
func (l *Logger) QueueOverflow(consumerID string, droppedCommandID string) {
	l.Warn("queue_overflow", map[string]interface{}{
		"consumer": consumerID,
		"dropped":  droppedCommandID,
	})
}

// StateSync logs a bridge state snapshot replacement.
func (l *Logger) StateSync(hasBrain, hasCerebellum bool) {
	l.Debug("state_sync", map[string]interface{}{
		"brain":      hasBrain,
		"cerebellum": hasCerebellum,
	})
}
