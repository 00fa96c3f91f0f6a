// Package events provides structured logging for session-orchestration
// lifecycle events, keeping EventLogger's shape (run_id/worker_id base
// attributes, one Log* method per named event, a global logger with a
// discard-everything no-op fallback) but re-keyed to session_id/host.
package events

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// EventLogger emits one structured JSON line per lifecycle event.
type EventLogger struct {
	logger *slog.Logger
	host   string
}

// NewEventLogger creates an EventLogger with JSON output to stdout,
// tagging every line with host.
func NewEventLogger(host string) *EventLogger {
	return newEventLogger(os.Stdout, host)
}

// NewEventLoggerWithWriter creates an EventLogger writing to w. Useful
// for testing or redirecting output.
func NewEventLoggerWithWriter(host string, w io.Writer) *EventLogger {
	return newEventLogger(w, host)
}

func newEventLogger(w io.Writer, host string) *EventLogger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(handler).With("host", host)
	return &EventLogger{logger: logger, host: host}
}

// LogSessionCreated logs session creation.
// event: "session_created"
func (el *EventLogger) LogSessionCreated(sessionID, projectPath, model string) {
	el.logger.Info("session_created",
		"session_id", sessionID,
		"project_path", projectPath,
		"model", model,
	)
}

// LogSessionStarted logs a session's child process spawn.
// event: "session_started"
func (el *EventLogger) LogSessionStarted(sessionID string, pid int) {
	el.logger.Info("session_started",
		"session_id", sessionID,
		"pid", pid,
	)
}

// LogSessionCompleted logs a terminal COMPLETED transition.
// event: "session_completed"
func (el *EventLogger) LogSessionCompleted(sessionID string, lifetimeMs int64) {
	el.logger.Info("session_completed",
		"session_id", sessionID,
		"lifetime_ms", lifetimeMs,
	)
}

// LogSessionFailed logs a terminal FAILED transition.
// event: "session_failed"
func (el *EventLogger) LogSessionFailed(sessionID, reason string, lifetimeMs int64) {
	el.logger.Warn("session_failed",
		"session_id", sessionID,
		"reason", reason,
		"lifetime_ms", lifetimeMs,
	)
}

// LogSessionCancelled logs a terminal CANCELLED transition.
// event: "session_cancelled"
func (el *EventLogger) LogSessionCancelled(sessionID string, lifetimeMs int64) {
	el.logger.Info("session_cancelled",
		"session_id", sessionID,
		"lifetime_ms", lifetimeMs,
	)
}

// LogSubscriberDropped logs a subscriber evicted for falling behind.
// event: "subscriber_dropped"
func (el *EventLogger) LogSubscriberDropped(sessionID string, subscriberID uint64, queueDepth int) {
	el.logger.Warn("subscriber_dropped",
		"session_id", sessionID,
		"subscriber_id", subscriberID,
		"queue_depth", queueDepth,
	)
}

// LogAutoCheckpoint logs an auto-checkpoint triggered by the checkpoint
// strategy.
// event: "auto_checkpoint"
func (el *EventLogger) LogAutoCheckpoint(sessionID, checkpointID, eventType string) {
	el.logger.Info("auto_checkpoint",
		"session_id", sessionID,
		"checkpoint_id", checkpointID,
		"trigger_event", eventType,
	)
}

// LogProcessStale logs a registry liveness transition to STALE.
// event: "process_stale"
func (el *EventLogger) LogProcessStale(sessionID string, pid int) {
	el.logger.Warn("process_stale",
		"session_id", sessionID,
		"pid", pid,
	)
}

// LogServerConnected logs a successful MCP server connection.
// event: "mcp_server_connected"
func (el *EventLogger) LogServerConnected(serverID, transportType string) {
	el.logger.Info("mcp_server_connected",
		"server_id", serverID,
		"transport", transportType,
	)
}

// LogServerConnectionFailed logs a failed connection attempt.
// event: "mcp_server_connection_failed"
func (el *EventLogger) LogServerConnectionFailed(serverID, reason string) {
	el.logger.Error("mcp_server_connection_failed",
		"server_id", serverID,
		"error", reason,
	)
}

// LogServerDisconnected logs a server disconnection.
// event: "mcp_server_disconnected"
func (el *EventLogger) LogServerDisconnected(serverID string, durationSec float64) {
	el.logger.Info("mcp_server_disconnected",
		"server_id", serverID,
		"duration_seconds", durationSec,
	)
}

// LogHealthCheckFailed logs a failed health ping.
// event: "mcp_health_check_failed"
func (el *EventLogger) LogHealthCheckFailed(serverID string, errorCount int, reason string) {
	el.logger.Warn("mcp_health_check_failed",
		"server_id", serverID,
		"error_count", errorCount,
		"error", reason,
	)
}

// LogServerReconnecting logs a reconnect attempt after too many consecutive
// health-check failures.
// event: "mcp_server_reconnecting"
func (el *EventLogger) LogServerReconnecting(serverID string, attempt int) {
	el.logger.Warn("mcp_server_reconnecting",
		"server_id", serverID,
		"attempt", attempt,
	)
}

// Global logger management.
var (
	globalLogger *EventLogger
	globalMu     sync.RWMutex
	noopLogger   *EventLogger
	noopOnce     sync.Once
)

// SetGlobalEventLogger sets the global event logger instance.
func SetGlobalEventLogger(l *EventLogger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// GetGlobalEventLogger returns the global event logger instance, or a
// no-op logger if none has been set.
func GetGlobalEventLogger() *EventLogger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger != nil {
		return globalLogger
	}
	return NoopEventLogger()
}

// NoopEventLogger returns the shared event logger that discards all
// events.
func NoopEventLogger() *EventLogger {
	noopOnce.Do(func() {
		handler := slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo})
		noopLogger = &EventLogger{logger: slog.New(handler)}
	})
	return noopLogger
}
