package soar

import (
	"context"

	"go.uber.org/zap"
)

// AuditLogger records every response action execution attempt
type AuditLogger interface {
	Log(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is one audit record for an executed or failed action
type AuditEvent struct {
	EventType   string                 `json:"event_type"` // action_executed, action_failed, action_skipped
	DetectionID string                 `json:"detection_id"`
	ActionID    string                 `json:"action_id"`
	ActionType  string                 `json:"action_type"`
	Executor    string                 `json:"executor"`
	Parameters  map[string]interface{} `json:"parameters"`
	Result      string                 `json:"result"` // success, failure, timeout, skipped
	Error       string                 `json:"error,omitempty"`
	DurationMs  int64                  `json:"duration_ms"`
}

// NoOpAuditLogger discards all audit events
type NoOpAuditLogger struct{}

// Log discards the audit event
func (n *NoOpAuditLogger) Log(ctx context.Context, event *AuditEvent) error {
	return nil
}

// ZapAuditLogger writes audit events to a dedicated named logger
type ZapAuditLogger struct {
	logger *zap.SugaredLogger
}

// NewZapAuditLogger creates an audit logger on top of logger.Named("audit")
func NewZapAuditLogger(logger *zap.SugaredLogger) *ZapAuditLogger {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ZapAuditLogger{logger: logger.Named("audit")}
}

// Log writes the audit event
func (z *ZapAuditLogger) Log(ctx context.Context, event *AuditEvent) error {
	z.logger.Infow(event.EventType,
		"detection_id", event.DetectionID,
		"action_id", event.ActionID,
		"action_type", event.ActionType,
		"executor", event.Executor,
		"result", event.Result,
		"error", event.Error,
		"duration_ms", event.DurationMs)
	return nil
}
