package soar

import (
	"context"

	"argus/core"

	"go.uber.org/zap"
)

// LogResponder implements every collaborator by logging what would be done.
// It is the default when no real isolation, firewall or EDR integration exists.
type LogResponder struct {
	logger *zap.SugaredLogger
}

// NewLogResponder creates a logging responder
func NewLogResponder(logger *zap.SugaredLogger) *LogResponder {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &LogResponder{logger: logger}
}

// Collaborators returns the responder wired into every slot
func (r *LogResponder) Collaborators() Collaborators {
	return Collaborators{Isolator: r, Blocker: r, Alerter: r, Quarantiner: r}
}

func (r *LogResponder) Isolate(ctx context.Context, assets []string) error {
	r.logger.Warnf("SIMULATION: Would isolate assets %v", assets)
	return ctx.Err()
}

func (r *LogResponder) Block(ctx context.Context, ip string, durationSeconds int) error {
	r.logger.Warnf("SIMULATION: Would block IP address %s for %ds", ip, durationSeconds)
	return ctx.Err()
}

func (r *LogResponder) Alert(ctx context.Context, level core.Severity, message string) error {
	r.logger.Warnw("Security alert", "level", level, "message", message)
	return ctx.Err()
}

func (r *LogResponder) Quarantine(ctx context.Context, assetID string) error {
	r.logger.Warnf("SIMULATION: Would quarantine asset %s", assetID)
	return ctx.Err()
}
