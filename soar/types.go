package soar

import (
	"context"
	"errors"

	"argus/core"
)

// ErrCollaboratorMissing is returned when an action's target subsystem is not configured
var ErrCollaboratorMissing = errors.New("response collaborator not configured")

// Isolator cuts assets off from the network
type Isolator interface {
	Isolate(ctx context.Context, assets []string) error
}

// Blocker blocks an IP address for a number of seconds
type Blocker interface {
	Block(ctx context.Context, ip string, durationSeconds int) error
}

// Alerter delivers an alert to operators
type Alerter interface {
	Alert(ctx context.Context, level core.Severity, message string) error
}

// Quarantiner quarantines a single asset
type Quarantiner interface {
	Quarantine(ctx context.Context, assetID string) error
}

// Collaborators are the subsystems actions are executed against. Nil members
// make the matching action fail with ErrCollaboratorMissing.
type Collaborators struct {
	Isolator    Isolator
	Blocker     Blocker
	Alerter     Alerter
	Quarantiner Quarantiner
}

// Policy is the auto-response configuration in effect for one ingestion
type Policy struct {
	Enabled            bool
	AlertThreshold     float64
	BlockingThreshold  float64
	IsolationThreshold float64
	EnableIsolation    bool
	EnableBlocking     bool
	EnableAlerting     bool
	BlockDuration      int // seconds
}

// DefaultPolicy returns the default thresholds with every action enabled
func DefaultPolicy() Policy {
	return Policy{
		Enabled:            true,
		AlertThreshold:     50,
		BlockingThreshold:  70,
		IsolationThreshold: 80,
		EnableIsolation:    true,
		EnableBlocking:     true,
		EnableAlerting:     true,
		BlockDuration:      3600,
	}
}

// ActionRecorder persists actions on their owning detection
type ActionRecorder interface {
	AttachActions(detectionID string, actions []core.ResponseAction) (*core.ThreatDetection, error)
	UpdateAction(detectionID string, action core.ResponseAction) (*core.ThreatDetection, error)
}

// action parameter keys
const (
	ParamAssets          = "assets"
	ParamIP              = "ip"
	ParamDurationSeconds = "duration_seconds"
	ParamLevel           = "level"
	ParamMessage         = "message"
	ParamAssetID         = "asset_id"
	ParamIdentity        = "identity"
	ParamDetectionID     = "detection_id"
)
