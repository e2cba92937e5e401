package core

import (
	"time"

	"github.com/google/uuid"
)

// DetectionStatus represents the lifecycle state of a threat detection
type DetectionStatus string

const (
	DetectionStatusActive        DetectionStatus = "active"
	DetectionStatusInvestigating DetectionStatus = "investigating"
	DetectionStatusContained     DetectionStatus = "contained"
	DetectionStatusResolved      DetectionStatus = "resolved"
	DetectionStatusFalsePositive DetectionStatus = "false_positive"
)

// IsValid checks if the status is valid
func (s DetectionStatus) IsValid() bool {
	switch s {
	case DetectionStatusActive, DetectionStatusInvestigating, DetectionStatusContained,
		DetectionStatusResolved, DetectionStatusFalsePositive:
		return true
	default:
		return false
	}
}

// TriggerKind identifies what produced a detection
type TriggerKind string

const (
	TriggerRule      TriggerKind = "rule"
	TriggerSignature TriggerKind = "signature"
	TriggerModel     TriggerKind = "model"
)

// TriggerRef points at the rule, signature or model that created a detection
type TriggerRef struct {
	Kind TriggerKind `json:"kind"`
	ID   string      `json:"id"`
	Name string      `json:"name,omitempty"`
}

// Timeline actors used by the engine itself
const (
	ActorSystem      = "system"
	ActorCorrelation = "correlation-engine"
	ActorResponder   = "auto-response"
)

// TimelineEntry is one append-only record in a detection's history
type TimelineEntry struct {
	Timestamp   time.Time              `json:"timestamp"`
	Actor       string                 `json:"actor"`
	Action      string                 `json:"action"`
	Description string                 `json:"description"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// ActionType is a kind of response action
type ActionType string

const (
	ActionIsolate    ActionType = "isolate"
	ActionBlock      ActionType = "block"
	ActionAlert      ActionType = "alert"
	ActionQuarantine ActionType = "quarantine"
	ActionMonitor    ActionType = "monitor"
	ActionTerminate  ActionType = "terminate"
)

// ActionStatus is the execution state of a response action
type ActionStatus string

const (
	ActionStatusPending  ActionStatus = "pending"
	ActionStatusExecuted ActionStatus = "executed"
	ActionStatusFailed   ActionStatus = "failed"
	ActionStatusRollback ActionStatus = "rollback"
)

// ActionExecutor identifies who runs a response action
type ActionExecutor string

const (
	ExecutorSystem  ActionExecutor = "system"
	ExecutorAnalyst ActionExecutor = "analyst"
	ExecutorAI      ActionExecutor = "ai"
)

// ResponseAction is a response step owned by exactly one detection
type ResponseAction struct {
	ID          string                 `json:"id"`
	Type        ActionType             `json:"type"`
	Status      ActionStatus           `json:"status"`
	Executor    ActionExecutor         `json:"executor"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	ExecutedAt  *time.Time             `json:"executed_at,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// NewResponseAction creates a pending system action
func NewResponseAction(actionType ActionType, description string, params map[string]interface{}) ResponseAction {
	if params == nil {
		params = make(map[string]interface{})
	}
	return ResponseAction{
		ID:          uuid.New().String(),
		Type:        actionType,
		Status:      ActionStatusPending,
		Executor:    ExecutorSystem,
		Description: description,
		Parameters:  params,
	}
}

// Clone returns a deep copy of the action
func (a ResponseAction) Clone() ResponseAction {
	out := a
	if a.Parameters != nil {
		out.Parameters = make(map[string]interface{}, len(a.Parameters))
		for k, v := range a.Parameters {
			out.Parameters[k] = v
		}
	}
	if a.ExecutedAt != nil {
		ts := *a.ExecutedAt
		out.ExecutedAt = &ts
	}
	return out
}

// ThreatDetection is a stateful record created when an event crosses the alert threshold
type ThreatDetection struct {
	ID             string           `json:"id"`
	EventIDs       []string         `json:"event_ids"`
	Trigger        TriggerRef       `json:"trigger"`
	Confidence     float64          `json:"confidence"`
	RiskScore      float64          `json:"risk_score"`
	Severity       Severity         `json:"severity"`
	Status         DetectionStatus  `json:"status"`
	Action         RuleAction       `json:"requested_action,omitempty"`
	DetectionTime  time.Time        `json:"detection_time"`
	LastUpdated    time.Time        `json:"last_updated"`
	AffectedAssets []string         `json:"affected_assets"`
	SourceIP       string           `json:"source_ip,omitempty"`
	CorrelationID  string           `json:"correlation_id,omitempty"`
	Actions        []ResponseAction `json:"response_actions"`
	Timeline       []TimelineEntry  `json:"timeline"`
}

// Clone returns a deep copy so callers can never mutate stored state
func (d *ThreatDetection) Clone() *ThreatDetection {
	out := *d
	out.EventIDs = append([]string(nil), d.EventIDs...)
	out.AffectedAssets = append([]string(nil), d.AffectedAssets...)
	out.Actions = make([]ResponseAction, len(d.Actions))
	for i, a := range d.Actions {
		out.Actions[i] = a.Clone()
	}
	out.Timeline = make([]TimelineEntry, len(d.Timeline))
	for i, e := range d.Timeline {
		out.Timeline[i] = e
		if e.Metadata != nil {
			md := make(map[string]interface{}, len(e.Metadata))
			for k, v := range e.Metadata {
				md[k] = v
			}
			out.Timeline[i].Metadata = md
		}
	}
	return &out
}

// FindAction returns the response action with the given id
func (d *ThreatDetection) FindAction(actionID string) (*ResponseAction, bool) {
	for i := range d.Actions {
		if d.Actions[i].ID == actionID {
			return &d.Actions[i], true
		}
	}
	return nil, false
}

// ReferencesEvent reports whether eventID contributed to the detection
func (d *ThreatDetection) ReferencesEvent(eventID string) bool {
	for _, id := range d.EventIDs {
		if id == eventID {
			return true
		}
	}
	return false
}

// FirstExecutedAt returns the earliest executed action time, if any
func (d *ThreatDetection) FirstExecutedAt() (time.Time, bool) {
	var first time.Time
	found := false
	for _, a := range d.Actions {
		if a.Status != ActionStatusExecuted || a.ExecutedAt == nil {
			continue
		}
		if !found || a.ExecutedAt.Before(first) {
			first = *a.ExecutedAt
			found = true
		}
	}
	return first, found
}

// DetectionCandidate is a proposed detection produced by a rule, signature or the risk model
type DetectionCandidate struct {
	Trigger    TriggerRef `json:"trigger"`
	Confidence float64    `json:"confidence"`
	RiskScore  float64    `json:"risk_score"`
	Severity   Severity   `json:"severity"`
	Action     RuleAction `json:"action,omitempty"`
	MatchScore float64    `json:"match_score,omitempty"`
}

// Escalation is the signal emitted when a correlation cluster forms or grows
type Escalation struct {
	CorrelationID  string   `json:"correlation_id"`
	ClusterSize    int      `json:"cluster_size"`
	SharedIdentity string   `json:"shared_identity"`
	EventIDs       []string `json:"event_ids"`
}
