package storage

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"argus/core"
	"argus/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultDetectionCapacity bounds the detection history
const DefaultDetectionCapacity = 1000

// Timeline action names
const (
	TimelineAcknowledged  = "acknowledged"
	TimelineContained     = "contained"
	TimelineResolved      = "resolved"
	TimelineFalsePositive = "false_positive"
	TimelineEscalated     = "escalated"
	TimelineRescored      = "rescored"
	TimelineActionAdded   = "action_added"
	TimelineActionUpdated = "action_updated"
)

// DetectionStore owns every ThreatDetection and enforces the status state machine.
// All reads return deep copies.
type DetectionStore struct {
	mu         sync.RWMutex
	detections map[string]*core.ThreatDetection
	order      []string // creation order, oldest first
	capacity   int

	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewDetectionStore creates a detection store bounded to capacity records
func NewDetectionStore(capacity int, logger *zap.SugaredLogger) *DetectionStore {
	if capacity <= 0 {
		capacity = DefaultDetectionCapacity
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &DetectionStore{
		detections: make(map[string]*core.ThreatDetection),
		capacity:   capacity,
		logger:     logger,
		now:        time.Now,
	}
}

// SetClock overrides the time source, for tests
func (s *DetectionStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Create stores a new active detection built from a candidate
func (s *DetectionStore) Create(candidate core.DetectionCandidate, event core.Event) (*core.ThreatDetection, error) {
	if event.ID == "" {
		return nil, ErrEmptyDetection
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	d := &core.ThreatDetection{
		ID:             uuid.New().String(),
		EventIDs:       []string{event.ID},
		Trigger:        candidate.Trigger,
		Confidence:     core.Clamp(candidate.Confidence, 0, 100),
		RiskScore:      core.Clamp(candidate.RiskScore, 0, 100),
		Severity:       candidate.Severity,
		Status:         core.DetectionStatusActive,
		Action:         candidate.Action,
		DetectionTime:  now,
		LastUpdated:    now,
		AffectedAssets: affectedAssets(event),
		SourceIP:       event.IPAddress,
		CorrelationID:  event.CorrelationID,
		Actions:        []core.ResponseAction{},
		Timeline:       []core.TimelineEntry{},
	}
	if !d.Severity.IsValid() {
		d.Severity = core.SeverityFromRisk(d.RiskScore)
	}

	s.detections[d.ID] = d
	s.order = append(s.order, d.ID)
	s.evictLocked()

	metrics.DetectionsCreated.WithLabelValues(string(d.Trigger.Kind)).Inc()
	metrics.DetectionStoreSize.Set(float64(len(s.detections)))

	return d.Clone(), nil
}

func affectedAssets(event core.Event) []string {
	var assets []string
	if event.IPAddress != "" {
		assets = append(assets, event.IPAddress)
	}
	if event.UserID != "" {
		assets = append(assets, "user:"+event.UserID)
	}
	if host := event.MetadataString("hostname"); host != "" {
		assets = append(assets, host)
	}
	return assets
}

// evictLocked drops the oldest detections once capacity is exceeded
func (s *DetectionStore) evictLocked() {
	for len(s.order) > s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.detections, oldest)
	}
}

// Get returns a copy of a detection
func (s *DetectionStore) Get(id string) (*core.ThreatDetection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.detections[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDetectionNotFound, id)
	}
	return d.Clone(), nil
}

// All returns copies of every stored detection in creation order
func (s *DetectionStore) All() []*core.ThreatDetection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.ThreatDetection, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.detections[id].Clone())
	}
	return out
}

// Active returns non-terminal detections, highest risk first, oldest first on ties
func (s *DetectionStore) Active() []*core.ThreatDetection {
	s.mu.RLock()
	out := make([]*core.ThreatDetection, 0)
	for _, id := range s.order {
		d := s.detections[id]
		if !d.IsTerminal() {
			out = append(out, d.Clone())
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RiskScore != out[j].RiskScore {
			return out[i].RiskScore > out[j].RiskScore
		}
		return out[i].DetectionTime.Before(out[j].DetectionTime)
	})
	return out
}

// Len returns the number of stored detections
func (s *DetectionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.detections)
}

// Acknowledge moves a detection to investigating. Acknowledging an
// investigating detection keeps it there and still records the analyst.
func (s *DetectionStore) Acknowledge(id, analyst string) (*core.ThreatDetection, error) {
	return s.transition(id, core.DetectionStatusInvestigating, analyst, TimelineAcknowledged,
		fmt.Sprintf("Detection acknowledged by %s", analyst), nil)
}

// Contain marks the threat as contained
func (s *DetectionStore) Contain(id, actor, note string) (*core.ThreatDetection, error) {
	return s.transition(id, core.DetectionStatusContained, actor, TimelineContained,
		"Threat contained", noteMetadata(note))
}

// Resolve closes a detection with a resolution note
func (s *DetectionStore) Resolve(id, analyst, note string) (*core.ThreatDetection, error) {
	return s.transition(id, core.DetectionStatusResolved, analyst, TimelineResolved,
		fmt.Sprintf("Detection resolved by %s", analyst), noteMetadata(note))
}

// MarkFalsePositive closes a detection as a false positive
func (s *DetectionStore) MarkFalsePositive(id, analyst, note string) (*core.ThreatDetection, error) {
	return s.transition(id, core.DetectionStatusFalsePositive, analyst, TimelineFalsePositive,
		fmt.Sprintf("Detection marked false positive by %s", analyst), noteMetadata(note))
}

func noteMetadata(note string) map[string]interface{} {
	if note == "" {
		return nil
	}
	return map[string]interface{}{"note": note}
}

func (s *DetectionStore) transition(id string, to core.DetectionStatus, actor, action, description string, md map[string]interface{}) (*core.ThreatDetection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.detections[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDetectionNotFound, id)
	}

	from := d.Status
	if err := d.TransitionTo(to); err != nil {
		return nil, err
	}

	if md == nil {
		md = make(map[string]interface{})
	}
	md["from"] = string(from)
	md["to"] = string(to)
	s.appendLocked(d, actor, action, description, md)

	metrics.DetectionTransitions.WithLabelValues(string(to)).Inc()
	s.logger.Infow("Detection status changed",
		"detection_id", id,
		"from", from,
		"to", to,
		"actor", actor)

	return d.Clone(), nil
}

func (s *DetectionStore) appendLocked(d *core.ThreatDetection, actor, action, description string, md map[string]interface{}) {
	now := s.now().UTC()
	d.Timeline = append(d.Timeline, core.TimelineEntry{
		Timestamp:   now,
		Actor:       actor,
		Action:      action,
		Description: description,
		Metadata:    md,
	})
	d.LastUpdated = now
}

// Rescore proposes a new risk score. The stored score only ever rises; the
// proposal is always recorded in the timeline.
func (s *DetectionStore) Rescore(id string, proposed float64, reason string) (*core.ThreatDetection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.detections[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDetectionNotFound, id)
	}

	proposed = core.Clamp(proposed, 0, 100)
	old := d.RiskScore
	applied := proposed > old
	if applied {
		d.RiskScore = proposed
		if next := core.SeverityFromRisk(proposed); next.Rank() > d.Severity.Rank() {
			d.Severity = next
		}
	}
	s.appendLocked(d, core.ActorSystem, TimelineRescored, reason, map[string]interface{}{
		"old_score":      old,
		"proposed_score": proposed,
		"applied":        applied,
	})
	return d.Clone(), nil
}

// AttachActions appends pending response actions to a detection
func (s *DetectionStore) AttachActions(id string, actions []core.ResponseAction) (*core.ThreatDetection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.detections[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDetectionNotFound, id)
	}
	for _, a := range actions {
		d.Actions = append(d.Actions, a.Clone())
		s.appendLocked(d, core.ActorResponder, TimelineActionAdded,
			fmt.Sprintf("Response action %s scheduled", a.Type),
			map[string]interface{}{"action_id": a.ID, "type": string(a.Type)})
	}
	return d.Clone(), nil
}

// UpdateAction replaces a stored action's status and records the change.
// Failed actions keep their error in the timeline.
func (s *DetectionStore) UpdateAction(id string, action core.ResponseAction) (*core.ThreatDetection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.detections[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDetectionNotFound, id)
	}
	stored, ok := d.FindAction(action.ID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrActionNotFound, action.ID)
	}
	if stored.Status == action.Status {
		return d.Clone(), nil
	}
	*stored = action.Clone()

	md := map[string]interface{}{
		"action_id": action.ID,
		"type":      string(action.Type),
		"status":    string(action.Status),
	}
	description := fmt.Sprintf("Response action %s %s", action.Type, action.Status)
	if action.Error != "" {
		md["error"] = action.Error
		description += ": " + action.Error
	}
	s.appendLocked(d, core.ActorResponder, TimelineActionUpdated, description, md)
	return d.Clone(), nil
}

// Escalate records a correlation cluster on every non-terminal detection
// referencing one of its events. It returns the ids of updated detections.
func (s *DetectionStore) Escalate(esc core.Escalation) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := make(map[string]struct{}, len(esc.EventIDs))
	for _, id := range esc.EventIDs {
		members[id] = struct{}{}
	}

	var updated []string
	for _, id := range s.order {
		d := s.detections[id]
		if d.IsTerminal() {
			continue
		}
		linked := false
		for _, eid := range d.EventIDs {
			if _, ok := members[eid]; ok {
				linked = true
				break
			}
		}
		if !linked {
			continue
		}
		if d.CorrelationID == "" {
			d.CorrelationID = esc.CorrelationID
		}
		s.appendLocked(d, core.ActorCorrelation, TimelineEscalated,
			fmt.Sprintf("Correlated cluster of %d events sharing %s", esc.ClusterSize, esc.SharedIdentity),
			map[string]interface{}{
				"correlation_id":  esc.CorrelationID,
				"cluster_size":    esc.ClusterSize,
				"shared_identity": esc.SharedIdentity,
			})
		updated = append(updated, id)
	}
	return updated
}
