package detect

import (
	"sort"
	"time"

	"argus/core"
	"argus/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Correlation defaults
const (
	DefaultCorrelationWindow = 15 * time.Minute
	DefaultMinClusterSize    = 3
)

// CorrelationStore is the slice of the event store the correlator needs
type CorrelationStore interface {
	Query(filter core.EventFilter) []core.Event
	SetCorrelationID(eventID, correlationID string) (bool, error)
	CorrelationAssignedAt(correlationID string) (time.Time, bool)
}

// Correlator groups events sharing an IP address or user inside a time window
type Correlator struct {
	store      CorrelationStore
	window     time.Duration
	minCluster int
	logger     *zap.SugaredLogger
}

// NewCorrelator creates a correlator. Zero values fall back to defaults.
func NewCorrelator(store CorrelationStore, window time.Duration, minCluster int, logger *zap.SugaredLogger) *Correlator {
	if window <= 0 {
		window = DefaultCorrelationWindow
	}
	if minCluster <= 0 {
		minCluster = DefaultMinClusterSize
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Correlator{store: store, window: window, minCluster: minCluster, logger: logger}
}

// Correlate links a stored event with related events within the window on
// either side of it. It returns nil when no cluster of the minimum size exists.
// When related events already carry different correlation ids, the id that was
// assigned first wins and the other events are reported as ambiguous.
func (c *Correlator) Correlate(event core.Event) *core.Escalation {
	if event.IPAddress == "" && event.UserID == "" {
		return nil
	}

	related := c.store.Query(core.EventFilter{
		IPAddress: event.IPAddress,
		UserID:    event.UserID,
		MatchAny:  true,
		Since:     event.Timestamp.Add(-c.window),
		Until:     event.Timestamp.Add(c.window),
	})
	if len(related) < c.minCluster {
		return nil
	}

	corrID := c.pickCorrelationID(related)

	members := make([]string, 0, len(related))
	for _, e := range related {
		applied, err := c.store.SetCorrelationID(e.ID, corrID)
		if err != nil {
			// evicted between query and assignment
			c.logger.Debugw("Correlation target vanished", "event_id", e.ID, "error", err)
			continue
		}
		if !applied {
			metrics.AmbiguousCorrelations.Inc()
			c.logger.Warnw("Event already bound to a different correlation cluster",
				"event_id", e.ID,
				"existing_correlation_id", e.CorrelationID,
				"correlation_id", corrID)
			continue
		}
		members = append(members, e.ID)
	}
	if len(members) < c.minCluster {
		return nil
	}

	metrics.CorrelationClusters.Inc()
	return &core.Escalation{
		CorrelationID:  corrID,
		ClusterSize:    len(members),
		SharedIdentity: sharedIdentity(event, related),
		EventIDs:       members,
	}
}

// pickCorrelationID prefers the earliest-assigned id among related events
func (c *Correlator) pickCorrelationID(related []core.Event) string {
	type candidate struct {
		id string
		at time.Time
	}
	seen := make(map[string]struct{})
	var existing []candidate
	for _, e := range related {
		if e.CorrelationID == "" {
			continue
		}
		if _, dup := seen[e.CorrelationID]; dup {
			continue
		}
		seen[e.CorrelationID] = struct{}{}
		at, ok := c.store.CorrelationAssignedAt(e.CorrelationID)
		if !ok {
			at = e.Timestamp
		}
		existing = append(existing, candidate{id: e.CorrelationID, at: at})
	}
	if len(existing) == 0 {
		return "corr-" + uuid.New().String()
	}
	sort.Slice(existing, func(i, j int) bool {
		if !existing[i].at.Equal(existing[j].at) {
			return existing[i].at.Before(existing[j].at)
		}
		return existing[i].id < existing[j].id
	})
	return existing[0].id
}

// sharedIdentity names the identity most of the cluster has in common with the event
func sharedIdentity(event core.Event, related []core.Event) string {
	ipCount, userCount := 0, 0
	for _, e := range related {
		if event.IPAddress != "" && e.IPAddress == event.IPAddress {
			ipCount++
		}
		if event.UserID != "" && e.UserID == event.UserID {
			userCount++
		}
	}
	if userCount > ipCount {
		return "user:" + event.UserID
	}
	return "ip:" + event.IPAddress
}
