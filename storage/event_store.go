package storage

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"argus/core"
	"argus/metrics"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// DefaultEventCapacity is the event store bound used when none is configured
const DefaultEventCapacity = 10000

// archiveTimeout bounds a single archive append so a slow disk never stalls ingestion
const archiveTimeout = 2 * time.Second

// EventStore is the bounded, append-ordered buffer of ingested events.
// Once the buffer exceeds its capacity it is trimmed to the newest half.
type EventStore struct {
	mu       sync.RWMutex
	events   []*core.Event
	index    map[string]*core.Event
	assigned map[string]time.Time // correlation id -> first assignment time
	capacity int

	archive EventArchive
	logger  *zap.SugaredLogger
	now     func() time.Time
}

// EventStoreOption configures an EventStore
type EventStoreOption func(*EventStore)

// WithArchive mirrors every ingested event to a durable archive
func WithArchive(archive EventArchive) EventStoreOption {
	return func(s *EventStore) { s.archive = archive }
}

// WithClock overrides the time source used for default timestamps
func WithClock(now func() time.Time) EventStoreOption {
	return func(s *EventStore) { s.now = now }
}

// NewEventStore creates an event store holding at most capacity events
func NewEventStore(capacity int, logger *zap.SugaredLogger, opts ...EventStoreOption) *EventStore {
	if capacity <= 0 {
		capacity = DefaultEventCapacity
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &EventStore{
		index:    make(map[string]*core.Event),
		assigned: make(map[string]time.Time),
		capacity: capacity,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest normalizes and appends an event, returning its id.
func (s *EventStore) Ingest(event core.Event) string {
	e := event.Clone()
	e.Normalize(s.now())

	s.mu.Lock()
	if old, exists := s.index[e.ID]; exists {
		// duplicate ids keep the first copy; the new one gets a fresh id
		s.logger.Warnw("Duplicate event id on ingest, assigning new id", "event_id", old.ID)
		e.ID = ""
		e.Normalize(s.now())
	}
	s.events = append(s.events, &e)
	s.index[e.ID] = &e
	if e.CorrelationID != "" {
		if _, seen := s.assigned[e.CorrelationID]; !seen {
			s.assigned[e.CorrelationID] = s.now()
		}
	}
	evicted := s.evictLocked()
	size := len(s.events)
	s.mu.Unlock()

	metrics.EventsIngested.WithLabelValues(string(e.Severity)).Inc()
	metrics.EventStoreSize.Set(float64(size))
	if evicted > 0 {
		metrics.EventsEvicted.Add(float64(evicted))
		s.logger.Infow("Event store over capacity, evicted oldest events",
			"evicted", evicted,
			"remaining", size)
	}

	if s.archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		if err := s.archive.Append(ctx, e.Clone()); err != nil {
			metrics.ArchiveFailures.Inc()
			s.logger.Warnw("Failed to archive event", "event_id", e.ID, "error", err)
		}
		cancel()
	}

	return e.ID
}

// evictLocked trims the buffer to the newest capacity/2 events once capacity is exceeded
func (s *EventStore) evictLocked() int {
	if len(s.events) <= s.capacity {
		return 0
	}
	keep := s.capacity / 2
	if keep < 1 {
		keep = 1
	}
	drop := len(s.events) - keep
	for _, e := range s.events[:drop] {
		delete(s.index, e.ID)
	}
	kept := make([]*core.Event, keep)
	copy(kept, s.events[drop:])
	s.events = kept
	s.pruneAssignmentsLocked()
	return drop
}

// pruneAssignmentsLocked forgets correlation ids no longer carried by any stored event
func (s *EventStore) pruneAssignmentsLocked() {
	live := make(map[string]struct{}, len(s.assigned))
	for _, e := range s.events {
		if e.CorrelationID != "" {
			live[e.CorrelationID] = struct{}{}
		}
	}
	for id := range s.assigned {
		if _, ok := live[id]; !ok {
			delete(s.assigned, id)
		}
	}
}

// Get returns a copy of the event with the given id
func (s *EventStore) Get(id string) (core.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.index[id]
	if !ok {
		return core.Event{}, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	return e.Clone(), nil
}

// Query returns copies of matching events in arrival order.
// A positive filter.Limit keeps only the newest matches.
func (s *EventStore) Query(filter core.EventFilter) []core.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []core.Event
	for _, e := range s.events {
		if filter.Matches(e) {
			out = append(out, e.Clone())
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}

// Count returns the number of matching events
func (s *EventStore) Count(filter core.EventFilter) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, e := range s.events {
		if filter.Matches(e) {
			n++
		}
	}
	if filter.Limit > 0 && n > filter.Limit {
		n = filter.Limit
	}
	return n
}

// Snapshot returns copies of every stored event in arrival order
func (s *EventStore) Snapshot() []core.Event {
	return s.Query(core.EventFilter{})
}

// Len returns the number of stored events
func (s *EventStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Capacity returns the configured bound
func (s *EventStore) Capacity() int {
	return s.capacity
}

// SetCorrelationID binds an event to a correlation cluster. The id is set at
// most once: re-applying the same id reports true, a different id is left
// untouched and reports false so the caller can flag the event as ambiguous.
func (s *EventStore) SetCorrelationID(eventID, correlationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.index[eventID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}
	if e.CorrelationID != "" {
		return e.CorrelationID == correlationID, nil
	}
	e.CorrelationID = correlationID
	if _, seen := s.assigned[correlationID]; !seen {
		s.assigned[correlationID] = s.now()
	}
	return true, nil
}

// CorrelationAssignedAt returns when a correlation id was first assigned
func (s *EventStore) CorrelationAssignedAt(correlationID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.assigned[correlationID]
	return at, ok
}

// snapshot is the msgpack export envelope
type snapshot struct {
	Version      int                  `msgpack:"version"`
	Events       []core.Event         `msgpack:"events"`
	Correlations map[string]time.Time `msgpack:"correlations"`
}

const snapshotVersion = 1

// Export writes the buffered events, in order, as a msgpack snapshot
func (s *EventStore) Export(w io.Writer) error {
	s.mu.RLock()
	snap := snapshot{
		Version:      snapshotVersion,
		Events:       make([]core.Event, 0, len(s.events)),
		Correlations: make(map[string]time.Time, len(s.assigned)),
	}
	for _, e := range s.events {
		snap.Events = append(snap.Events, e.Clone())
	}
	for id, at := range s.assigned {
		snap.Correlations[id] = at
	}
	s.mu.RUnlock()

	if err := msgpack.NewEncoder(w).Encode(&snap); err != nil {
		return fmt.Errorf("failed to encode event snapshot: %w", err)
	}
	return nil
}

// Import replaces the store contents with a snapshot written by Export.
// Only the newest capacity events are kept.
func (s *EventStore) Import(r io.Reader) error {
	var snap snapshot
	if err := msgpack.NewDecoder(r).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode event snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}

	events := snap.Events
	if len(events) > s.capacity {
		events = events[len(events)-s.capacity:]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = make([]*core.Event, 0, len(events))
	s.index = make(map[string]*core.Event, len(events))
	s.assigned = make(map[string]time.Time, len(snap.Correlations))
	for i := range events {
		e := events[i]
		e.Normalize(s.now())
		s.events = append(s.events, &e)
		s.index[e.ID] = &e
	}
	for id, at := range snap.Correlations {
		s.assigned[id] = at.UTC()
	}
	s.pruneAssignmentsLocked()
	metrics.EventStoreSize.Set(float64(len(s.events)))
	return nil
}

// Restore appends archived events without mirroring them back to the archive.
// Used to warm the buffer at startup.
func (s *EventStore) Restore(events []core.Event) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	restored := 0
	for i := range events {
		e := events[i].Clone()
		e.Normalize(s.now())
		if _, exists := s.index[e.ID]; exists {
			continue
		}
		s.events = append(s.events, &e)
		s.index[e.ID] = &e
		if e.CorrelationID != "" {
			if _, seen := s.assigned[e.CorrelationID]; !seen {
				s.assigned[e.CorrelationID] = e.Timestamp
			}
		}
		restored++
	}
	s.evictLocked()
	metrics.EventStoreSize.Set(float64(len(s.events)))
	return restored
}
