package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"argus/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var baseTime = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestEventStore_IngestDefaults(t *testing.T) {
	store := NewEventStore(10, zaptest.NewLogger(t).Sugar(), WithClock(fixedClock(baseTime)))

	id := store.Ingest(core.Event{EventType: "login_failed", Severity: "weird", IPAddress: "10.0.0.1"})
	require.NotEmpty(t, id)

	got, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, baseTime, got.Timestamp)
	assert.Equal(t, core.SeverityLow, got.Severity)
	assert.NotNil(t, got.Metadata)
	assert.Equal(t, 1, store.Len())
}

func TestEventStore_KeepsProvidedID(t *testing.T) {
	store := NewEventStore(10, nil)
	id := store.Ingest(core.Event{ID: "evt-1", Timestamp: baseTime})
	assert.Equal(t, "evt-1", id)

	// a duplicate id never overwrites the stored event
	dup := store.Ingest(core.Event{ID: "evt-1", Timestamp: baseTime, Description: "second"})
	assert.NotEqual(t, "evt-1", dup)
	assert.Equal(t, 2, store.Len())
}

func TestEventStore_EvictsToHalfOnOverflow(t *testing.T) {
	store := NewEventStore(10, nil)
	for i := 0; i < 11; i++ {
		store.Ingest(core.Event{ID: fmt.Sprintf("evt-%02d", i), Timestamp: baseTime.Add(time.Duration(i) * time.Second)})
	}

	require.Equal(t, 5, store.Len())
	events := store.Snapshot()
	assert.Equal(t, "evt-06", events[0].ID)
	assert.Equal(t, "evt-10", events[4].ID)

	_, err := store.Get("evt-00")
	assert.True(t, errors.Is(err, ErrEventNotFound))
}

func TestEventStore_QueryReturnsCopies(t *testing.T) {
	store := NewEventStore(10, nil)
	id := store.Ingest(core.Event{Timestamp: baseTime, Metadata: map[string]interface{}{"k": "v"}})

	events := store.Query(core.EventFilter{})
	require.Len(t, events, 1)
	events[0].Metadata["k"] = "mutated"
	events[0].Description = "mutated"

	got, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "v", got.Metadata["k"])
	assert.Empty(t, got.Description)
}

func TestEventStore_QueryFilters(t *testing.T) {
	store := NewEventStore(100, nil)
	store.Ingest(core.Event{ID: "a", IPAddress: "1.1.1.1", EventType: "login_failed", Timestamp: baseTime})
	store.Ingest(core.Event{ID: "b", IPAddress: "1.1.1.1", EventType: "login_failed", Timestamp: baseTime.Add(time.Minute)})
	store.Ingest(core.Event{ID: "c", IPAddress: "2.2.2.2", UserID: "bob", EventType: "file_access", Timestamp: baseTime.Add(2 * time.Minute)})

	assert.Equal(t, 2, store.Count(core.EventFilter{IPAddress: "1.1.1.1"}))
	assert.Equal(t, 1, store.Count(core.EventFilter{Since: baseTime.Add(90 * time.Second)}))
	assert.Equal(t, 3, store.Count(core.EventFilter{IPAddress: "1.1.1.1", UserID: "bob", MatchAny: true}))

	newest := store.Query(core.EventFilter{Limit: 2})
	require.Len(t, newest, 2)
	assert.Equal(t, "b", newest[0].ID)
	assert.Equal(t, "c", newest[1].ID)
}

func TestEventStore_SetCorrelationIDOnce(t *testing.T) {
	store := NewEventStore(10, nil, WithClock(fixedClock(baseTime)))
	id := store.Ingest(core.Event{Timestamp: baseTime})

	applied, err := store.SetCorrelationID(id, "corr-a")
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = store.SetCorrelationID(id, "corr-a")
	require.NoError(t, err)
	assert.True(t, applied, "re-applying the same id is a no-op success")

	applied, err = store.SetCorrelationID(id, "corr-b")
	require.NoError(t, err)
	assert.False(t, applied, "a different id is rejected as ambiguous")

	got, _ := store.Get(id)
	assert.Equal(t, "corr-a", got.CorrelationID)

	at, ok := store.CorrelationAssignedAt("corr-a")
	assert.True(t, ok)
	assert.Equal(t, baseTime, at)

	_, err = store.SetCorrelationID("missing", "corr-a")
	assert.True(t, errors.Is(err, ErrEventNotFound))
}

func TestEventStore_ExportImportRoundTrip(t *testing.T) {
	src := NewEventStore(100, nil)
	for i := 0; i < 5; i++ {
		src.Ingest(core.Event{
			ID:          fmt.Sprintf("evt-%d", i),
			Timestamp:   baseTime.Add(time.Duration(i) * time.Minute),
			Source:      "firewall",
			EventType:   "connection",
			Severity:    core.SeverityMedium,
			Description: "outbound connection",
			IPAddress:   "10.0.0.5",
			UserID:      "alice",
			GeoLocation: &core.GeoLocation{Country: "GB", Coordinates: &core.Coordinates{Latitude: 51.5, Longitude: -0.12}},
			Metadata:    map[string]interface{}{"port": "443"},
		})
	}
	_, err := src.SetCorrelationID("evt-1", "corr-1")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, src.Export(&buf))

	dst := NewEventStore(100, nil)
	require.NoError(t, dst.Import(&buf))

	assert.Equal(t, src.Snapshot(), dst.Snapshot())
	_, ok := dst.CorrelationAssignedAt("corr-1")
	assert.True(t, ok)
}

func TestEventStore_ImportAppliesCapacity(t *testing.T) {
	src := NewEventStore(100, nil)
	for i := 0; i < 8; i++ {
		src.Ingest(core.Event{ID: fmt.Sprintf("evt-%d", i), Timestamp: baseTime})
	}
	var buf bytes.Buffer
	require.NoError(t, src.Export(&buf))

	dst := NewEventStore(3, nil)
	require.NoError(t, dst.Import(&buf))

	events := dst.Snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, "evt-5", events[0].ID)
	assert.Equal(t, "evt-7", events[2].ID)
}

type recordingArchive struct {
	appended  []core.Event
	fail      bool
	lastLimit int
}

func (r *recordingArchive) Append(_ context.Context, e core.Event) error {
	if r.fail {
		return errors.New("disk full")
	}
	r.appended = append(r.appended, e)
	return nil
}

func (r *recordingArchive) Query(context.Context, core.EventFilter) ([]core.Event, error) {
	return r.appended, nil
}

func (r *recordingArchive) Recent(_ context.Context, limit int) ([]core.Event, error) {
	r.lastLimit = limit
	if limit < len(r.appended) {
		return r.appended[len(r.appended)-limit:], nil
	}
	return r.appended, nil
}

func (r *recordingArchive) Close() error { return nil }

func TestEventStore_ArchiveMirror(t *testing.T) {
	archive := &recordingArchive{}
	store := NewEventStore(10, zaptest.NewLogger(t).Sugar(), WithArchive(archive))
	id := store.Ingest(core.Event{Timestamp: baseTime})

	require.Len(t, archive.appended, 1)
	assert.Equal(t, id, archive.appended[0].ID)

	// archive failures never fail ingestion
	archive.fail = true
	assert.NotEmpty(t, store.Ingest(core.Event{Timestamp: baseTime}))
	assert.Equal(t, 2, store.Len())
}

func TestEventStore_WarmStart(t *testing.T) {
	archive := &recordingArchive{appended: []core.Event{
		{ID: "old-1", Timestamp: baseTime},
		{ID: "old-2", Timestamp: baseTime, CorrelationID: "corr-x"},
	}}
	store := NewEventStore(10, nil, WithArchive(archive))

	n, err := WarmStart(store, archive, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 10, archive.lastLimit, "unset limit falls back to capacity")
	assert.Equal(t, 2, store.Len())
	assert.Len(t, archive.appended, 2, "restored events are not re-archived")

	_, ok := store.CorrelationAssignedAt("corr-x")
	assert.True(t, ok)

	limited := NewEventStore(10, nil)
	n, err = WarmStart(limited, archive, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = limited.Get("old-2")
	assert.NoError(t, err, "the newest event is kept")
}
