package ml

import (
	"fmt"
	"testing"
	"time"

	"argus/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	t0     = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	london = &core.GeoLocation{Country: "GB", Coordinates: &core.Coordinates{Latitude: 51.5074, Longitude: -0.1278}}
	cairo  = &core.GeoLocation{Country: "EG", Coordinates: &core.Coordinates{Latitude: 30.0444, Longitude: 31.2357}}
)

func newTestBaseliner(t *testing.T) *Baseliner {
	return NewBaseliner(Config{}, zaptest.NewLogger(t).Sugar())
}

func TestHaversine_LondonCairo(t *testing.T) {
	d := Haversine(*london.Coordinates, *cairo.Coordinates)
	assert.InDelta(t, 3510, d, 30)
	assert.InDelta(t, 0, Haversine(*london.Coordinates, *london.Coordinates), 1e-9)
}

func TestImpossibleTravel(t *testing.T) {
	tests := []struct {
		name         string
		elapsed      time.Duration
		wantBreach   bool
		wantScore    float64
		wantSeverity core.InsightSeverity
	}{
		{"three hours is impossible", 3 * time.Hour, true, travelScore, core.InsightCritical},
		{"five hours is plausible", 5 * time.Hour, false, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBaseliner(t)
			b.Observe(core.Event{ID: "e1", UserID: "alice", EventType: "api_call", Timestamp: t0, GeoLocation: london})
			r := b.Observe(core.Event{ID: "e2", UserID: "alice", EventType: "api_call", Timestamp: t0.Add(tt.elapsed), GeoLocation: cairo})

			assert.Equal(t, tt.wantScore, r.Contribution)
			if !tt.wantBreach {
				assert.Empty(t, r.Breaches)
				return
			}
			require.Len(t, r.Breaches, 1)
			assert.Equal(t, BreachImpossibleTravel, r.Breaches[0].Kind)
			assert.Equal(t, tt.wantSeverity, r.Breaches[0].Severity)
			assert.Equal(t, "user:alice", r.Breaches[0].Identity)
			assert.Equal(t, "e2", r.Breaches[0].EventID)
		})
	}
}

func TestImpossibleTravel_WarningOutsideCriticalWindow(t *testing.T) {
	b := newTestBaseliner(t)
	sydney := &core.GeoLocation{Country: "AU", Coordinates: &core.Coordinates{Latitude: -33.8688, Longitude: 151.2093}}
	b.Observe(core.Event{UserID: "bob", Timestamp: t0, GeoLocation: london})
	r := b.Observe(core.Event{UserID: "bob", Timestamp: t0.Add(6 * time.Hour), GeoLocation: sydney})

	require.Len(t, r.Breaches, 1)
	assert.Equal(t, core.InsightWarning, r.Breaches[0].Severity)
}

func TestImpossibleTravel_SameCountryIgnored(t *testing.T) {
	b := newTestBaseliner(t)
	manchester := &core.GeoLocation{Country: "GB", Coordinates: &core.Coordinates{Latitude: 53.4808, Longitude: -2.2426}}
	b.Observe(core.Event{UserID: "carol", Timestamp: t0, GeoLocation: london})
	r := b.Observe(core.Event{UserID: "carol", Timestamp: t0.Add(time.Minute), GeoLocation: manchester})
	assert.Empty(t, r.Breaches)
}

func TestLoginFrequency(t *testing.T) {
	b := NewBaseliner(Config{LoginBaseline: 2}, nil)

	var last Report
	for i := 0; i < 5; i++ {
		last = b.Observe(core.Event{IPAddress: "10.1.1.1", EventType: "login_success", Timestamp: t0.Add(time.Duration(i) * time.Minute)})
		if i < 4 {
			assert.Zero(t, last.Contribution, "login %d", i+1)
		}
	}
	// 5 logins / baseline 2 = 2.5x
	assert.InDelta(t, 5.0, last.Contribution, 1e-9)
	require.Len(t, last.Breaches, 1)
	assert.Equal(t, BreachLoginFrequency, last.Breaches[0].Kind)
	assert.Equal(t, core.InsightWarning, last.Breaches[0].Severity)

	// contribution stays, the breach is not repeated inside the window
	next := b.Observe(core.Event{IPAddress: "10.1.1.1", EventType: "login_success", Timestamp: t0.Add(10 * time.Minute)})
	assert.InDelta(t, 6.0, next.Contribution, 1e-9)
	assert.Empty(t, next.Breaches)
}

func TestDataVolume(t *testing.T) {
	b := newTestBaseliner(t)
	mb := 1024.0 * 1024.0

	r := b.Observe(core.Event{UserID: "dave", EventType: "file_transfer", Timestamp: t0, Metadata: map[string]interface{}{"bytes_transferred": 200 * mb}})
	assert.Zero(t, r.Contribution)

	r = b.Observe(core.Event{UserID: "dave", EventType: "file_transfer", Timestamp: t0.Add(time.Hour), Metadata: map[string]interface{}{"bytes_transferred": 150 * mb}})
	assert.InDelta(t, 7.0, r.Contribution, 1e-9)
	require.Len(t, r.Breaches, 1)
	assert.Equal(t, BreachDataVolume, r.Breaches[0].Kind)
	assert.Equal(t, core.InsightCritical, r.Breaches[0].Severity)

	r = b.Observe(core.Event{UserID: "dave", EventType: "file_transfer", Timestamp: t0.Add(2 * time.Hour), Metadata: map[string]interface{}{"bytes_transferred": 10 * mb}})
	assert.Empty(t, r.Breaches, "one data breach per identity per window")

	// the window slides past every earlier transfer
	r = b.Observe(core.Event{UserID: "dave", EventType: "file_transfer", Timestamp: t0.Add(30 * time.Hour), Metadata: map[string]interface{}{"bytes_transferred": 1 * mb}})
	assert.Zero(t, r.Contribution)
	bl, ok := b.Baseline("user:dave")
	require.True(t, ok)
	assert.Equal(t, 1, bl.Observations)
}

func TestHourDeviation(t *testing.T) {
	b := newTestBaseliner(t)
	for i := 0; i < 5; i++ {
		b.Observe(core.Event{UserID: "erin", Timestamp: t0.Add(time.Duration(i) * 24 * time.Hour)})
	}
	r := b.Observe(core.Event{UserID: "erin", Timestamp: time.Date(2024, 6, 7, 22, 30, 0, 0, time.UTC)})
	assert.Equal(t, hourDeviationScore, r.Contribution)

	r = b.Observe(core.Event{UserID: "erin", Timestamp: time.Date(2024, 6, 8, 11, 0, 0, 0, time.UTC)})
	assert.Zero(t, r.Contribution)
}

func TestContributionCapped(t *testing.T) {
	b := NewBaseliner(Config{LoginBaseline: 1, DataBaselineBytes: 1}, nil)
	b.Observe(core.Event{UserID: "frank", EventType: "login", Timestamp: t0, GeoLocation: london})
	b.Observe(core.Event{UserID: "frank", EventType: "login", Timestamp: t0.Add(time.Minute), GeoLocation: london})
	r := b.Observe(core.Event{
		UserID: "frank", EventType: "login", Timestamp: t0.Add(2 * time.Minute), GeoLocation: cairo,
		Metadata: map[string]interface{}{"bytes": 1000},
	})
	assert.Equal(t, MaxBehavioralScore, r.Contribution)
	assert.Len(t, r.Breaches, 3)
}

func TestBreachesSince(t *testing.T) {
	b := NewBaseliner(Config{BreachLogSize: 3}, nil)
	for i := 0; i < 5; i++ {
		user := fmt.Sprintf("u%d", i)
		b.Observe(core.Event{UserID: user, Timestamp: t0, GeoLocation: london})
		b.Observe(core.Event{UserID: user, Timestamp: t0.Add(time.Hour), GeoLocation: cairo})
	}

	all, cursor := b.BreachesSince(0)
	assert.Len(t, all, 3, "log is bounded")
	assert.Equal(t, uint64(5), cursor)
	assert.Equal(t, uint64(3), all[0].Seq)

	none, same := b.BreachesSince(cursor)
	assert.Empty(t, none)
	assert.Equal(t, cursor, same)
}

func TestIdentitiesAndReset(t *testing.T) {
	b := newTestBaseliner(t)
	b.Observe(core.Event{UserID: "zed", Timestamp: t0})
	b.Observe(core.Event{IPAddress: "192.0.2.1", Timestamp: t0})
	b.Observe(core.Event{Timestamp: t0})

	assert.Equal(t, []string{"ip:192.0.2.1", "user:zed"}, b.Identities())

	b.Reset()
	assert.Empty(t, b.Identities())
	_, ok := b.Baseline("user:zed")
	assert.False(t, ok)
}

func TestReportPriorExcludesCurrentEvent(t *testing.T) {
	b := newTestBaseliner(t)
	b.Observe(core.Event{UserID: "gil", EventType: "login", Timestamp: t0})
	r := b.Observe(core.Event{UserID: "gil", EventType: "login", Timestamp: t0.Add(time.Minute)})
	assert.Equal(t, 1, r.Prior.Logins)
	assert.Equal(t, "user:gil", r.Identity)
}
