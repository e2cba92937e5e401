package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"argus/config"
	"argus/core"
	"argus/metrics"
	"argus/ml"
	"argus/storage"
	"argus/threat"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var now = time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC)

// recorder implements every response collaborator and records the calls
type recorder struct {
	mu          sync.Mutex
	isolated    [][]string
	blocked     []string
	alerts      []string
	quarantined []string
}

func (r *recorder) Isolate(_ context.Context, assets []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.isolated = append(r.isolated, assets)
	return nil
}

func (r *recorder) Block(_ context.Context, ip string, _ int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocked = append(r.blocked, ip)
	return nil
}

func (r *recorder) Alert(_ context.Context, _ core.Severity, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, message)
	return nil
}

func (r *recorder) Quarantine(_ context.Context, assetID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.quarantined = append(r.quarantined, assetID)
	return nil
}

type broadcaster struct {
	mu       sync.Mutex
	messages []string
}

func (b *broadcaster) BroadcastMessage(msgType string, _ interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, msgType)
	return nil
}

func (b *broadcaster) count(msgType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.messages {
		if m == msgType {
			n++
		}
	}
	return n
}

type failingLookup struct{}

func (failingLookup) CheckIP(context.Context, string) (bool, error) {
	return false, errors.New("intel backend unavailable")
}

func (failingLookup) MatchUserAgent(context.Context, string) (bool, error) {
	return false, errors.New("intel backend unavailable")
}

type harness struct {
	engine    *Engine
	responder *recorder
	broadcast *broadcaster
}

func newHarness(t *testing.T, deps Dependencies) *harness {
	t.Helper()
	h := &harness{responder: &recorder{}, broadcast: &broadcaster{}}
	deps.Collaborators.Isolator = h.responder
	deps.Collaborators.Blocker = h.responder
	deps.Collaborators.Alerter = h.responder
	deps.Collaborators.Quarantiner = h.responder
	deps.Broadcaster = h.broadcast

	h.engine = NewEngine(config.Defaults(), deps, zaptest.NewLogger(t).Sugar())
	h.engine.SetClock(func() time.Time { return now })
	t.Cleanup(func() { _ = h.engine.Shutdown(context.Background()) })
	return h
}

func actionTypes(d *core.ThreatDetection) []core.ActionType {
	out := make([]core.ActionType, 0, len(d.Actions))
	for _, a := range d.Actions {
		out = append(out, a.Type)
	}
	return out
}

func timelineActions(d *core.ThreatDetection) []string {
	out := make([]string, 0, len(d.Timeline))
	for _, e := range d.Timeline {
		out = append(out, e.Action)
	}
	return out
}

func TestIngest_BruteForceFifthFailureDetects(t *testing.T) {
	h := newHarness(t, Dependencies{})
	start := now.Add(-4 * time.Minute)

	var last IngestResult
	for i := 0; i < 5; i++ {
		last = h.engine.Ingest(context.Background(), core.Event{
			Timestamp:   start.Add(time.Duration(i) * 30 * time.Second),
			Source:      "sshd",
			EventType:   "login_failed",
			Severity:    core.SeverityMedium,
			Description: "Failed password for alice",
			IPAddress:   "203.0.113.7",
			UserID:      "alice",
		})
		if i < 4 {
			assert.Empty(t, last.Detections, "failure %d must not trigger", i+1)
		}
	}

	require.Len(t, last.Detections, 1)
	d := last.Detections[0]
	assert.Equal(t, "brute-force-login", d.Trigger.ID)
	assert.Equal(t, 75.0, d.RiskScore)
	assert.Equal(t, core.SeverityHigh, d.Severity)
	assert.InDelta(t, 90.0, d.Confidence, 1e-9)
	assert.Equal(t, []core.ActionType{core.ActionBlock, core.ActionAlert}, actionTypes(d))
	for _, a := range d.Actions {
		assert.Equal(t, core.ActionStatusExecuted, a.Status)
	}
	assert.Equal(t, []string{"203.0.113.7"}, h.responder.blocked)
	assert.Len(t, h.responder.alerts, 1)

	require.NotNil(t, last.Escalation)
	assert.Equal(t, 5, last.Escalation.ClusterSize)
	assert.Equal(t, last.Escalation.CorrelationID, d.CorrelationID)
	assert.Contains(t, timelineActions(d), storage.TimelineEscalated)

	assert.Len(t, h.engine.ActiveDetections(), 1)
	assert.Equal(t, 1, h.broadcast.count(MessageDetectionCreated))
}

func TestIngest_AutoResponseByRisk(t *testing.T) {
	tests := []struct {
		name    string
		event   core.Event
		trigger string
		risk    float64
		actions []core.ActionType
	}{
		{
			name: "critical rule isolates blocks alerts and quarantines",
			event: core.Event{
				EventType:   "process_execution",
				Severity:    core.SeverityCritical,
				Description: "ransomware payload executed",
				IPAddress:   "10.1.2.3",
				Metadata:    map[string]interface{}{"hostname": "ws-042"},
			},
			trigger: "malware-execution",
			risk:    90,
			actions: []core.ActionType{core.ActionIsolate, core.ActionBlock, core.ActionAlert, core.ActionQuarantine},
		},
		{
			name: "medium rule only alerts and monitors",
			event: core.Event{
				EventType:   "network_scan",
				Severity:    core.SeverityMedium,
				Description: "nmap sweep of 22/tcp",
				IPAddress:   "10.9.9.9",
			},
			trigger: "port-scan",
			risk:    50,
			actions: []core.ActionType{core.ActionAlert, core.ActionMonitor},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Dependencies{})
			tt.event.Timestamp = now

			res := h.engine.Ingest(context.Background(), tt.event)
			require.Len(t, res.Detections, 1)
			d := res.Detections[0]
			assert.Equal(t, tt.trigger, d.Trigger.ID)
			assert.Equal(t, tt.risk, d.RiskScore)
			assert.Equal(t, tt.actions, actionTypes(d))
		})
	}
}

func TestIngest_RiskScoreTriggerFromThreatIntel(t *testing.T) {
	intel, err := threat.NewStaticLookup([]string{"198.51.100.0/24"}, nil)
	require.NoError(t, err)
	h := newHarness(t, Dependencies{Intel: intel})

	res := h.engine.Ingest(context.Background(), core.Event{
		Timestamp:   now,
		EventType:   "network_connection",
		Severity:    core.SeverityCritical,
		Description: "Outbound connection",
		IPAddress:   "198.51.100.9",
	})

	assert.Equal(t, 25.0, res.Risk.ThreatIntel)
	assert.Equal(t, 65.0, res.Risk.Total)
	require.Len(t, res.Detections, 1)
	d := res.Detections[0]
	assert.Equal(t, core.TriggerModel, d.Trigger.Kind)
	assert.Equal(t, riskScorerTriggerID, d.Trigger.ID)
	assert.Equal(t, 65.0, d.RiskScore)
	assert.Equal(t, core.SeverityHigh, d.Severity)
	assert.Equal(t, []core.ActionType{core.ActionAlert}, actionTypes(d))
}

func TestIngest_IntelFailureDoesNotBlockIngestion(t *testing.T) {
	h := newHarness(t, Dependencies{Intel: failingLookup{}})

	res := h.engine.Ingest(context.Background(), core.Event{
		Timestamp: now,
		EventType: "network_connection",
		Severity:  core.SeverityLow,
		IPAddress: "192.0.2.1",
		UserAgent: "curl/8.0",
	})
	assert.NotEmpty(t, res.EventID)
	assert.Zero(t, res.Risk.ThreatIntel)
	assert.Empty(t, res.Detections)

	_, err := h.engine.Event(res.EventID)
	assert.NoError(t, err)
}

func TestIngest_DefaultsUnknownSeverity(t *testing.T) {
	h := newHarness(t, Dependencies{})
	res := h.engine.Ingest(context.Background(), core.Event{EventType: "heartbeat", Severity: "bogus"})

	ev, err := h.engine.Event(res.EventID)
	require.NoError(t, err)
	assert.Equal(t, core.SeverityLow, ev.Severity)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestIngest_Correlation(t *testing.T) {
	h := newHarness(t, Dependencies{})
	start := now.Add(-30 * time.Minute)
	offsets := []time.Duration{0, time.Minute, 2 * time.Minute, 20 * time.Minute}

	var ids []string
	var results []IngestResult
	for _, off := range offsets {
		res := h.engine.Ingest(context.Background(), core.Event{
			Timestamp: start.Add(off),
			EventType: "network_connection",
			Severity:  core.SeverityLow,
			IPAddress: "192.0.2.44",
		})
		ids = append(ids, res.EventID)
		results = append(results, res)
	}

	require.NotNil(t, results[2].Escalation)
	assert.Equal(t, 3, results[2].Escalation.ClusterSize)
	assert.Nil(t, results[3].Escalation)

	var corr []string
	for _, id := range ids {
		ev, err := h.engine.Event(id)
		require.NoError(t, err)
		corr = append(corr, ev.CorrelationID)
	}
	assert.NotEmpty(t, corr[0])
	assert.Equal(t, corr[0], corr[1])
	assert.Equal(t, corr[0], corr[2])
	assert.Empty(t, corr[3])
}

func TestIngest_ImpossibleTravel(t *testing.T) {
	tests := []struct {
		name     string
		gap      time.Duration
		critical bool
	}{
		{"three hours is impossible", 3 * time.Hour, true},
		{"five hours is plausible", 5 * time.Hour, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Dependencies{})
			login := func(at time.Time, country string, lat, lon float64) {
				h.engine.Ingest(context.Background(), core.Event{
					Timestamp: at,
					EventType: "login_success",
					Severity:  core.SeverityLow,
					UserID:    "bob",
					GeoLocation: &core.GeoLocation{
						Country:     country,
						Coordinates: &core.Coordinates{Latitude: lat, Longitude: lon},
					},
				})
			}
			login(now.Add(-tt.gap), "GB", 51.5074, -0.1278)
			login(now, "EG", 30.0444, 31.2357)

			var critical []core.SecurityInsight
			for _, in := range h.engine.Insights() {
				if in.Type == core.InsightAnomaly && in.Severity == core.InsightCritical {
					critical = append(critical, in)
				}
			}
			if !tt.critical {
				assert.Empty(t, critical)
				return
			}
			require.Len(t, critical, 1)
			assert.Equal(t, 1, h.broadcast.count(MessageInsightPublished))
		})
	}
}

func TestUpdateConfiguration(t *testing.T) {
	h := newHarness(t, Dependencies{})
	scan := func(ip string) IngestResult {
		return h.engine.Ingest(context.Background(), core.Event{
			Timestamp:   now,
			EventType:   "network_scan",
			Severity:    core.SeverityMedium,
			Description: "masscan against 10.0.0.0/24",
			IPAddress:   ip,
		})
	}

	first := scan("10.0.0.1")
	require.Len(t, first.Detections, 1)

	threshold := 60.0
	settings, err := h.engine.UpdateConfiguration(config.SettingsPatch{AlertThreshold: &threshold})
	require.NoError(t, err)
	assert.Equal(t, 60.0, settings.AlertThreshold)
	assert.Equal(t, settings, h.engine.Configuration())

	existing, err := h.engine.Detection(first.Detections[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 50.0, existing.RiskScore, "existing detections are not rescored")
	assert.Equal(t, core.DetectionStatusActive, existing.Status)

	assert.Empty(t, scan("10.0.0.2").Detections, "new threshold applies to the next event")

	bad := -1.0
	_, err = h.engine.UpdateConfiguration(config.SettingsPatch{AlertThreshold: &bad, AutoResponse: new(bool)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrInvalidSetting))
	assert.Equal(t, settings, h.engine.Configuration(), "rejected patch applies nothing")
}

func TestUpdateConfiguration_DisableAutoResponse(t *testing.T) {
	h := newHarness(t, Dependencies{})
	off := false
	_, err := h.engine.UpdateConfiguration(config.SettingsPatch{AutoResponse: &off})
	require.NoError(t, err)

	res := h.engine.Ingest(context.Background(), core.Event{
		Timestamp:   now,
		EventType:   "process_execution",
		Severity:    core.SeverityCritical,
		Description: "cryptominer started",
		IPAddress:   "10.1.1.1",
	})
	require.Len(t, res.Detections, 1)
	assert.Empty(t, res.Detections[0].Actions)
	assert.Empty(t, h.responder.alerts)
}

func TestDetectionLifecycle(t *testing.T) {
	h := newHarness(t, Dependencies{})
	res := h.engine.Ingest(context.Background(), core.Event{
		Timestamp:   now,
		EventType:   "web_request",
		Severity:    core.SeverityHigh,
		Description: "GET /items?id=1 UNION SELECT password FROM users",
		IPAddress:   "192.0.2.80",
	})
	require.Len(t, res.Detections, 1)
	id := res.Detections[0].ID

	d, err := h.engine.Acknowledge(id, "analyst1")
	require.NoError(t, err)
	assert.Equal(t, core.DetectionStatusInvestigating, d.Status)
	d, err = h.engine.Acknowledge(id, "analyst1")
	require.NoError(t, err)
	assert.Equal(t, core.DetectionStatusInvestigating, d.Status)

	d, err = h.engine.MarkFalsePositive(id, "analyst1", "pentest traffic")
	require.NoError(t, err)
	assert.Equal(t, core.DetectionStatusFalsePositive, d.Status)
	assert.Empty(t, h.engine.ActiveDetections())

	_, err = h.engine.Resolve(id, "analyst1", "closing")
	assert.True(t, errors.Is(err, storage.ErrInvalidTransition))

	_, err = h.engine.Acknowledge("missing", "analyst1")
	assert.True(t, errors.Is(err, storage.ErrDetectionNotFound))
}

func TestReports(t *testing.T) {
	h := newHarness(t, Dependencies{})
	h.engine.Ingest(context.Background(), core.Event{
		Timestamp:   now.Add(-10 * time.Minute),
		EventType:   "process_execution",
		Severity:    core.SeverityCritical,
		Description: "trojan dropped",
		IPAddress:   "10.3.3.3",
	})

	m := h.engine.Metrics()
	assert.Equal(t, 1, m.TotalEvents)
	assert.Equal(t, 1, m.TotalDetections)
	assert.Equal(t, 90.0, m.SecurityScore)

	ra := h.engine.RiskAssessment()
	assert.Len(t, ra.Categories, len(core.RiskCategories))
	assert.Len(t, h.engine.Events(core.EventFilter{}), 1)
	assert.NotEmpty(t, h.engine.Catalog().Rules())
}

func TestExportHealth_OneInsightPerOutage(t *testing.T) {
	h := newHarness(t, Dependencies{})
	h.engine.ExportHealth(5, errors.New("connection refused"))
	h.engine.ExportHealth(5, errors.New("connection refused"))

	insights := h.engine.Insights()
	require.Len(t, insights, 2, "a second outage within the dedup window still surfaces")
	for _, in := range insights {
		assert.Equal(t, core.InsightCritical, in.Severity)
		assert.Equal(t, "connection refused", in.Data["last_error"])
	}
	assert.NotEqual(t, insights[0].Data["outage"], insights[1].Data["outage"])
}

func TestIngest_CountsEachBreachOnce(t *testing.T) {
	h := newHarness(t, Dependencies{})
	counter := metrics.BaselineBreaches.WithLabelValues(string(ml.BreachImpossibleTravel), string(core.InsightCritical))
	before := testutil.ToFloat64(counter)

	london := &core.GeoLocation{Country: "GB", Coordinates: &core.Coordinates{Latitude: 51.5074, Longitude: -0.1278}}
	tokyo := &core.GeoLocation{Country: "JP", Coordinates: &core.Coordinates{Latitude: 35.6762, Longitude: 139.6503}}
	h.engine.Ingest(context.Background(), core.Event{
		Timestamp: now.Add(-2 * time.Hour), EventType: "login_success", Severity: core.SeverityInfo,
		UserID: "carol", GeoLocation: london,
	})
	h.engine.Ingest(context.Background(), core.Event{
		Timestamp: now.Add(-1 * time.Hour), EventType: "login_success", Severity: core.SeverityInfo,
		UserID: "carol", GeoLocation: tokyo,
	})

	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestShutdownAndWarmStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "argus.db")
	logger := zaptest.NewLogger(t).Sugar()

	archive, err := storage.NewSQLiteArchive(path, logger)
	require.NoError(t, err)
	first := NewEngine(config.Defaults(), Dependencies{Archive: archive}, logger)
	require.NoError(t, first.Start())
	for i := 0; i < 3; i++ {
		first.Ingest(context.Background(), core.Event{
			Timestamp: now.Add(time.Duration(i) * time.Second),
			EventType: "heartbeat",
			Severity:  core.SeverityInfo,
		})
	}
	require.NoError(t, first.Shutdown(context.Background()))
	require.NoError(t, first.Shutdown(context.Background()))

	reopened, err := storage.NewSQLiteArchive(path, logger)
	require.NoError(t, err)
	second := NewEngine(config.Defaults(), Dependencies{Archive: reopened}, logger)
	t.Cleanup(func() { _ = second.Shutdown(context.Background()) })

	n, err := second.WarmStart()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, second.Events(core.EventFilter{}), 3)
}
