package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"argus/analytics"
	"argus/config"
	"argus/core"
	"argus/detect"
	"argus/metrics"
	"argus/ml"
	"argus/soar"
	"argus/storage"
	"argus/threat"

	"go.uber.org/zap"
)

// ============================================================================
// Constants
// ============================================================================

const (
	// intelLookupTimeout bounds each threat-intel call on the ingestion path
	intelLookupTimeout = 2 * time.Second

	// riskScorerTriggerID identifies detections raised by the aggregate risk score
	riskScorerTriggerID   = "risk-scorer"
	riskScorerTriggerName = "Aggregate risk score"

	// Websocket message types
	MessageDetectionCreated = "detection:created"
	MessageInsightPublished = "insight:published"
)

// ============================================================================
// Collaborators
// ============================================================================

// Broadcaster pushes engine notifications to connected clients.
// Defined here (consumer package) so the engine does not depend on the API.
type Broadcaster interface {
	BroadcastMessage(msgType string, data interface{}) error
}

// Dependencies are the optional external collaborators of the engine.
// Nil members fall back to a no-op or logging implementation.
type Dependencies struct {
	Archive       storage.EventArchive
	Intel         threat.Lookup
	Collaborators soar.Collaborators
	Audit         soar.AuditLogger
	Broadcaster   Broadcaster
	Catalog       *detect.Catalog
	Scorer        ml.AnomalyScorer
}

// IngestResult describes everything one ingestion produced
type IngestResult struct {
	EventID    string                  `json:"event_id"`
	Risk       detect.RiskBreakdown    `json:"risk"`
	Detections []*core.ThreatDetection `json:"detections,omitempty"`
	Escalation *core.Escalation        `json:"escalation,omitempty"`
}

// ============================================================================
// Engine
// ============================================================================

// Engine wires the detection components into one ingestion pipeline and owns
// their lifecycle. Each component serializes its own state; the engine
// additionally serializes Ingest so an event's pipeline runs to completion
// before the next event is scored.
//
// Construct with NewEngine and release with Shutdown. There are no package
// level singletons, so tests can run engines side by side.
type Engine struct {
	cfg    *config.Config
	logger *zap.SugaredLogger

	events     *storage.EventStore
	detections *storage.DetectionStore
	rules      *detect.RuleEngine
	scorer     *detect.RiskScorer
	baseliner  *ml.Baseliner
	anomaly    ml.AnomalyScorer
	correlator *detect.Correlator
	executor   *soar.Executor
	analytics  *analytics.Engine
	intel      threat.Lookup
	archive    storage.EventArchive
	broadcast  Broadcaster

	settingsMu sync.RWMutex
	settings   config.Settings

	ingestMu sync.Mutex
	now      func() time.Time

	exportOutages atomic.Uint64

	shutdownOnce sync.Once
}

// NewEngine builds an engine from configuration.
//
// PARAMETERS:
//   - cfg: loaded configuration (required, panics if nil)
//   - deps: optional collaborators; zero value gives an in-memory engine
//     whose response actions are only logged
//   - logger: structured logger (nil uses a no-op logger)
func NewEngine(cfg *config.Config, deps Dependencies, logger *zap.SugaredLogger) *Engine {
	if cfg == nil {
		panic("config is required")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	var storeOpts []storage.EventStoreOption
	if deps.Archive != nil {
		storeOpts = append(storeOpts, storage.WithArchive(deps.Archive))
	}
	events := storage.NewEventStore(cfg.Storage.EventCapacity, logger.Named("events"), storeOpts...)
	detections := storage.NewDetectionStore(cfg.Storage.DetectionCapacity, logger.Named("detections"))

	catalog := deps.Catalog
	if catalog == nil {
		catalog = detect.NewDefaultCatalog(logger.Named("catalog"))
	}

	baseliner := ml.NewBaseliner(ml.Config{
		LoginBaseline:        cfg.Baseline.LoginsPerDay,
		DataBaselineBytes:    cfg.Baseline.DataBytesPerDay,
		MaxTravelSpeedKmh:    cfg.Baseline.MaxTravelSpeedKmh,
		CriticalTravelWindow: cfg.Baseline.CriticalTravelWindow,
		HourDeviation:        cfg.Baseline.HourDeviation,
		MaxIdentities:        cfg.Baseline.MaxIdentities,
	}, logger.Named("baseline"))

	anomaly := deps.Scorer
	if anomaly == nil {
		anomaly = ml.NewZScoreScorer(cfg.Baseline.AnomalyZThreshold, cfg.Baseline.AnomalyMinSamples)
	}

	collab := deps.Collaborators
	fallback := soar.NewLogResponder(logger.Named("responder"))
	if collab.Isolator == nil {
		collab.Isolator = fallback
	}
	if collab.Blocker == nil {
		collab.Blocker = fallback
	}
	if collab.Alerter == nil {
		collab.Alerter = fallback
	}
	if collab.Quarantiner == nil {
		collab.Quarantiner = fallback
	}
	audit := deps.Audit
	if audit == nil {
		audit = &soar.NoOpAuditLogger{}
	}

	e := &Engine{
		cfg:        cfg,
		logger:     logger,
		events:     events,
		detections: detections,
		rules:      detect.NewRuleEngine(catalog, events, cfg.Detection.RegexTimeout, logger.Named("rules")),
		scorer:     detect.NewRiskScorer(),
		baseliner:  baseliner,
		anomaly:    anomaly,
		correlator: detect.NewCorrelator(events, cfg.Correlation.Window, cfg.Correlation.MinCluster, logger.Named("correlation")),
		executor:   soar.NewExecutor(collab, cfg.Response.ActionTimeout, audit, logger.Named("soar")),
		intel:      deps.Intel,
		archive:    deps.Archive,
		broadcast:  deps.Broadcaster,
		settings:   cfg.Settings(),
		now:        func() time.Time { return time.Now().UTC() },
	}

	acfg := analytics.DefaultConfig()
	acfg.Schedule = cfg.Analytics.Schedule
	acfg.HistorySize = cfg.Analytics.HistorySize
	e.analytics = analytics.NewEngine(acfg, events, detections, baseliner, anomaly, logger.Named("analytics"))
	e.analytics.OnPublish(func(insight core.SecurityInsight) {
		e.notify(MessageInsightPublished, insight)
	})

	return e
}

// SetClock overrides the clock of every time-dependent component. Test use only.
func (e *Engine) SetClock(now func() time.Time) {
	e.ingestMu.Lock()
	defer e.ingestMu.Unlock()
	e.now = now
	e.detections.SetClock(now)
	e.executor.SetClock(now)
	e.analytics.SetClock(now)
}

// Start begins scheduled analytics when enabled
func (e *Engine) Start() error {
	if !e.cfg.Analytics.Enabled {
		e.logger.Info("Scheduled analytics disabled")
		return nil
	}
	if err := e.analytics.Start(); err != nil {
		return fmt.Errorf("failed to start analytics: %w", err)
	}
	return nil
}

// Shutdown cancels timers and closes the archive. It is safe to call more than once.
func (e *Engine) Shutdown(ctx context.Context) error {
	var err error
	e.shutdownOnce.Do(func() {
		done := make(chan struct{})
		go func() {
			e.analytics.Stop()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("analytics did not stop: %w", ctx.Err())
		}

		if e.archive != nil {
			if cerr := e.archive.Close(); cerr != nil {
				err = errors.Join(err, fmt.Errorf("failed to close archive: %w", cerr))
			}
		}
		e.logger.Info("Engine shut down")
	})
	return err
}

// WarmStart loads recent archived events into the event store
func (e *Engine) WarmStart() (int, error) {
	if e.archive == nil {
		return 0, nil
	}
	return storage.WarmStart(e.events, e.archive, e.cfg.Storage.Archive.WarmStartLimit)
}

// ============================================================================
// Ingestion
// ============================================================================

// Ingest runs one event through the detection pipeline. It never rejects
// parseable input; collaborator failures are logged and skipped.
func (e *Engine) Ingest(ctx context.Context, input core.Event) IngestResult {
	e.ingestMu.Lock()
	defer e.ingestMu.Unlock()

	start := time.Now()
	defer func() {
		metrics.EventProcessingDuration.Observe(time.Since(start).Seconds())
	}()

	settings := e.Configuration()

	id := e.events.Ingest(input)
	event, err := e.events.Get(id)
	if err != nil {
		// Only possible when the store holds fewer events than one eviction batch
		e.logger.Errorw("Ingested event missing from store", "event_id", id, "error", err)
		return IngestResult{EventID: id}
	}

	ruleMatches := e.rules.Evaluate(event)
	sigMatches := e.rules.MatchSignatures(event)

	report := e.baseliner.Observe(event)
	anomalyScore, anomalyFactors := e.anomaly.Score(event, report.Prior)

	badIP, badUA := e.checkIntel(ctx, event)

	risk := e.scorer.Score(event, detect.Signals{
		Rules:             ruleMatches,
		Signatures:        sigMatches,
		Anomaly:           anomalyScore,
		AnomalyFactors:    anomalyFactors,
		Behavioral:        report.Contribution,
		BehavioralFactors: report.Factors,
		BadIP:             badIP,
		BadUserAgent:      badUA,
	}, detect.Sensitivity(settings.Sensitivity))
	metrics.RiskScore.Observe(risk.Total)

	result := IngestResult{EventID: event.ID, Risk: risk}

	for _, candidate := range e.qualifying(ruleMatches, sigMatches, risk, settings) {
		d, err := e.detections.Create(candidate, event)
		if err != nil {
			e.logger.Errorw("Failed to create detection",
				"event_id", event.ID,
				"trigger", candidate.Trigger.ID,
				"error", err)
			continue
		}
		e.logger.Infow("Threat detected",
			"detection_id", d.ID,
			"event_id", event.ID,
			"trigger", d.Trigger.ID,
			"risk_score", d.RiskScore,
			"severity", d.Severity)
		result.Detections = append(result.Detections, d)
	}

	if esc := e.correlator.Correlate(event); esc != nil {
		result.Escalation = esc
		e.escalate(*esc, risk.Total)
	}

	policy := policyFrom(settings, e.cfg.Response.BlockDuration)
	for i, d := range result.Detections {
		current, err := e.detections.Get(d.ID)
		if err != nil {
			continue
		}
		if policy.Enabled {
			e.executor.Respond(ctx, *current, policy, e.detections)
			if current, err = e.detections.Get(d.ID); err != nil {
				continue
			}
		}
		result.Detections[i] = current
		e.notify(MessageDetectionCreated, current)
	}

	for _, b := range report.Breaches {
		if b.Severity == core.InsightCritical {
			e.analytics.Publish(analytics.BreachInsight(b))
		}
	}

	return result
}

func (e *Engine) checkIntel(ctx context.Context, event core.Event) (badIP, badUA bool) {
	if e.intel == nil {
		return false, false
	}
	ctx, cancel := context.WithTimeout(ctx, intelLookupTimeout)
	defer cancel()

	var err error
	if event.IPAddress != "" {
		if badIP, err = e.intel.CheckIP(ctx, event.IPAddress); err != nil {
			e.logger.Warnw("Threat intel IP lookup failed", "ip", event.IPAddress, "error", err)
		}
	}
	if event.UserAgent != "" {
		if badUA, err = e.intel.MatchUserAgent(ctx, event.UserAgent); err != nil {
			e.logger.Warnw("Threat intel user agent lookup failed", "event_id", event.ID, "error", err)
		}
	}
	return badIP, badUA
}

// qualifying returns the candidates whose risk reaches the alert threshold.
// When no rule or signature qualifies but the aggregate score does, the
// aggregate itself becomes the trigger.
func (e *Engine) qualifying(rules []detect.RuleMatch, sigs []detect.SignatureMatch, risk detect.RiskBreakdown, s config.Settings) []core.DetectionCandidate {
	var out []core.DetectionCandidate
	for _, c := range detect.Candidates(rules, sigs) {
		if c.RiskScore >= s.AlertThreshold {
			out = append(out, c)
		}
	}
	if len(out) == 0 && risk.Total >= s.AlertThreshold {
		out = append(out, core.DetectionCandidate{
			Trigger: core.TriggerRef{
				Kind: core.TriggerModel,
				ID:   riskScorerTriggerID,
				Name: riskScorerTriggerName,
			},
			Confidence: risk.Total,
			RiskScore:  risk.Total,
		})
	}
	return out
}

// escalate links a correlation cluster to its detections and lifts their
// scores to the event's aggregate risk when that is higher.
func (e *Engine) escalate(esc core.Escalation, eventRisk float64) {
	updated := e.detections.Escalate(esc)
	for _, id := range updated {
		d, err := e.detections.Get(id)
		if err != nil || eventRisk <= d.RiskScore {
			continue
		}
		if _, err := e.detections.Rescore(id, eventRisk,
			fmt.Sprintf("Correlated event risk %.1f in cluster %s", eventRisk, esc.CorrelationID)); err != nil {
			e.logger.Warnw("Failed to rescore escalated detection", "detection_id", id, "error", err)
		}
	}
	if len(updated) > 0 {
		e.logger.Infow("Escalated correlated detections",
			"correlation_id", esc.CorrelationID,
			"cluster_size", esc.ClusterSize,
			"detections", len(updated))
	}
}

func (e *Engine) notify(msgType string, data interface{}) {
	if e.broadcast == nil {
		return
	}
	if err := e.broadcast.BroadcastMessage(msgType, data); err != nil {
		e.logger.Debugw("Broadcast failed", "type", msgType, "error", err)
	}
}

func policyFrom(s config.Settings, blockDuration int) soar.Policy {
	return soar.Policy{
		Enabled:            s.AutoResponse,
		AlertThreshold:     s.AlertThreshold,
		BlockingThreshold:  s.BlockingThreshold,
		IsolationThreshold: s.IsolationThreshold,
		EnableIsolation:    s.EnableIsolation,
		EnableBlocking:     s.EnableBlocking,
		EnableAlerting:     s.EnableAlerting,
		BlockDuration:      blockDuration,
	}
}

// ============================================================================
// Health
// ============================================================================

// ExportHealth surfaces a sustained remote export outage as a critical
// insight. It matches export.HealthFunc, which fires once per failure
// streak, so every call is a new outage.
func (e *Engine) ExportHealth(consecutiveFailures int, lastErr error) {
	outage := e.exportOutages.Add(1)
	insight := core.NewInsight(core.InsightAnomaly, core.InsightCritical,
		"Remote log export degraded",
		fmt.Sprintf("%d consecutive export failures; logs are buffered locally until the endpoint recovers", consecutiveFailures),
		1, e.now())
	insight.Key = fmt.Sprintf("health:export:%d", outage)
	insight.Data["consecutive_failures"] = consecutiveFailures
	insight.Data["outage"] = outage
	if lastErr != nil {
		insight.Data["last_error"] = lastErr.Error()
	}
	insight.Recommendations = []string{
		"Check connectivity to the export endpoint",
		"Verify the endpoint accepts the configured session",
	}
	e.logger.Errorw("Remote export degraded",
		"consecutive_failures", consecutiveFailures,
		"error", lastErr)
	e.analytics.Publish(insight)
}
