package analytics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"argus/core"
	"argus/metrics"
	"argus/ml"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// EventSource is the read-only view of the event store used by analytics
type EventSource interface {
	Snapshot() []core.Event
	Get(id string) (core.Event, error)
}

// DetectionSource is the read-only view of the detection store used by analytics
type DetectionSource interface {
	All() []*core.ThreatDetection
}

// BehaviorSource exposes baseliner breaches and per-identity baselines
type BehaviorSource interface {
	BreachesSince(cursor uint64) ([]ml.Breach, uint64)
	Baseline(identity string) (ml.Baseline, bool)
}

// Config configures the analytics engine
type Config struct {
	// Schedule is a robfig/cron spec, e.g. "@every 5m"
	Schedule    string
	HistorySize int
	DedupWindow time.Duration
	DedupSize   int

	// Trend thresholds in percent change
	TrendWarning  float64
	TrendCritical float64
	TrendWindow   time.Duration

	BruteForceThreshold int
	PatternWindow       time.Duration
	AnomalyThreshold    float64

	PredictionDays int
	// PredictionThreshold is the minimum projected weekly change relative to the mean daily count
	PredictionThreshold float64
	// PredictionMinDays is how many days in the history must have events
	PredictionMinDays int
	// PredictionMinR2 is the weakest fit a prediction is published from
	PredictionMinR2 float64
}

// DefaultConfig returns the documented analytics defaults
func DefaultConfig() Config {
	return Config{
		Schedule:            "@every 5m",
		HistorySize:         100,
		DedupWindow:         24 * time.Hour,
		DedupSize:           4096,
		TrendWarning:        20,
		TrendCritical:       50,
		TrendWindow:         7 * 24 * time.Hour,
		BruteForceThreshold: 10,
		PatternWindow:       24 * time.Hour,
		AnomalyThreshold:    0.7,
		PredictionDays:      30,
		PredictionThreshold: 0.1,
		PredictionMinDays:   7,
		PredictionMinR2:     0.3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Schedule == "" {
		c.Schedule = d.Schedule
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = d.DedupWindow
	}
	if c.DedupSize <= 0 {
		c.DedupSize = d.DedupSize
	}
	if c.TrendWarning <= 0 {
		c.TrendWarning = d.TrendWarning
	}
	if c.TrendCritical <= 0 {
		c.TrendCritical = d.TrendCritical
	}
	if c.TrendWindow <= 0 {
		c.TrendWindow = d.TrendWindow
	}
	if c.BruteForceThreshold <= 0 {
		c.BruteForceThreshold = d.BruteForceThreshold
	}
	if c.PatternWindow <= 0 {
		c.PatternWindow = d.PatternWindow
	}
	if c.AnomalyThreshold <= 0 {
		c.AnomalyThreshold = d.AnomalyThreshold
	}
	if c.PredictionDays < 2 {
		c.PredictionDays = d.PredictionDays
	}
	if c.PredictionThreshold <= 0 {
		c.PredictionThreshold = d.PredictionThreshold
	}
	if c.PredictionMinDays <= 0 {
		c.PredictionMinDays = d.PredictionMinDays
	}
	if c.PredictionMinR2 <= 0 {
		c.PredictionMinR2 = d.PredictionMinR2
	}
	return c
}

// Engine computes insights and reports from the event and detection stores.
// It never mutates either store.
type Engine struct {
	cfg        Config
	events     EventSource
	detections DetectionSource
	behavior   BehaviorSource
	scorer     ml.AnomalyScorer
	logger     *zap.SugaredLogger
	now        func() time.Time

	mu           sync.Mutex
	history      []core.SecurityInsight
	seen         *expirable.LRU[string, core.InsightSeverity]
	breachCursor uint64
	onPublish    func(core.SecurityInsight)

	runMu sync.Mutex

	cronMu  sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
}

// NewEngine creates an analytics engine. behavior and scorer may be nil, which
// disables the anomaly pass and the behavior half of the pattern pass.
func NewEngine(cfg Config, events EventSource, detections DetectionSource, behavior BehaviorSource, scorer ml.AnomalyScorer, logger *zap.SugaredLogger) *Engine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:        cfg,
		events:     events,
		detections: detections,
		behavior:   behavior,
		scorer:     scorer,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		seen:       expirable.NewLRU[string, core.InsightSeverity](cfg.DedupSize, nil, cfg.DedupWindow),
	}
}

// SetClock overrides the time source
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

func (e *Engine) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now()
}

// OnPublish registers a hook called for every published insight
func (e *Engine) OnPublish(fn func(core.SecurityInsight)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onPublish = fn
}

// Publish records an insight unless one with the same key and at least the
// same severity was published within the de-duplication window. It reports
// whether the insight was kept.
func (e *Engine) Publish(insight core.SecurityInsight) bool {
	e.mu.Lock()
	if insight.Key != "" {
		if prev, dup := e.seen.Get(insight.Key); dup && prev.Rank() >= insight.Severity.Rank() {
			e.mu.Unlock()
			return false
		}
		e.seen.Add(insight.Key, insight.Severity)
	}
	e.history = append(e.history, insight)
	if over := len(e.history) - e.cfg.HistorySize; over > 0 {
		e.history = append([]core.SecurityInsight(nil), e.history[over:]...)
	}
	hook := e.onPublish
	e.mu.Unlock()

	metrics.InsightsGenerated.WithLabelValues(string(insight.Type), string(insight.Severity)).Inc()
	e.logger.Infow("Insight published",
		"type", insight.Type,
		"severity", insight.Severity,
		"title", insight.Title)
	if hook != nil {
		hook(insight)
	}
	return true
}

// Insights returns the retained insights, newest first
func (e *Engine) Insights() []core.SecurityInsight {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]core.SecurityInsight, len(e.history))
	for i, in := range e.history {
		out[len(e.history)-1-i] = in
	}
	return out
}

// Run performs one analytics pass and returns the insights it published
func (e *Engine) Run(ctx context.Context) []core.SecurityInsight {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	start := time.Now()
	defer func() {
		metrics.AnalyticsRunDuration.Observe(time.Since(start).Seconds())
	}()

	now := e.clock()
	events := e.events.Snapshot()
	detections := e.detections.All()

	passes := []func() []core.SecurityInsight{
		func() []core.SecurityInsight { return e.trendInsights(events, detections, now) },
		func() []core.SecurityInsight { return e.anomalyInsights() },
		func() []core.SecurityInsight { return e.patternInsights(events, now) },
		func() []core.SecurityInsight { return e.predictionInsights(events, now) },
	}

	var published []core.SecurityInsight
	for _, pass := range passes {
		if ctx.Err() != nil {
			e.logger.Debugw("Analytics run cancelled", "published", len(published))
			break
		}
		for _, insight := range pass() {
			if e.Publish(insight) {
				published = append(published, insight)
			}
		}
	}
	return published
}

// Start schedules Run on the configured cron spec
func (e *Engine) Start() error {
	e.cronMu.Lock()
	defer e.cronMu.Unlock()

	if e.running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{e.logger})))
	if _, err := c.AddFunc(e.cfg.Schedule, func() { e.Run(ctx) }); err != nil {
		cancel()
		return fmt.Errorf("invalid analytics schedule %q: %w", e.cfg.Schedule, err)
	}
	c.Start()

	e.cron = c
	e.cancel = cancel
	e.running = true
	e.logger.Infow("Analytics engine started", "schedule", e.cfg.Schedule)
	return nil
}

// Stop cancels future runs and waits for a running pass to finish
func (e *Engine) Stop() {
	e.cronMu.Lock()
	defer e.cronMu.Unlock()

	if !e.running {
		return
	}
	e.cancel()
	<-e.cron.Stop().Done()
	e.running = false
	e.logger.Info("Analytics engine stopped")
}

// cronLogger adapts zap to the cron.Logger interface
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
