package ml

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"argus/core"
	"argus/metrics"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// BreachKind names a behavioral threshold that was crossed
type BreachKind string

const (
	BreachLoginFrequency   BreachKind = "login_frequency"
	BreachDataVolume       BreachKind = "data_volume"
	BreachImpossibleTravel BreachKind = "impossible_travel"
)

// Contribution limits, in risk points
const (
	MaxBehavioralScore   = 20.0
	maxLoginScore        = 8.0
	maxDataScore         = 8.0
	travelScore          = 10.0
	hourDeviationScore   = 4.0
	loginBreachRatio     = 2.0
	dataBreachRatio      = 3.0
	defaultMaxIdentities = 10000
)

// Config holds the baseliner thresholds
type Config struct {
	Window               time.Duration
	LoginBaseline        float64 // logins per window
	DataBaselineBytes    float64 // bytes per window
	MaxTravelSpeedKmh    float64
	CriticalTravelWindow time.Duration
	HourDeviation        float64 // hours
	MinHourSamples       int
	BreachLogSize        int
	MaxIdentities        int
}

// DefaultConfig returns the default baseline thresholds
func DefaultConfig() Config {
	return Config{
		Window:               24 * time.Hour,
		LoginBaseline:        50,
		DataBaselineBytes:    100 * 1024 * 1024,
		MaxTravelSpeedKmh:    1000,
		CriticalTravelWindow: 4 * time.Hour,
		HourDeviation:        6,
		MinHourSamples:       5,
		BreachLogSize:        500,
		MaxIdentities:        defaultMaxIdentities,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.LoginBaseline <= 0 {
		c.LoginBaseline = d.LoginBaseline
	}
	if c.DataBaselineBytes <= 0 {
		c.DataBaselineBytes = d.DataBaselineBytes
	}
	if c.MaxTravelSpeedKmh <= 0 {
		c.MaxTravelSpeedKmh = d.MaxTravelSpeedKmh
	}
	if c.CriticalTravelWindow <= 0 {
		c.CriticalTravelWindow = d.CriticalTravelWindow
	}
	if c.HourDeviation <= 0 {
		c.HourDeviation = d.HourDeviation
	}
	if c.MinHourSamples <= 0 {
		c.MinHourSamples = d.MinHourSamples
	}
	if c.BreachLogSize <= 0 {
		c.BreachLogSize = d.BreachLogSize
	}
	if c.MaxIdentities <= 0 {
		c.MaxIdentities = d.MaxIdentities
	}
	return c
}

// Breach is a baseline threshold crossing, drained by analytics as an insight
type Breach struct {
	Seq       uint64                 `json:"seq"`
	Kind      BreachKind             `json:"kind"`
	Identity  string                 `json:"identity"`
	Severity  core.InsightSeverity   `json:"severity"`
	EventID   string                 `json:"event_id"`
	Timestamp time.Time              `json:"timestamp"`
	Value     float64                `json:"value"`
	Threshold float64                `json:"threshold"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Baseline is a read-only snapshot of one identity's rolling statistics
type Baseline struct {
	Identity     string       `json:"identity"`
	Observations int          `json:"observations"`
	Logins       int          `json:"logins"`
	Bytes        float64      `json:"bytes"`
	MeanHour     float64      `json:"mean_hour"`
	HasMeanHour  bool         `json:"has_mean_hour"`
	HourSamples  int64        `json:"hour_samples"`
	HourSpread   RunningStats `json:"hour_spread"`
	EventBytes   RunningStats `json:"event_bytes"`
	LastCountry  string       `json:"last_country,omitempty"`
	LastSeen     time.Time    `json:"last_seen"`
}

// Report is the outcome of observing one event
type Report struct {
	Identity     string
	Contribution float64
	Factors      []string
	Breaches     []Breach
	// Prior is the identity's baseline before this event was folded in
	Prior Baseline
}

type observation struct {
	at    time.Time
	login bool
	bytes float64
}

type geoPoint struct {
	coords  core.Coordinates
	country string
	at      time.Time
}

type identityState struct {
	observations []observation
	lastGeo      *geoPoint
	hours        HourStats
	hourSpread   RunningStats
	eventBytes   RunningStats
	lastSeen     time.Time

	// breach suppression until the end of the window that raised it
	loginBreachUntil time.Time
	dataBreachUntil  time.Time
}

// Baseliner maintains per-identity behavioral baselines over a trailing window
type Baseliner struct {
	mu         sync.Mutex
	cfg        Config
	identities *lru.Cache[string, *identityState]
	breaches   []Breach
	seq        uint64
	logger     *zap.SugaredLogger
}

// NewBaseliner creates a baseliner. Zero config fields fall back to defaults.
func NewBaseliner(cfg Config, logger *zap.SugaredLogger) *Baseliner {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	cfg = cfg.withDefaults()
	cache, _ := lru.New[string, *identityState](cfg.MaxIdentities)
	return &Baseliner{
		cfg:        cfg,
		identities: cache,
		logger:     logger,
	}
}

// Observe folds an event into its identity's baseline and returns the
// bounded behavioral contribution (0-20) with any breaches it raised.
func (b *Baseliner) Observe(event core.Event) Report {
	identity := event.Identity()
	if identity == "" {
		return Report{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.identities.Get(identity)
	if !ok {
		st = &identityState{}
		b.identities.Add(identity, st)
	}

	ts := event.Timestamp
	st.prune(ts.Add(-b.cfg.Window))

	report := Report{Identity: identity, Prior: st.snapshot(identity)}
	score := 0.0

	st.observations = append(st.observations, observation{at: ts, login: event.IsLogin(), bytes: event.BytesTransferred()})
	logins, bytes := st.totals()

	if ratio := float64(logins) / b.cfg.LoginBaseline; ratio > loginBreachRatio {
		c := math.Min(maxLoginScore, 2*ratio)
		score += c
		report.Factors = append(report.Factors, fmt.Sprintf("login frequency %.1fx baseline (+%.1f)", ratio, c))
		if !ts.Before(st.loginBreachUntil) {
			st.loginBreachUntil = ts.Add(b.cfg.Window)
			report.Breaches = append(report.Breaches, b.recordLocked(Breach{
				Kind: BreachLoginFrequency, Identity: identity, Severity: core.InsightWarning,
				EventID: event.ID, Timestamp: ts, Value: float64(logins), Threshold: b.cfg.LoginBaseline * loginBreachRatio,
				Details: map[string]interface{}{"ratio": ratio},
			}))
		}
	}

	if ratio := bytes / b.cfg.DataBaselineBytes; ratio > dataBreachRatio {
		c := math.Min(maxDataScore, 2*ratio)
		score += c
		report.Factors = append(report.Factors, fmt.Sprintf("data volume %.1fx baseline (+%.1f)", ratio, c))
		if !ts.Before(st.dataBreachUntil) {
			st.dataBreachUntil = ts.Add(b.cfg.Window)
			report.Breaches = append(report.Breaches, b.recordLocked(Breach{
				Kind: BreachDataVolume, Identity: identity, Severity: core.InsightCritical,
				EventID: event.ID, Timestamp: ts, Value: bytes, Threshold: b.cfg.DataBaselineBytes * dataBreachRatio,
				Details: map[string]interface{}{"ratio": ratio},
			}))
		}
	}

	if coords := event.Coordinates(); coords != nil {
		point := &geoPoint{coords: *coords, country: event.Country(), at: ts}
		if prev := st.lastGeo; prev != nil && prev.country != "" && point.country != "" && prev.country != point.country {
			if breach, ok := b.checkTravel(identity, event.ID, prev, point); ok {
				score += travelScore
				report.Factors = append(report.Factors, fmt.Sprintf("impossible travel %s to %s (+%.0f)", prev.country, point.country, travelScore))
				report.Breaches = append(report.Breaches, b.recordLocked(breach))
			}
		}
		if st.lastGeo == nil || !ts.Before(st.lastGeo.at) {
			st.lastGeo = point
		}
	}

	hour := float64(ts.Hour()) + float64(ts.Minute())/60
	if mean, ok := st.hours.Mean(); ok && st.hours.Count >= int64(b.cfg.MinHourSamples) {
		if d := HourDistance(hour, mean); d > b.cfg.HourDeviation {
			score += hourDeviationScore
			report.Factors = append(report.Factors, fmt.Sprintf("activity at %02d:00 is %.1fh from usual hour (+%.0f)", ts.Hour(), d, hourDeviationScore))
		}
	}
	if mean, ok := st.hours.Mean(); ok {
		st.hourSpread.Add(HourDistance(hour, mean))
	}
	st.hours.Add(hour)
	if eb := event.BytesTransferred(); eb > 0 {
		st.eventBytes.Add(eb)
	}
	if ts.After(st.lastSeen) {
		st.lastSeen = ts
	}

	report.Contribution = math.Min(score, MaxBehavioralScore)
	return report
}

// checkTravel flags movement faster than the maximum plausible speed
func (b *Baseliner) checkTravel(identity, eventID string, prev, cur *geoPoint) (Breach, bool) {
	elapsed := cur.at.Sub(prev.at)
	if elapsed < 0 {
		return Breach{}, false
	}
	distance := Haversine(prev.coords, cur.coords)
	hours := elapsed.Hours()

	var speed float64
	if hours == 0 {
		speed = math.Inf(1)
	} else {
		speed = distance / hours
	}
	if speed <= b.cfg.MaxTravelSpeedKmh {
		return Breach{}, false
	}

	severity := core.InsightWarning
	if elapsed < b.cfg.CriticalTravelWindow {
		severity = core.InsightCritical
	}
	return Breach{
		Kind:      BreachImpossibleTravel,
		Identity:  identity,
		Severity:  severity,
		EventID:   eventID,
		Timestamp: cur.at,
		Value:     speed,
		Threshold: b.cfg.MaxTravelSpeedKmh,
		Details: map[string]interface{}{
			"from_country":  prev.country,
			"to_country":    cur.country,
			"distance_km":   distance,
			"elapsed_hours": hours,
		},
	}, true
}

// recordLocked appends a breach to the bounded log. Caller holds b.mu.
func (b *Baseliner) recordLocked(br Breach) Breach {
	b.seq++
	br.Seq = b.seq
	b.breaches = append(b.breaches, br)
	if over := len(b.breaches) - b.cfg.BreachLogSize; over > 0 {
		b.breaches = append([]Breach(nil), b.breaches[over:]...)
	}

	metrics.BaselineBreaches.WithLabelValues(string(br.Kind), string(br.Severity)).Inc()
	b.logger.Infow("Behavioral baseline breached",
		"kind", br.Kind,
		"identity", br.Identity,
		"severity", br.Severity,
		"value", br.Value,
		"threshold", br.Threshold)
	return br
}

// BreachesSince returns breaches recorded after cursor and the new cursor
func (b *Baseliner) BreachesSince(cursor uint64) ([]Breach, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Breach
	for _, br := range b.breaches {
		if br.Seq > cursor {
			out = append(out, br)
		}
	}
	if b.seq > cursor {
		cursor = b.seq
	}
	return out, cursor
}

// Baseline returns a snapshot of an identity's statistics
func (b *Baseliner) Baseline(identity string) (Baseline, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.identities.Peek(identity)
	if !ok {
		return Baseline{}, false
	}
	return st.snapshot(identity), true
}

// Identities lists the tracked identities in sorted order
func (b *Baseliner) Identities() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := b.identities.Keys()
	sort.Strings(keys)
	return keys
}

// Reset drops all baselines and the breach log
func (b *Baseliner) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.identities.Purge()
	b.breaches = nil
}

func (st *identityState) prune(cutoff time.Time) {
	i := 0
	for _, o := range st.observations {
		if !o.at.Before(cutoff) {
			st.observations[i] = o
			i++
		}
	}
	st.observations = st.observations[:i]
}

func (st *identityState) totals() (logins int, bytes float64) {
	for _, o := range st.observations {
		if o.login {
			logins++
		}
		bytes += o.bytes
	}
	return logins, bytes
}

func (st *identityState) snapshot(identity string) Baseline {
	logins, bytes := st.totals()
	mean, ok := st.hours.Mean()
	bl := Baseline{
		Identity:     identity,
		Observations: len(st.observations),
		Logins:       logins,
		Bytes:        bytes,
		MeanHour:     mean,
		HasMeanHour:  ok,
		HourSamples:  st.hours.Count,
		HourSpread:   st.hourSpread,
		EventBytes:   st.eventBytes,
		LastSeen:     st.lastSeen,
	}
	if st.lastGeo != nil {
		bl.LastCountry = st.lastGeo.country
	}
	return bl
}
