package analytics

import (
	"fmt"
	"math"
	"sort"
	"time"

	"argus/core"
	"argus/ml"
)

// trendInsights compares event and detection volume in the trailing window
// against the window before it.
func (e *Engine) trendInsights(events []core.Event, detections []*core.ThreatDetection, now time.Time) []core.SecurityInsight {
	w := e.cfg.TrendWindow
	var curEvents, prevEvents, curDet, prevDet int
	for _, ev := range events {
		switch windowOf(ev.Timestamp, now, w) {
		case 0:
			curEvents++
		case 1:
			prevEvents++
		}
	}
	for _, d := range detections {
		switch windowOf(d.DetectionTime, now, w) {
		case 0:
			curDet++
		case 1:
			prevDet++
		}
	}

	var out []core.SecurityInsight
	if in, ok := e.trendInsight("events", "Security event", curEvents, prevEvents, now); ok {
		out = append(out, in)
	}
	if in, ok := e.trendInsight("detections", "Threat detection", curDet, prevDet, now); ok {
		out = append(out, in)
	}
	return out
}

// windowOf returns 0 for the trailing window, 1 for the window before it and -1 otherwise
func windowOf(ts, now time.Time, w time.Duration) int {
	age := now.Sub(ts)
	switch {
	case age < 0:
		return -1
	case age < w:
		return 0
	case age < 2*w:
		return 1
	default:
		return -1
	}
}

func (e *Engine) trendInsight(subject, label string, current, previous int, now time.Time) (core.SecurityInsight, bool) {
	if previous == 0 {
		return core.SecurityInsight{}, false
	}
	change := float64(current-previous) / float64(previous) * 100
	magnitude := math.Abs(change)
	if magnitude <= e.cfg.TrendWarning {
		return core.SecurityInsight{}, false
	}

	severity := core.InsightWarning
	if magnitude > e.cfg.TrendCritical {
		severity = core.InsightCritical
	}
	direction := "increase"
	if change < 0 {
		direction = "decrease"
	}

	in := core.NewInsight(core.InsightTrend, severity,
		fmt.Sprintf("%s volume %s", label, direction),
		fmt.Sprintf("%s volume changed by %.1f%% over the last 7 days (%d vs %d)", label, change, current, previous),
		math.Min(1, magnitude/100), now)
	in.Key = fmt.Sprintf("trend:%s:%s:%s", subject, direction, severity)
	in.Data["current"] = current
	in.Data["previous"] = previous
	in.Data["change_percent"] = change
	if direction == "increase" {
		in.Recommendations = []string{
			"Review the sources contributing the additional volume",
			"Confirm detection rules are not producing duplicate matches",
		}
	} else {
		in.Recommendations = []string{"Verify that log sources are still reporting"}
	}
	return in, true
}

// anomalyInsights drains new baseliner breaches
func (e *Engine) anomalyInsights() []core.SecurityInsight {
	if e.behavior == nil {
		return nil
	}
	e.mu.Lock()
	cursor := e.breachCursor
	e.mu.Unlock()

	breaches, next := e.behavior.BreachesSince(cursor)

	e.mu.Lock()
	e.breachCursor = next
	e.mu.Unlock()

	out := make([]core.SecurityInsight, 0, len(breaches))
	for _, b := range breaches {
		out = append(out, BreachInsight(b))
	}
	return out
}

// BreachKey is the de-duplication key of a breach insight. Critical impossible
// travel is keyed per event so each occurrence surfaces.
func BreachKey(b ml.Breach) string {
	if b.Kind == ml.BreachImpossibleTravel && b.Severity == core.InsightCritical && b.EventID != "" {
		return fmt.Sprintf("anomaly:%s:%s:%s", b.Kind, b.Identity, b.EventID)
	}
	return fmt.Sprintf("anomaly:%s:%s", b.Kind, b.Identity)
}

// BreachInsight turns a baseline breach into an anomaly insight. The key is shared
// with insights published directly on ingestion so a breach surfaces once.
func BreachInsight(b ml.Breach) core.SecurityInsight {
	var title, description string
	var recs []string
	switch b.Kind {
	case ml.BreachLoginFrequency:
		title = "Unusual login frequency"
		description = fmt.Sprintf("%s logged in %.0f times in 24h (baseline %.0f)", b.Identity, b.Value, b.Threshold)
		recs = []string{
			"Check for credential stuffing against this account",
			"Consider enforcing MFA for the account",
		}
	case ml.BreachDataVolume:
		title = "Unusual data transfer volume"
		description = fmt.Sprintf("%s transferred %.0f bytes in 24h (baseline %.0f)", b.Identity, b.Value, b.Threshold)
		recs = []string{
			"Review recent file and database access for this identity",
			"Check egress destinations for data exfiltration",
		}
	case ml.BreachImpossibleTravel:
		title = "Impossible travel detected"
		description = fmt.Sprintf("%s appeared in two countries at an implied %.0f km/h (max %.0f km/h)", b.Identity, b.Value, b.Threshold)
		recs = []string{
			"Verify the identity's recent sessions with the account owner",
			"Reset credentials if either login is not recognized",
		}
	default:
		title = "Behavioral anomaly"
		description = fmt.Sprintf("%s crossed the %s baseline", b.Identity, b.Kind)
	}

	confidence := 0.7
	if b.Severity == core.InsightCritical {
		confidence = 0.9
	}
	in := core.NewInsight(core.InsightAnomaly, b.Severity, title, description, confidence, b.Timestamp)
	in.Key = BreachKey(b)
	in.Recommendations = recs
	in.Data["identity"] = b.Identity
	in.Data["kind"] = string(b.Kind)
	in.Data["event_id"] = b.EventID
	in.Data["value"] = b.Value
	in.Data["threshold"] = b.Threshold
	for k, v := range b.Details {
		in.Data[k] = v
	}
	return in
}

// patternInsights finds brute-force clusters and identities with high anomaly scores
func (e *Engine) patternInsights(events []core.Event, now time.Time) []core.SecurityInsight {
	since := now.Add(-e.cfg.PatternWindow)
	failures := make(map[string]int)
	scores := make(map[string]float64)
	factors := make(map[string][]string)
	baselines := make(map[string]*ml.Baseline)

	for _, ev := range events {
		if ev.Timestamp.Before(since) || ev.Timestamp.After(now) {
			continue
		}
		if ev.IPAddress != "" && ev.IsAuthFailure() {
			failures[ev.IPAddress]++
		}
		if e.scorer == nil || e.behavior == nil {
			continue
		}
		identity := ev.Identity()
		if identity == "" {
			continue
		}
		bl, cached := baselines[identity]
		if !cached {
			if b, ok := e.behavior.Baseline(identity); ok {
				bl = &b
			}
			baselines[identity] = bl
		}
		if bl == nil {
			continue
		}
		if score, f := e.scorer.Score(ev, *bl); score > scores[identity] {
			scores[identity] = score
			factors[identity] = f
		}
	}

	var out []core.SecurityInsight
	for _, ip := range sortedKeys(failures) {
		count := failures[ip]
		if count < e.cfg.BruteForceThreshold {
			continue
		}
		severity := core.InsightWarning
		if count >= 5*e.cfg.BruteForceThreshold {
			severity = core.InsightCritical
		}
		in := core.NewInsight(core.InsightPattern, severity,
			"Brute force pattern",
			fmt.Sprintf("%d failed authentications from %s in the last 24 hours", count, ip),
			math.Min(1, 0.5+float64(count)/float64(10*e.cfg.BruteForceThreshold)), now)
		in.Key = "pattern:brute_force:" + ip
		in.Data["ip_address"] = ip
		in.Data["failures"] = count
		in.Recommendations = []string{
			"Block or rate-limit the source address",
			"Check whether any attempt from this address succeeded",
		}
		out = append(out, in)
	}

	for _, identity := range sortedKeys(scores) {
		score := scores[identity]
		if score <= e.cfg.AnomalyThreshold {
			continue
		}
		in := core.NewInsight(core.InsightPattern, core.InsightWarning,
			"Anomalous user behavior",
			fmt.Sprintf("%s scored %.2f against its behavioral baseline", identity, score),
			score, now)
		in.Key = "pattern:behavior:" + identity
		in.Data["identity"] = identity
		in.Data["score"] = score
		in.Data["factors"] = factors[identity]
		in.Recommendations = []string{"Review the identity's recent activity for account compromise"}
		out = append(out, in)
	}
	return out
}

// predictionInsights fits a line to daily event counts and projects the next week.
// Sparse histories and poor fits produce nothing.
func (e *Engine) predictionInsights(events []core.Event, now time.Time) []core.SecurityInsight {
	days := e.cfg.PredictionDays
	counts := dailyCounts(events, now, days)

	active := 0
	for _, c := range counts {
		if c > 0 {
			active++
		}
	}
	if active < e.cfg.PredictionMinDays {
		return nil
	}

	fit, ok := linearRegression(counts)
	if !ok || fit.Mean <= 0 || fit.R2 < e.cfg.PredictionMinR2 {
		return nil
	}
	weekly := fit.Slope * 7 / fit.Mean
	if math.Abs(weekly) <= e.cfg.PredictionThreshold {
		return nil
	}

	direction := "increase"
	severity := core.InsightWarning
	if weekly < 0 {
		direction = "decrease"
		severity = core.InsightInfo
	}
	projected := math.Max(0, fit.Intercept+fit.Slope*float64(days+6))

	in := core.NewInsight(core.InsightPrediction, severity,
		fmt.Sprintf("Event volume expected to %s", direction),
		fmt.Sprintf("Daily event volume is projected to %s by %.0f%% over the next week", direction, math.Abs(weekly)*100),
		fit.R2, now)
	in.Key = "prediction:events:" + direction
	in.Data["slope_per_day"] = fit.Slope
	in.Data["weekly_change"] = weekly
	in.Data["r_squared"] = fit.R2
	in.Data["projected_daily_events"] = projected
	if direction == "increase" {
		in.Recommendations = []string{"Plan analyst capacity for the projected volume"}
	}
	return []core.SecurityInsight{in}
}

// dailyCounts buckets events into days ending at now; index days-1 is the most recent day
func dailyCounts(events []core.Event, now time.Time, days int) []float64 {
	counts := make([]float64, days)
	for _, ev := range events {
		age := now.Sub(ev.Timestamp)
		if age < 0 {
			continue
		}
		idx := days - 1 - int(age/(24*time.Hour))
		if idx < 0 {
			continue
		}
		counts[idx]++
	}
	return counts
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
