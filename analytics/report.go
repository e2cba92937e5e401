package analytics

import (
	"fmt"
	"math"
	"strings"
	"time"

	"argus/core"
)

const (
	categoryWeight = 0.2
	assessmentSpan = 24 * time.Hour
)

var categoryKeywords = map[string][]string{
	core.RiskCategoryNetwork:        {"network", "firewall", "port", "scan", "dns", "traffic", "connection", "ids"},
	core.RiskCategoryAuthentication: {"auth", "login", "logon", "password", "credential", "mfa", "sso"},
	core.RiskCategoryDataAccess:     {"data", "file", "database", "download", "upload", "exfil", "dlp"},
	core.RiskCategoryUserBehavior:   {"user", "behavior", "session", "privilege", "insider"},
	core.RiskCategoryInfrastructure: {"system", "server", "host", "endpoint", "malware", "process", "config", "infrastructure"},
}

var categoryRecommendations = map[string]string{
	core.RiskCategoryNetwork:        "Review perimeter rules and block sources with repeated hostile traffic",
	core.RiskCategoryAuthentication: "Enforce MFA and review failed authentication sources",
	core.RiskCategoryDataAccess:     "Audit sensitive data access and egress volumes",
	core.RiskCategoryUserBehavior:   "Review accounts with anomalous behavior for compromise",
	core.RiskCategoryInfrastructure: "Patch and scan hosts reporting high-severity events",
}

// categoriesOf returns the risk categories an event falls into
func categoriesOf(ev core.Event) []string {
	text := strings.ToLower(ev.EventType + " " + ev.Source)
	var out []string
	for _, name := range core.RiskCategories {
		if name == core.RiskCategoryAuthentication && ev.IsAuthEvent() {
			out = append(out, name)
			continue
		}
		for _, kw := range categoryKeywords[name] {
			if strings.Contains(text, kw) {
				out = append(out, name)
				break
			}
		}
	}
	return out
}

// RiskAssessment scores each category from the last 24 hours of events as
// 0.7*mean severity risk + 0.3*volume (2 points per event, capped at 100),
// and averages the five categories with equal weight.
func (e *Engine) RiskAssessment(now time.Time) core.RiskAssessment {
	type acc struct {
		count     int
		riskSum   float64
		highCount int
	}
	stats := make(map[string]*acc, len(core.RiskCategories))
	for _, name := range core.RiskCategories {
		stats[name] = &acc{}
	}

	since := now.Add(-assessmentSpan)
	for _, ev := range e.events.Snapshot() {
		if ev.Timestamp.Before(since) || ev.Timestamp.After(now) {
			continue
		}
		for _, name := range categoriesOf(ev) {
			a := stats[name]
			a.count++
			a.riskSum += ev.Severity.RiskScore()
			if ev.Severity.Rank() >= core.SeverityHigh.Rank() {
				a.highCount++
			}
		}
	}

	out := core.RiskAssessment{GeneratedAt: now}
	for _, name := range core.RiskCategories {
		a := stats[name]
		cat := core.RiskCategory{Name: name, Weight: categoryWeight, EventCount: a.count}
		if a.count > 0 {
			meanRisk := a.riskSum / float64(a.count)
			volume := math.Min(100, 2*float64(a.count))
			cat.Score = core.Clamp(0.7*meanRisk+0.3*volume, 0, 100)
			cat.Factors = append(cat.Factors, fmt.Sprintf("%d events in the last 24h", a.count))
			if a.highCount > 0 {
				cat.Factors = append(cat.Factors, fmt.Sprintf("%d high or critical severity events", a.highCount))
			}
		}
		cat.Level = core.RiskLevelFor(cat.Score)
		if cat.Level == core.RiskLevelHigh || cat.Level == core.RiskLevelCritical {
			out.Recommendations = append(out.Recommendations, categoryRecommendations[name])
		}
		out.OverallScore += cat.Score * cat.Weight
		out.Categories = append(out.Categories, cat)
	}
	out.OverallScore = core.Clamp(out.OverallScore, 0, 100)
	out.Level = core.RiskLevelFor(out.OverallScore)
	return out
}

// Metrics aggregates event and detection counts, MTTD, MTTR and the security score
func (e *Engine) Metrics(now time.Time) core.SecurityMetrics {
	m := core.SecurityMetrics{
		EventsBySeverity:   make(map[core.Severity]int),
		DetectionsByStatus: make(map[core.DetectionStatus]int),
		GeneratedAt:        now,
	}

	ips := make(map[string]struct{})
	for _, ev := range e.events.Snapshot() {
		m.TotalEvents++
		m.EventsBySeverity[ev.Severity]++
		switch ev.Severity {
		case core.SeverityCritical:
			m.CriticalEvents++
		case core.SeverityHigh:
			m.HighEvents++
		}
		if ev.IPAddress != "" {
			ips[ev.IPAddress] = struct{}{}
		}
	}
	m.UniqueSourceIPs = len(ips)

	var (
		ttdSum, ttrSum     float64
		ttdCount, ttrCount int
	)
	for _, d := range e.detections.All() {
		m.TotalDetections++
		m.DetectionsByStatus[d.Status]++
		switch d.Status {
		case core.DetectionStatusResolved:
			m.ResolvedDetections++
		case core.DetectionStatusFalsePositive:
			m.FalsePositives++
		default:
			m.ActiveDetections++
		}

		if first, ok := e.firstEventTime(d); ok {
			ttdSum += d.DetectionTime.Sub(first).Seconds()
			ttdCount++
		}
		if d.Status == core.DetectionStatusResolved {
			if executed, ok := d.FirstExecutedAt(); ok {
				ttrSum += executed.Sub(d.DetectionTime).Seconds()
				ttrCount++
			}
		}
	}
	if ttdCount > 0 {
		m.MeanTimeToDetection = ttdSum / float64(ttdCount)
	}
	if ttrCount > 0 {
		m.MeanTimeToResolution = ttrSum / float64(ttrCount)
	}

	m.SecurityScore = math.Max(0, 100-10*float64(m.CriticalEvents)-5*float64(m.HighEvents))
	return m
}

// firstEventTime returns the earliest timestamp among a detection's events still in the store
func (e *Engine) firstEventTime(d *core.ThreatDetection) (time.Time, bool) {
	var first time.Time
	found := false
	for _, id := range d.EventIDs {
		ev, err := e.events.Get(id)
		if err != nil {
			continue
		}
		if !found || ev.Timestamp.Before(first) {
			first = ev.Timestamp
			found = true
		}
	}
	return first, found
}
