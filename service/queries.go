package service

import (
	"context"
	"fmt"

	"argus/config"
	"argus/core"
	"argus/detect"
)

// ============================================================================
// Detections
// ============================================================================

// ActiveDetections returns non-terminal detections by descending risk
func (e *Engine) ActiveDetections() []*core.ThreatDetection {
	return e.detections.Active()
}

// Detections returns every retained detection, oldest first
func (e *Engine) Detections() []*core.ThreatDetection {
	return e.detections.All()
}

// Detection returns one detection by id
func (e *Engine) Detection(id string) (*core.ThreatDetection, error) {
	return e.detections.Get(id)
}

// Acknowledge moves a detection into investigation
func (e *Engine) Acknowledge(id, analyst string) (*core.ThreatDetection, error) {
	d, err := e.detections.Acknowledge(id, analyst)
	if err != nil {
		return nil, err
	}
	e.logger.Infow("Detection acknowledged", "detection_id", id, "analyst", analyst)
	return d, nil
}

// Contain marks a detection contained
func (e *Engine) Contain(id, actor, note string) (*core.ThreatDetection, error) {
	d, err := e.detections.Contain(id, actor, note)
	if err != nil {
		return nil, err
	}
	e.logger.Infow("Detection contained", "detection_id", id, "actor", actor)
	return d, nil
}

// Resolve closes a detection with a resolution note
func (e *Engine) Resolve(id, analyst, note string) (*core.ThreatDetection, error) {
	d, err := e.detections.Resolve(id, analyst, note)
	if err != nil {
		return nil, err
	}
	e.logger.Infow("Detection resolved", "detection_id", id, "analyst", analyst)
	return d, nil
}

// MarkFalsePositive closes a detection as a false positive
func (e *Engine) MarkFalsePositive(id, analyst, note string) (*core.ThreatDetection, error) {
	d, err := e.detections.MarkFalsePositive(id, analyst, note)
	if err != nil {
		return nil, err
	}
	e.logger.Infow("Detection marked false positive", "detection_id", id, "analyst", analyst)
	return d, nil
}

// ============================================================================
// Events and reports
// ============================================================================

// Events returns stored events matching the filter, oldest first
func (e *Engine) Events(filter core.EventFilter) []core.Event {
	return e.events.Query(filter)
}

// Event returns one stored event
func (e *Engine) Event(id string) (core.Event, error) {
	return e.events.Get(id)
}

// Metrics computes aggregate security metrics
func (e *Engine) Metrics() core.SecurityMetrics {
	return e.analytics.Metrics(e.now())
}

// RiskAssessment computes the categorized risk assessment
func (e *Engine) RiskAssessment() core.RiskAssessment {
	return e.analytics.RiskAssessment(e.now())
}

// Insights returns published insights, newest first
func (e *Engine) Insights() []core.SecurityInsight {
	return e.analytics.Insights()
}

// RunAnalytics runs one analytics pass immediately
func (e *Engine) RunAnalytics(ctx context.Context) []core.SecurityInsight {
	return e.analytics.Run(ctx)
}

// Catalog exposes the rule and signature catalog for management
func (e *Engine) Catalog() *detect.Catalog {
	return e.rules.Catalog()
}

// ============================================================================
// Configuration
// ============================================================================

// Configuration returns the runtime settings in effect
func (e *Engine) Configuration() config.Settings {
	e.settingsMu.RLock()
	defer e.settingsMu.RUnlock()
	return e.settings
}

// UpdateConfiguration applies a partial settings update. Invalid patches are
// rejected whole. New settings apply from the next ingestion; existing
// detections keep their scores.
func (e *Engine) UpdateConfiguration(patch config.SettingsPatch) (config.Settings, error) {
	e.settingsMu.Lock()
	defer e.settingsMu.Unlock()

	next, err := e.settings.Apply(patch)
	if err != nil {
		e.logger.Warnw("Rejected configuration update", "fields", patch.Changes(), "error", err)
		return e.settings, fmt.Errorf("failed to update configuration: %w", err)
	}
	if patch.Empty() {
		return next, nil
	}
	e.settings = next
	e.logger.Infow("Configuration updated",
		"fields", patch.Changes(),
		"alert_threshold", next.AlertThreshold,
		"blocking_threshold", next.BlockingThreshold,
		"isolation_threshold", next.IsolationThreshold,
		"sensitivity", next.Sensitivity,
		"auto_response", next.AutoResponse)
	return next, nil
}
