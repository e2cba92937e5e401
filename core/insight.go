package core

import (
	"time"

	"github.com/google/uuid"
)

// InsightType classifies an analytics insight
type InsightType string

const (
	InsightTrend      InsightType = "trend"
	InsightAnomaly    InsightType = "anomaly"
	InsightPattern    InsightType = "pattern"
	InsightPrediction InsightType = "prediction"
)

// InsightSeverity is the urgency of an insight
type InsightSeverity string

const (
	InsightInfo     InsightSeverity = "info"
	InsightWarning  InsightSeverity = "warning"
	InsightCritical InsightSeverity = "critical"
)

// Rank orders insight severities; unknown values rank below info
func (s InsightSeverity) Rank() int {
	switch s {
	case InsightInfo:
		return 1
	case InsightWarning:
		return 2
	case InsightCritical:
		return 3
	}
	return 0
}

// SecurityInsight is a read-only finding produced by the analytics engine
type SecurityInsight struct {
	ID              string                 `json:"id"`
	Type            InsightType            `json:"type"`
	Title           string                 `json:"title"`
	Description     string                 `json:"description"`
	Severity        InsightSeverity        `json:"severity"`
	Confidence      float64                `json:"confidence"`
	Timestamp       time.Time              `json:"timestamp"`
	Data            map[string]interface{} `json:"data,omitempty"`
	Recommendations []string               `json:"recommendations,omitempty"`
	// Key groups repeated occurrences of the same finding
	Key string `json:"-"`
}

// NewInsight creates an insight with a generated id and clamped confidence
func NewInsight(kind InsightType, severity InsightSeverity, title, description string, confidence float64, at time.Time) SecurityInsight {
	return SecurityInsight{
		ID:          uuid.New().String(),
		Type:        kind,
		Title:       title,
		Description: description,
		Severity:    severity,
		Confidence:  Clamp(confidence, 0, 1),
		Timestamp:   at,
		Data:        make(map[string]interface{}),
	}
}

// Risk categories used by the risk assessment
const (
	RiskCategoryNetwork        = "network"
	RiskCategoryAuthentication = "authentication"
	RiskCategoryDataAccess     = "data_access"
	RiskCategoryUserBehavior   = "user_behavior"
	RiskCategoryInfrastructure = "infrastructure"
)

// RiskCategories lists the assessment categories in report order
var RiskCategories = []string{
	RiskCategoryNetwork,
	RiskCategoryAuthentication,
	RiskCategoryDataAccess,
	RiskCategoryUserBehavior,
	RiskCategoryInfrastructure,
}

// RiskLevel is the coarse classification of a risk score
type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "low"
	RiskLevelMedium   RiskLevel = "medium"
	RiskLevelHigh     RiskLevel = "high"
	RiskLevelCritical RiskLevel = "critical"
)

// RiskLevelFor classifies a 0-100 score
func RiskLevelFor(score float64) RiskLevel {
	switch {
	case score >= 75:
		return RiskLevelCritical
	case score >= 50:
		return RiskLevelHigh
	case score >= 25:
		return RiskLevelMedium
	default:
		return RiskLevelLow
	}
}

// RiskCategory is one weighted component of a risk assessment
type RiskCategory struct {
	Name       string    `json:"name"`
	Score      float64   `json:"score"`
	Weight     float64   `json:"weight"`
	Level      RiskLevel `json:"level"`
	EventCount int       `json:"event_count"`
	Factors    []string  `json:"factors,omitempty"`
}

// RiskAssessment is recomputed on demand from the event and detection stores
type RiskAssessment struct {
	OverallScore    float64        `json:"overall_score"`
	Level           RiskLevel      `json:"level"`
	Categories      []RiskCategory `json:"categories"`
	Recommendations []string       `json:"recommendations,omitempty"`
	GeneratedAt     time.Time      `json:"generated_at"`
}

// SecurityMetrics is recomputed on demand from the event and detection stores
type SecurityMetrics struct {
	TotalEvents          int                     `json:"total_events"`
	EventsBySeverity     map[Severity]int        `json:"events_by_severity"`
	CriticalEvents       int                     `json:"critical_events"`
	HighEvents           int                     `json:"high_events"`
	TotalDetections      int                     `json:"total_detections"`
	ActiveDetections     int                     `json:"active_detections"`
	ResolvedDetections   int                     `json:"resolved_detections"`
	FalsePositives       int                     `json:"false_positives"`
	DetectionsByStatus   map[DetectionStatus]int `json:"detections_by_status"`
	MeanTimeToDetection  float64                 `json:"mean_time_to_detection_seconds"`
	MeanTimeToResolution float64                 `json:"mean_time_to_resolution_seconds"`
	SecurityScore        float64                 `json:"security_score"`
	UniqueSourceIPs      int                     `json:"unique_source_ips"`
	GeneratedAt          time.Time               `json:"generated_at"`
}
