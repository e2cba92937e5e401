package detect

import (
	"fmt"
	"strings"

	"argus/core"
)

// Channel caps. Each channel is clamped before summation and the total is clamped to 100.
const (
	MaxRuleMLContribution      = 30.0
	MaxBehavioralContribution  = 20.0
	MaxThreatIntelContribution = 25.0
	MaxRiskScore               = 100.0

	badIPContribution        = 25.0
	badUserAgentContribution = 15.0
	signatureWeight          = 30.0
	anomalyWeight            = 10.0
)

// Sensitivity scales the rule/ML and behavioral channels
type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

// Multiplier returns the channel multiplier, 1.0 for unknown values
func (s Sensitivity) Multiplier() float64 {
	switch Sensitivity(strings.ToLower(string(s))) {
	case SensitivityLow:
		return 0.75
	case SensitivityHigh:
		return 1.25
	default:
		return 1.0
	}
}

// Signals are the per-event inputs combined by the risk scorer
type Signals struct {
	Rules      []RuleMatch
	Signatures []SignatureMatch

	// Anomaly is the pluggable anomaly scorer output in [0,1]
	Anomaly        float64
	AnomalyFactors []string

	// Behavioral is the baseliner contribution in [0,20]
	Behavioral        float64
	BehavioralFactors []string

	BadIP        bool
	BadUserAgent bool
}

// RiskBreakdown is the per-channel composition of an event's risk score
type RiskBreakdown struct {
	Base        float64  `json:"base"`
	RuleML      float64  `json:"rule_ml"`
	Behavioral  float64  `json:"behavioral"`
	ThreatIntel float64  `json:"threat_intel"`
	Total       float64  `json:"total"`
	Factors     []string `json:"factors,omitempty"`
}

// RiskScorer combines detection signals into one bounded score
type RiskScorer struct{}

// NewRiskScorer creates a risk scorer
func NewRiskScorer() *RiskScorer {
	return &RiskScorer{}
}

// Score computes the additive, per-channel capped risk of an event
func (s *RiskScorer) Score(event core.Event, signals Signals, sensitivity Sensitivity) RiskBreakdown {
	mult := sensitivity.Multiplier()
	var b RiskBreakdown

	b.Base = event.Severity.Weight()
	b.Factors = append(b.Factors, fmt.Sprintf("severity %s (+%.0f)", event.Severity, b.Base))

	ruleML := 0.0
	for _, m := range signals.Rules {
		c := m.Rule.Severity.Weight() * (1 - m.Rule.FalsePositiveRate)
		ruleML += c
		b.Factors = append(b.Factors, fmt.Sprintf("rule %s (+%.1f)", m.Rule.ID, c))
	}
	for _, m := range signals.Signatures {
		c := signatureWeight * m.MatchScore
		ruleML += c
		b.Factors = append(b.Factors, fmt.Sprintf("signature %s (+%.1f)", m.Signature.ID, c))
	}
	if signals.Anomaly > 0 {
		c := anomalyWeight * core.Clamp(signals.Anomaly, 0, 1)
		ruleML += c
		b.Factors = append(b.Factors, fmt.Sprintf("anomaly score %.2f (+%.1f)", signals.Anomaly, c))
		b.Factors = append(b.Factors, signals.AnomalyFactors...)
	}
	b.RuleML = core.Clamp(ruleML*mult, 0, MaxRuleMLContribution)

	b.Behavioral = core.Clamp(signals.Behavioral*mult, 0, MaxBehavioralContribution)
	b.Factors = append(b.Factors, signals.BehavioralFactors...)

	intel := 0.0
	if signals.BadIP {
		intel += badIPContribution
		b.Factors = append(b.Factors, fmt.Sprintf("source IP %s on threat list", event.IPAddress))
	}
	if signals.BadUserAgent {
		intel += badUserAgentContribution
		b.Factors = append(b.Factors, "user agent matches known indicator")
	}
	b.ThreatIntel = core.Clamp(intel, 0, MaxThreatIntelContribution)

	b.Total = core.Clamp(b.Base+b.RuleML+b.Behavioral+b.ThreatIntel, 0, MaxRiskScore)
	return b
}
