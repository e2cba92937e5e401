package core

import (
	"errors"
	"fmt"
)

// RuleAction is the response a detection rule asks for when it matches
type RuleAction string

const (
	RuleActionAlert      RuleAction = "alert"
	RuleActionBlock      RuleAction = "block"
	RuleActionMonitor    RuleAction = "monitor"
	RuleActionQuarantine RuleAction = "quarantine"
)

// IsValid checks if the rule action is known
func (a RuleAction) IsValid() bool {
	switch a {
	case RuleActionAlert, RuleActionBlock, RuleActionMonitor, RuleActionQuarantine:
		return true
	default:
		return false
	}
}

// PatternKind tags which variant of Pattern is populated
type PatternKind string

const (
	PatternKindText      PatternKind = "text"
	PatternKindPredicate PatternKind = "predicate"
)

// PredicateFunc evaluates an event with read-only access to stored events
type PredicateFunc func(event Event, events EventQuerier) (bool, error)

// Pattern is a tagged variant: a text expression matched against the canonical
// "{eventType} {description}" string, or a predicate over the event.
type Pattern struct {
	Kind PatternKind `json:"kind" yaml:"kind"`

	// Text variant
	Text            string `json:"text,omitempty" yaml:"text,omitempty"`
	CaseInsensitive bool   `json:"case_insensitive,omitempty" yaml:"case_insensitive,omitempty"`

	// Predicate variant. Expression is kept for display when the predicate was compiled from one.
	Predicate  PredicateFunc `json:"-" yaml:"-"`
	Expression string        `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// TextPattern builds the text variant
func TextPattern(text string, caseInsensitive bool) Pattern {
	return Pattern{Kind: PatternKindText, Text: text, CaseInsensitive: caseInsensitive}
}

// PredicatePattern builds the predicate variant
func PredicatePattern(fn PredicateFunc) Pattern {
	return Pattern{Kind: PatternKindPredicate, Predicate: fn}
}

// Validate checks exactly one variant is populated
func (p Pattern) Validate() error {
	switch p.Kind {
	case PatternKindText:
		if p.Text == "" {
			return errors.New("text pattern cannot be empty")
		}
		if p.Predicate != nil {
			return errors.New("text pattern must not carry a predicate")
		}
	case PatternKindPredicate:
		if p.Predicate == nil {
			return errors.New("predicate pattern requires a predicate")
		}
		if p.Text != "" {
			return errors.New("predicate pattern must not carry text")
		}
	default:
		return fmt.Errorf("unknown pattern kind: %q", p.Kind)
	}
	return nil
}

// DetectionRule is a catalog entry evaluated against every ingested event
type DetectionRule struct {
	ID                string     `json:"id" yaml:"id"`
	Name              string     `json:"name" yaml:"name"`
	Description       string     `json:"description,omitempty" yaml:"description,omitempty"`
	Severity          Severity   `json:"severity" yaml:"severity"`
	Pattern           Pattern    `json:"pattern" yaml:"pattern"`
	Action            RuleAction `json:"action" yaml:"action"`
	Enabled           bool       `json:"enabled" yaml:"enabled"`
	FalsePositiveRate float64    `json:"false_positive_rate" yaml:"false_positive_rate"`
}

// Confidence is 1 - falsePositiveRate expressed on a 0-100 scale
func (r DetectionRule) Confidence() float64 {
	return Clamp((1-r.FalsePositiveRate)*100, 0, 100)
}

// Validate checks the rule for structural problems
func (r DetectionRule) Validate() error {
	if r.ID == "" {
		return errors.New("rule id is required")
	}
	if r.Name == "" {
		return errors.New("rule name is required")
	}
	if !r.Severity.IsValid() {
		return fmt.Errorf("invalid rule severity: %q", r.Severity)
	}
	if r.Action != "" && !r.Action.IsValid() {
		return fmt.Errorf("invalid rule action: %q", r.Action)
	}
	if r.FalsePositiveRate < 0 || r.FalsePositiveRate > 1 {
		return fmt.Errorf("false positive rate must be between 0 and 1, got %v", r.FalsePositiveRate)
	}
	if err := r.Pattern.Validate(); err != nil {
		return fmt.Errorf("rule %s: %w", r.ID, err)
	}
	return nil
}

// SignatureType classifies a threat signature
type SignatureType string

const (
	SignatureMalware          SignatureType = "malware"
	SignaturePhishing         SignatureType = "phishing"
	SignatureAnomaly          SignatureType = "anomaly"
	SignatureIntrusion        SignatureType = "intrusion"
	SignatureDataExfiltration SignatureType = "data_exfiltration"
)

// ThreatSignature is a catalog entry of indicators of compromise
type ThreatSignature struct {
	ID         string        `json:"id" yaml:"id"`
	Name       string        `json:"name" yaml:"name"`
	Severity   Severity      `json:"severity" yaml:"severity"`
	Type       SignatureType `json:"type" yaml:"type"`
	Confidence float64       `json:"confidence" yaml:"confidence"`
	Indicators []string      `json:"indicators" yaml:"indicators"`
	Tactics    []string      `json:"tactics,omitempty" yaml:"tactics,omitempty"`
}

// Validate checks the signature for structural problems
func (s ThreatSignature) Validate() error {
	if s.ID == "" {
		return errors.New("signature id is required")
	}
	if s.Name == "" {
		return errors.New("signature name is required")
	}
	if !s.Severity.IsValid() {
		return fmt.Errorf("invalid signature severity: %q", s.Severity)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("signature confidence must be between 0 and 1, got %v", s.Confidence)
	}
	if len(s.Indicators) == 0 {
		return errors.New("signature requires at least one indicator")
	}
	return nil
}

// Clamp bounds v to [lo, hi]
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
