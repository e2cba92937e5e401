package detect

import (
	"fmt"
	"strings"
	"time"

	"argus/core"
	"argus/metrics"

	"go.uber.org/zap"
)

// signatureCandidateThreshold is the match score a signature must exceed to propose a detection
const signatureCandidateThreshold = 0.5

// RuleMatch is an enabled rule whose pattern matched an event
type RuleMatch struct {
	Rule core.DetectionRule
}

// SignatureMatch is a signature with at least one matching indicator
type SignatureMatch struct {
	Signature  core.ThreatSignature
	Matched    []string
	MatchScore float64
}

// RuleEngine evaluates catalog rules and signatures against events
type RuleEngine struct {
	catalog *Catalog
	events  core.EventQuerier
	regex   *regexCache
	logger  *zap.SugaredLogger
}

// NewRuleEngine creates a rule engine over a catalog. events gives predicate
// patterns read-only access to stored events.
func NewRuleEngine(catalog *Catalog, events core.EventQuerier, regexTimeout time.Duration, logger *zap.SugaredLogger) *RuleEngine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RuleEngine{
		catalog: catalog,
		events:  events,
		regex:   newRegexCache(regexTimeout),
		logger:  logger,
	}
}

// Catalog returns the catalog the engine evaluates
func (re *RuleEngine) Catalog() *Catalog {
	return re.catalog
}

// Evaluate runs every enabled rule against the event. A rule that errors or
// panics is logged and skipped; the remaining rules still run.
func (re *RuleEngine) Evaluate(event core.Event) []RuleMatch {
	var matches []RuleMatch
	for _, rule := range re.catalog.EnabledRules() {
		matched, err := re.evaluateRule(rule, event)
		if err != nil {
			metrics.RuleEvaluationErrors.WithLabelValues(rule.ID).Inc()
			re.logger.Warnw("Rule evaluation failed, skipping rule",
				"rule_id", rule.ID,
				"event_id", event.ID,
				"error", err)
			continue
		}
		if matched {
			metrics.RuleMatches.WithLabelValues(string(core.TriggerRule), rule.ID).Inc()
			matches = append(matches, RuleMatch{Rule: rule})
		}
	}
	return matches
}

func (re *RuleEngine) evaluateRule(rule core.DetectionRule, event core.Event) (matched bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			matched = false
			err = fmt.Errorf("rule panicked: %v", r)
		}
	}()

	switch rule.Pattern.Kind {
	case core.PatternKindText:
		return re.regex.match(rule.ID, rule.Pattern.Text, rule.Pattern.CaseInsensitive, event.Canonical())
	case core.PatternKindPredicate:
		if rule.Pattern.Predicate == nil {
			return false, fmt.Errorf("predicate rule has no predicate")
		}
		// predicates receive a copy so they cannot alter the stored event
		return rule.Pattern.Predicate(event.Clone(), re.events)
	default:
		return false, fmt.Errorf("unknown pattern kind %q", rule.Pattern.Kind)
	}
}

// signatureText is the lower-cased text searched for indicators
func signatureText(event core.Event) string {
	var b strings.Builder
	b.WriteString(event.Canonical())
	if event.UserAgent != "" {
		b.WriteString(" ")
		b.WriteString(event.UserAgent)
	}
	for _, v := range event.Metadata {
		if s, ok := v.(string); ok {
			b.WriteString(" ")
			b.WriteString(s)
		}
	}
	return strings.ToLower(b.String())
}

// MatchSignatures scores every signature against the event:
// matched indicators / total indicators x signature confidence.
func (re *RuleEngine) MatchSignatures(event core.Event) []SignatureMatch {
	text := signatureText(event)

	var matches []SignatureMatch
	for _, sig := range re.catalog.Signatures() {
		if len(sig.Indicators) == 0 {
			continue
		}
		var hit []string
		for _, ioc := range sig.Indicators {
			token := strings.ToLower(strings.TrimSpace(ioc))
			if token != "" && strings.Contains(text, token) {
				hit = append(hit, ioc)
			}
		}
		if len(hit) == 0 {
			continue
		}
		score := float64(len(hit)) / float64(len(sig.Indicators)) * sig.Confidence
		matches = append(matches, SignatureMatch{
			Signature:  sig,
			Matched:    hit,
			MatchScore: core.Clamp(score, 0, 1),
		})
	}
	return matches
}

// Candidates turns rule matches and strong signature matches into detection candidates
func Candidates(rules []RuleMatch, signatures []SignatureMatch) []core.DetectionCandidate {
	var out []core.DetectionCandidate
	for _, m := range rules {
		out = append(out, core.DetectionCandidate{
			Trigger:    core.TriggerRef{Kind: core.TriggerRule, ID: m.Rule.ID, Name: m.Rule.Name},
			Confidence: m.Rule.Confidence(),
			RiskScore:  m.Rule.Severity.RiskScore(),
			Severity:   m.Rule.Severity,
			Action:     m.Rule.Action,
		})
	}
	for _, m := range signatures {
		if m.MatchScore <= signatureCandidateThreshold {
			continue
		}
		metrics.RuleMatches.WithLabelValues(string(core.TriggerSignature), m.Signature.ID).Inc()
		out = append(out, core.DetectionCandidate{
			Trigger:    core.TriggerRef{Kind: core.TriggerSignature, ID: m.Signature.ID, Name: m.Signature.Name},
			Confidence: core.Clamp(m.MatchScore*100, 0, 100),
			RiskScore:  m.Signature.Severity.RiskScore(),
			Severity:   m.Signature.Severity,
			MatchScore: m.MatchScore,
		})
	}
	return out
}
