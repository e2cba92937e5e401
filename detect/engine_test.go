package detect

import (
	"errors"
	"testing"
	"time"

	"argus/core"
	"argus/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var t0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*RuleEngine, *storage.EventStore) {
	logger := zaptest.NewLogger(t).Sugar()
	events := storage.NewEventStore(1000, logger)
	return NewRuleEngine(NewDefaultCatalog(logger), events, DefaultRegexTimeout, logger), events
}

func ruleIDs(matches []RuleMatch) []string {
	var ids []string
	for _, m := range matches {
		ids = append(ids, m.Rule.ID)
	}
	return ids
}

func TestBruteForce_FifthFailureTriggers(t *testing.T) {
	engine, events := newTestEngine(t)

	for i := 0; i < 5; i++ {
		e := core.Event{
			EventType:   "login_failed",
			Description: "invalid password",
			IPAddress:   "203.0.113.7",
			Severity:    core.SeverityMedium,
			Timestamp:   t0.Add(time.Duration(i) * time.Minute),
		}
		id := events.Ingest(e)
		stored, err := events.Get(id)
		require.NoError(t, err)

		matches := engine.Evaluate(stored)
		if i < 4 {
			assert.NotContains(t, ruleIDs(matches), "brute-force-login", "failure %d must not trigger", i+1)
		} else {
			assert.Contains(t, ruleIDs(matches), "brute-force-login", "fifth failure must trigger")
		}
	}
}

func TestBruteForce_WindowExpires(t *testing.T) {
	engine, events := newTestEngine(t)

	// four old failures outside the window, then one fresh failure
	for i := 0; i < 4; i++ {
		events.Ingest(core.Event{EventType: "login_failed", IPAddress: "198.51.100.1", Timestamp: t0.Add(time.Duration(i) * time.Second)})
	}
	id := events.Ingest(core.Event{EventType: "login_failed", IPAddress: "198.51.100.1", Timestamp: t0.Add(10 * time.Minute)})
	stored, _ := events.Get(id)
	assert.NotContains(t, ruleIDs(engine.Evaluate(stored)), "brute-force-login")
}

func TestEvaluate_TextRules(t *testing.T) {
	engine, _ := newTestEngine(t)

	tests := []struct {
		name  string
		event core.Event
		want  string
	}{
		{"privilege escalation", core.Event{EventType: "process", Description: "Privilege Escalation via sudo"}, "privilege-escalation"},
		{"malware", core.Event{EventType: "av_alert", Description: "Ransomware binary quarantined"}, "malware-execution"},
		{"port scan", core.Event{EventType: "network", Description: "nmap SYN sweep detected"}, "port-scan"},
		{"sql injection", core.Event{EventType: "http_request", Description: "id=1 UNION SELECT password FROM users"}, "sql-injection"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, ruleIDs(engine.Evaluate(tt.event)), tt.want)
		})
	}

	assert.Empty(t, engine.Evaluate(core.Event{EventType: "login_success", Description: "user signed in"}))
}

func TestEvaluate_BadRuleIsSkipped(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	catalog := NewCatalog(logger)
	require.NoError(t, catalog.AddRule(core.DetectionRule{
		ID: "panics", Name: "panics", Severity: core.SeverityHigh, Enabled: true,
		Pattern: core.PredicatePattern(func(core.Event, core.EventQuerier) (bool, error) { panic("boom") }),
	}))
	require.NoError(t, catalog.AddRule(core.DetectionRule{
		ID: "errors", Name: "errors", Severity: core.SeverityHigh, Enabled: true,
		Pattern: core.PredicatePattern(func(core.Event, core.EventQuerier) (bool, error) { return false, errors.New("broken") }),
	}))
	require.NoError(t, catalog.AddRule(core.DetectionRule{
		ID: "ok", Name: "ok", Severity: core.SeverityLow, Enabled: true,
		Pattern: core.TextPattern("login", false),
	}))

	engine := NewRuleEngine(catalog, nil, DefaultRegexTimeout, logger)
	matches := engine.Evaluate(core.Event{EventType: "login_failed"})
	assert.Equal(t, []string{"ok"}, ruleIDs(matches))
}

func TestEvaluate_DisabledRuleIgnored(t *testing.T) {
	engine, _ := newTestEngine(t)
	require.NoError(t, engine.Catalog().DisableRule("port-scan"))
	assert.NotContains(t, ruleIDs(engine.Evaluate(core.Event{Description: "port scan"})), "port-scan")

	require.NoError(t, engine.Catalog().EnableRule("port-scan"))
	assert.Contains(t, ruleIDs(engine.Evaluate(core.Event{Description: "port scan"})), "port-scan")
}

func TestMatchSignatures(t *testing.T) {
	engine, _ := newTestEngine(t)

	event := core.Event{
		EventType:   "process_start",
		Description: "mimikatz dumped lsass via powershell -enc payload",
	}
	matches := engine.MatchSignatures(event)
	require.NotEmpty(t, matches)

	var found *SignatureMatch
	for i := range matches {
		if matches[i].Signature.ID == "sig-malware-post-exploitation" {
			found = &matches[i]
		}
	}
	require.NotNil(t, found)
	assert.Len(t, found.Matched, 3)
	assert.InDelta(t, 3.0/4.0*0.95, found.MatchScore, 1e-9)

	cands := Candidates(nil, matches)
	require.NotEmpty(t, cands)
	assert.Equal(t, core.TriggerSignature, cands[0].Trigger.Kind)
	assert.InDelta(t, found.MatchScore*100, cands[0].Confidence, 1e-9)
}

func TestMatchSignatures_WeakMatchIsNotCandidate(t *testing.T) {
	engine, _ := newTestEngine(t)
	matches := engine.MatchSignatures(core.Event{Description: "archive created"})
	require.NotEmpty(t, matches)
	for _, m := range matches {
		assert.LessOrEqual(t, m.MatchScore, 0.5)
	}
	assert.Empty(t, Candidates(nil, matches))
}

func TestCandidates_RuleConfidenceAndRisk(t *testing.T) {
	rule := core.DetectionRule{ID: "r", Name: "r", Severity: core.SeverityHigh, FalsePositiveRate: 0.25, Action: core.RuleActionBlock}
	cands := Candidates([]RuleMatch{{Rule: rule}}, nil)
	require.Len(t, cands, 1)
	assert.InDelta(t, 75.0, cands[0].Confidence, 1e-9)
	assert.Equal(t, 75.0, cands[0].RiskScore)
	assert.Equal(t, core.RuleActionBlock, cands[0].Action)
}
