package detect

import (
	"time"

	"argus/core"
)

// Brute-force defaults: five failed authentications from one IP inside five minutes
const (
	BruteForceThreshold = 5
	BruteForceWindow    = 5 * time.Minute
)

// exfiltrationBytes is the single-event transfer size treated as exfiltration
const exfiltrationBytes = 500 * 1024 * 1024

// BruteForcePredicate matches an auth failure once the source IP has reached
// threshold failures inside window, counting the event itself.
func BruteForcePredicate(threshold int, window time.Duration) core.PredicateFunc {
	return func(event core.Event, events core.EventQuerier) (bool, error) {
		if !event.IsAuthFailure() || event.IPAddress == "" {
			return false, nil
		}
		n := countAuthFailures(events, core.EventFilter{
			IPAddress: event.IPAddress,
			Since:     event.Timestamp.Add(-window),
			Until:     event.Timestamp,
		})
		return n >= threshold, nil
	}
}

// ExfiltrationPredicate matches a single event moving more than limit bytes
func ExfiltrationPredicate(limit float64) core.PredicateFunc {
	return func(event core.Event, _ core.EventQuerier) (bool, error) {
		return event.BytesTransferred() > limit, nil
	}
}

// DefaultRules returns the built-in detection rules
func DefaultRules() []core.DetectionRule {
	return []core.DetectionRule{
		{
			ID:                "brute-force-login",
			Name:              "Brute force authentication",
			Description:       "Repeated failed authentications from a single source IP",
			Severity:          core.SeverityHigh,
			Pattern:           core.PredicatePattern(BruteForcePredicate(BruteForceThreshold, BruteForceWindow)),
			Action:            core.RuleActionBlock,
			Enabled:           true,
			FalsePositiveRate: 0.1,
		},
		{
			ID:                "privilege-escalation",
			Name:              "Privilege escalation attempt",
			Description:       "Unexpected elevation of account privileges",
			Severity:          core.SeverityCritical,
			Pattern:           core.TextPattern(`privilege[ _-]?escalation|sudo\s+su|admin rights granted|setuid`, true),
			Action:            core.RuleActionAlert,
			Enabled:           true,
			FalsePositiveRate: 0.15,
		},
		{
			ID:                "malware-execution",
			Name:              "Malware execution",
			Description:       "Known malware family or malicious payload observed",
			Severity:          core.SeverityCritical,
			Pattern:           core.TextPattern(`malware|ransomware|trojan|virus detected|cryptominer`, true),
			Action:            core.RuleActionQuarantine,
			Enabled:           true,
			FalsePositiveRate: 0.05,
		},
		{
			ID:                "data-exfiltration",
			Name:              "Large outbound transfer",
			Description:       "Single event transferring an unusually large volume of data",
			Severity:          core.SeverityHigh,
			Pattern:           core.PredicatePattern(ExfiltrationPredicate(exfiltrationBytes)),
			Action:            core.RuleActionMonitor,
			Enabled:           true,
			FalsePositiveRate: 0.2,
		},
		{
			ID:                "port-scan",
			Name:              "Port scan",
			Description:       "Network reconnaissance against multiple ports",
			Severity:          core.SeverityMedium,
			Pattern:           core.TextPattern(`port[ _-]?scan|nmap|masscan`, true),
			Action:            core.RuleActionMonitor,
			Enabled:           true,
			FalsePositiveRate: 0.3,
		},
		{
			ID:                "sql-injection",
			Name:              "SQL injection attempt",
			Description:       "Injection payload in a web request",
			Severity:          core.SeverityHigh,
			Pattern:           core.TextPattern(`union\s+select|'\s*or\s*'1'\s*=\s*'1|sql[ _-]?injection`, true),
			Action:            core.RuleActionBlock,
			Enabled:           true,
			FalsePositiveRate: 0.1,
		},
	}
}

// DefaultSignatures returns the built-in threat signatures
func DefaultSignatures() []core.ThreatSignature {
	return []core.ThreatSignature{
		{
			ID:         "sig-phishing-credential-harvest",
			Name:       "Credential harvesting campaign",
			Severity:   core.SeverityHigh,
			Type:       core.SignaturePhishing,
			Confidence: 0.9,
			Indicators: []string{"phishing", "credential", "verify-account", "suspicious link"},
			Tactics:    []string{"TA0001", "TA0006"},
		},
		{
			ID:         "sig-malware-post-exploitation",
			Name:       "Post-exploitation toolkit",
			Severity:   core.SeverityCritical,
			Type:       core.SignatureMalware,
			Confidence: 0.95,
			Indicators: []string{"mimikatz", "cobalt strike", "powershell -enc", "lsass"},
			Tactics:    []string{"TA0002", "TA0006"},
		},
		{
			ID:         "sig-data-exfiltration",
			Name:       "Exfiltration over web service",
			Severity:   core.SeverityHigh,
			Type:       core.SignatureDataExfiltration,
			Confidence: 0.85,
			Indicators: []string{"exfiltration", "upload", "pastebin", "archive"},
			Tactics:    []string{"TA0010"},
		},
		{
			ID:         "sig-intrusion-webshell",
			Name:       "Web shell activity",
			Severity:   core.SeverityCritical,
			Type:       core.SignatureIntrusion,
			Confidence: 0.9,
			Indicators: []string{"webshell", "cmd.exe", "/bin/sh", "eval("},
			Tactics:    []string{"TA0003"},
		},
	}
}
