// Package core defines the domain model for the argus detection engine.
//
// The package holds plain data types shared across the engine:
//   - Event, Severity and EventFilter for ingested security events
//   - DetectionRule, Pattern and ThreatSignature for the detection catalog
//   - ThreatDetection, ResponseAction and TimelineEntry for detection records
//   - SecurityInsight, RiskAssessment and SecurityMetrics for analytics output
//
// State lives in the owning components (storage, ml, analytics); core types
// carry no locks. The detection state machine is defined in
// detection_lifecycle.go and enforced by storage.DetectionStore.
package core
