package core

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"
)

// Severity is the severity classification shared by events, rules and signatures
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// ParseSeverity normalizes a free-form severity string. Unknown values map to low.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return SeverityCritical
	case "high":
		return SeverityHigh
	case "medium":
		return SeverityMedium
	case "low":
		return SeverityLow
	case "info", "informational":
		return SeverityInfo
	default:
		return SeverityLow
	}
}

// IsValid checks if the severity is one of the known levels
func (s Severity) IsValid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	default:
		return false
	}
}

// Weight returns the base severity weight used by the risk scorer
func (s Severity) Weight() float64 {
	switch s {
	case SeverityCritical:
		return 40
	case SeverityHigh:
		return 30
	case SeverityMedium:
		return 20
	case SeverityLow:
		return 10
	default:
		return 5
	}
}

// RiskScore maps a rule or signature severity onto a detection risk score
func (s Severity) RiskScore() float64 {
	switch s {
	case SeverityCritical:
		return 90
	case SeverityHigh:
		return 75
	case SeverityMedium:
		return 50
	case SeverityLow:
		return 25
	default:
		return 10
	}
}

// Rank orders severities, higher is more severe
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 5
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 2
	default:
		return 1
	}
}

// SeverityFromRisk classifies a 0-100 risk score
func SeverityFromRisk(score float64) Severity {
	switch {
	case score >= 80:
		return SeverityCritical
	case score >= 60:
		return SeverityHigh
	case score >= 40:
		return SeverityMedium
	case score >= 20:
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// Coordinates is a WGS84 point
type Coordinates struct {
	Latitude  float64 `json:"latitude" msgpack:"lat"`
	Longitude float64 `json:"longitude" msgpack:"lon"`
}

// GeoLocation is the optional location attached to an event
type GeoLocation struct {
	Country     string       `json:"country" msgpack:"country"`
	Region      string       `json:"region,omitempty" msgpack:"region"`
	Coordinates *Coordinates `json:"coordinates,omitempty" msgpack:"coordinates"`
}

// Event is an ingested security event. Only CorrelationID may change after ingestion.
type Event struct {
	ID            string                 `json:"id" msgpack:"id"`
	Timestamp     time.Time              `json:"timestamp" msgpack:"timestamp"`
	Source        string                 `json:"source" msgpack:"source"`
	EventType     string                 `json:"event_type" msgpack:"event_type"`
	Severity      Severity               `json:"severity" msgpack:"severity"`
	Description   string                 `json:"description" msgpack:"description"`
	IPAddress     string                 `json:"ip_address" msgpack:"ip_address"`
	UserID        string                 `json:"user_id,omitempty" msgpack:"user_id"`
	UserAgent     string                 `json:"user_agent,omitempty" msgpack:"user_agent"`
	GeoLocation   *GeoLocation           `json:"geo_location,omitempty" msgpack:"geo_location"`
	Metadata      map[string]interface{} `json:"metadata" msgpack:"metadata"`
	CorrelationID string                 `json:"correlation_id,omitempty" msgpack:"correlation_id"`
}

// NewEvent creates a new Event with a generated UUID
func NewEvent() *Event {
	return &Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Severity:  SeverityLow,
		Metadata:  make(map[string]interface{}),
	}
}

// Normalize fills documented defaults for missing optional fields.
func (e *Event) Normalize(now time.Time) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	e.Timestamp = e.Timestamp.UTC()
	e.Severity = ParseSeverity(string(e.Severity))
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
}

// Clone returns a copy that shares no mutable state with e
func (e Event) Clone() Event {
	out := e
	if e.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	if e.GeoLocation != nil {
		geo := *e.GeoLocation
		if geo.Coordinates != nil {
			c := *geo.Coordinates
			geo.Coordinates = &c
		}
		out.GeoLocation = &geo
	}
	return out
}

// Canonical is the text that text-pattern rules match against
func (e Event) Canonical() string {
	return e.EventType + " " + e.Description
}

// Identity returns the behavioral identity key: the user when known, otherwise the source IP.
func (e Event) Identity() string {
	if e.UserID != "" {
		return "user:" + e.UserID
	}
	if e.IPAddress != "" {
		return "ip:" + e.IPAddress
	}
	return ""
}

// Country returns the event country, or "" when unknown
func (e Event) Country() string {
	if e.GeoLocation == nil {
		return ""
	}
	return e.GeoLocation.Country
}

// Coordinates returns the event coordinates, or nil when unknown
func (e Event) Coordinates() *Coordinates {
	if e.GeoLocation == nil {
		return nil
	}
	return e.GeoLocation.Coordinates
}

// IsAuthEvent reports whether the event type describes an authentication attempt
func (e Event) IsAuthEvent() bool {
	t := strings.ToLower(e.EventType)
	return strings.Contains(t, "login") || strings.Contains(t, "auth") || strings.Contains(t, "logon")
}

// IsAuthFailure reports whether the event is a failed authentication attempt
func (e Event) IsAuthFailure() bool {
	if !e.IsAuthEvent() {
		return false
	}
	t := strings.ToLower(e.EventType)
	return strings.Contains(t, "fail") || strings.Contains(t, "denied") || strings.Contains(t, "invalid")
}

// IsLogin reports whether the event is a successful login
func (e Event) IsLogin() bool {
	return e.IsAuthEvent() && !e.IsAuthFailure()
}

// metadata keys carrying transferred byte counts, in lookup order
var bytesKeys = []string{"bytes_transferred", "bytesTransferred", "bytes", "data_volume", "dataVolume"}

// BytesTransferred returns the data volume carried in metadata, 0 when absent or unparseable
func (e Event) BytesTransferred() float64 {
	for _, key := range bytesKeys {
		if v, ok := e.Metadata[key]; ok {
			if n, err := cast.ToFloat64E(v); err == nil && n > 0 {
				return n
			}
		}
	}
	return 0
}

// MetadataString returns a metadata value coerced to string
func (e Event) MetadataString(key string) string {
	v, ok := e.Metadata[key]
	if !ok {
		return ""
	}
	return cast.ToString(v)
}

// EventFilter selects events from the event store
type EventFilter struct {
	IPAddress string
	UserID    string
	EventType string
	Since     time.Time
	Until     time.Time
	// MatchAny makes IPAddress and UserID alternatives instead of both required
	MatchAny bool
	// Limit keeps only the newest N matches, 0 means unlimited
	Limit int
}

// Matches reports whether e satisfies the filter
func (f EventFilter) Matches(e *Event) bool {
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	if f.EventType != "" && !strings.EqualFold(f.EventType, e.EventType) {
		return false
	}

	ipSet := f.IPAddress != ""
	userSet := f.UserID != ""
	ipOK := ipSet && e.IPAddress == f.IPAddress
	userOK := userSet && e.UserID == f.UserID

	if f.MatchAny && (ipSet || userSet) {
		return ipOK || userOK
	}
	if ipSet && !ipOK {
		return false
	}
	if userSet && !userOK {
		return false
	}
	return true
}

// EventQuerier is the read-only view of the event store given to predicate rules
type EventQuerier interface {
	Query(filter EventFilter) []Event
	Count(filter EventFilter) int
}
