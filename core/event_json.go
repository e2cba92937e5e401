package core

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// eventJSON is the lenient wire form of an Event. Producers send snake_case or
// camelCase keys and loosely typed scalars, so every scalar is decoded as an
// interface and coerced afterwards.
type eventJSON struct {
	ID            interface{}     `json:"id"`
	Timestamp     interface{}     `json:"timestamp"`
	Source        interface{}     `json:"source"`
	EventType     interface{}     `json:"event_type"`
	Severity      interface{}     `json:"severity"`
	Description   interface{}     `json:"description"`
	IPAddress     interface{}     `json:"ip_address"`
	UserID        interface{}     `json:"user_id"`
	UserAgent     interface{}     `json:"user_agent"`
	GeoLocation   json.RawMessage `json:"geo_location"`
	Metadata      interface{}     `json:"metadata"`
	CorrelationID interface{}     `json:"correlation_id"`

	EventTypeCamel     interface{}     `json:"eventType"`
	IPAddressCamel     interface{}     `json:"ipAddress"`
	UserIDCamel        interface{}     `json:"userId"`
	UserAgentCamel     interface{}     `json:"userAgent"`
	GeoLocationCamel   json.RawMessage `json:"geoLocation"`
	CorrelationIDCamel interface{}     `json:"correlationId"`
}

// UnmarshalJSON decodes an event leniently. Timestamps may be RFC3339 strings
// or epoch milliseconds; severity and string fields accept any scalar; metadata
// accepts any object. Snake_case keys win over their camelCase aliases.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w eventJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	ts, err := parseEventTime(w.Timestamp)
	if err != nil {
		return err
	}

	out := Event{
		ID:            cast.ToString(w.ID),
		Timestamp:     ts,
		Source:        cast.ToString(w.Source),
		EventType:     firstString(w.EventType, w.EventTypeCamel),
		Description:   cast.ToString(w.Description),
		IPAddress:     firstString(w.IPAddress, w.IPAddressCamel),
		UserID:        firstString(w.UserID, w.UserIDCamel),
		UserAgent:     firstString(w.UserAgent, w.UserAgentCamel),
		CorrelationID: firstString(w.CorrelationID, w.CorrelationIDCamel),
	}
	if w.Severity != nil {
		out.Severity = Severity(strings.ToLower(strings.TrimSpace(cast.ToString(w.Severity))))
	}
	if w.Metadata != nil {
		if m, err := cast.ToStringMapE(w.Metadata); err == nil {
			out.Metadata = m
		}
	}

	geo := w.GeoLocation
	if isNullJSON(geo) {
		geo = w.GeoLocationCamel
	}
	if !isNullJSON(geo) {
		var g GeoLocation
		if err := json.Unmarshal(geo, &g); err != nil {
			return err
		}
		out.GeoLocation = &g
	}

	*e = out
	return nil
}

func firstString(values ...interface{}) string {
	for _, v := range values {
		if s := cast.ToString(v); s != "" {
			return s
		}
	}
	return ""
}

func isNullJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// parseEventTime accepts RFC3339 strings, epoch milliseconds as a number or a
// numeric string, and the other layouts cast understands. Absent means zero.
func parseEventTime(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case float64:
		return time.UnixMilli(int64(t)).UTC(), nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, nil
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), nil
		}
		if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return parsed.UTC(), nil
		}
		if parsed, err := cast.ToTimeE(s); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, &json.UnmarshalTypeError{
		Value: "timestamp " + cast.ToString(v),
		Type:  reflect.TypeOf(time.Time{}),
		Field: "timestamp",
	}
}
