package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidSetting is returned when a setting is out of range
var ErrInvalidSetting = errors.New("invalid setting")

var validate = validator.New()

// Settings is the runtime-tunable subset of the configuration. Changes apply
// to the next ingested event and never rescore existing detections.
type Settings struct {
	AlertThreshold     float64 `json:"alert_threshold" validate:"min=0,max=100"`
	BlockingThreshold  float64 `json:"blocking_threshold" validate:"min=0,max=100"`
	IsolationThreshold float64 `json:"isolation_threshold" validate:"min=0,max=100"`
	Sensitivity        string  `json:"sensitivity" validate:"oneof=low medium high"`
	AutoResponse       bool    `json:"auto_response"`
	EnableIsolation    bool    `json:"enable_isolation"`
	EnableBlocking     bool    `json:"enable_blocking"`
	EnableAlerting     bool    `json:"enable_alerting"`
}

// SettingsPatch is a partial update; nil fields are left unchanged
type SettingsPatch struct {
	AlertThreshold     *float64 `json:"alert_threshold,omitempty" validate:"omitempty,min=0,max=100"`
	BlockingThreshold  *float64 `json:"blocking_threshold,omitempty" validate:"omitempty,min=0,max=100"`
	IsolationThreshold *float64 `json:"isolation_threshold,omitempty" validate:"omitempty,min=0,max=100"`
	// Sensitivity is case-insensitive; it is checked after lower-casing
	Sensitivity        *string  `json:"sensitivity,omitempty"`
	AutoResponse       *bool    `json:"auto_response,omitempty"`
	EnableIsolation    *bool    `json:"enable_isolation,omitempty"`
	EnableBlocking     *bool    `json:"enable_blocking,omitempty"`
	EnableAlerting     *bool    `json:"enable_alerting,omitempty"`
}

// Empty reports whether the patch changes nothing
func (p SettingsPatch) Empty() bool {
	return p.AlertThreshold == nil && p.BlockingThreshold == nil && p.IsolationThreshold == nil &&
		p.Sensitivity == nil && p.AutoResponse == nil && p.EnableIsolation == nil &&
		p.EnableBlocking == nil && p.EnableAlerting == nil
}

// Validate checks the settings ranges
func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidSetting, describe(err))
	}
	return nil
}

// Apply returns s with the patch applied. Nothing is applied when any field is invalid.
func (s Settings) Apply(p SettingsPatch) (Settings, error) {
	if err := validate.Struct(p); err != nil {
		return s, fmt.Errorf("%w: %s", ErrInvalidSetting, describe(err))
	}

	next := s
	if p.AlertThreshold != nil {
		next.AlertThreshold = *p.AlertThreshold
	}
	if p.BlockingThreshold != nil {
		next.BlockingThreshold = *p.BlockingThreshold
	}
	if p.IsolationThreshold != nil {
		next.IsolationThreshold = *p.IsolationThreshold
	}
	if p.Sensitivity != nil {
		next.Sensitivity = strings.ToLower(strings.TrimSpace(*p.Sensitivity))
	}
	if p.AutoResponse != nil {
		next.AutoResponse = *p.AutoResponse
	}
	if p.EnableIsolation != nil {
		next.EnableIsolation = *p.EnableIsolation
	}
	if p.EnableBlocking != nil {
		next.EnableBlocking = *p.EnableBlocking
	}
	if p.EnableAlerting != nil {
		next.EnableAlerting = *p.EnableAlerting
	}

	if err := next.Validate(); err != nil {
		return s, err
	}
	return next, nil
}

// Changes lists the names of the fields a patch sets, for logging
func (p SettingsPatch) Changes() []string {
	var out []string
	add := func(set bool, name string) {
		if set {
			out = append(out, name)
		}
	}
	add(p.AlertThreshold != nil, "alert_threshold")
	add(p.BlockingThreshold != nil, "blocking_threshold")
	add(p.IsolationThreshold != nil, "isolation_threshold")
	add(p.Sensitivity != nil, "sensitivity")
	add(p.AutoResponse != nil, "auto_response")
	add(p.EnableIsolation != nil, "enable_isolation")
	add(p.EnableBlocking != nil, "enable_blocking")
	add(p.EnableAlerting != nil, "enable_alerting")
	return out
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}
