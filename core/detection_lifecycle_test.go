package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetection_TransitionTo(t *testing.T) {
	testCases := []struct {
		name      string
		from      DetectionStatus
		to        DetectionStatus
		shouldErr bool
	}{
		{"Active to Investigating", DetectionStatusActive, DetectionStatusInvestigating, false},
		{"Active to Contained", DetectionStatusActive, DetectionStatusContained, false},
		{"Investigating to Investigating", DetectionStatusInvestigating, DetectionStatusInvestigating, false},
		{"Investigating to Contained", DetectionStatusInvestigating, DetectionStatusContained, false},
		{"Investigating to Resolved", DetectionStatusInvestigating, DetectionStatusResolved, false},
		{"Investigating to FalsePositive", DetectionStatusInvestigating, DetectionStatusFalsePositive, false},
		{"Contained to Resolved", DetectionStatusContained, DetectionStatusResolved, false},

		{"Active to Resolved", DetectionStatusActive, DetectionStatusResolved, true},
		{"Active to FalsePositive", DetectionStatusActive, DetectionStatusFalsePositive, true},
		{"Contained to Investigating", DetectionStatusContained, DetectionStatusInvestigating, true},
		{"FalsePositive to Resolved", DetectionStatusFalsePositive, DetectionStatusResolved, true},
		{"Resolved to Investigating", DetectionStatusResolved, DetectionStatusInvestigating, true},
		{"Resolved to Active", DetectionStatusResolved, DetectionStatusActive, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d := &ThreatDetection{ID: "det-1", Status: tc.from}

			err := d.TransitionTo(tc.to)
			if tc.shouldErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidTransition))
				assert.Equal(t, tc.from, d.Status)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tc.to, d.Status)
			}
		})
	}
}

func TestDetection_TransitionTo_UnknownStatus(t *testing.T) {
	d := &ThreatDetection{Status: DetectionStatusActive}
	err := d.TransitionTo("bogus")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalidTransition))
}

func TestDetection_IsTerminal(t *testing.T) {
	for status, terminal := range map[DetectionStatus]bool{
		DetectionStatusActive:        false,
		DetectionStatusInvestigating: false,
		DetectionStatusContained:     false,
		DetectionStatusResolved:      true,
		DetectionStatusFalsePositive: true,
	} {
		d := &ThreatDetection{Status: status}
		assert.Equal(t, terminal, d.IsTerminal(), string(status))
	}
}

func TestDetection_AllowedTransitionsIsCopy(t *testing.T) {
	d := &ThreatDetection{Status: DetectionStatusActive}
	allowed := d.AllowedTransitions()
	require.Len(t, allowed, 2)
	allowed[0] = DetectionStatusResolved
	assert.False(t, d.CanTransitionTo(DetectionStatusResolved))
}

func TestDetection_CloneIsIndependent(t *testing.T) {
	d := &ThreatDetection{
		ID:       "det-1",
		EventIDs: []string{"e1"},
		Actions:  []ResponseAction{NewResponseAction(ActionAlert, "alert", map[string]interface{}{"level": "high"})},
		Timeline: []TimelineEntry{{Action: "acknowledged", Metadata: map[string]interface{}{"k": "v"}}},
	}
	c := d.Clone()
	c.EventIDs[0] = "changed"
	c.Actions[0].Parameters["level"] = "low"
	c.Timeline[0].Metadata["k"] = "x"

	assert.Equal(t, "e1", d.EventIDs[0])
	assert.Equal(t, "high", d.Actions[0].Parameters["level"])
	assert.Equal(t, "v", d.Timeline[0].Metadata["k"])
}
