package core

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a detection status change is not allowed
var ErrInvalidTransition = errors.New("invalid detection transition")

// detectionTransitions defines allowed state transitions for detections.
// Re-acknowledging an investigating detection is allowed and keeps its status.
var detectionTransitions = map[DetectionStatus][]DetectionStatus{
	DetectionStatusActive:        {DetectionStatusInvestigating, DetectionStatusContained},
	DetectionStatusInvestigating: {DetectionStatusInvestigating, DetectionStatusContained, DetectionStatusResolved, DetectionStatusFalsePositive},
	DetectionStatusContained:     {DetectionStatusResolved},
	DetectionStatusResolved:      {}, // Final state
	DetectionStatusFalsePositive: {}, // Final state
}

// TransitionTo validates and applies a detection status change
func (d *ThreatDetection) TransitionTo(newStatus DetectionStatus) error {
	if !newStatus.IsValid() {
		return fmt.Errorf("invalid detection status: %q", newStatus)
	}
	if !d.CanTransitionTo(newStatus) {
		return fmt.Errorf("%w: %s → %s (allowed: %v)", ErrInvalidTransition, d.Status, newStatus, detectionTransitions[d.Status])
	}
	d.Status = newStatus
	return nil
}

// CanTransitionTo checks if a transition is allowed without executing it
func (d *ThreatDetection) CanTransitionTo(newStatus DetectionStatus) bool {
	for _, status := range detectionTransitions[d.Status] {
		if status == newStatus {
			return true
		}
	}
	return false
}

// AllowedTransitions returns all valid transitions from the current state
func (d *ThreatDetection) AllowedTransitions() []DetectionStatus {
	allowed := detectionTransitions[d.Status]
	result := make([]DetectionStatus, len(allowed))
	copy(result, allowed)
	return result
}

// IsTerminal checks if the detection is in a final state
func (d *ThreatDetection) IsTerminal() bool {
	allowed, exists := detectionTransitions[d.Status]
	return exists && len(allowed) == 0
}
