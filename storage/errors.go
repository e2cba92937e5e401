package storage

import (
	"errors"

	"argus/core"
)

// Storage error constants
var (
	// ErrEventNotFound is returned when an event is not found
	ErrEventNotFound = errors.New("event not found")

	// ErrDetectionNotFound is returned when a detection is not found
	ErrDetectionNotFound = errors.New("detection not found")

	// ErrActionNotFound is returned when a response action is not found on a detection
	ErrActionNotFound = errors.New("response action not found")

	// ErrInvalidTransition is returned when a detection status change is not allowed
	ErrInvalidTransition = core.ErrInvalidTransition

	// ErrEmptyDetection is returned when a detection references no events
	ErrEmptyDetection = errors.New("detection must reference at least one event")

	// ErrArchiveClosed is returned when appending to a closed archive
	ErrArchiveClosed = errors.New("archive is closed")
)
