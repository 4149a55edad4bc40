package pricewatch

import (
	"errors"

	"github.com/hazyhaar/pricewatch/pricewatch/internal/scheduler"
)

// ErrInvalidInput is returned when a request or configuration fails validation.
var ErrInvalidInput = errors.New("pricewatch: invalid input")

// ErrRunInProgress is returned by TriggerRun while another run is active.
var ErrRunInProgress = errors.New("pricewatch: a run is already in progress")

// ErrUnknownProfile is returned when a target names a profile that does not exist.
var ErrUnknownProfile = errors.New("pricewatch: unknown profile")

// ErrNotFound is returned for unknown runs and targets.
var ErrNotFound = errors.New("pricewatch: not found")

// Errors surfaced from a run.
var (
	ErrStoreUnavailable = scheduler.ErrStoreUnavailable
	ErrNoTargets        = scheduler.ErrNoTargets
)
