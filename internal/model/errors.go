package model

import (
	"errors"
	"fmt"
)

// Error taxonomy for the bridge. All of these are reported to the
// operator and are non-fatal; the only fatal condition is a missing
// secret at startup, handled in cmd before any loop starts.
var (
	// ErrNotCalibrated means an actuator action referenced an anchor
	// that has never been calibrated. The action is a safe no-op.
	ErrNotCalibrated = errors.New("anchor not calibrated")

	// ErrActuatorTimeout means a desktop action exceeded its bound.
	// The engine never auto-retries actuator actions.
	ErrActuatorTimeout = errors.New("actuator timeout")

	// ErrApprovalConflict means a dangerous command was requested while
	// another approval was already pending.
	ErrApprovalConflict = errors.New("approval already pending")

	// ErrNoPendingApproval means approve/reject arrived with an empty slot.
	ErrNoPendingApproval = errors.New("no command pending approval")
)

// NotCalibratedError wraps ErrNotCalibrated with the missing anchor name.
func NotCalibratedError(name AnchorName) error {
	return fmt.Errorf("%w: %s", ErrNotCalibrated, name)
}
