// Package approval holds the single pending-approval slot and drives
// the on-screen approval dialog through the actuator.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"agbridge/internal/actuator"
	"agbridge/internal/model"
)

// Performer is the slice of the actuator the machine needs.
type Performer interface {
	Perform(ctx context.Context, a actuator.Action) (actuator.Ack, error)
}

// Machine serializes approval decisions. At most one approval is
// pending at any time; a second dangerous command is refused, never
// queued.
type Machine struct {
	act           Performer
	ttl           time.Duration
	rejectOffsetX int

	mu   sync.Mutex
	slot *model.PendingApproval
}

func NewMachine(act Performer, approvalCfg model.ApprovalConfig, actuatorCfg model.ActuatorConfig) *Machine {
	return &Machine{
		act:           act,
		ttl:           time.Duration(approvalCfg.TTLSec) * time.Second,
		rejectOffsetX: actuatorCfg.RejectOffsetX,
	}
}

// Request fills the slot for a dangerous command. If another approval
// is already pending it returns ErrApprovalConflict and leaves the
// existing slot untouched; an expired leftover is cleared first.
func (m *Machine) Request(command string, now time.Time) (model.PendingApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expireLocked(now)
	if m.slot != nil {
		return model.PendingApproval{}, fmt.Errorf("%w: %s", model.ErrApprovalConflict, m.slot.RequestedCommand)
	}

	m.slot = &model.PendingApproval{
		RequestedCommand: command,
		RequestedAt:      now,
		ExpiresAt:        now.Add(m.ttl),
		Status:           model.ApprovalPending,
	}
	return *m.slot, nil
}

// Approve clicks the approval dialog's confirm position and resolves
// the slot. With no live pending approval it returns
// ErrNoPendingApproval. An actuator failure leaves the slot pending so
// the operator can retry or reject.
func (m *Machine) Approve(ctx context.Context, now time.Time) (model.PendingApproval, error) {
	return m.resolve(ctx, now, model.ApprovalApproved, 0)
}

// Reject clicks the reject position, offset horizontally from the
// calibrated dialog anchor. Same slot rules as Approve.
func (m *Machine) Reject(ctx context.Context, now time.Time) (model.PendingApproval, error) {
	return m.resolve(ctx, now, model.ApprovalRejected, m.rejectOffsetX)
}

func (m *Machine) resolve(ctx context.Context, now time.Time, status model.ApprovalStatus, offsetX int) (model.PendingApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expireLocked(now)
	if m.slot == nil {
		return model.PendingApproval{}, model.ErrNoPendingApproval
	}

	// The click happens under the lock: approve and reject for the same
	// slot must not race each other.
	if _, err := m.act.Perform(ctx, actuator.Action{
		Kind:    actuator.KindClick,
		Anchor:  model.AnchorApprovalDialog,
		OffsetX: offsetX,
	}); err != nil {
		return *m.slot, fmt.Errorf("approval click: %w", err)
	}

	resolved := *m.slot
	resolved.Status = status
	m.slot = nil
	return resolved, nil
}

// ExpireIfDue clears the slot when its TTL has elapsed and returns the
// expired approval, if any. Called from the bridge's expiry ticker.
func (m *Machine) ExpireIfDue(now time.Time) (model.PendingApproval, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	expired := m.expireLocked(now)
	if expired == nil {
		return model.PendingApproval{}, false
	}
	return *expired, true
}

// Pending returns a copy of the live slot, if one exists.
func (m *Machine) Pending() (model.PendingApproval, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.slot == nil {
		return model.PendingApproval{}, false
	}
	return *m.slot, true
}

func (m *Machine) expireLocked(now time.Time) *model.PendingApproval {
	if m.slot == nil || now.Before(m.slot.ExpiresAt) {
		return nil
	}
	expired := *m.slot
	expired.Status = model.ApprovalExpired
	m.slot = nil
	return &expired
}
