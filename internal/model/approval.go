package model

import "time"

// ApprovalStatus is the state of the single pending-approval slot.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// IsApprovalTerminal reports whether the status ends the approval's
// lifecycle. Terminal statuses clear the slot immediately.
func IsApprovalTerminal(s ApprovalStatus) bool {
	switch s {
	case ApprovalApproved, ApprovalRejected, ApprovalExpired:
		return true
	default:
		return false
	}
}

// PendingApproval is the one dangerous-command approval that may be live
// at a time. Created on request, mutated only by the approval machine.
type PendingApproval struct {
	RequestedCommand string
	RequestedAt      time.Time
	ExpiresAt        time.Time
	Status           ApprovalStatus
}
