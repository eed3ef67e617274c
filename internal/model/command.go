// Package model defines the data structures shared across the bridge:
// configuration, parsed commands, calibration anchors, the approval slot,
// and outbox messages.
package model

import (
	"strings"
	"time"
)

// Verb is a chat command verb. The set is closed: anything else parses to
// VerbUnknown, which has its own dispatch entry rather than a fallthrough.
type Verb string

const (
	VerbPing       Verb = "ping"
	VerbStatus     Verb = "status"
	VerbScreenshot Verb = "screenshot"
	VerbWindows    Verb = "windows"
	VerbMax        Verb = "max"
	VerbMin        Verb = "min"
	VerbFocus      Verb = "focus"
	VerbRestore    Verb = "restore"
	VerbProject    Verb = "project"
	VerbModel      Verb = "model"
	VerbApprove    Verb = "approve"
	VerbReject     Verb = "reject"
	VerbUnknown    Verb = "unknown"
)

// ParseVerb maps a raw token to a Verb, case-insensitively.
// "yes"/"no" are aliases for approve/reject.
func ParseVerb(token string) Verb {
	switch strings.ToLower(token) {
	case "ping":
		return VerbPing
	case "status":
		return VerbStatus
	case "screenshot":
		return VerbScreenshot
	case "windows":
		return VerbWindows
	case "max":
		return VerbMax
	case "min":
		return VerbMin
	case "focus":
		return VerbFocus
	case "restore":
		return VerbRestore
	case "project":
		return VerbProject
	case "model":
		return VerbModel
	case "approve", "yes":
		return VerbApprove
	case "reject", "no":
		return VerbReject
	default:
		return VerbUnknown
	}
}

// Command is an immutable parsed chat command.
type Command struct {
	Verb       Verb
	Args       []string
	Sender     string
	ReceivedAt time.Time
}

// ParseFailureReason classifies why a prefixed message failed to parse.
type ParseFailureReason string

const (
	ReasonUnknownVerb  ParseFailureReason = "unknown_verb"
	ReasonEmptyCommand ParseFailureReason = "empty_command"
)

// ParseFailure is a typed parse error reported back to the sender.
// It is a value, not a Go error: parsing never fails fatally.
type ParseFailure struct {
	Reason ParseFailureReason
	Input  string
}

func (f ParseFailure) String() string {
	switch f.Reason {
	case ReasonEmptyCommand:
		return "empty command"
	default:
		return "unknown command: " + f.Input
	}
}
