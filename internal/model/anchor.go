package model

import "time"

// AnchorName identifies a calibrated UI element on screen.
type AnchorName string

const (
	AnchorChatInput      AnchorName = "chat_input"
	AnchorSendButton     AnchorName = "send_button"
	AnchorModelSelector  AnchorName = "model_selector"
	AnchorApprovalDialog AnchorName = "approval_dialog"
)

// AnchorNames lists all valid anchor names in calibration order.
var AnchorNames = []AnchorName{
	AnchorChatInput,
	AnchorSendButton,
	AnchorModelSelector,
	AnchorApprovalDialog,
}

// ValidAnchorName reports whether name is one of the known anchors.
func ValidAnchorName(name AnchorName) bool {
	for _, n := range AnchorNames {
		if n == name {
			return true
		}
	}
	return false
}

// Anchor is a calibrated screen coordinate. Exactly one live Anchor exists
// per name; recalibration overwrites it with no history.
type Anchor struct {
	Name       AnchorName `yaml:"name"`
	X          int        `yaml:"x"`
	Y          int        `yaml:"y"`
	CapturedAt time.Time  `yaml:"captured_at"`
}
