package calibration

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"agbridge/internal/desktop"
	"agbridge/internal/model"
)

// Approval-dialog reference image dimensions. The region around the
// calibrated point is recorded so the bridge can later detect the
// dialog's presence without any OCR.
const (
	RefWidth  = 80
	RefHeight = 30
)

// RefImagePath is where the approval-dialog reference crop lives.
func RefImagePath(bridgeDir string) string {
	return filepath.Join(bridgeDir, "anchors", "approval_dialog.png")
}

var capturePrompts = map[model.AnchorName]string{
	model.AnchorChatInput:      "Move the mouse over the IDE chat input box.",
	model.AnchorSendButton:     "Move the mouse over the send button (arrow icon).",
	model.AnchorModelSelector:  "Move the mouse over the model selector button.",
	model.AnchorApprovalDialog: "Trigger an approval dialog, then move the mouse over its approve button.",
}

// Capture runs the interactive calibration flow for one anchor: prompt,
// countdown, record the cursor position, persist. For the approval
// dialog it additionally records a reference crop of the surrounding
// region. The process exits after one anchor; calibration never runs
// inside the steady-state event loop.
func Capture(bridgeDir string, store *Store, drv desktop.Driver, name model.AnchorName) error {
	prompt, ok := capturePrompts[name]
	if !ok {
		return fmt.Errorf("unknown anchor name: %s", name)
	}

	fmt.Printf("Calibrating anchor: %s\n\n%s\nCapturing in 3 seconds...\n", name, prompt)
	for i := 3; i > 0; i-- {
		fmt.Printf("  %d...\n", i)
		time.Sleep(time.Second)
	}

	x, y, err := drv.CursorPosition()
	if err != nil {
		return fmt.Errorf("read cursor position: %w", err)
	}

	if err := store.Set(name, x, y); err != nil {
		return err
	}
	fmt.Printf("Captured %s at (%d, %d)\n", name, x, y)

	if name == model.AnchorApprovalDialog {
		refPath := RefImagePath(bridgeDir)
		if err := os.MkdirAll(filepath.Dir(refPath), 0755); err != nil {
			return fmt.Errorf("create anchors dir: %w", err)
		}
		if err := drv.CaptureRegion(x-RefWidth/2, y-RefHeight/2, RefWidth, RefHeight, refPath); err != nil {
			return fmt.Errorf("capture reference image: %w", err)
		}
		fmt.Printf("Saved dialog reference image: %s\n", refPath)
	}
	return nil
}
