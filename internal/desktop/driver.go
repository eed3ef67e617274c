// Package desktop is the boundary to the machine's input-injection and
// pixel-capture primitives. The bridge engine only sees these interfaces;
// the X11 implementation shells out to xdotool, wmctrl, xclip and
// ImageMagick the same way an operator would.
package desktop

import "agbridge/internal/model"

// Input injects keyboard/mouse events at absolute screen coordinates.
type Input interface {
	// CursorPosition returns the current pointer location. Used by the
	// interactive calibration flow.
	CursorPosition() (x, y int, err error)
	Click(x, y int) error
	// Press sends a key chord in xdotool syntax, e.g. "Return" or "ctrl+v".
	Press(key string) error
	// SetClipboard replaces the clipboard contents; the paste pipeline
	// follows with a ctrl+v Press rather than typing character by character.
	SetClipboard(text string) error
}

// Screen captures pixels.
type Screen interface {
	// Screenshot writes a full-screen PNG into dir and returns its path.
	Screenshot(dir string) (string, error)
	// CaptureRegion writes a w×h crop at (x, y) to destPath. Used to
	// record the approval-dialog reference image during calibration.
	CaptureRegion(x, y, w, h int, destPath string) error
	// RegionMatches reports whether the screen region at (x, y) currently
	// resembles the reference image. Presence detection only: the bridge
	// never reads text off the screen.
	RegionMatches(refPath string, x, y, w, h int) (bool, error)
}

// WindowManager enumerates and manipulates top-level windows. Results are
// always fresh; handles must not be cached across calls.
type WindowManager interface {
	Windows() ([]model.WindowHandle, error)
	Activate(title string) error
	Minimize(title string) error
	Maximize(title string) error
	Restore(title string) error
	// Launch starts a desktop application, optionally with arguments,
	// without waiting for it to exit.
	Launch(command string, args ...string) error
}

// Driver is the full primitive surface the bridge needs.
type Driver interface {
	Input
	Screen
	WindowManager
}
