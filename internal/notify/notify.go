// Package notify provides desktop notification support.
package notify

import (
	"fmt"
	"os/exec"
	"strings"
)

// Send shows a desktop notification via notify-send. Used to signal
// persistent relay failures when the chat channel itself is unreachable.
func Send(title, message string) error {
	cmd := exec.Command("notify-send", "--app-name=agbridge", title, message)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("notify-send: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
