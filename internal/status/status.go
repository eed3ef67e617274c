// Package status implements the `agbridge status` command: it asks the
// running bridge over the UDS socket and renders the answer.
package status

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"agbridge/internal/uds"
)

// BridgeStatus mirrors the daemon's status UDS payload, plus a local
// running flag.
type BridgeStatus struct {
	Running         bool             `json:"running"`
	Pid             int              `json:"pid,omitempty"`
	UptimeSec       int              `json:"uptime_sec,omitempty"`
	Calibrated      []string         `json:"calibrated,omitempty"`
	MessagesRelayed int              `json:"messages_relayed"`
	Outbox          string           `json:"outbox,omitempty"`
	PendingApproval *PendingApproval `json:"pending_approval,omitempty"`
}

type PendingApproval struct {
	Command   string `json:"command"`
	ExpiresAt string `json:"expires_at"`
}

// Run queries the bridge and prints its status.
func Run(bridgeDir string, jsonOutput bool) error {
	status := fetch(bridgeDir)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	printStatus(status)
	return nil
}

func fetch(bridgeDir string) BridgeStatus {
	client := uds.NewClient(filepath.Join(bridgeDir, uds.DefaultSocketName))
	resp, err := client.SendCommand("status", nil)
	if err != nil || !resp.Success {
		return BridgeStatus{Running: false}
	}

	var s BridgeStatus
	if err := json.Unmarshal(resp.Data, &s); err != nil {
		return BridgeStatus{Running: false}
	}
	s.Running = true
	return s
}

func printStatus(s BridgeStatus) {
	if !s.Running {
		fmt.Println("bridge: not running")
		return
	}

	fmt.Printf("bridge: running (pid %d, up %s)\n", s.Pid, (time.Duration(s.UptimeSec) * time.Second).String())
	fmt.Printf("outbox: %s\n", s.Outbox)
	fmt.Printf("messages relayed: %d\n", s.MessagesRelayed)

	if len(s.Calibrated) == 0 {
		fmt.Println("calibrated: (none)")
	} else {
		fmt.Printf("calibrated: %s\n", strings.Join(s.Calibrated, ", "))
	}

	if s.PendingApproval != nil {
		fmt.Printf("pending approval: %s (expires %s)\n", s.PendingApproval.Command, s.PendingApproval.ExpiresAt)
	} else {
		fmt.Println("pending approval: none")
	}
}
