package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"agbridge/internal/bridge"
	"agbridge/internal/calibration"
	"agbridge/internal/chat"
	"agbridge/internal/desktop"
	"agbridge/internal/model"
	"agbridge/internal/notify"
	"agbridge/internal/setup"
	"agbridge/internal/status"
	"agbridge/internal/uds"
)

const version = "1.0.0"

var calibrateFlags = map[string]model.AnchorName{
	"--calibrate-chat":     model.AnchorChatInput,
	"--calibrate-send":     model.AnchorSendButton,
	"--calibrate-model":    model.AnchorModelSelector,
	"--calibrate-approval": model.AnchorApprovalDialog,
}

func main() {
	if len(os.Args) < 2 {
		runBridge()
		return
	}

	if anchor, ok := calibrateFlags[os.Args[1]]; ok {
		runCalibrate(anchor, os.Args[2:])
		return
	}

	switch os.Args[1] {
	case "run":
		runBridge()
	case "setup":
		runSetup(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "stop":
		runStop()
	case "version":
		fmt.Printf("agbridge %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runBridge() {
	bridgeDir := findBridgeDir()
	if bridgeDir == "" {
		fmt.Fprintln(os.Stderr, "error: .agbridge/ directory not found. Run 'agbridge setup <dir>' first.")
		os.Exit(1)
	}

	cfg, err := loadConfig(bridgeDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	token := os.Getenv("DISCORD_TOKEN")
	channelID := os.Getenv("DISCORD_CHANNEL_ID")
	if token == "" || channelID == "" {
		fmt.Fprintln(os.Stderr, "error: DISCORD_TOKEN and DISCORD_CHANNEL_ID must be set in the environment")
		os.Exit(1)
	}

	drv := desktop.NewX11()
	notifyDesktop := func(message string) {
		_ = notify.Send("agbridge", message)
	}

	connector := chat.NewDiscord(token, channelID, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, "discord: "+format+"\n", args...)
	})

	b, err := bridge.New(bridgeDir, cfg, connector, drv, notifyDesktop)
	if err != nil {
		connector.Close()
		fmt.Fprintf(os.Stderr, "create bridge: %v\n", err)
		os.Exit(1)
	}

	if err := b.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "bridge: %v\n", err)
		os.Exit(1)
	}
}

func runCalibrate(anchor model.AnchorName, args []string) {
	if len(args) > 0 {
		fmt.Fprintf(os.Stderr, "unexpected argument: %s\n", args[0])
		os.Exit(1)
	}

	bridgeDir := findBridgeDir()
	if bridgeDir == "" {
		fmt.Fprintln(os.Stderr, "error: .agbridge/ directory not found. Run 'agbridge setup <dir>' first.")
		os.Exit(1)
	}

	store, err := calibration.NewStore(bridgeDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open calibration store: %v\n", err)
		os.Exit(1)
	}

	if err := calibration.Capture(bridgeDir, store, desktop.NewX11(), anchor); err != nil {
		fmt.Fprintf(os.Stderr, "calibrate %s: %v\n", anchor, err)
		os.Exit(1)
	}
}

func runSetup(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: agbridge setup <project_dir>")
		os.Exit(1)
	}
	if err := setup.Run(args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		os.Exit(1)
	}
	absDir, _ := filepath.Abs(args[0])
	fmt.Printf("Initialized .agbridge/ in %s\n", absDir)
}

func runStatus(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: agbridge status [--json]\n", a)
			os.Exit(1)
		}
	}

	bridgeDir := findBridgeDir()
	if bridgeDir == "" {
		fmt.Fprintln(os.Stderr, "error: .agbridge/ directory not found. Run 'agbridge setup <dir>' first.")
		os.Exit(1)
	}

	if err := status.Run(bridgeDir, jsonOutput); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
}

func runStop() {
	bridgeDir := findBridgeDir()
	if bridgeDir == "" {
		fmt.Fprintln(os.Stderr, "error: .agbridge/ directory not found.")
		os.Exit(1)
	}

	client := uds.NewClient(filepath.Join(bridgeDir, uds.DefaultSocketName))
	resp, err := client.SendCommand("shutdown", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stop: %v\n", err)
		os.Exit(1)
	}
	if !resp.Success {
		fmt.Fprintln(os.Stderr, "stop: bridge refused shutdown")
		os.Exit(1)
	}
	fmt.Println("shutdown requested")
}

// findBridgeDir searches for .agbridge/ in the current directory and
// ancestors.
func findBridgeDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ".agbridge")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func loadConfig(bridgeDir string) (model.Config, error) {
	data, err := os.ReadFile(filepath.Join(bridgeDir, "config.yaml"))
	if err != nil {
		return model.Config{}, fmt.Errorf("read config.yaml: %w", err)
	}
	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse config.yaml: %w", err)
	}
	// Environment overrides beat the file.
	if v := os.Getenv("OUTBOX_PATH"); v != "" {
		cfg.Outbox.Path = v
	}
	if v := os.Getenv("IDE_WINDOW_TITLE"); v != "" {
		cfg.IDE.WindowTitle = v
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `agbridge %s — chat-to-desktop bridge for IDE agents

Usage: agbridge [command]

  (no command)          Run the bridge in the foreground
  setup <dir>           Initialize .agbridge/ in a project directory
  status [--json]       Show bridge status
  stop                  Ask the running bridge to shut down

Calibration (run on the desktop, one anchor per invocation):
  --calibrate-chat      IDE chat input box
  --calibrate-send      Send button
  --calibrate-model     Model selector button
  --calibrate-approval  Approval dialog approve button

  version               Show version
  help                  Show this help

Environment:
  DISCORD_TOKEN         Bot token (required to run)
  DISCORD_CHANNEL_ID    Channel the bridge listens on (required to run)

`, version)
}
