package model

// Config mirrors .agbridge/config.yaml. Secrets (token, channel ID) are
// never stored here; they come from the environment only.
type Config struct {
	IDE      IDEConfig      `yaml:"ide"`
	Outbox   OutboxConfig   `yaml:"outbox"`
	Actuator ActuatorConfig `yaml:"actuator"`
	Approval ApprovalConfig `yaml:"approval"`
	Relay    RelayConfig    `yaml:"relay"`
	Daemon   DaemonConfig   `yaml:"daemon"`
	Logging  LoggingConfig  `yaml:"logging"`
	Models   []string       `yaml:"models,omitempty"`
}

type IDEConfig struct {
	WindowTitle string `yaml:"window_title"`
	// LaunchCommand opens the IDE, optionally with a project path argument.
	LaunchCommand string `yaml:"launch_command"`
}

type OutboxConfig struct {
	Path              string  `yaml:"path"`
	DebounceSec       float64 `yaml:"debounce_sec"`
	RescanIntervalSec int     `yaml:"rescan_interval_sec"`
	// BackoffSec is the fixed retry interval after a directory read error.
	BackoffSec int `yaml:"backoff_sec"`
}

type ActuatorConfig struct {
	TimeoutSec   int `yaml:"timeout_sec"`
	PasteDelayMs int `yaml:"paste_delay_ms"`
	// ModelRowPx is the height of one entry in the model dropdown. The
	// dropdown opens upward from the selector button.
	ModelRowPx int `yaml:"model_row_px"`
	// RejectOffsetX shifts the approval-dialog click horizontally for the
	// reject button, relative to the calibrated approve position.
	RejectOffsetX int `yaml:"reject_offset_x"`
}

type ApprovalConfig struct {
	TTLSec          int `yaml:"ttl_sec"`
	ScanIntervalSec int `yaml:"scan_interval_sec"`
}

type RelayConfig struct {
	MaxRetries    int `yaml:"max_retries"`
	BackoffMs     int `yaml:"backoff_ms"`
	MaxBackoffSec int `yaml:"max_backoff_sec"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultModels is the IDE's model dropdown, top to bottom. Index+1 is
// the number the operator sends with !model.
var DefaultModels = []string{
	"Gemini 3 Pro (High)",
	"Gemini 3 Pro (Low)",
	"Gemini 3 Flash",
	"Claude Sonnet 4.5",
	"Claude Sonnet 4.5 (Thinking)",
	"Claude Opus 4.5 (Thinking)",
	"GPT-OSS 120B (Medium)",
}

// ApplyDefaults fills zero values with working defaults so a minimal
// config.yaml is enough to run.
func (c *Config) ApplyDefaults() {
	if c.IDE.WindowTitle == "" {
		c.IDE.WindowTitle = "AntiGravity"
	}
	if c.Outbox.Path == "" {
		c.Outbox.Path = "./outbox"
	}
	if c.Outbox.DebounceSec <= 0 {
		c.Outbox.DebounceSec = 0.5
	}
	if c.Outbox.RescanIntervalSec <= 0 {
		c.Outbox.RescanIntervalSec = 10
	}
	if c.Outbox.BackoffSec <= 0 {
		c.Outbox.BackoffSec = 5
	}
	if c.Actuator.TimeoutSec <= 0 {
		c.Actuator.TimeoutSec = 10
	}
	if c.Actuator.PasteDelayMs <= 0 {
		c.Actuator.PasteDelayMs = 500
	}
	if c.Actuator.ModelRowPx <= 0 {
		c.Actuator.ModelRowPx = 30
	}
	if c.Actuator.RejectOffsetX == 0 {
		c.Actuator.RejectOffsetX = 80
	}
	if c.Approval.TTLSec <= 0 {
		c.Approval.TTLSec = 300
	}
	if c.Approval.ScanIntervalSec <= 0 {
		c.Approval.ScanIntervalSec = 10
	}
	if c.Relay.MaxRetries <= 0 {
		c.Relay.MaxRetries = 10
	}
	if c.Relay.BackoffMs <= 0 {
		c.Relay.BackoffMs = 500
	}
	if c.Relay.MaxBackoffSec <= 0 {
		c.Relay.MaxBackoffSec = 60
	}
	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = 30
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if len(c.Models) == 0 {
		c.Models = DefaultModels
	}
}
