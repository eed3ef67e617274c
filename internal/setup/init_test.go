package setup

import (
	"os"
	"path/filepath"
	"testing"

	yamlv3 "gopkg.in/yaml.v3"

	"agbridge/internal/model"
)

func TestRunCreatesScaffold(t *testing.T) {
	dir := t.TempDir()
	if err := Run(dir); err != nil {
		t.Fatalf("Run: %v", err)
	}

	base := filepath.Join(dir, ".agbridge")
	for _, p := range []string{"logs", "anchors", "quarantine", "config.yaml", "projects.yaml", "lock"} {
		if _, err := os.Stat(filepath.Join(base, p)); err != nil {
			t.Errorf("missing %s: %v", p, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "outbox")); err != nil {
		t.Errorf("outbox dir not created: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(base, "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("generated config does not parse: %v", err)
	}
	if cfg.IDE.WindowTitle == "" {
		t.Error("config missing IDE window title default")
	}
	if cfg.Approval.TTLSec != 300 {
		t.Errorf("approval TTL = %d, want 300", cfg.Approval.TTLSec)
	}
}

func TestRunRefusesExistingDir(t *testing.T) {
	dir := t.TempDir()
	if err := Run(dir); err != nil {
		t.Fatal(err)
	}
	if err := Run(dir); err == nil {
		t.Fatal("second Run over existing .agbridge/ succeeded")
	}
}
