// Package setup handles bridge directory initialization.
package setup

import (
	"fmt"
	"os"
	"path/filepath"

	"agbridge/internal/model"
	yamlutil "agbridge/internal/yaml"
)

const bridgeDirName = ".agbridge"

// Run initializes the .agbridge/ directory structure in the given
// project directory: config.yaml with working defaults, an empty
// projects.yaml, the outbox directory and the log/anchor/quarantine
// subtree. Secrets are never written; they stay in the environment.
func Run(projectDir string) error {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, bridgeDirName)
	if _, err := os.Stat(base); err == nil {
		return fmt.Errorf("%s already exists", base)
	}

	for _, d := range []string{"logs", "anchors", "quarantine"} {
		if err := os.MkdirAll(filepath.Join(base, d), 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	cfg := model.Config{}
	cfg.Outbox.Path = filepath.Join(absDir, "outbox")
	cfg.ApplyDefaults()

	if err := os.MkdirAll(cfg.Outbox.Path, 0o755); err != nil {
		return fmt.Errorf("create outbox dir: %w", err)
	}

	if err := yamlutil.AtomicWrite(filepath.Join(base, "config.yaml"), cfg); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}

	projects := "# Projects openable with !project <name>\n" +
		"# projects:\n" +
		"#   - name: bridge\n" +
		"#     path: /home/you/code/bridge\n"
	if err := os.WriteFile(filepath.Join(base, "projects.yaml"), []byte(projects), 0o644); err != nil {
		return fmt.Errorf("write projects.yaml: %w", err)
	}

	// Empty lock file so flock has something to grab on first run.
	if err := os.WriteFile(filepath.Join(base, "lock"), nil, 0o600); err != nil {
		return fmt.Errorf("create lock file: %w", err)
	}

	return nil
}
