package dispatch

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	yamlv3 "gopkg.in/yaml.v3"
)

const projectsFileName = "projects.yaml"

// Project is one entry in <bridgeDir>/projects.yaml, an
// operator-maintained list of openable workspaces.
type Project struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

type projectsFile struct {
	Projects []Project `yaml:"projects"`
}

// LoadProjects reads projects.yaml. A missing file is an empty list,
// not an error.
func LoadProjects(bridgeDir string) ([]Project, error) {
	data, err := os.ReadFile(filepath.Join(bridgeDir, projectsFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var f projectsFile
	if err := yamlv3.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", projectsFileName, err)
	}
	return f.Projects, nil
}

// MatchProject finds the project for a query: a 1-based list index
// first (matching the numbering in the list output), then exact name,
// then case-insensitive substring. An ambiguous substring match picks
// the first entry in file order.
func MatchProject(projects []Project, query string) (Project, bool) {
	if n, err := strconv.Atoi(query); err == nil {
		if n < 1 || n > len(projects) {
			return Project{}, false
		}
		return projects[n-1], true
	}
	for _, p := range projects {
		if p.Name == query {
			return p, true
		}
	}
	q := strings.ToLower(query)
	for _, p := range projects {
		if strings.Contains(strings.ToLower(p.Name), q) {
			return p, true
		}
	}
	return Project{}, false
}
