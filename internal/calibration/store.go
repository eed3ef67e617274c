// Package calibration persists named screen anchors across bridge runs.
// The store is the single writer; the actuator and dispatcher only read.
package calibration

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"agbridge/internal/model"
	yamlutil "agbridge/internal/yaml"
)

const fileName = "calibration.yaml"

type storeFile struct {
	Anchors map[model.AnchorName]anchorRecord `yaml:"anchors"`
}

type anchorRecord struct {
	X          int       `yaml:"x"`
	Y          int       `yaml:"y"`
	CapturedAt time.Time `yaml:"captured_at"`
}

// Store holds the live anchor set, mirrored to
// <bridgeDir>/calibration.yaml on every Set.
type Store struct {
	bridgeDir string
	path      string

	mu      sync.Mutex
	anchors map[model.AnchorName]model.Anchor
}

// NewStore loads the persisted anchors. A missing file means an
// uncalibrated bridge (valid); a corrupt file is quarantined and the
// store starts from whatever the backup held, or empty.
func NewStore(bridgeDir string) (*Store, error) {
	s := &Store{
		bridgeDir: bridgeDir,
		path:      filepath.Join(bridgeDir, fileName),
		anchors:   make(map[model.AnchorName]model.Anchor),
	}

	if err := s.load(); err != nil {
		if recErr := yamlutil.RecoverCorruptedFile(bridgeDir, s.path); recErr != nil {
			return nil, fmt.Errorf("recover calibration file: %w", recErr)
		}
		if err := s.load(); err != nil {
			// Backup unusable too; operator recalibrates.
			s.anchors = make(map[model.AnchorName]model.Anchor)
		}
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", fileName, err)
	}

	var f storeFile
	if err := yamlv3.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse %s: %w", fileName, err)
	}

	anchors := make(map[model.AnchorName]model.Anchor, len(f.Anchors))
	for name, rec := range f.Anchors {
		if !model.ValidAnchorName(name) {
			continue
		}
		anchors[name] = model.Anchor{Name: name, X: rec.X, Y: rec.Y, CapturedAt: rec.CapturedAt}
	}
	s.anchors = anchors
	return nil
}

// Get returns the live anchor for name, or ErrNotCalibrated.
func (s *Store) Get(name model.AnchorName) (model.Anchor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.anchors[name]
	if !ok {
		return model.Anchor{}, model.NotCalibratedError(name)
	}
	return a, nil
}

// Set records a new coordinate for name, silently replacing any prior
// value, and persists before returning.
func (s *Store) Set(name model.AnchorName, x, y int) error {
	if !model.ValidAnchorName(name) {
		return fmt.Errorf("unknown anchor name: %s", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.anchors[name] = model.Anchor{Name: name, X: x, Y: y, CapturedAt: time.Now().UTC()}
	return s.persistLocked()
}

// Calibrated returns the names that currently have a live anchor.
func (s *Store) Calibrated() []model.AnchorName {
	s.mu.Lock()
	defer s.mu.Unlock()

	var names []model.AnchorName
	for _, n := range model.AnchorNames {
		if _, ok := s.anchors[n]; ok {
			names = append(names, n)
		}
	}
	return names
}

func (s *Store) persistLocked() error {
	f := storeFile{Anchors: make(map[model.AnchorName]anchorRecord, len(s.anchors))}
	for name, a := range s.anchors {
		f.Anchors[name] = anchorRecord{X: a.X, Y: a.Y, CapturedAt: a.CapturedAt}
	}
	if err := yamlutil.AtomicWrite(s.path, f); err != nil {
		return fmt.Errorf("persist calibration: %w", err)
	}
	return nil
}
