// Package outbox turns files written by the desktop agent into chat
// messages: a fsnotify watcher detects them, a ledger deduplicates
// them, and a relay queue delivers them in order.
package outbox

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	yamlutil "agbridge/internal/yaml"
)

const ledgerFileName = "ledger.yaml"

// maxLedgerEntries bounds ledger growth; the oldest delivery records are
// pruned first. Well above any realistic outbox backlog.
const maxLedgerEntries = 10000

type ledgerFile struct {
	Delivered map[string]time.Time `yaml:"delivered"`
}

// Ledger records which message keys have been delivered, persisted to
// <bridgeDir>/ledger.yaml so a restart never re-relays old files.
type Ledger struct {
	path string

	mu        sync.Mutex
	delivered map[string]time.Time
}

// NewLedger loads the persisted ledger. Missing file means a fresh
// bridge; a corrupt file is quarantined and the ledger restarts from
// the backup or empty. Losing the ledger only risks duplicate relays,
// never lost messages.
func NewLedger(bridgeDir string) (*Ledger, error) {
	l := &Ledger{
		path:      filepath.Join(bridgeDir, ledgerFileName),
		delivered: make(map[string]time.Time),
	}

	if err := l.load(); err != nil {
		if recErr := yamlutil.RecoverCorruptedFile(bridgeDir, l.path); recErr != nil {
			return nil, fmt.Errorf("recover ledger: %w", recErr)
		}
		if err := l.load(); err != nil {
			l.delivered = make(map[string]time.Time)
		}
	}
	return l, nil
}

func (l *Ledger) load() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", ledgerFileName, err)
	}

	var f ledgerFile
	if err := yamlv3.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse %s: %w", ledgerFileName, err)
	}
	if f.Delivered == nil {
		f.Delivered = make(map[string]time.Time)
	}
	l.delivered = f.Delivered
	return nil
}

// MessageKey is the idempotence key for an outbox file: its canonical
// path plus a hash of its exact content. Touching a file without
// changing its bytes does not produce a new key; rewriting it does.
func MessageKey(path string, content []byte) string {
	canonical, err := filepath.Abs(path)
	if err != nil {
		canonical = filepath.Clean(path)
	}
	sum := sha256.Sum256(content)
	return canonical + ":" + hex.EncodeToString(sum[:])
}

// IsDelivered reports whether key has already been relayed.
func (l *Ledger) IsDelivered(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.delivered[key]
	return ok
}

// MarkDelivered records the key and persists before returning, so a
// crash right after a successful send cannot double-deliver.
func (l *Ledger) MarkDelivered(key string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.delivered[key] = at.UTC()
	l.pruneLocked()
	return l.persistLocked()
}

// Size returns the number of recorded deliveries.
func (l *Ledger) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.delivered)
}

func (l *Ledger) pruneLocked() {
	if len(l.delivered) <= maxLedgerEntries {
		return
	}
	type entry struct {
		key string
		at  time.Time
	}
	entries := make([]entry, 0, len(l.delivered))
	for k, at := range l.delivered {
		entries = append(entries, entry{k, at})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })
	for _, e := range entries[:len(entries)-maxLedgerEntries] {
		delete(l.delivered, e.key)
	}
}

func (l *Ledger) persistLocked() error {
	return yamlutil.AtomicWrite(l.path, ledgerFile{Delivered: l.delivered})
}
