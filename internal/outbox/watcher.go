package outbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"

	"agbridge/internal/model"
)

// Enqueuer receives messages the watcher detects. The relay queue
// implements it.
type Enqueuer interface {
	Enqueue(msg model.OutboxMessage) bool
}

// Logf matches the bridge's leveled log call shape without importing it.
type Logf func(format string, args ...any)

// binaryExtensions are relayed as file attachments rather than inline text.
var binaryExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
	".pdf":  true,
	".zip":  true,
}

// Watcher observes the outbox directory. Detection is belt and braces:
// fsnotify events (debounced) plus a periodic rescan, so a missed event
// delays a message by at most one rescan interval.
type Watcher struct {
	dir    string
	cfg    model.OutboxConfig
	ledger *Ledger
	sink   Enqueuer
	debugf Logf
	warnf  Logf

	timerMu       sync.Mutex
	debounceTimer *time.Timer
	retryTimer    *time.Timer
	stopped       bool
}

func NewWatcher(cfg model.OutboxConfig, ledger *Ledger, sink Enqueuer, debugf, warnf Logf) *Watcher {
	return &Watcher{
		dir:    cfg.Path,
		cfg:    cfg,
		ledger: ledger,
		sink:   sink,
		debugf: debugf,
		warnf:  warnf,
	}
}

// Run blocks until ctx is cancelled. The outbox directory is created if
// missing so the agent can start writing immediately.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create outbox dir: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	// Pick up anything written while the bridge was down.
	w.Scan()

	rescan := time.NewTicker(time.Duration(w.cfg.RescanIntervalSec) * time.Second)
	defer rescan.Stop()

	for {
		select {
		case <-ctx.Done():
			w.stopTimers()
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if skipName(filepath.Base(ev.Name)) {
				continue
			}
			w.debounceScan(filepath.Base(ev.Name))
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.warnf("watcher error: %v", err)
		case <-rescan.C:
			w.Scan()
		}
	}
}

// debounceScan coalesces the burst of events a single file write
// produces into one scan.
func (w *Watcher) debounceScan(trigger string) {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.stopped {
		return
	}
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(
		time.Duration(w.cfg.DebounceSec*float64(time.Second)),
		func() {
			w.debugf("debounced scan trigger=%s", trigger)
			w.Scan()
		},
	)
}

// scheduleRetry arms the single backoff timer after a failed directory
// read. Replacing any pending retry keeps the timer count at one no
// matter how many scans fail, and a stopped watcher schedules nothing.
func (w *Watcher) scheduleRetry() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.stopped {
		return
	}
	if w.retryTimer != nil {
		w.retryTimer.Stop()
	}
	w.retryTimer = time.AfterFunc(time.Duration(w.cfg.BackoffSec)*time.Second, w.Scan)
}

func (w *Watcher) stopTimers() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	w.stopped = true
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	if w.retryTimer != nil {
		w.retryTimer.Stop()
	}
}

// Scan reads the outbox directory once and enqueues every undelivered
// file. A directory read error is logged and retried after the
// configured backoff; individual unreadable files are skipped (a
// half-written file succeeds on the next pass).
func (w *Watcher) Scan() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.warnf("outbox read failed, retrying in %ds: %v", w.cfg.BackoffSec, err)
		w.scheduleRetry()
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || skipName(entry.Name()) {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		msg, err := w.loadMessage(path, entry.Name())
		if err != nil {
			w.warnf("skip %s: %v", entry.Name(), err)
			continue
		}
		if w.ledger.IsDelivered(msg.Key) {
			continue
		}
		if w.sink.Enqueue(msg) {
			w.debugf("queued %s key=%s", entry.Name(), msg.Key)
		}
	}
}

func (w *Watcher) loadMessage(path, name string) (model.OutboxMessage, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return model.OutboxMessage{}, err
	}

	info, err := os.Stat(path)
	created := time.Now()
	if err == nil {
		created = info.ModTime()
	}

	ext := strings.ToLower(filepath.Ext(name))
	binary := binaryExtensions[ext] || !utf8.Valid(content)

	return model.OutboxMessage{
		Path:      path,
		Topic:     strings.TrimSuffix(name, filepath.Ext(name)),
		Content:   string(content),
		Key:       MessageKey(path, content),
		CreatedAt: created,
		Binary:    binary,
	}, nil
}

// skipName filters hidden files and editor/write temp files.
func skipName(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	for _, suffix := range []string{".tmp", ".swp", ".part", "~"} {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}
