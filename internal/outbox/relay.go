package outbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"agbridge/internal/model"
)

// Sender delivers relayed content to the chat channel.
type Sender interface {
	Send(ctx context.Context, text string) error
	SendFile(ctx context.Context, path, caption string) error
}

// maxInlineRunes keeps relayed text under the chat platform's message
// limit, with headroom for the topic header. Longer text goes up as a
// file attachment instead of a flood of chunks.
const maxInlineRunes = 1900

// Relay delivers outbox messages strictly in arrival order. One worker,
// one in-flight message; later messages wait out the earlier one's
// retries. A message is marked delivered in the ledger only after the
// send succeeds.
type Relay struct {
	sender Sender
	ledger *Ledger
	cfg    model.RelayConfig
	infof  Logf
	warnf  Logf

	// notifyFailure surfaces a permanent relay failure on the desktop.
	notifyFailure func(message string)

	queue chan model.OutboxMessage

	mu          sync.Mutex
	inflight    map[string]bool
	failedSince int
}

func NewRelay(sender Sender, ledger *Ledger, cfg model.RelayConfig, infof, warnf Logf, notifyFailure func(string)) *Relay {
	if notifyFailure == nil {
		notifyFailure = func(string) {}
	}
	return &Relay{
		sender:        sender,
		ledger:        ledger,
		cfg:           cfg,
		infof:         infof,
		warnf:         warnf,
		notifyFailure: notifyFailure,
		queue:         make(chan model.OutboxMessage, 256),
		inflight:      make(map[string]bool),
	}
}

// Enqueue adds a message unless its key is already delivered or already
// queued. Returns whether the message was accepted. A full queue drops
// the message; the watcher's rescan offers it again.
func (r *Relay) Enqueue(msg model.OutboxMessage) bool {
	if r.ledger.IsDelivered(msg.Key) {
		return false
	}

	r.mu.Lock()
	if r.inflight[msg.Key] {
		r.mu.Unlock()
		return false
	}
	r.inflight[msg.Key] = true
	r.mu.Unlock()

	select {
	case r.queue <- msg:
		return true
	default:
		r.mu.Lock()
		delete(r.inflight, msg.Key)
		r.mu.Unlock()
		r.warnf("relay queue full, dropping %s until rescan", msg.Topic)
		return false
	}
}

// Run delivers queued messages until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-r.queue:
			r.process(ctx, msg)
		}
	}
}

func (r *Relay) process(ctx context.Context, msg model.OutboxMessage) {
	err := r.deliver(ctx, msg)

	r.mu.Lock()
	delete(r.inflight, msg.Key)
	r.mu.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.mu.Lock()
		r.failedSince++
		failed := r.failedSince
		r.mu.Unlock()

		r.warnf("giving up on %s after %d attempts: %v", msg.Topic, r.cfg.MaxRetries, err)
		r.notifyFailure(fmt.Sprintf("Failed to relay %s (%d undelivered)", msg.Topic, failed))
		// The message is left to the watcher's rescan, which re-enqueues
		// it at the queue tail. After a persistent failure, delivery
		// order can therefore diverge from detection order; strict order
		// is only guaranteed while sends eventually succeed within the
		// retry budget.
		return
	}

	if markErr := r.ledger.MarkDelivered(msg.Key, time.Now()); markErr != nil {
		// Delivery happened; a ledger write failure only risks a
		// duplicate after restart.
		r.warnf("ledger write failed for %s: %v", msg.Topic, markErr)
	}
	r.infof("relayed %s key=%s", msg.Topic, msg.Key)

	r.mu.Lock()
	failed := r.failedSince
	r.failedSince = 0
	r.mu.Unlock()
	if failed > 0 {
		// Best effort; the next success reports again if this is lost.
		_ = r.sender.Send(ctx, fmt.Sprintf("⚠️ %d earlier outbox message(s) failed to relay; check the bridge log.", failed))
	}
}

// deliver retries with exponential backoff up to MaxRetries attempts.
func (r *Relay) deliver(ctx context.Context, msg model.OutboxMessage) error {
	backoff := time.Duration(r.cfg.BackoffMs) * time.Millisecond
	maxBackoff := time.Duration(r.cfg.MaxBackoffSec) * time.Second

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		lastErr = r.sendOnce(ctx, msg)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.warnf("relay attempt %d/%d for %s failed: %v", attempt, r.cfg.MaxRetries, msg.Topic, lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return lastErr
}

func (r *Relay) sendOnce(ctx context.Context, msg model.OutboxMessage) error {
	if msg.Binary {
		return r.sender.SendFile(ctx, msg.Path, msg.Topic)
	}
	text := formatMessage(msg)
	if utf8.RuneCountInString(text) > maxInlineRunes {
		return r.sender.SendFile(ctx, msg.Path, msg.Topic)
	}
	return r.sender.Send(ctx, text)
}

func formatMessage(msg model.OutboxMessage) string {
	content := strings.TrimRight(msg.Content, "\n")
	if msg.Topic == "" {
		return content
	}
	return "**" + msg.Topic + "**\n" + content
}
