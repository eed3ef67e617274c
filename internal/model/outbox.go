package model

import "time"

// OutboxMessage is one response file detected in the outbox directory,
// normalized for relay. Key is the idempotence key (canonical path +
// content hash); a key is delivered at most once, across restarts.
type OutboxMessage struct {
	Path      string
	Topic     string
	Content   string
	Key       string
	CreatedAt time.Time
	Delivered bool
	// Binary marks content that must be relayed as a file attachment
	// (images, non-UTF-8 payloads) rather than inline text.
	Binary bool
}
