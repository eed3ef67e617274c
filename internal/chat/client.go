// Package chat is the bridge's connection to the remote operator. The
// engine only sees the Client interface; the Discord implementation
// below is the one transport shipped.
package chat

import (
	"context"
	"time"
)

// Message is one inbound chat message from the operator's channel.
type Message struct {
	Sender string
	Text   string
	At     time.Time
}

// Client is a bidirectional chat connection. Events delivers inbound
// messages until the client closes; Send and SendFile post to the
// operator's channel.
type Client interface {
	// Events returns the inbound message stream. The channel closes
	// when the client shuts down.
	Events() <-chan Message
	Send(ctx context.Context, text string) error
	SendFile(ctx context.Context, path, caption string) error
	Close() error
}
