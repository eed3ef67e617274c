package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	gatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"
	apiBase    = "https://discord.com/api/v10"

	// GUILDS | GUILD_MESSAGES | MESSAGE_CONTENT | DIRECT_MESSAGES
	gatewayIntents = 1 | 1<<9 | 1<<15 | 1<<12

	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opHello          = 10
	opHeartbeatAck   = 11
	maxReconnectWait = 60 * time.Second
)

type gatewayPayload struct {
	Op   int             `json:"op"`
	Seq  *int64          `json:"s,omitempty"`
	Type string          `json:"t,omitempty"`
	Data json.RawMessage `json:"d,omitempty"`
}

type helloData struct {
	HeartbeatIntervalMs int `json:"heartbeat_interval"`
}

type messageCreate struct {
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	Author    struct {
		Username string `json:"username"`
		Bot      bool   `json:"bot"`
	} `json:"author"`
}

// Discord connects to one channel over the Discord gateway. Inbound
// messages from other channels and from bots (including the bridge's
// own posts) are dropped before they reach the engine.
type Discord struct {
	token     string
	channelID string
	api       string
	http      *http.Client
	warnf     func(format string, args ...any)

	events chan Message

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDiscord starts the gateway read loop. The token and channel ID
// come from the environment, never from config files.
func NewDiscord(token, channelID string, warnf func(string, ...any)) *Discord {
	if warnf == nil {
		warnf = func(string, ...any) {}
	}
	d := &Discord{
		token:     token,
		channelID: channelID,
		api:       apiBase,
		http:      &http.Client{Timeout: 30 * time.Second},
		warnf:     warnf,
		events:    make(chan Message, 64),
		done:      make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	go d.run(ctx)
	return d
}

func (d *Discord) Events() <-chan Message { return d.events }

// Close tears down the gateway connection and closes the event stream.
func (d *Discord) Close() error {
	d.cancel()
	<-d.done
	return nil
}

// run reconnects forever with exponential backoff.
func (d *Discord) run(ctx context.Context) {
	defer close(d.events)
	defer close(d.done)

	backoff := time.Second
	for {
		err := d.session(ctx)
		if ctx.Err() != nil {
			return
		}
		d.warnf("gateway disconnected, reconnecting in %s: %v", backoff, err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// session runs one gateway connection: hello, identify, then dispatch
// until the connection drops.
func (d *Discord) session(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, gatewayURL, nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)

	var hello gatewayPayload
	if err := wsjson.Read(ctx, conn, &hello); err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if hello.Op != opHello {
		return fmt.Errorf("expected hello, got op %d", hello.Op)
	}
	var h helloData
	if err := json.Unmarshal(hello.Data, &h); err != nil {
		return fmt.Errorf("parse hello: %w", err)
	}

	identify := map[string]any{
		"op": opIdentify,
		"d": map[string]any{
			"token":   d.token,
			"intents": gatewayIntents,
			"properties": map[string]string{
				"os":      "linux",
				"browser": "agbridge",
				"device":  "agbridge",
			},
		},
	}
	if err := wsjson.Write(ctx, conn, identify); err != nil {
		return fmt.Errorf("identify: %w", err)
	}

	var seqMu sync.Mutex
	var lastSeq *int64

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go func() {
		interval := time.Duration(h.HeartbeatIntervalMs) * time.Millisecond
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				seqMu.Lock()
				seq := lastSeq
				seqMu.Unlock()
				if err := wsjson.Write(hbCtx, conn, map[string]any{"op": opHeartbeat, "d": seq}); err != nil {
					conn.Close(websocket.StatusInternalError, "heartbeat failed")
					return
				}
			}
		}
	}()

	for {
		var payload gatewayPayload
		if err := wsjson.Read(ctx, conn, &payload); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if payload.Seq != nil {
			seqMu.Lock()
			lastSeq = payload.Seq
			seqMu.Unlock()
		}

		switch payload.Op {
		case opDispatch:
			if payload.Type == "MESSAGE_CREATE" {
				d.handleMessage(payload.Data)
			}
		case opHeartbeat:
			seqMu.Lock()
			seq := lastSeq
			seqMu.Unlock()
			if err := wsjson.Write(ctx, conn, map[string]any{"op": opHeartbeat, "d": seq}); err != nil {
				return fmt.Errorf("requested heartbeat: %w", err)
			}
		case opHeartbeatAck:
			// fine
		}
	}
}

func (d *Discord) handleMessage(data json.RawMessage) {
	var mc messageCreate
	if err := json.Unmarshal(data, &mc); err != nil {
		d.warnf("bad MESSAGE_CREATE payload: %v", err)
		return
	}
	if mc.ChannelID != d.channelID || mc.Author.Bot {
		return
	}

	at := time.Now()
	if t, err := time.Parse(time.RFC3339, mc.Timestamp); err == nil {
		at = t
	}

	msg := Message{Sender: mc.Author.Username, Text: mc.Content, At: at}
	select {
	case d.events <- msg:
	default:
		// A full event buffer means the engine is wedged; dropping the
		// oldest style of backpressure would reorder commands, so drop
		// the newest and say so.
		d.warnf("event buffer full, dropping message from %s", msg.Sender)
	}
}

// Send posts text to the channel over the REST API.
func (d *Discord) Send(ctx context.Context, text string) error {
	body, err := json.Marshal(map[string]string{"content": text})
	if err != nil {
		return err
	}
	return d.post(ctx, bytes.NewReader(body), "application/json")
}

// SendFile uploads a file as an attachment with the caption as message
// content.
func (d *Discord) SendFile(ctx context.Context, path, caption string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	payload, err := json.Marshal(map[string]string{"content": caption})
	if err != nil {
		return err
	}
	if err := mw.WriteField("payload_json", string(payload)); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("files[0]", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("read attachment: %w", err)
	}
	if err := mw.Close(); err != nil {
		return err
	}

	return d.post(ctx, &buf, mw.FormDataContentType())
}

func (d *Discord) post(ctx context.Context, body io.Reader, contentType string) error {
	url := fmt.Sprintf("%s/channels/%s/messages", d.api, d.channelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bot "+d.token)
	req.Header.Set("Content-Type", contentType)

	resp, err := d.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("discord api %d: %s", resp.StatusCode, detail)
	}
	return nil
}
