package chat

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestDiscord(api string) *Discord {
	return &Discord{
		token:     "test-token",
		channelID: "123456",
		api:       api,
		http:      &http.Client{Timeout: 5 * time.Second},
		warnf:     func(string, ...any) {},
		events:    make(chan Message, 4),
	}
}

func TestHandleMessageFilters(t *testing.T) {
	d := newTestDiscord("")

	payload := func(channel, user, content string, bot bool) json.RawMessage {
		raw, _ := json.Marshal(map[string]any{
			"channel_id": channel,
			"content":    content,
			"timestamp":  "2026-08-31T12:00:00+00:00",
			"author":     map[string]any{"username": user, "bot": bot},
		})
		return raw
	}

	d.handleMessage(payload("999999", "alice", "wrong channel", false))
	d.handleMessage(payload("123456", "agbridge", "own echo", true))
	d.handleMessage(payload("123456", "alice", "!ping", false))

	select {
	case msg := <-d.events:
		if msg.Sender != "alice" || msg.Text != "!ping" {
			t.Errorf("got %+v", msg)
		}
		if msg.At.IsZero() {
			t.Error("timestamp not parsed")
		}
	default:
		t.Fatal("operator message not delivered")
	}

	select {
	case msg := <-d.events:
		t.Errorf("filtered message delivered: %+v", msg)
	default:
	}
}

func TestHandleMessageFullBufferDropsNewest(t *testing.T) {
	d := newTestDiscord("")
	d.events = make(chan Message, 1)

	raw, _ := json.Marshal(map[string]any{
		"channel_id": "123456",
		"content":    "x",
		"author":     map[string]any{"username": "alice"},
	})
	d.handleMessage(raw)
	d.handleMessage(raw) // must not block

	if got := len(d.events); got != 1 {
		t.Errorf("buffered %d messages, want 1", got)
	}
}

func TestSendPostsToChannel(t *testing.T) {
	var gotPath, gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDiscord(srv.URL)
	if err := d.Send(context.Background(), "hello operator"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if gotPath != "/channels/123456/messages" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bot test-token" {
		t.Errorf("auth = %q", gotAuth)
	}
	if !strings.Contains(gotBody, "hello operator") {
		t.Errorf("body = %q", gotBody)
	}
}

func TestSendSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message": "Missing Access"}`, http.StatusForbidden)
	}))
	defer srv.Close()

	d := newTestDiscord(srv.URL)
	err := d.Send(context.Background(), "x")
	if err == nil {
		t.Fatal("403 response not surfaced")
	}
	if !strings.Contains(err.Error(), "403") {
		t.Errorf("err = %v, want status code in message", err)
	}
}

func TestSendFileUploadsMultipart(t *testing.T) {
	var gotContentType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "shot.png")
	if err := os.WriteFile(path, []byte("fake png bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	d := newTestDiscord(srv.URL)
	if err := d.SendFile(context.Background(), path, "screenshot"); err != nil {
		t.Fatalf("SendFile: %v", err)
	}

	if !strings.HasPrefix(gotContentType, "multipart/form-data") {
		t.Errorf("content type = %q", gotContentType)
	}
	body := string(gotBody)
	if !strings.Contains(body, `filename="shot.png"`) {
		t.Error("attachment filename missing")
	}
	if !strings.Contains(body, "fake png bytes") {
		t.Error("attachment bytes missing")
	}
	if !strings.Contains(body, "screenshot") {
		t.Error("caption missing")
	}
}

func TestSendFileMissingAttachment(t *testing.T) {
	d := newTestDiscord("")
	if err := d.SendFile(context.Background(), "/nonexistent/file.png", ""); err == nil {
		t.Fatal("missing file not reported")
	}
}
