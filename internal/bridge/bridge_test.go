package bridge

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agbridge/internal/calibration"
	"agbridge/internal/chat"
	"agbridge/internal/model"
)

type fakeChat struct {
	mu     sync.Mutex
	texts  []string
	files  []string
	events chan chat.Message
}

func newFakeChat() *fakeChat {
	return &fakeChat{events: make(chan chat.Message, 16)}
}

func (f *fakeChat) Events() <-chan chat.Message { return f.events }

func (f *fakeChat) Send(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeChat) SendFile(_ context.Context, path, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files = append(f.files, path)
	return nil
}

func (f *fakeChat) Close() error { return nil }

func (f *fakeChat) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.texts))
	copy(out, f.texts)
	return out
}

func (f *fakeChat) sentFiles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.files))
	copy(out, f.files)
	return out
}

type fakeDriver struct {
	mu      sync.Mutex
	clicks  int
	matches bool
}

func (f *fakeDriver) CursorPosition() (int, int, error) { return 0, 0, nil }

func (f *fakeDriver) Click(x, y int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clicks++
	return nil
}

func (f *fakeDriver) Press(string) error                               { return nil }
func (f *fakeDriver) SetClipboard(string) error                        { return nil }
func (f *fakeDriver) Screenshot(dir string) (string, error)            { return filepath.Join(dir, "x.png"), nil }
func (f *fakeDriver) CaptureRegion(x, y, w, h int, dest string) error  { return nil }
func (f *fakeDriver) Windows() ([]model.WindowHandle, error)           { return nil, nil }
func (f *fakeDriver) Activate(string) error                            { return nil }
func (f *fakeDriver) Minimize(string) error                            { return nil }
func (f *fakeDriver) Maximize(string) error                            { return nil }
func (f *fakeDriver) Restore(string) error                             { return nil }
func (f *fakeDriver) Launch(command string, args ...string) error      { return nil }

func (f *fakeDriver) RegionMatches(refPath string, x, y, w, h int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.matches, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func newTestBridge(t *testing.T) (*Bridge, *fakeChat, *fakeDriver) {
	t.Helper()
	dir := t.TempDir()
	cfg := model.Config{}
	cfg.Outbox.Path = filepath.Join(dir, "outbox")
	cfg.ApplyDefaults()

	fc := newFakeChat()
	drv := &fakeDriver{}
	b, err := newBridge(dir, cfg, fc, drv, func(string) {}, io.Discard, nopCloser{})
	require.NoError(t, err)
	t.Cleanup(b.act.Close)
	return b, fc, drv
}

func TestChatMessageRouting(t *testing.T) {
	b, fc, _ := newTestBridge(t)
	ctx := context.Background()

	b.handleChatMessage(ctx, chat.Message{Sender: "alice", Text: "!ping", At: time.Now()})
	require.NotEmpty(t, fc.sentTexts())
	assert.Contains(t, fc.sentTexts()[0], "pong")

	b.handleChatMessage(ctx, chat.Message{Sender: "alice", Text: "!bogus", At: time.Now()})
	assert.Contains(t, fc.sentTexts()[1], "unknown command")

	// Plain text goes to the paste pipeline, which fails uncalibrated.
	b.handleChatMessage(ctx, chat.Message{Sender: "alice", Text: "hello agent", At: time.Now()})
	assert.Contains(t, fc.sentTexts()[2], "not calibrated")

	// Blank messages are ignored entirely.
	before := len(fc.sentTexts())
	b.handleChatMessage(ctx, chat.Message{Sender: "alice", Text: "   ", At: time.Now()})
	assert.Len(t, fc.sentTexts(), before)
}

// A dead run loop must take the whole engine down, not leave a zombie
// that holds the lock and still answers ping.
func TestRunSurfacesDeadLoopFailure(t *testing.T) {
	// Short path: the UDS socket must fit in sun_path.
	dir, err := os.MkdirTemp("/tmp", "agb-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := model.Config{}
	cfg.Outbox.Path = filepath.Join(dir, "outbox")
	cfg.ApplyDefaults()
	// Outbox path is a regular file, so the watcher loop dies on startup.
	require.NoError(t, os.WriteFile(cfg.Outbox.Path, []byte("x"), 0o644))

	b, err := newBridge(dir, cfg, newFakeChat(), &fakeDriver{}, func(string) {}, io.Discard, nopCloser{})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- b.Run() }()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "outbox")
	case <-time.After(3 * time.Second):
		t.Fatal("Run still blocked after every run loop died")
	}
}

func TestStatusPayload(t *testing.T) {
	b, _, _ := newTestBridge(t)
	require.NoError(t, b.store.Set(model.AnchorChatInput, 5, 6))
	_, err := b.approvals.Request("git push --force", time.Now())
	require.NoError(t, err)

	status := b.Status()
	assert.Equal(t, []string{"chat_input"}, status["calibrated"])
	assert.Equal(t, 0, status["messages_relayed"])

	pending, ok := status["pending_approval"].(map[string]any)
	require.True(t, ok, "pending approval missing from status")
	assert.Equal(t, "git push --force", pending["command"])
}

func TestDialogScanRequestsApproval(t *testing.T) {
	b, fc, drv := newTestBridge(t)
	ctx := context.Background()
	refPath := calibration.RefImagePath(b.bridgeDir)

	// Nothing calibrated: scan is a silent no-op.
	b.scanForDialog(ctx, refPath)
	assert.Empty(t, fc.sentTexts())

	require.NoError(t, b.store.Set(model.AnchorApprovalDialog, 640, 480))
	require.NoError(t, os.MkdirAll(filepath.Dir(refPath), 0o755))
	require.NoError(t, os.WriteFile(refPath, []byte("png"), 0o644))

	// Region does not match: still quiet.
	b.scanForDialog(ctx, refPath)
	assert.Empty(t, fc.sentTexts())

	drv.mu.Lock()
	drv.matches = true
	drv.mu.Unlock()

	b.scanForDialog(ctx, refPath)
	texts := fc.sentTexts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "!approve")
	assert.Len(t, fc.sentFiles(), 1, "detection should upload a screenshot")

	_, pending := b.approvals.Pending()
	assert.True(t, pending)

	// A second matching scan must not stack another request or notice.
	b.scanForDialog(ctx, refPath)
	assert.Len(t, fc.sentTexts(), 1)
	assert.Len(t, fc.sentFiles(), 1)
}

func TestExpiredApprovalFreesDialogScan(t *testing.T) {
	b, _, _ := newTestBridge(t)

	_, err := b.approvals.Request("danger", time.Now().Add(-10*time.Minute))
	require.NoError(t, err)

	expired, ok := b.approvals.ExpireIfDue(time.Now())
	require.True(t, ok)
	assert.Equal(t, model.ApprovalExpired, expired.Status)

	_, pending := b.approvals.Pending()
	assert.False(t, pending, "expired slot must be clear for the next dialog")
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LogLevelDebug},
		{"info", LogLevelInfo},
		{"warn", LogLevelWarn},
		{"warning", LogLevelWarn},
		{"error", LogLevelError},
		{"", LogLevelInfo},
		{"DEBUG", LogLevelDebug},
		{"bogus", LogLevelInfo},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestLogRespectsLevel(t *testing.T) {
	var buf strings.Builder
	dir := t.TempDir()
	cfg := model.Config{}
	cfg.Logging.Level = "warn"
	cfg.Outbox.Path = filepath.Join(dir, "outbox")
	cfg.ApplyDefaults()

	b, err := newBridge(dir, cfg, newFakeChat(), &fakeDriver{}, nil, &buf, nopCloser{})
	require.NoError(t, err)
	defer b.act.Close()

	b.log(LogLevelInfo, "hidden")
	b.log(LogLevelWarn, "visible")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "WARN bridge: visible")
}
