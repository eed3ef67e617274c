package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agbridge/internal/actuator"
	"agbridge/internal/approval"
	"agbridge/internal/calibration"
	"agbridge/internal/model"
	"agbridge/internal/outbox"
)

type fakeDriver struct {
	mu      sync.Mutex
	calls   []string
	windows []model.WindowHandle
	fail    map[string]error
}

func (f *fakeDriver) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeDriver) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeDriver) failure(op string) error {
	if f.fail == nil {
		return nil
	}
	return f.fail[op]
}

func (f *fakeDriver) CursorPosition() (int, int, error) { return 0, 0, nil }

func (f *fakeDriver) Click(x, y int) error {
	f.record(fmt.Sprintf("click %d,%d", x, y))
	return nil
}

func (f *fakeDriver) Press(key string) error {
	f.record("press " + key)
	return nil
}

func (f *fakeDriver) SetClipboard(text string) error {
	f.record("clipboard " + text)
	return nil
}

func (f *fakeDriver) Screenshot(dir string) (string, error) {
	if err := f.failure("screenshot"); err != nil {
		return "", err
	}
	path := filepath.Join(dir, "agbridge-test-shot.png")
	if err := os.WriteFile(path, []byte("png"), 0o644); err != nil {
		return "", err
	}
	f.record("screenshot")
	return path, nil
}

func (f *fakeDriver) CaptureRegion(x, y, w, h int, destPath string) error { return nil }

func (f *fakeDriver) RegionMatches(refPath string, x, y, w, h int) (bool, error) {
	return false, nil
}

func (f *fakeDriver) Windows() ([]model.WindowHandle, error) {
	if err := f.failure("windows"); err != nil {
		return nil, err
	}
	return f.windows, nil
}

func (f *fakeDriver) Activate(title string) error {
	if err := f.failure("activate"); err != nil {
		return err
	}
	f.record("activate " + title)
	return nil
}

func (f *fakeDriver) Minimize(title string) error { f.record("minimize " + title); return nil }
func (f *fakeDriver) Maximize(title string) error { f.record("maximize " + title); return nil }
func (f *fakeDriver) Restore(title string) error  { f.record("restore " + title); return nil }

func (f *fakeDriver) Launch(command string, args ...string) error {
	f.record("launch " + command + " " + fmt.Sprint(args))
	return nil
}

type fakeReplier struct {
	mu    sync.Mutex
	texts []string
	files []string
}

func (f *fakeReplier) Send(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeReplier) SendFile(_ context.Context, path, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files = append(f.files, path)
	return nil
}

func (f *fakeReplier) lastText(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.texts, "no reply sent")
	return f.texts[len(f.texts)-1]
}

type fixture struct {
	d      *Dispatcher
	drv    *fakeDriver
	reply  *fakeReplier
	store  *calibration.Store
	dir    string
	approv *approval.Machine
}

func discardLogf(string, ...any) {}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	cfg := model.Config{}
	cfg.ApplyDefaults()

	store, err := calibration.NewStore(dir)
	require.NoError(t, err)

	ledger, err := outbox.NewLedger(dir)
	require.NoError(t, err)

	drv := &fakeDriver{}
	act := actuator.New(store, drv, cfg.Actuator)
	t.Cleanup(act.Close)
	machine := approval.NewMachine(act, cfg.Approval, cfg.Actuator)

	reply := &fakeReplier{}
	d := New(cfg, dir, drv, act, machine, store, ledger, reply, nil, discardLogf, discardLogf)
	return &fixture{d: d, drv: drv, reply: reply, store: store, dir: dir, approv: machine}
}

func cmd(verb model.Verb, args ...string) model.Command {
	return model.Command{Verb: verb, Args: args, Sender: "alice", ReceivedAt: time.Now()}
}

func TestPing(t *testing.T) {
	fx := newFixture(t)
	fx.d.Handle(context.Background(), cmd(model.VerbPing))
	assert.Contains(t, fx.reply.lastText(t), "pong")
}

func TestStatusReportsCalibrationAndApproval(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.store.Set(model.AnchorChatInput, 1, 2))
	_, err := fx.approv.Request("rm -rf build", time.Now())
	require.NoError(t, err)

	fx.d.Handle(context.Background(), cmd(model.VerbStatus))

	text := fx.reply.lastText(t)
	assert.Contains(t, text, "chat_input")
	assert.Contains(t, text, "3 missing")
	assert.Contains(t, text, "rm -rf build")
}

func TestScreenshotUploadsAndCleansUp(t *testing.T) {
	fx := newFixture(t)
	fx.d.Handle(context.Background(), cmd(model.VerbScreenshot))

	fx.reply.mu.Lock()
	defer fx.reply.mu.Unlock()
	require.Len(t, fx.reply.files, 1)
	_, err := os.Stat(fx.reply.files[0])
	assert.True(t, os.IsNotExist(err), "temp screenshot not removed")
}

func TestWindowsListsTitlesAndState(t *testing.T) {
	fx := newFixture(t)
	fx.drv.windows = []model.WindowHandle{
		{Title: "AntiGravity", State: model.WindowMaximized},
		{Title: "Files", State: model.WindowNormal},
	}

	fx.d.Handle(context.Background(), cmd(model.VerbWindows))
	text := fx.reply.lastText(t)
	assert.Contains(t, text, "AntiGravity")
	assert.Contains(t, text, string(model.WindowMaximized))
}

func TestWindowOpsDefaultToIDE(t *testing.T) {
	fx := newFixture(t)

	fx.d.Handle(context.Background(), cmd(model.VerbMax))
	fx.d.Handle(context.Background(), cmd(model.VerbMin, "Files"))
	fx.d.Handle(context.Background(), cmd(model.VerbFocus))
	fx.d.Handle(context.Background(), cmd(model.VerbRestore))

	calls := fx.drv.recorded()
	assert.Contains(t, calls, "maximize AntiGravity")
	assert.Contains(t, calls, "minimize Files")
	assert.Contains(t, calls, "activate AntiGravity")
	assert.Contains(t, calls, "restore AntiGravity")
}

func TestModelList(t *testing.T) {
	fx := newFixture(t)
	fx.d.Handle(context.Background(), cmd(model.VerbModel))

	text := fx.reply.lastText(t)
	assert.Contains(t, text, "1. "+model.DefaultModels[0])
	assert.Contains(t, text, fmt.Sprintf("%d. %s", len(model.DefaultModels), model.DefaultModels[len(model.DefaultModels)-1]))
}

func TestModelSwitchClicksUpward(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.store.Set(model.AnchorModelSelector, 500, 800))

	fx.d.Handle(context.Background(), cmd(model.VerbModel, "3"))

	// 7 models, 30px rows, entry 3: five rows above the button.
	calls := fx.drv.recorded()
	require.Contains(t, calls, "click 500,800")
	require.Contains(t, calls, "click 500,650")
	assert.Contains(t, fx.reply.lastText(t), model.DefaultModels[2])
}

func TestModelOutOfRangeNeverClicks(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.store.Set(model.AnchorModelSelector, 500, 800))

	for _, arg := range []string{"0", "8", "-1", "nan"} {
		fx.d.Handle(context.Background(), cmd(model.VerbModel, arg))
		assert.Contains(t, fx.reply.lastText(t), "must be 1-7")
	}
	assert.Empty(t, fx.drv.recorded(), "actuator ran for invalid model number")
}

func TestProjectListAndLaunch(t *testing.T) {
	fx := newFixture(t)
	projects := "projects:\n  - name: bridge\n    path: /code/bridge\n  - name: website\n    path: /code/web\n"
	require.NoError(t, os.WriteFile(filepath.Join(fx.dir, "projects.yaml"), []byte(projects), 0o644))
	fx.d.cfg.IDE.LaunchCommand = "antigravity"

	fx.d.Handle(context.Background(), cmd(model.VerbProject))
	assert.Contains(t, fx.reply.lastText(t), "1. bridge")
	assert.Contains(t, fx.reply.lastText(t), "2. website")

	fx.d.Handle(context.Background(), cmd(model.VerbProject, "web"))
	assert.Contains(t, fx.drv.recorded(), "launch antigravity [/code/web]")

	// The numbers shown in the list are accepted as selectors.
	fx.d.Handle(context.Background(), cmd(model.VerbProject, "2"))
	assert.Contains(t, fx.reply.lastText(t), "opening website")

	fx.d.Handle(context.Background(), cmd(model.VerbProject, "nosuch"))
	assert.Contains(t, fx.reply.lastText(t), "no project matches")
}

func TestApproveWithoutPending(t *testing.T) {
	fx := newFixture(t)
	fx.d.Handle(context.Background(), cmd(model.VerbApprove))
	assert.Contains(t, fx.reply.lastText(t), "no command is waiting")
}

func TestApproveFlow(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.store.Set(model.AnchorApprovalDialog, 640, 480))
	_, err := fx.approv.Request("delete branch", time.Now())
	require.NoError(t, err)

	fx.d.Handle(context.Background(), cmd(model.VerbApprove))
	assert.Contains(t, fx.reply.lastText(t), "delete branch")
	assert.Contains(t, fx.drv.recorded(), "click 640,480")
}

func TestHandleTextPastePipeline(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.store.Set(model.AnchorChatInput, 100, 200))
	require.NoError(t, fx.store.Set(model.AnchorSendButton, 150, 250))

	fx.d.HandleText(context.Background(), "please fix the tests", "alice")

	want := []string{
		"activate AntiGravity",
		"clipboard please fix the tests",
		"click 100,200",
		"press ctrl+v",
		"click 150,250",
	}
	assert.Equal(t, want, fx.drv.recorded())
	assert.Contains(t, fx.reply.lastText(t), "sent to agent")
}

func TestHandleTextFallsBackToEnter(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.store.Set(model.AnchorChatInput, 100, 200))

	fx.d.HandleText(context.Background(), "hello", "alice")

	calls := fx.drv.recorded()
	assert.Contains(t, calls, "press Return", "no send button calibrated, expected Enter")
	assert.NotContains(t, calls, "click 150,250")
}

func TestHandleTextUncalibrated(t *testing.T) {
	fx := newFixture(t)
	fx.d.HandleText(context.Background(), "hello", "alice")
	assert.Contains(t, fx.reply.lastText(t), "not calibrated")
}

func TestParseFailureReply(t *testing.T) {
	fx := newFixture(t)
	fx.d.HandleParseFailure(context.Background(), model.ParseFailure{
		Reason: model.ReasonUnknownVerb, Input: "frobnicate",
	})
	assert.Contains(t, fx.reply.lastText(t), "frobnicate")
}

func TestMatchProject(t *testing.T) {
	projects := []Project{
		{Name: "web", Path: "/a"},
		{Name: "website", Path: "/b"},
		{Name: "Bridge Tool", Path: "/c"},
	}

	p, ok := MatchProject(projects, "web")
	require.True(t, ok)
	assert.Equal(t, "/a", p.Path, "exact match must beat substring")

	p, ok = MatchProject(projects, "bridge")
	require.True(t, ok)
	assert.Equal(t, "/c", p.Path)

	p, ok = MatchProject(projects, "2")
	require.True(t, ok, "1-based index must select")
	assert.Equal(t, "/b", p.Path)

	_, ok = MatchProject(projects, "0")
	assert.False(t, ok)
	_, ok = MatchProject(projects, "4")
	assert.False(t, ok)

	_, ok = MatchProject(projects, "missing")
	assert.False(t, ok)
}
