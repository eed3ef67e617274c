// Package bridge is the long-running engine process: it owns the chat
// connection, the outbox watcher, the approval loops and the UDS
// control socket, and wires them all to the dispatcher.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"agbridge/internal/actuator"
	"agbridge/internal/approval"
	"agbridge/internal/calibration"
	"agbridge/internal/chat"
	"agbridge/internal/command"
	"agbridge/internal/desktop"
	"agbridge/internal/dispatch"
	"agbridge/internal/events"
	"agbridge/internal/lock"
	"agbridge/internal/model"
	"agbridge/internal/outbox"
	"agbridge/internal/uds"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// approvalExpiryInterval is how often the TTL check runs. Expiry is
// also checked lazily on every approve/reject, so this only bounds how
// stale the operator notification can be.
const approvalExpiryInterval = time.Second

// Bridge is the engine process. One instance per bridge directory,
// enforced with a file lock.
type Bridge struct {
	bridgeDir string
	cfg       model.Config
	logLevel  LogLevel
	logger    *log.Logger
	logFile   io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	chat     chat.Client
	drv      desktop.Driver

	store      *calibration.Store
	ledger     *outbox.Ledger
	audit      *events.AuditLog
	act        *actuator.Actuator
	approvals  *approval.Machine
	relay      *outbox.Relay
	watcher    *outbox.Watcher
	dispatcher *dispatch.Dispatcher

	// notifyDesktop surfaces relay failures on the desktop; overridable
	// for tests.
	notifyDesktop func(message string)

	ctx      context.Context
	cancel   context.CancelFunc
	shutdown sync.Once

	startedAt time.Time
	forceExit atomic.Bool
}

// New builds a Bridge over an existing bridge directory. The chat
// client and desktop driver are injected so tests can run the whole
// engine without a network or an X server.
func New(bridgeDir string, cfg model.Config, chatClient chat.Client, drv desktop.Driver, notifyDesktop func(string)) (*Bridge, error) {
	logPath := filepath.Join(bridgeDir, "logs", "bridge.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open bridge log: %w", err)
	}

	return newBridge(bridgeDir, cfg, chatClient, drv, notifyDesktop, logFile, logFile)
}

// newBridge is the internal constructor for testing.
func newBridge(bridgeDir string, cfg model.Config, chatClient chat.Client, drv desktop.Driver,
	notifyDesktop func(string), w io.Writer, closer io.Closer) (*Bridge, error) {

	ctx, cancel := context.WithCancel(context.Background())

	b := &Bridge{
		bridgeDir:     bridgeDir,
		cfg:           cfg,
		logLevel:      parseLogLevel(cfg.Logging.Level),
		logger:        log.New(w, "", 0),
		logFile:       closer,
		fileLock:      lock.NewFileLock(filepath.Join(bridgeDir, "lock")),
		server:        uds.NewServer(filepath.Join(bridgeDir, uds.DefaultSocketName)),
		chat:          chatClient,
		drv:           drv,
		notifyDesktop: notifyDesktop,
		ctx:           ctx,
		cancel:        cancel,
		startedAt:     time.Now(),
	}
	if b.notifyDesktop == nil {
		b.notifyDesktop = func(string) {}
	}

	store, err := calibration.NewStore(bridgeDir)
	if err != nil {
		cancel()
		return nil, err
	}
	b.store = store

	ledger, err := outbox.NewLedger(bridgeDir)
	if err != nil {
		cancel()
		return nil, err
	}
	b.ledger = ledger

	audit, err := events.NewAuditLog(filepath.Join(bridgeDir, "logs", "audit.jsonl"), 0)
	if err != nil {
		cancel()
		return nil, err
	}
	b.audit = audit

	b.act = actuator.New(store, drv, cfg.Actuator)
	b.approvals = approval.NewMachine(b.act, cfg.Approval, cfg.Actuator)

	b.relay = outbox.NewRelay(chatClient, ledger, cfg.Relay,
		b.logf(LogLevelInfo), b.logf(LogLevelWarn), b.notifyDesktop)
	b.watcher = outbox.NewWatcher(cfg.Outbox, ledger, b.relay,
		b.logf(LogLevelDebug), b.logf(LogLevelWarn))

	b.dispatcher = dispatch.New(cfg, bridgeDir, drv, b.act, b.approvals, store, ledger,
		chatClient, audit, b.logf(LogLevelInfo), b.logf(LogLevelWarn))

	return b, nil
}

// Run starts the engine and blocks until shutdown completes.
func (b *Bridge) Run() error {
	if err := b.fileLock.TryLock(); err != nil {
		return fmt.Errorf("bridge lock: %w", err)
	}
	b.log(LogLevelInfo, "bridge starting pid=%d outbox=%s", os.Getpid(), b.cfg.Outbox.Path)

	b.registerHandlers()
	if err := b.server.Start(); err != nil {
		b.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	b.log(LogLevelInfo, "UDS server listening on %s", filepath.Join(b.bridgeDir, uds.DefaultSocketName))

	group, ctx := errgroup.WithContext(b.ctx)
	group.Go(func() error { return b.watcher.Run(ctx) })
	group.Go(func() error { return b.relay.Run(ctx) })
	group.Go(func() error { return b.chatLoop(ctx) })
	group.Go(func() error { return b.expiryLoop(ctx) })
	group.Go(func() error { return b.dialogScanLoop(ctx) })

	b.log(LogLevelInfo, "bridge ready")
	b.waitSignals(ctx)

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (b *Bridge) registerHandlers() {
	b.server.Handle("ping", func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})

	b.server.Handle("status", func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(b.Status())
	})

	b.server.Handle("shutdown", func(req *uds.Request) *uds.Response {
		b.log(LogLevelInfo, "shutdown requested via UDS")
		go b.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

// Status is the payload for the status UDS command and `agbridge status`.
func (b *Bridge) Status() map[string]any {
	calibrated := make([]string, 0, len(model.AnchorNames))
	for _, n := range b.store.Calibrated() {
		calibrated = append(calibrated, string(n))
	}

	status := map[string]any{
		"pid":              os.Getpid(),
		"uptime_sec":       int(time.Since(b.startedAt).Seconds()),
		"calibrated":       calibrated,
		"messages_relayed": b.ledger.Size(),
		"outbox":           b.cfg.Outbox.Path,
	}
	if pending, ok := b.approvals.Pending(); ok {
		status["pending_approval"] = map[string]any{
			"command":    pending.RequestedCommand,
			"expires_at": pending.ExpiresAt.Format(time.RFC3339),
		}
	}
	return status
}

// chatLoop consumes inbound chat messages: commands to the dispatcher,
// everything else to the paste pipeline.
func (b *Bridge) chatLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-b.chat.Events():
			if !ok {
				b.log(LogLevelWarn, "chat event stream closed")
				return nil
			}
			b.handleChatMessage(ctx, msg)
		}
	}
}

func (b *Bridge) handleChatMessage(ctx context.Context, msg chat.Message) {
	if strings.TrimSpace(msg.Text) == "" {
		return
	}

	cmd, isCommand, fail := command.Parse(msg.Text, msg.Sender, msg.At)
	switch {
	case !isCommand:
		b.log(LogLevelInfo, "relay text from %s (%d chars)", msg.Sender, len(msg.Text))
		b.dispatcher.HandleText(ctx, msg.Text, msg.Sender)
	case fail != nil:
		b.log(LogLevelInfo, "parse failure from %s: %s", msg.Sender, fail)
		b.dispatcher.HandleParseFailure(ctx, *fail)
	default:
		b.log(LogLevelInfo, "command %s from %s", cmd.Verb, cmd.Sender)
		b.dispatcher.Handle(ctx, cmd)
	}
}

// expiryLoop ages out the pending approval and tells the operator.
func (b *Bridge) expiryLoop(ctx context.Context) error {
	ticker := time.NewTicker(approvalExpiryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			expired, ok := b.approvals.ExpireIfDue(time.Now())
			if !ok {
				continue
			}
			b.log(LogLevelInfo, "approval expired: %s", expired.RequestedCommand)
			if err := b.chat.Send(ctx, fmt.Sprintf("⌛ approval expired: %s", expired.RequestedCommand)); err != nil {
				b.log(LogLevelWarn, "expiry notice failed: %v", err)
			}
		}
	}
}

// dialogScanLoop polls the screen for the IDE's approval dialog. When
// the calibrated region matches the reference crop recorded during
// calibration, the operator is asked to !approve or !reject. Without a
// calibrated dialog anchor the loop idles.
func (b *Bridge) dialogScanLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(b.cfg.Approval.ScanIntervalSec) * time.Second)
	defer ticker.Stop()

	refPath := calibration.RefImagePath(b.bridgeDir)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.scanForDialog(ctx, refPath)
		}
	}
}

func (b *Bridge) scanForDialog(ctx context.Context, refPath string) {
	anchor, err := b.store.Get(model.AnchorApprovalDialog)
	if err != nil {
		return
	}
	if _, err := os.Stat(refPath); err != nil {
		return
	}
	if _, pending := b.approvals.Pending(); pending {
		return
	}

	// Same centered region the calibration capture recorded.
	match, err := b.drv.RegionMatches(refPath,
		anchor.X-calibration.RefWidth/2, anchor.Y-calibration.RefHeight/2,
		calibration.RefWidth, calibration.RefHeight)
	if err != nil {
		b.log(LogLevelWarn, "dialog scan failed: %v", err)
		return
	}
	if !match {
		return
	}

	if _, err := b.approvals.Request("IDE approval dialog", time.Now()); err != nil {
		// Raced another requester; the notification already went out.
		return
	}
	b.log(LogLevelInfo, "approval dialog detected on screen")
	if err := b.chat.Send(ctx, fmt.Sprintf(
		"⚠️ the agent is asking for approval — reply !approve or !reject (expires in %ds)",
		b.cfg.Approval.TTLSec)); err != nil {
		b.log(LogLevelWarn, "approval notice failed: %v", err)
	}

	// Best-effort screenshot so the operator can see what they are
	// approving.
	shot, err := b.drv.Screenshot(os.TempDir())
	if err != nil {
		b.log(LogLevelWarn, "approval screenshot failed: %v", err)
		return
	}
	defer os.Remove(shot)
	if err := b.chat.SendFile(ctx, shot, "approval dialog"); err != nil {
		b.log(LogLevelWarn, "approval screenshot upload failed: %v", err)
	}
}

// waitSignals blocks until a shutdown signal arrives or runCtx ends.
// runCtx is the run-loop group's context: it also fires when any loop
// dies with an error, so a broken watcher or chat stream tears the
// whole engine down instead of leaving a zombie that still answers
// ping. A second signal forces exit.
func (b *Bridge) waitSignals(runCtx context.Context) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		b.log(LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)
		go func() {
			<-sigCh
			b.log(LogLevelWarn, "received second signal, forcing exit")
			b.forceExit.Store(true)
			os.Exit(1)
		}()
	case <-runCtx.Done():
	}

	b.Shutdown()
}

// Shutdown stops the engine (idempotent via sync.Once).
func (b *Bridge) Shutdown() {
	b.shutdown.Do(func() {
		b.log(LogLevelInfo, "shutdown started")

		b.cancel()
		b.server.Stop()
		b.act.Close()

		done := make(chan struct{})
		go func() {
			b.chat.Close()
			close(done)
		}()

		timeout := time.Duration(b.cfg.Daemon.ShutdownTimeoutSec) * time.Second
		select {
		case <-done:
		case <-time.After(timeout):
			b.log(LogLevelWarn, "shutdown timeout after %s, chat connection abandoned", timeout)
		}

		b.cleanup()
		b.log(LogLevelInfo, "bridge stopped")
	})
}

func (b *Bridge) cleanup() {
	os.Remove(filepath.Join(b.bridgeDir, uds.DefaultSocketName))
	b.fileLock.Unlock()
	if b.audit != nil {
		b.audit.Close()
	}
	if b.logFile != nil {
		b.logFile.Close()
	}
}

// logf adapts the leveled logger to the Logf shape the sub-packages take.
func (b *Bridge) logf(level LogLevel) func(format string, args ...any) {
	return func(format string, args ...any) {
		b.log(level, format, args...)
	}
}

func (b *Bridge) log(level LogLevel, format string, args ...any) {
	if level < b.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	b.logger.Printf("%s %s bridge: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
