// Package dispatch maps parsed commands to handlers. Every verb has an
// entry, including unknown, so there is no fallthrough path.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"agbridge/internal/actuator"
	"agbridge/internal/approval"
	"agbridge/internal/calibration"
	"agbridge/internal/desktop"
	"agbridge/internal/events"
	"agbridge/internal/model"
	"agbridge/internal/outbox"
)

// Replier posts handler results back to the operator's channel.
type Replier interface {
	Send(ctx context.Context, text string) error
	SendFile(ctx context.Context, path, caption string) error
}

// Logf matches the bridge's leveled log call shape.
type Logf func(format string, args ...any)

type handlerFunc func(ctx context.Context, cmd model.Command) error

// Dispatcher routes commands to the desktop and replies to the
// operator. One handler runs at a time per inbound message; desktop
// serialization itself lives in the actuator.
type Dispatcher struct {
	cfg       model.Config
	bridgeDir string
	drv       desktop.Driver
	act       *actuator.Actuator
	approvals *approval.Machine
	store     *calibration.Store
	ledger    *outbox.Ledger
	reply     Replier
	audit     *events.AuditLog
	infof     Logf
	warnf     Logf

	startedAt time.Time
	shots     singleflight.Group

	handlers map[model.Verb]handlerFunc
}

func New(cfg model.Config, bridgeDir string, drv desktop.Driver, act *actuator.Actuator,
	approvals *approval.Machine, store *calibration.Store, ledger *outbox.Ledger,
	reply Replier, audit *events.AuditLog, infof, warnf Logf) *Dispatcher {

	d := &Dispatcher{
		cfg:       cfg,
		bridgeDir: bridgeDir,
		drv:       drv,
		act:       act,
		approvals: approvals,
		store:     store,
		ledger:    ledger,
		reply:     reply,
		audit:     audit,
		infof:     infof,
		warnf:     warnf,
		startedAt: time.Now(),
	}

	d.handlers = map[model.Verb]handlerFunc{
		model.VerbPing:       d.handlePing,
		model.VerbStatus:     d.handleStatus,
		model.VerbScreenshot: d.handleScreenshot,
		model.VerbWindows:    d.handleWindows,
		model.VerbMax:        d.handleMax,
		model.VerbMin:        d.handleMin,
		model.VerbFocus:      d.handleFocus,
		model.VerbRestore:    d.handleRestore,
		model.VerbProject:    d.handleProject,
		model.VerbModel:      d.handleModel,
		model.VerbApprove:    d.handleApprove,
		model.VerbReject:     d.handleReject,
		model.VerbUnknown:    d.handleUnknown,
	}
	return d
}

// Handle runs the handler for cmd. Handler errors are reported to the
// operator and logged; they never take the bridge down.
func (d *Dispatcher) Handle(ctx context.Context, cmd model.Command) {
	handler, ok := d.handlers[cmd.Verb]
	if !ok {
		handler = d.handleUnknown
	}

	d.recordAudit("command", map[string]any{
		"verb":   string(cmd.Verb),
		"sender": cmd.Sender,
		"args":   strings.Join(cmd.Args, " "),
	})

	if err := handler(ctx, cmd); err != nil {
		d.warnf("command %s from %s failed: %v", cmd.Verb, cmd.Sender, err)
		d.send(ctx, "❌ "+userMessage(err))
	}
}

// HandleParseFailure tells the sender what went wrong with a prefixed
// message that did not parse.
func (d *Dispatcher) HandleParseFailure(ctx context.Context, fail model.ParseFailure) {
	d.recordAudit("parse_failure", map[string]any{
		"reason": string(fail.Reason),
		"input":  fail.Input,
	})
	d.send(ctx, "❌ "+fail.String()+" — try !ping, !status, !screenshot, !windows, !focus, !max, !min, !restore, !project, !model, !approve, !reject")
}

// HandleText relays non-command chat text to the IDE's chat input:
// focus the IDE, paste the text, click send. Text is pasted via the
// clipboard, never typed.
func (d *Dispatcher) HandleText(ctx context.Context, text, sender string) {
	d.recordAudit("relay_text", map[string]any{"sender": sender, "chars": len(text)})

	if err := d.pasteToIDE(ctx, text); err != nil {
		d.warnf("paste from %s failed: %v", sender, err)
		d.send(ctx, "❌ "+userMessage(err))
		return
	}
	d.send(ctx, "📤 sent to agent")
}

func (d *Dispatcher) pasteToIDE(ctx context.Context, text string) error {
	if err := d.drv.Activate(d.cfg.IDE.WindowTitle); err != nil {
		return fmt.Errorf("focus %s window: %w", d.cfg.IDE.WindowTitle, err)
	}
	if _, err := d.act.Perform(ctx, actuator.Action{
		Kind:   actuator.KindPaste,
		Anchor: model.AnchorChatInput,
		Text:   text,
	}); err != nil {
		return err
	}

	// Send button if calibrated, Enter otherwise.
	if _, err := d.store.Get(model.AnchorSendButton); err != nil {
		_, err := d.act.Perform(ctx, actuator.Action{Kind: actuator.KindPress, Key: "Return"})
		return err
	}
	_, err := d.act.Perform(ctx, actuator.Action{
		Kind:   actuator.KindClick,
		Anchor: model.AnchorSendButton,
	})
	return err
}

func (d *Dispatcher) handlePing(ctx context.Context, _ model.Command) error {
	d.send(ctx, fmt.Sprintf("🏓 pong — up %s", time.Since(d.startedAt).Round(time.Second)))
	return nil
}

func (d *Dispatcher) handleStatus(ctx context.Context, _ model.Command) error {
	var b strings.Builder
	fmt.Fprintf(&b, "**bridge status**\n")
	fmt.Fprintf(&b, "uptime: %s\n", time.Since(d.startedAt).Round(time.Second))

	calibrated := d.store.Calibrated()
	names := make([]string, 0, len(calibrated))
	for _, n := range calibrated {
		names = append(names, string(n))
	}
	missing := len(model.AnchorNames) - len(calibrated)
	fmt.Fprintf(&b, "calibrated: %s", strings.Join(names, ", "))
	if len(names) == 0 {
		b.WriteString("(none)")
	}
	if missing > 0 {
		fmt.Fprintf(&b, " (%d missing)", missing)
	}
	b.WriteString("\n")

	if pending, ok := d.approvals.Pending(); ok {
		fmt.Fprintf(&b, "pending approval: %s (expires %s)\n",
			pending.RequestedCommand, pending.ExpiresAt.Format(time.Kitchen))
	} else {
		b.WriteString("pending approval: none\n")
	}
	fmt.Fprintf(&b, "messages relayed: %d", d.ledger.Size())

	d.send(ctx, b.String())
	return nil
}

// handleScreenshot captures the screen and uploads it. Concurrent
// requests share one capture via singleflight instead of racing the
// screen.
func (d *Dispatcher) handleScreenshot(ctx context.Context, _ model.Command) error {
	v, err, _ := d.shots.Do("screenshot", func() (any, error) {
		return d.drv.Screenshot(os.TempDir())
	})
	if err != nil {
		return fmt.Errorf("capture screen: %w", err)
	}
	path := v.(string)
	defer os.Remove(path)

	return d.reply.SendFile(ctx, path, "🖥️ current screen")
}

func (d *Dispatcher) handleWindows(ctx context.Context, _ model.Command) error {
	windows, err := d.drv.Windows()
	if err != nil {
		return fmt.Errorf("list windows: %w", err)
	}
	if len(windows) == 0 {
		d.send(ctx, "no windows found")
		return nil
	}

	var b strings.Builder
	b.WriteString("**windows**\n")
	for _, w := range windows {
		fmt.Fprintf(&b, "• %s [%s]\n", w.Title, w.State)
	}
	d.send(ctx, strings.TrimRight(b.String(), "\n"))
	return nil
}

func (d *Dispatcher) handleMax(ctx context.Context, cmd model.Command) error {
	return d.windowOp(ctx, cmd, "maximized", d.drv.Maximize)
}

func (d *Dispatcher) handleMin(ctx context.Context, cmd model.Command) error {
	return d.windowOp(ctx, cmd, "minimized", d.drv.Minimize)
}

func (d *Dispatcher) handleRestore(ctx context.Context, cmd model.Command) error {
	return d.windowOp(ctx, cmd, "restored", d.drv.Restore)
}

func (d *Dispatcher) handleFocus(ctx context.Context, cmd model.Command) error {
	return d.windowOp(ctx, cmd, "focused", d.drv.Activate)
}

// windowOp targets the window named in args, defaulting to the IDE.
func (d *Dispatcher) windowOp(ctx context.Context, cmd model.Command, verb string, op func(string) error) error {
	title := d.cfg.IDE.WindowTitle
	if len(cmd.Args) > 0 {
		title = strings.Join(cmd.Args, " ")
	}
	if err := op(title); err != nil {
		return fmt.Errorf("%s %q: %w", verb, title, err)
	}
	d.send(ctx, fmt.Sprintf("🪟 %s %s", verb, title))
	return nil
}

func (d *Dispatcher) handleProject(ctx context.Context, cmd model.Command) error {
	projects, err := LoadProjects(d.bridgeDir)
	if err != nil {
		return fmt.Errorf("load projects: %w", err)
	}

	if len(cmd.Args) == 0 {
		if len(projects) == 0 {
			d.send(ctx, "no projects configured — add them to projects.yaml")
			return nil
		}
		var b strings.Builder
		b.WriteString("**projects**\n")
		for i, p := range projects {
			fmt.Fprintf(&b, "%d. %s — %s\n", i+1, p.Name, p.Path)
		}
		d.send(ctx, strings.TrimRight(b.String(), "\n"))
		return nil
	}

	query := strings.Join(cmd.Args, " ")
	project, ok := MatchProject(projects, query)
	if !ok {
		return fmt.Errorf("no project matches %q", query)
	}

	if d.cfg.IDE.LaunchCommand == "" {
		return fmt.Errorf("ide.launch_command not configured")
	}
	if err := d.drv.Launch(d.cfg.IDE.LaunchCommand, project.Path); err != nil {
		return fmt.Errorf("launch %s: %w", project.Name, err)
	}
	d.send(ctx, fmt.Sprintf("🚀 opening %s", project.Name))
	return nil
}

// handleModel lists models or switches to one by number. The dropdown
// opens upward from the selector button, so row offsets are negative:
// the last entry sits one row above the button, the first entry
// furthest away.
func (d *Dispatcher) handleModel(ctx context.Context, cmd model.Command) error {
	models := d.cfg.Models

	if len(cmd.Args) == 0 {
		var b strings.Builder
		b.WriteString("**models**\n")
		for i, m := range models {
			fmt.Fprintf(&b, "%d. %s\n", i+1, m)
		}
		b.WriteString("switch with `!model <number>`")
		d.send(ctx, b.String())
		return nil
	}

	n, err := strconv.Atoi(cmd.Args[0])
	if err != nil || n < 1 || n > len(models) {
		// Validated before any click happens.
		return fmt.Errorf("model number must be 1-%d", len(models))
	}

	if err := d.drv.Activate(d.cfg.IDE.WindowTitle); err != nil {
		return fmt.Errorf("focus %s window: %w", d.cfg.IDE.WindowTitle, err)
	}
	if _, err := d.act.Perform(ctx, actuator.Action{
		Kind:   actuator.KindClick,
		Anchor: model.AnchorModelSelector,
	}); err != nil {
		return fmt.Errorf("open model dropdown: %w", err)
	}

	offsetY := -(len(models) - n + 1) * d.cfg.Actuator.ModelRowPx
	if _, err := d.act.Perform(ctx, actuator.Action{
		Kind:    actuator.KindClick,
		Anchor:  model.AnchorModelSelector,
		OffsetY: offsetY,
	}); err != nil {
		return fmt.Errorf("select model row: %w", err)
	}

	d.send(ctx, fmt.Sprintf("🤖 switched to %s", models[n-1]))
	return nil
}

func (d *Dispatcher) handleApprove(ctx context.Context, cmd model.Command) error {
	resolved, err := d.approvals.Approve(ctx, time.Now())
	if err != nil {
		return err
	}
	d.recordAudit("approval_resolved", map[string]any{
		"status": string(resolved.Status), "sender": cmd.Sender,
	})
	d.send(ctx, fmt.Sprintf("✅ approved: %s", resolved.RequestedCommand))
	return nil
}

func (d *Dispatcher) handleReject(ctx context.Context, cmd model.Command) error {
	resolved, err := d.approvals.Reject(ctx, time.Now())
	if err != nil {
		return err
	}
	d.recordAudit("approval_resolved", map[string]any{
		"status": string(resolved.Status), "sender": cmd.Sender,
	})
	d.send(ctx, fmt.Sprintf("🚫 rejected: %s", resolved.RequestedCommand))
	return nil
}

func (d *Dispatcher) handleUnknown(ctx context.Context, cmd model.Command) error {
	d.send(ctx, "❓ unknown command — see !status for the bridge, !model for the list")
	return nil
}

func (d *Dispatcher) send(ctx context.Context, text string) {
	if err := d.reply.Send(ctx, text); err != nil {
		d.warnf("reply failed: %v", err)
	}
}

func (d *Dispatcher) recordAudit(eventType string, details map[string]any) {
	if d.audit == nil {
		return
	}
	if err := d.audit.Record(eventType, details); err != nil {
		d.warnf("audit write failed: %v", err)
	}
}

// userMessage turns engine errors into operator-facing text.
func userMessage(err error) string {
	switch {
	case errors.Is(err, model.ErrNotCalibrated):
		return "not calibrated — run agbridge --calibrate-chat (and friends) on the desktop first"
	case errors.Is(err, model.ErrActuatorTimeout):
		return "desktop action timed out; the screen may be locked or busy"
	case errors.Is(err, model.ErrNoPendingApproval):
		return "no command is waiting for approval"
	case errors.Is(err, model.ErrApprovalConflict):
		return "another command is already waiting — !approve or !reject it first"
	default:
		return err.Error()
	}
}
