// Package actuator serializes all desktop input. Every click, keypress
// and paste in the bridge flows through a single worker goroutine in
// strict FIFO order, so two commands can never interleave their mouse
// movements.
package actuator

import (
	"context"
	"fmt"
	"time"

	"agbridge/internal/calibration"
	"agbridge/internal/desktop"
	"agbridge/internal/model"
)

// Kind selects the primitive an Action performs.
type Kind string

const (
	// KindClick clicks the resolved anchor coordinate plus offset.
	KindClick Kind = "click"
	// KindPress sends a key chord with no pointer movement.
	KindPress Kind = "press"
	// KindPaste sets the clipboard, clicks the anchor, waits for focus
	// to settle, then sends ctrl+v. Text is never typed key by key.
	KindPaste Kind = "paste"
)

// Action is one desktop input request. Anchor is required for click and
// paste; Key for press; Text for paste.
type Action struct {
	Kind    Kind
	Anchor  model.AnchorName
	OffsetX int
	OffsetY int
	Key     string
	Text    string
}

// Ack reports where and when an action landed.
type Ack struct {
	Kind Kind
	X    int
	Y    int
	Took time.Duration
}

type request struct {
	action Action
	x, y   int
	result chan outcome
	// abandoned is closed when the caller gave up (timeout or ctx) while
	// the request was still queued. The worker must not replay it.
	abandoned chan struct{}
}

type outcome struct {
	ack Ack
	err error
}

// Actuator owns the desktop input channel. Construct with New, stop
// with Close; Perform is safe for concurrent use.
type Actuator struct {
	store      *calibration.Store
	input      desktop.Input
	timeout    time.Duration
	pasteDelay time.Duration

	requests chan request
	done     chan struct{}
}

// New starts the worker goroutine.
func New(store *calibration.Store, input desktop.Input, cfg model.ActuatorConfig) *Actuator {
	a := &Actuator{
		store:      store,
		input:      input,
		timeout:    time.Duration(cfg.TimeoutSec) * time.Second,
		pasteDelay: time.Duration(cfg.PasteDelayMs) * time.Millisecond,
		requests:   make(chan request, 16),
		done:       make(chan struct{}),
	}
	go a.worker()
	return a
}

// Close stops the worker after the in-flight action finishes. Queued
// actions are dropped.
func (a *Actuator) Close() {
	close(a.done)
}

// Perform executes one action and blocks until it completes, times out,
// or ctx is cancelled. Anchor resolution happens before enqueue, so an
// uncalibrated anchor fails fast with ErrNotCalibrated and no desktop
// input occurs. On timeout the slot's eventual result is discarded; the
// caller decides whether to retry.
func (a *Actuator) Perform(ctx context.Context, action Action) (Ack, error) {
	var x, y int
	switch action.Kind {
	case KindClick, KindPaste:
		anchor, err := a.store.Get(action.Anchor)
		if err != nil {
			return Ack{}, err
		}
		x = anchor.X + action.OffsetX
		y = anchor.Y + action.OffsetY
	case KindPress:
		if action.Key == "" {
			return Ack{}, fmt.Errorf("press action with empty key")
		}
	default:
		return Ack{}, fmt.Errorf("unknown action kind: %s", action.Kind)
	}

	req := request{action: action, x: x, y: y, result: make(chan outcome, 1), abandoned: make(chan struct{})}

	select {
	case a.requests <- req:
	case <-ctx.Done():
		return Ack{}, ctx.Err()
	case <-a.done:
		return Ack{}, fmt.Errorf("actuator closed")
	}

	timer := time.NewTimer(a.timeout)
	defer timer.Stop()

	select {
	case out := <-req.result:
		return out.ack, out.err
	case <-timer.C:
		close(req.abandoned)
		return Ack{}, fmt.Errorf("%w after %s (%s %s)", model.ErrActuatorTimeout, a.timeout, action.Kind, action.Anchor)
	case <-ctx.Done():
		close(req.abandoned)
		return Ack{}, ctx.Err()
	}
}

func (a *Actuator) worker() {
	for {
		select {
		case req := <-a.requests:
			select {
			case <-req.abandoned:
				// The caller was already told this action failed; replaying
				// it now would double up input on the desktop.
				continue
			default:
			}
			start := time.Now()
			err := a.execute(req)
			// Buffered; never blocks even if the caller already timed out.
			req.result <- outcome{
				ack: Ack{Kind: req.action.Kind, X: req.x, Y: req.y, Took: time.Since(start)},
				err: err,
			}
		case <-a.done:
			return
		}
	}
}

func (a *Actuator) execute(req request) error {
	switch req.action.Kind {
	case KindClick:
		return a.input.Click(req.x, req.y)
	case KindPress:
		return a.input.Press(req.action.Key)
	case KindPaste:
		if err := a.input.SetClipboard(req.action.Text); err != nil {
			return fmt.Errorf("set clipboard: %w", err)
		}
		if err := a.input.Click(req.x, req.y); err != nil {
			return fmt.Errorf("focus click: %w", err)
		}
		time.Sleep(a.pasteDelay)
		return a.input.Press("ctrl+v")
	default:
		return fmt.Errorf("unknown action kind: %s", req.action.Kind)
	}
}
