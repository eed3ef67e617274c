package approval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agbridge/internal/actuator"
	"agbridge/internal/model"
)

type fakePerformer struct {
	actions []actuator.Action
	err     error
}

func (f *fakePerformer) Perform(_ context.Context, a actuator.Action) (actuator.Ack, error) {
	if f.err != nil {
		return actuator.Ack{}, f.err
	}
	f.actions = append(f.actions, a)
	return actuator.Ack{Kind: a.Kind}, nil
}

func newTestMachine(perf Performer) *Machine {
	return NewMachine(perf,
		model.ApprovalConfig{TTLSec: 300, ScanIntervalSec: 10},
		model.ActuatorConfig{RejectOffsetX: 80})
}

func TestRequestThenApprove(t *testing.T) {
	perf := &fakePerformer{}
	m := newTestMachine(perf)
	now := time.Now()

	pending, err := m.Request("rm -rf build", now)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalPending, pending.Status)
	assert.Equal(t, now.Add(300*time.Second), pending.ExpiresAt)

	resolved, err := m.Approve(context.Background(), now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalApproved, resolved.Status)
	assert.Equal(t, "rm -rf build", resolved.RequestedCommand)

	require.Len(t, perf.actions, 1)
	assert.Equal(t, actuator.KindClick, perf.actions[0].Kind)
	assert.Equal(t, model.AnchorApprovalDialog, perf.actions[0].Anchor)
	assert.Equal(t, 0, perf.actions[0].OffsetX)

	// Terminal status clears the slot.
	_, live := m.Pending()
	assert.False(t, live)
}

func TestRejectUsesOffset(t *testing.T) {
	perf := &fakePerformer{}
	m := newTestMachine(perf)
	now := time.Now()

	_, err := m.Request("git push --force", now)
	require.NoError(t, err)

	resolved, err := m.Reject(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalRejected, resolved.Status)

	require.Len(t, perf.actions, 1)
	assert.Equal(t, 80, perf.actions[0].OffsetX)
}

func TestSecondRequestConflicts(t *testing.T) {
	m := newTestMachine(&fakePerformer{})
	now := time.Now()

	_, err := m.Request("first", now)
	require.NoError(t, err)

	_, err = m.Request("second", now.Add(time.Second))
	assert.ErrorIs(t, err, model.ErrApprovalConflict)

	// The original request survives the refused one.
	pending, live := m.Pending()
	require.True(t, live)
	assert.Equal(t, "first", pending.RequestedCommand)
}

func TestApproveWithEmptySlot(t *testing.T) {
	m := newTestMachine(&fakePerformer{})
	_, err := m.Approve(context.Background(), time.Now())
	assert.ErrorIs(t, err, model.ErrNoPendingApproval)
	_, err = m.Reject(context.Background(), time.Now())
	assert.ErrorIs(t, err, model.ErrNoPendingApproval)
}

func TestExpiry(t *testing.T) {
	perf := &fakePerformer{}
	m := newTestMachine(perf)
	now := time.Now()

	_, err := m.Request("danger", now)
	require.NoError(t, err)

	// Not due yet.
	_, expired := m.ExpireIfDue(now.Add(299 * time.Second))
	assert.False(t, expired)

	ex, expired := m.ExpireIfDue(now.Add(301 * time.Second))
	require.True(t, expired)
	assert.Equal(t, model.ApprovalExpired, ex.Status)

	// Approve after expiry is a no-op error, not a click.
	_, err = m.Approve(context.Background(), now.Add(302*time.Second))
	assert.ErrorIs(t, err, model.ErrNoPendingApproval)
	assert.Empty(t, perf.actions)

	// The slot is free for the next dangerous command.
	_, err = m.Request("next", now.Add(303*time.Second))
	assert.NoError(t, err)
}

func TestApproveExpiredSlotWithoutTicker(t *testing.T) {
	m := newTestMachine(&fakePerformer{})
	now := time.Now()

	_, err := m.Request("danger", now)
	require.NoError(t, err)

	// Even if the expiry ticker never ran, a late approve sees the TTL.
	_, err = m.Approve(context.Background(), now.Add(10*time.Minute))
	assert.ErrorIs(t, err, model.ErrNoPendingApproval)
}

func TestActuatorFailureKeepsSlotPending(t *testing.T) {
	perf := &fakePerformer{err: errors.New("xdotool exited 1")}
	m := newTestMachine(perf)
	now := time.Now()

	_, err := m.Request("danger", now)
	require.NoError(t, err)

	_, err = m.Approve(context.Background(), now)
	require.Error(t, err)

	pending, live := m.Pending()
	require.True(t, live)
	assert.Equal(t, model.ApprovalPending, pending.Status)

	// Retry succeeds once the desktop cooperates.
	perf.err = nil
	resolved, err := m.Approve(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalApproved, resolved.Status)
}
