package syncworker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/posrelay/internal/model"
	"github.com/g960059/posrelay/internal/testutil"
)

type staticLister struct {
	targets []model.SyncTarget
	err     error
}

func (l staticLister) ListPending(context.Context) ([]model.SyncTarget, error) {
	return l.targets, l.err
}

func TestSweepRecoversMissedAndExpiredTargets(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	clock := newFakeClock()
	now := clock.Now()
	expired := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	seed := []model.SyncRecord{
		{Worker: "deploy", TargetID: "done", Action: "install", State: model.SyncCompleted, UpdatedAt: now},
		{Worker: "deploy", TargetID: "expired", Action: "install", Payload: []byte("e"), State: model.SyncCoolingDown, LastDelay: time.Minute, CooldownUntil: &expired, UpdatedAt: now},
		{Worker: "deploy", TargetID: "cooling", Action: "install", State: model.SyncCoolingDown, LastDelay: time.Minute, CooldownUntil: &future, UpdatedAt: now},
	}
	for _, rec := range seed {
		require.NoError(t, store.UpsertSyncRecord(ctx, rec))
	}

	h := &recordingHandler{}
	w := newWorker(t, store, h.handle, clock, nil)
	r := NewReconciler(w, staticLister{targets: []model.SyncTarget{
		target("missed", "m"),
		target("done", "d2"),
		target("cooling", "c2"),
	}}, store, nil)

	queued, err := r.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, queued)

	require.NoError(t, w.Start(ctx))
	waitIdle(t, w)
	assert.Equal(t, []string{"m"}, h.attempts("missed"))
	assert.Equal(t, []string{"e"}, h.attempts("expired"))
	assert.Empty(t, h.attempts("done"))
	assert.Empty(t, h.attempts("cooling"))
}

func TestSweepStillRetriesCooldownsWhenListerFails(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	clock := newFakeClock()
	expired := clock.Now().Add(-time.Second)
	require.NoError(t, store.UpsertSyncRecord(ctx, model.SyncRecord{
		Worker: "deploy", TargetID: "expired", Action: "install", State: model.SyncCoolingDown, CooldownUntil: &expired, UpdatedAt: clock.Now(),
	}))

	w := newWorker(t, store, (&recordingHandler{}).handle, clock, nil)
	r := NewReconciler(w, staticLister{err: errors.New("primary unreachable")}, store, nil)
	queued, err := r.Sweep(ctx, clock.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "primary unreachable")
	assert.Equal(t, 1, queued)
}

func TestReconcilerRunStopsWithContext(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	w := newWorker(t, store, (&recordingHandler{}).handle, newFakeClock(), nil)
	r := NewReconciler(w, nil, store, nil)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- r.Run(runCtx, 10*time.Millisecond) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatalf("reconciler did not stop")
	}
}
