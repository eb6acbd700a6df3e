package core

import (
	"context"
	"image-analysis-backend/internal/core/types"
	"image-analysis-backend/internal/messaging"
	"image-analysis-backend/internal/storage"
	"image-analysis-backend/internal/store"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createFinished(t *testing.T, st store.Store, completedAt time.Time, payloadKey string) uuid.UUID {
	ctx := context.Background()
	id := uuid.New()
	require.NoError(t, st.Create(ctx, &store.Request{RequestId: id, PayloadKey: payloadKey, SubmittedAt: completedAt.Add(-time.Second)}))
	require.NoError(t, st.MarkProcessing(ctx, id))
	require.NoError(t, st.Complete(ctx, id, store.Result{
		Predictions: []types.Prediction{{Label: "red", Confidence: 1}},
		CompletedAt: completedAt,
	}))
	return id
}

func TestReaper_SweepEvictsOnlyExpired(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	old := createFinished(t, st, now.Add(-2*time.Hour), "")
	recent := createFinished(t, st, now.Add(-time.Minute), "")

	pending := uuid.New()
	require.NoError(t, st.Create(ctx, &store.Request{RequestId: pending, SubmittedAt: now.Add(-3 * time.Hour)}))

	reaper := NewReaper(st, nil, time.Hour, time.Minute)
	evicted, err := reaper.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)

	_, err = st.Get(ctx, old)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = st.Get(ctx, recent)
	assert.NoError(t, err)

	// Pending requests are never evicted, however old.
	req, err := st.Get(ctx, pending)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSubmitted, req.Status)

	// An explicit cleanup clears everything that is finished.
	evicted, err = reaper.Sweep(ctx, time.Now().UTC().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.Stats{Total: 1, Submitted: 1}, stats)
}

func TestReaper_RemovesPayloads(t *testing.T) {
	dir := t.TempDir()
	objects, err := storage.NewLocalObjectStore(dir)
	require.NoError(t, err)
	payloads := NewPayloadStore(objects, "payloads")
	ctx := context.Background()
	require.NoError(t, payloads.Init(ctx))

	st := store.NewMemoryStore()
	now := time.Now().UTC()

	finishedId := uuid.New()
	finishedKey, err := payloads.Save(ctx, finishedId, []byte("finished"))
	require.NoError(t, err)
	require.NoError(t, st.Create(ctx, &store.Request{RequestId: finishedId, PayloadKey: finishedKey, SubmittedAt: now}))
	require.NoError(t, st.Fail(ctx, finishedId, "boom"))

	orphanKey, err := payloads.Save(ctx, uuid.New(), []byte("orphan"))
	require.NoError(t, err)
	stale := now.Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "payloads", filepath.FromSlash(orphanKey)), stale, stale))

	// A fresh payload without a request may belong to an upload in flight.
	inFlightKey, err := payloads.Save(ctx, uuid.New(), []byte("in flight"))
	require.NoError(t, err)

	reaper := NewReaper(st, payloads, time.Hour, time.Minute)
	evicted, err := reaper.Sweep(ctx, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)

	remaining, err := payloads.List(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, inFlightKey, remaining[0].Key)

	_, err = payloads.Load(ctx, finishedKey)
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
}

func TestReaper_RunStopsOnCancel(t *testing.T) {
	st := store.NewMemoryStore()
	createFinished(t, st, time.Now().UTC().Add(-time.Hour), "")

	reaper := NewReaper(st, nil, time.Millisecond, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- reaper.Run(ctx)
	}()

	assert.Eventually(t, func() bool {
		stats, err := st.Stats(context.Background())
		return err == nil && stats.Total == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}

func TestReaper_FailStalled(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	stalled := uuid.New()
	require.NoError(t, st.Create(ctx, &store.Request{RequestId: stalled, UserId: "user-1", SubmittedAt: now}))
	require.NoError(t, st.MarkProcessing(ctx, stalled))

	waiting := uuid.New()
	require.NoError(t, st.Create(ctx, &store.Request{RequestId: waiting, SubmittedAt: now.Add(-time.Hour)}))

	queue := messaging.NewInMemoryQueue(4)
	defer queue.Close()

	reaper := NewReaper(st, nil, time.Hour, time.Minute)
	reaper.SetProcessingTimeout(5 * time.Minute)
	reaper.SetPublisher(queue)

	failed, err := reaper.FailStalled(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, failed)

	failed, err = reaper.FailStalled(ctx, now.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, failed)

	result, err := st.GetResult(ctx, stalled)
	require.NoError(t, err)
	assert.Contains(t, result.Error, "did not finish within 5m0s")

	// Queued requests are left for the worker, however old.
	req, err := st.Get(ctx, waiting)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSubmitted, req.Status)

	msg := nextResult(t, queue)
	assert.Equal(t, stalled, msg.RequestId)
	assert.Equal(t, "user-1", msg.UserId)
	assert.Equal(t, types.StatusFailed, msg.Status)

	// A later sweep leaves the failed request alone.
	failed, err = reaper.FailStalled(ctx, now.Add(20*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, failed)
}
