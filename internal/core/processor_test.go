package core

import (
	"context"
	"errors"
	"image"
	"image-analysis-backend/internal/core/types"
	"image-analysis-backend/internal/messaging"
	"image-analysis-backend/internal/store"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type processorFixture struct {
	store     *store.MemoryStore
	queue     *messaging.InMemoryQueue
	submitter *Submitter
	processor *TaskProcessor
}

func newProcessorFixture(t *testing.T, scorer Scorer, payloads *PayloadStore) processorFixture {
	st := store.NewMemoryStore()
	queue := messaging.NewInMemoryQueue(10)
	t.Cleanup(queue.Close)

	return processorFixture{
		store:     st,
		queue:     queue,
		submitter: NewSubmitter(st, queue, payloads, 0),
		processor: NewTaskProcessor(st, queue, queue.WorkReciever(), payloads, scorer, 2, time.Second),
	}
}

func nextResult(t *testing.T, queue *messaging.InMemoryQueue) messaging.ResultMessage {
	select {
	case task := <-queue.ResultReciever().Tasks():
		result, err := messaging.DecodeResult(task.Payload())
		require.NoError(t, err)
		return result
	case <-time.After(2 * time.Second):
		t.Fatal("no result published")
		return messaging.ResultMessage{}
	}
}

func assertNoResult(t *testing.T, queue *messaging.InMemoryQueue) {
	select {
	case <-queue.ResultReciever().Tasks():
		t.Fatal("unexpected result published")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestProcessTask_Completes(t *testing.T) {
	f := newProcessorFixture(t, NewPaletteScorer(DefaultTopK), nil)
	ctx := context.Background()

	req, err := f.submitter.Submit(ctx, Upload{Filename: "red.png", Data: redPNG(t), UserId: "u1"})
	require.NoError(t, err)

	task, _ := nextWorkItem(t, f.queue)
	f.processor.ProcessTask(task)

	stored, err := f.store.Get(ctx, req.RequestId)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, stored.Status)
	assert.NotNil(t, stored.StartedAt)

	result, err := f.store.GetResult(ctx, req.RequestId)
	require.NoError(t, err)
	require.NotEmpty(t, result.Predictions)
	for _, p := range result.Predictions {
		assert.GreaterOrEqual(t, p.Confidence, 0.0)
		assert.LessOrEqual(t, p.Confidence, 1.0)
	}
	assert.Equal(t, "palette", result.Model)
	assert.Equal(t, 10, result.ImageWidth)

	msg := nextResult(t, f.queue)
	assert.Equal(t, req.RequestId, msg.RequestId)
	assert.Equal(t, "u1", msg.UserId)
	assert.Equal(t, types.StatusCompleted, msg.Status)
	assert.Equal(t, result.Predictions, msg.Predictions)
}

func TestProcessTask_ScoringFailureIsRecorded(t *testing.T) {
	scorer := funcScorer(func(ctx context.Context, img image.Image) ([]types.Prediction, error) {
		return nil, errors.New("unsupported input")
	})
	f := newProcessorFixture(t, scorer, nil)
	ctx := context.Background()

	req, err := f.submitter.Submit(ctx, Upload{Filename: "red.png", Data: redPNG(t)})
	require.NoError(t, err)

	task, _ := nextWorkItem(t, f.queue)
	f.processor.ProcessTask(task)

	stored, err := f.store.Get(ctx, req.RequestId)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, stored.Status)

	result, err := f.store.GetResult(ctx, req.RequestId)
	require.NoError(t, err)
	assert.Contains(t, result.Error, "unsupported input")

	msg := nextResult(t, f.queue)
	assert.Equal(t, types.StatusFailed, msg.Status)
	assert.Contains(t, msg.Error, "unsupported input")

	// Not re-enqueued.
	select {
	case <-f.queue.WorkReciever().Tasks():
		t.Fatal("failed request must not be re-enqueued")
	default:
	}
}

func TestProcessTask_ScorerPanicIsRecorded(t *testing.T) {
	scorer := funcScorer(func(ctx context.Context, img image.Image) ([]types.Prediction, error) {
		panic("index out of range")
	})
	f := newProcessorFixture(t, scorer, nil)
	ctx := context.Background()

	req, err := f.submitter.Submit(ctx, Upload{Filename: "red.png", Data: redPNG(t)})
	require.NoError(t, err)

	task, _ := nextWorkItem(t, f.queue)
	f.processor.ProcessTask(task)

	result, err := f.store.GetResult(ctx, req.RequestId)
	require.NoError(t, err)
	assert.Contains(t, result.Error, "panicked")
}

func TestProcessTask_ClampsScorerOutput(t *testing.T) {
	scorer := funcScorer(func(ctx context.Context, img image.Image) ([]types.Prediction, error) {
		return []types.Prediction{{Label: "low", Confidence: -1}, {Label: "high", Confidence: 7}}, nil
	})
	f := newProcessorFixture(t, scorer, nil)
	ctx := context.Background()

	req, err := f.submitter.Submit(ctx, Upload{Filename: "red.png", Data: redPNG(t)})
	require.NoError(t, err)

	task, _ := nextWorkItem(t, f.queue)
	f.processor.ProcessTask(task)

	result, err := f.store.GetResult(ctx, req.RequestId)
	require.NoError(t, err)
	assert.Equal(t, []types.Prediction{{Label: "high", Confidence: 1}, {Label: "low", Confidence: 0}}, result.Predictions)
}

func TestProcessTask_RedeliveryDoesNotOverwrite(t *testing.T) {
	calls := 0
	scorer := funcScorer(func(ctx context.Context, img image.Image) ([]types.Prediction, error) {
		calls++
		return []types.Prediction{{Label: "first", Confidence: 0.5}}, nil
	})
	f := newProcessorFixture(t, scorer, nil)
	ctx := context.Background()

	req, err := f.submitter.Submit(ctx, Upload{Filename: "red.png", Data: redPNG(t)})
	require.NoError(t, err)

	task, _ := nextWorkItem(t, f.queue)
	f.processor.ProcessTask(task)
	nextResult(t, f.queue)

	redelivered := &fakeTask{queue: messaging.WorkQueue, payload: task.Payload()}
	f.processor.ProcessTask(redelivered)

	assert.True(t, redelivered.acked)
	assert.Equal(t, 1, calls)
	assertNoResult(t, f.queue)

	result, err := f.store.GetResult(ctx, req.RequestId)
	require.NoError(t, err)
	assert.Equal(t, "first", result.Predictions[0].Label)
}

func TestProcessTask_MalformedAndUnknown(t *testing.T) {
	f := newProcessorFixture(t, NewPaletteScorer(DefaultTopK), nil)

	malformed := &fakeTask{queue: messaging.WorkQueue, payload: []byte("{not json")}
	f.processor.ProcessTask(malformed)
	assert.True(t, malformed.rejected)

	wrongQueue := &fakeTask{queue: "other", payload: []byte("{}")}
	f.processor.ProcessTask(wrongQueue)
	assert.True(t, wrongQueue.rejected)

	payload, err := messaging.EncodeWorkItem(messaging.WorkItem{RequestId: uuid.New(), Data: redPNG(t)})
	require.NoError(t, err)
	unknown := &fakeTask{queue: messaging.WorkQueue, payload: payload}
	f.processor.ProcessTask(unknown)
	assert.True(t, unknown.acked)
	assertNoResult(t, f.queue)
}

func TestProcessTask_OffloadedPayload(t *testing.T) {
	payloads, _ := newPayloadStore(t)
	f := newProcessorFixture(t, NewPaletteScorer(DefaultTopK), payloads)
	ctx := context.Background()

	req, err := f.submitter.Submit(ctx, Upload{Filename: "red.png", Data: redPNG(t)})
	require.NoError(t, err)

	task, _ := nextWorkItem(t, f.queue)
	f.processor.ProcessTask(task)

	stored, err := f.store.Get(ctx, req.RequestId)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, stored.Status)

	// Payloads are dropped once the request is finished.
	_, err = payloads.Load(ctx, req.PayloadKey)
	assert.Error(t, err)
}

func TestTaskProcessor_StartAndStop(t *testing.T) {
	f := newProcessorFixture(t, NewPaletteScorer(DefaultTopK), nil)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		f.processor.Start()
		close(done)
	}()

	ids := make([]uuid.UUID, 0, 3)
	for i := 0; i < 3; i++ {
		req, err := f.submitter.Submit(ctx, Upload{Filename: "red.png", Data: redPNG(t)})
		require.NoError(t, err)
		ids = append(ids, req.RequestId)
	}

	seen := map[uuid.UUID]bool{}
	for range ids {
		seen[nextResult(t, f.queue).RequestId] = true
	}
	for _, id := range ids {
		assert.True(t, seen[id])
	}

	f.processor.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("processor did not stop")
	}
}

func TestRecoverPending(t *testing.T) {
	st := store.NewMemoryStore()
	queue := messaging.NewInMemoryQueue(10)
	defer queue.Close()
	ctx := context.Background()

	offloaded := &store.Request{RequestId: uuid.New(), PayloadKey: "uploads/x", SubmittedAt: time.Now().UTC()}
	inline := &store.Request{RequestId: uuid.New(), SubmittedAt: time.Now().UTC()}
	started := &store.Request{RequestId: uuid.New(), PayloadKey: "uploads/y", SubmittedAt: time.Now().UTC()}
	startedInline := &store.Request{RequestId: uuid.New(), SubmittedAt: time.Now().UTC()}
	for _, req := range []*store.Request{offloaded, inline, started, startedInline} {
		require.NoError(t, st.Create(ctx, req))
	}
	require.NoError(t, st.MarkProcessing(ctx, started.RequestId))
	require.NoError(t, st.MarkProcessing(ctx, startedInline.RequestId))

	requeued, err := RecoverPending(ctx, st, queue)
	require.NoError(t, err)
	assert.Equal(t, 2, requeued)

	keys := map[uuid.UUID]string{}
	for range 2 {
		_, item := nextWorkItem(t, queue)
		keys[item.RequestId] = item.PayloadKey
	}
	assert.Equal(t, map[uuid.UUID]string{
		offloaded.RequestId: "uploads/x",
		started.RequestId:   "uploads/y",
	}, keys)

	for _, id := range []uuid.UUID{inline.RequestId, startedInline.RequestId} {
		req, err := st.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusFailed, req.Status)
	}
}

func newOutageFixture(t *testing.T) (*outageStore, *messaging.InMemoryQueue, *Submitter, *TaskProcessor) {
	st := newOutageStore()
	queue := messaging.NewInMemoryQueue(10)
	t.Cleanup(queue.Close)

	submitter := NewSubmitter(st, queue, nil, 0)
	processor := NewTaskProcessor(st, queue, queue.WorkReciever(), nil, NewPaletteScorer(DefaultTopK), 1, time.Second)
	return st, queue, submitter, processor
}

func TestProcessTask_RetriesBriefStoreOutage(t *testing.T) {
	st, queue, submitter, processor := newOutageFixture(t)
	ctx := context.Background()

	req, err := submitter.Submit(ctx, Upload{Filename: "red.png", Data: redPNG(t), UserId: "u1"})
	require.NoError(t, err)

	delivered, _ := nextWorkItem(t, queue)
	task := &fakeTask{queue: messaging.WorkQueue, payload: delivered.Payload()}

	st.setOutages(0, 1, storeWriteAttempts-1)
	processor.ProcessTask(task)

	assert.True(t, task.acked)
	assert.False(t, task.nacked)
	assert.Equal(t, storeWriteAttempts, st.completeCalls)

	stored, err := st.Get(ctx, req.RequestId)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, stored.Status)
	assert.Equal(t, types.StatusCompleted, nextResult(t, queue).Status)
}

func TestProcessTask_RedeliversOnStoreOutage(t *testing.T) {
	for _, tc := range []struct {
		name           string
		markOutages    int
		completeOutage int
		statusAfter    types.Status
	}{
		{name: "MarkProcessing", markOutages: storeWriteAttempts, statusAfter: types.StatusSubmitted},
		{name: "Complete", completeOutage: storeWriteAttempts, statusAfter: types.StatusProcessing},
	} {
		t.Run(tc.name, func(t *testing.T) {
			st, queue, submitter, processor := newOutageFixture(t)
			ctx := context.Background()

			req, err := submitter.Submit(ctx, Upload{Filename: "red.png", Data: redPNG(t), UserId: "u1"})
			require.NoError(t, err)

			st.setOutages(0, tc.markOutages, tc.completeOutage)

			task, _ := nextWorkItem(t, queue)
			processor.ProcessTask(task)

			stored, err := st.Get(ctx, req.RequestId)
			require.NoError(t, err)
			assert.Equal(t, tc.statusAfter, stored.Status)
			assertNoResult(t, queue)

			// The work item comes back and finishes once the store recovers.
			redelivered, item := nextWorkItem(t, queue)
			assert.Equal(t, req.RequestId, item.RequestId)
			processor.ProcessTask(redelivered)

			stored, err = st.Get(ctx, req.RequestId)
			require.NoError(t, err)
			assert.Equal(t, types.StatusCompleted, stored.Status)
			assert.Equal(t, types.StatusCompleted, nextResult(t, queue).Status)
		})
	}
}

func TestProcessTask_NacksWhenStoreStaysDown(t *testing.T) {
	st, queue, submitter, processor := newOutageFixture(t)
	ctx := context.Background()

	_, err := submitter.Submit(ctx, Upload{Filename: "red.png", Data: redPNG(t), UserId: "u1"})
	require.NoError(t, err)

	delivered, _ := nextWorkItem(t, queue)
	task := &fakeTask{queue: messaging.WorkQueue, payload: delivered.Payload()}

	st.setOutages(0, 0, storeWriteAttempts)
	processor.ProcessTask(task)

	assert.True(t, task.nacked)
	assert.False(t, task.acked)
	assert.False(t, task.rejected)
}
