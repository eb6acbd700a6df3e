package core

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image-analysis-backend/internal/core/types"
	"image-analysis-backend/internal/core/utils"
	"image-analysis-backend/internal/messaging"
	"image-analysis-backend/internal/metrics"
	"image-analysis-backend/internal/store"
	"log/slog"
	"time"
)

const (
	DefaultScoreTimeout = 60 * time.Second

	resultPublishTimeout = 5 * time.Second

	storeWriteAttempts = 3
	storeRetryDelay    = 100 * time.Millisecond
)

// TaskProcessor consumes work items, scores them and records the outcome.
// Scoring failures become Failed results and are never retried. When the store
// stays unavailable after a few attempts the message is nacked so it is
// delivered again; picking up a processing request again is a no-op.
type TaskProcessor struct {
	store     store.Store
	publisher messaging.Publisher
	reciever  messaging.Reciever
	payloads  *PayloadStore
	scorer    Scorer

	concurrency  int
	scoreTimeout time.Duration
}

func NewTaskProcessor(store store.Store, publisher messaging.Publisher, reciever messaging.Reciever, payloads *PayloadStore, scorer Scorer, concurrency int, scoreTimeout time.Duration) *TaskProcessor {
	if scoreTimeout <= 0 {
		scoreTimeout = DefaultScoreTimeout
	}
	return &TaskProcessor{
		store:        store,
		publisher:    publisher,
		reciever:     reciever,
		payloads:     payloads,
		scorer:       scorer,
		concurrency:  max(concurrency, 1),
		scoreTimeout: scoreTimeout,
	}
}

// Start blocks until the reciever is closed and closes the publisher on
// return.
func (proc *TaskProcessor) Start() {
	slog.Info("starting task processor", "workers", proc.concurrency, "scorer", proc.scorer.Name())

	completed := make(chan utils.CompletedTask[string])
	utils.RunInPool(func(task messaging.Task) (string, error) {
		proc.ProcessTask(task)
		return task.Type(), nil
	}, proc.reciever.Tasks(), completed, proc.concurrency)

	for range completed {
	}

	// Results of the last in flight tasks are published before this point.
	proc.publisher.Close()

	slog.Info("task processor stopped")
}

// Stop ends deliveries. Start returns once in flight tasks are finished.
func (proc *TaskProcessor) Stop() {
	slog.Info("stopping task processor")

	proc.reciever.Close()
}

func (proc *TaskProcessor) ProcessTask(task messaging.Task) {
	ctx := context.Background()

	var err error
	switch task.Type() {
	case messaging.WorkQueue:
		item, decodeErr := messaging.DecodeWorkItem(task.Payload())
		if decodeErr != nil {
			slog.Error("error decoding work item", "error", decodeErr)
			metrics.IncreaseAnalysisErrors(metrics.StageDecode)
			if err := task.Reject(); err != nil { // discard malformed message
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = proc.processWorkItem(ctx, item)

	default:
		slog.Error("received unknown task type", "queue", task.Type())
		if err := task.Reject(); err != nil {
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	if err != nil {
		slog.Error("error processing task, returning it to the queue", "queue", task.Type(), "error", err)
		if err := task.Nack(); err != nil {
			slog.Error("error reporting processing failure on message from queue", "error", err)
		}
	} else {
		if err := task.Ack(); err != nil {
			slog.Error("error acknowledging message from queue", "error", err)
		}
	}
}

// processWorkItem returns an error only when the outcome could not be
// recorded. Redeliveries of finished requests are skipped.
func (proc *TaskProcessor) processWorkItem(ctx context.Context, item messaging.WorkItem) error {
	requestId := item.RequestId

	req, err := proc.store.Get(ctx, requestId)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("work item for unknown request, skipping", "request_id", requestId)
		return nil
	}
	if err != nil {
		metrics.IncreaseAnalysisErrors(metrics.StageStore)
		return fmt.Errorf("error loading request %s: %w", requestId, err)
	}
	if req.Status.Terminal() {
		slog.Info("request already finished, skipping redelivered work item", "request_id", requestId, "status", req.Status)
		return nil
	}

	err = withStoreRetry(ctx, func() error { return proc.store.MarkProcessing(ctx, requestId) })
	if err != nil {
		if errors.Is(err, store.ErrAlreadyTerminal) || errors.Is(err, store.ErrNotFound) {
			slog.Info("request changed before pickup, skipping", "request_id", requestId, "error", err)
			return nil
		}
		metrics.IncreaseAnalysisErrors(metrics.StageStore)
		return fmt.Errorf("error marking request %s as processing: %w", requestId, err)
	}

	slog.Info("processing request", "request_id", requestId, "filename", item.Filename)

	start := time.Now()
	result, analyzeErr := proc.analyze(ctx, item)
	duration := time.Since(start)
	metrics.ObserveAnalysisDuration(duration)

	completedAt := time.Now().UTC()
	msg := messaging.ResultMessage{
		RequestId:      requestId,
		UserId:         item.UserId,
		Model:          proc.scorer.Name(),
		ProcessingTime: duration.Seconds(),
		CompletedAt:    completedAt,
	}

	if analyzeErr != nil {
		slog.Warn("analysis failed", "request_id", requestId, "error", analyzeErr)
		msg.Status = types.StatusFailed
		msg.Error = analyzeErr.Error()
		err = withStoreRetry(ctx, func() error { return proc.store.Fail(ctx, requestId, msg.Error) })
	} else {
		result.Model = msg.Model
		result.ProcessingTime = duration
		result.CompletedAt = completedAt

		msg.Status = types.StatusCompleted
		msg.Predictions = result.Predictions
		msg.ImageWidth = result.ImageWidth
		msg.ImageHeight = result.ImageHeight
		err = withStoreRetry(ctx, func() error { return proc.store.Complete(ctx, requestId, result) })
	}

	if errors.Is(err, store.ErrAlreadyTerminal) || errors.Is(err, store.ErrNotFound) {
		slog.Info("request finished elsewhere, discarding duplicate result", "request_id", requestId, "error", err)
		return nil
	}
	if err != nil {
		metrics.IncreaseAnalysisErrors(metrics.StageStore)
		return fmt.Errorf("error saving result for request %s: %w", requestId, err)
	}

	metrics.IncreaseAnalysisRequests(string(msg.Status))
	slog.Info("request finished", "request_id", requestId, "status", msg.Status, "duration", duration)

	proc.removePayload(ctx, item)
	proc.publishResult(msg)

	return nil
}

// withStoreRetry retries op with backoff while the store reports an outage.
func withStoreRetry(ctx context.Context, op func() error) error {
	delay := storeRetryDelay
	for attempt := 1; ; attempt++ {
		err := op()
		if err == nil || !errors.Is(err, store.ErrStoreUnavailable) || attempt == storeWriteAttempts {
			return err
		}

		slog.Warn("correlation store unavailable, retrying", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func (proc *TaskProcessor) analyze(ctx context.Context, item messaging.WorkItem) (store.Result, error) {
	data := item.Data
	if item.PayloadKey != "" {
		if proc.payloads == nil {
			return store.Result{}, fmt.Errorf("payload %s was offloaded but no payload store is configured", item.PayloadKey)
		}
		loaded, err := proc.payloads.Load(ctx, item.PayloadKey)
		if err != nil {
			return store.Result{}, err
		}
		data = loaded
	}

	img, info, err := DecodeImage(data)
	if err != nil {
		metrics.IncreaseAnalysisErrors(metrics.StageDecode)
		return store.Result{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	scoreCtx, cancel := context.WithTimeout(ctx, proc.scoreTimeout)
	defer cancel()

	preds, err := proc.score(scoreCtx, img)
	if err != nil {
		metrics.IncreaseAnalysisErrors(metrics.StageScore)
		return store.Result{}, fmt.Errorf("%w: %v", ErrScoringFailed, err)
	}

	return store.Result{
		Predictions: preds,
		ImageWidth:  info.Width,
		ImageHeight: info.Height,
	}, nil
}

func (proc *TaskProcessor) score(ctx context.Context, img image.Image) (preds []types.Prediction, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scorer panicked: %v", r)
		}
	}()

	preds, err = proc.scorer.Score(ctx, img)
	if err != nil {
		return nil, err
	}

	for i := range preds {
		preds[i].Confidence = types.ClampConfidence(preds[i].Confidence)
	}
	return types.RankPredictions(preds, 0), nil
}

func (proc *TaskProcessor) removePayload(ctx context.Context, item messaging.WorkItem) {
	if proc.payloads == nil || item.PayloadKey == "" {
		return
	}
	if err := proc.payloads.Remove(ctx, item.PayloadKey); err != nil {
		slog.Warn("error removing processed payload", "request_id", item.RequestId, "error", err)
	}
}

// publishResult notifies push listeners. The store already holds the result,
// so a failed publish only delays delivery until the caller polls or
// reconnects.
func (proc *TaskProcessor) publishResult(msg messaging.ResultMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), resultPublishTimeout)
	defer cancel()

	if err := proc.publisher.PublishResult(ctx, msg); err != nil {
		slog.Error("error publishing result", "request_id", msg.RequestId, "error", err)
		metrics.IncreaseAnalysisErrors(metrics.StagePublish)
	}
}

// RecoverPending re-publishes work items for requests that were recorded but
// never finished, for example after a restart of a single process deployment
// whose in-memory queue was lost. Offloaded payloads are re-sent by key and a
// request that was already processing is simply picked up again. Inline
// payloads cannot be recovered and those requests are failed.
func RecoverPending(ctx context.Context, s store.Store, publisher messaging.Publisher) (int, error) {
	pending := make([]store.Request, 0)
	for _, status := range []types.Status{types.StatusSubmitted, types.StatusProcessing} {
		reqs, err := s.ListByStatus(ctx, status)
		if err != nil {
			return 0, fmt.Errorf("error listing %s requests: %w", status, err)
		}
		pending = append(pending, reqs...)
	}

	requeued := 0
	for _, req := range pending {
		if req.PayloadKey == "" {
			if err := s.Fail(ctx, req.RequestId, "image payload lost before processing finished, please resubmit"); err != nil {
				slog.Error("error failing unrecoverable request", "request_id", req.RequestId, "error", err)
			}
			continue
		}

		item := messaging.WorkItem{
			RequestId:   req.RequestId,
			UserId:      req.UserId,
			Filename:    req.Filename,
			ContentType: req.ContentType,
			PayloadKey:  req.PayloadKey,
			SubmittedAt: req.SubmittedAt,
		}
		if err := publisher.PublishWorkItem(ctx, item); err != nil {
			return requeued, fmt.Errorf("error requeueing request %s: %w", req.RequestId, err)
		}
		requeued++
	}

	if len(pending) > 0 {
		slog.Info("recovered pending requests", "requeued", requeued, "failed", len(pending)-requeued)
	}
	return requeued, nil
}
