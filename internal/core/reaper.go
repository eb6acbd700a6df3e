package core

import (
	"context"
	"errors"
	"fmt"
	"image-analysis-backend/internal/core/types"
	"image-analysis-backend/internal/messaging"
	"image-analysis-backend/internal/metrics"
	"image-analysis-backend/internal/store"
	"log/slog"
	"time"
)

const (
	DefaultResultRetention = time.Hour
	DefaultRetentionSweep  = time.Minute

	// Must stay well above the score timeout.
	DefaultProcessingTimeout = 10 * time.Minute
)

// Reaper evicts finished requests once they are older than the retention
// window, together with any offloaded payloads they left behind. It also fails
// requests whose processing outlived the processing timeout, so every request
// eventually reaches a terminal state.
type Reaper struct {
	store     store.Store
	payloads  *PayloadStore
	publisher messaging.Publisher
	retention time.Duration
	interval  time.Duration

	processingTimeout time.Duration
}

func NewReaper(store store.Store, payloads *PayloadStore, retention, interval time.Duration) *Reaper {
	if retention <= 0 {
		retention = DefaultResultRetention
	}
	if interval <= 0 {
		interval = DefaultRetentionSweep
	}
	return &Reaper{
		store:             store,
		payloads:          payloads,
		retention:         retention,
		interval:          interval,
		processingTimeout: DefaultProcessingTimeout,
	}
}

func (r *Reaper) SetProcessingTimeout(timeout time.Duration) {
	if timeout > 0 {
		r.processingTimeout = timeout
	}
}

// SetPublisher makes the reaper announce the requests it fails on the results
// channel, so push sessions waiting on them are told.
func (r *Reaper) SetPublisher(publisher messaging.Publisher) {
	r.publisher = publisher
}

func (r *Reaper) Retention() time.Duration {
	return r.retention
}

// Sweep evicts terminal requests completed before cutoff and returns how many
// were removed. Requests that are still pending are never touched.
func (r *Reaper) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	evicted, err := r.store.EvictTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("error evicting requests: %w", err)
	}

	for _, req := range evicted {
		if r.payloads == nil || req.PayloadKey == "" {
			continue
		}
		if err := r.payloads.Remove(ctx, req.PayloadKey); err != nil {
			slog.Warn("error removing payload of evicted request", "request_id", req.RequestId, "error", err)
		}
	}

	// Uploads in flight have a payload but no request yet, so orphans always
	// get the full retention window.
	orphanCutoff := time.Now().UTC().Add(-r.retention)
	if cutoff.Before(orphanCutoff) {
		orphanCutoff = cutoff
	}
	orphans, err := r.sweepOrphanedPayloads(ctx, orphanCutoff)
	if err != nil {
		slog.Warn("error sweeping orphaned payloads", "error", err)
	}

	metrics.IncreaseRetentionEvicted(len(evicted))
	if len(evicted) > 0 || orphans > 0 {
		slog.Info("retention sweep finished", "evicted", len(evicted), "orphaned_payloads", orphans, "cutoff", cutoff)
	}

	return len(evicted), nil
}

// sweepOrphanedPayloads removes payloads older than cutoff whose request no
// longer exists, left behind when a process died between upload and enqueue.
func (r *Reaper) sweepOrphanedPayloads(ctx context.Context, cutoff time.Time) (int, error) {
	if r.payloads == nil {
		return 0, nil
	}

	payloads, err := r.payloads.List(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, p := range payloads {
		if !p.LastModified.Before(cutoff) {
			continue
		}
		if _, err := r.store.Get(ctx, p.RequestId); !errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err := r.payloads.Remove(ctx, p.Key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// FailStalled fails requests that started processing more than the processing
// timeout before now. Their worker died or lost the store for good, and the
// broker will not deliver the work again.
func (r *Reaper) FailStalled(ctx context.Context, now time.Time) (int, error) {
	processing, err := r.store.ListByStatus(ctx, types.StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("error listing processing requests: %w", err)
	}

	cutoff := now.Add(-r.processingTimeout)
	cause := fmt.Sprintf("analysis did not finish within %s, please resubmit", r.processingTimeout)

	failed := 0
	for _, req := range processing {
		if req.StartedAt == nil || !req.StartedAt.Before(cutoff) {
			continue
		}

		err := r.store.Fail(ctx, req.RequestId, cause)
		if errors.Is(err, store.ErrAlreadyTerminal) || errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return failed, fmt.Errorf("error failing stalled request %s: %w", req.RequestId, err)
		}

		slog.Warn("failed stalled request", "request_id", req.RequestId, "started_at", req.StartedAt)
		metrics.IncreaseAnalysisRequests(string(types.StatusFailed))
		failed++

		r.announceFailure(req, cause, now)
	}
	return failed, nil
}

func (r *Reaper) announceFailure(req store.Request, cause string, at time.Time) {
	if r.publisher == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), resultPublishTimeout)
	defer cancel()

	msg := messaging.ResultMessage{
		RequestId:   req.RequestId,
		UserId:      req.UserId,
		Status:      types.StatusFailed,
		Error:       cause,
		CompletedAt: at.UTC(),
	}
	if err := r.publisher.PublishResult(ctx, msg); err != nil {
		slog.Error("error publishing stalled request failure", "request_id", req.RequestId, "error", err)
	}
}

func (r *Reaper) SweepExpired(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	if _, err := r.FailStalled(ctx, now); err != nil {
		slog.Error("error failing stalled requests", "error", err)
	}
	return r.Sweep(ctx, now.Add(-r.retention))
}

// Run sweeps on every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	slog.Info("starting retention reaper", "retention", r.retention, "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("stopping retention reaper")
			return nil
		case <-ticker.C:
			if _, err := r.SweepExpired(ctx); err != nil {
				slog.Error("retention sweep failed", "error", err)
			}
		}
	}
}
