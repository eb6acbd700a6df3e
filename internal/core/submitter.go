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

	"github.com/google/uuid"
)

const (
	DefaultUserId = "anonymous"

	publishTimeout  = 10 * time.Second
	rollbackTimeout = 5 * time.Second
)

type Upload struct {
	Filename    string
	ContentType string
	UserId      string
	Data        []byte
}

// Submitter accepts uploads: it validates the image, records the request and
// enqueues the work item, returning without waiting for the analysis.
type Submitter struct {
	store     store.Store
	publisher messaging.Publisher
	payloads  *PayloadStore
	maxBytes  int64
}

func NewSubmitter(store store.Store, publisher messaging.Publisher, payloads *PayloadStore, maxBytes int64) *Submitter {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxImageBytes
	}
	return &Submitter{
		store:     store,
		publisher: publisher,
		payloads:  payloads,
		maxBytes:  maxBytes,
	}
}

func (s *Submitter) MaxBytes() int64 {
	return s.maxBytes
}

func (s *Submitter) Submit(ctx context.Context, upload Upload) (*store.Request, error) {
	if !acceptableContentType(upload.ContentType) {
		return nil, fmt.Errorf("%w: content type '%s' is not an image", ErrInvalidPayload, upload.ContentType)
	}

	info, err := ValidateImage(upload.Data, s.maxBytes)
	if err != nil {
		return nil, err
	}

	contentType := upload.ContentType
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = info.ContentType()
	}

	userId := upload.UserId
	if userId == "" {
		userId = DefaultUserId
	}

	req := &store.Request{
		RequestId:   uuid.New(),
		UserId:      userId,
		Filename:    upload.Filename,
		ContentType: contentType,
		Size:        int64(len(upload.Data)),
		Status:      types.StatusSubmitted,
		SubmittedAt: time.Now().UTC(),
	}

	item := messaging.WorkItem{
		RequestId:   req.RequestId,
		UserId:      req.UserId,
		Filename:    req.Filename,
		ContentType: req.ContentType,
		SubmittedAt: req.SubmittedAt,
	}

	if s.payloads != nil {
		key, err := s.payloads.Save(ctx, req.RequestId, upload.Data)
		if err != nil {
			slog.Error("error offloading payload", "request_id", req.RequestId, "error", err)
			metrics.IncreaseAnalysisErrors(metrics.StageSubmit)
			return nil, fmt.Errorf("%w: %v", ErrEnqueueFailed, err)
		}
		req.PayloadKey = key
		item.PayloadKey = key
	} else {
		item.Data = upload.Data
	}

	if err := s.store.Create(ctx, req); err != nil {
		slog.Error("error creating request", "request_id", req.RequestId, "error", err)
		metrics.IncreaseAnalysisErrors(metrics.StageStore)
		s.removePayload(req)
		if !errors.Is(err, store.ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %v", store.ErrStoreUnavailable, err)
		}
		return nil, err
	}

	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := s.publisher.PublishWorkItem(publishCtx, item); err != nil {
		slog.Error("error publishing work item, rolling back request", "request_id", req.RequestId, "error", err)
		metrics.IncreaseAnalysisErrors(metrics.StageEnqueue)
		s.rollback(req)
		return nil, fmt.Errorf("%w: %v", ErrEnqueueFailed, err)
	}

	metrics.IncreaseImageUploads()
	slog.Info("request submitted", "request_id", req.RequestId, "user_id", req.UserId, "filename", req.Filename, "size", req.Size)

	return req, nil
}

// rollback removes every trace of a request whose work item never made it onto
// the queue, so a resubmission starts clean. It runs detached from the
// caller's context, which may already be cancelled.
func (s *Submitter) rollback(req *store.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
	defer cancel()

	if err := s.store.Delete(ctx, req.RequestId); err != nil {
		slog.Error("error rolling back request", "request_id", req.RequestId, "error", err)
	}
	s.removePayload(req)
}

func (s *Submitter) removePayload(req *store.Request) {
	if s.payloads == nil || req.PayloadKey == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
	defer cancel()

	if err := s.payloads.Remove(ctx, req.PayloadKey); err != nil {
		slog.Error("error removing payload", "request_id", req.RequestId, "key", req.PayloadKey, "error", err)
	}
}
