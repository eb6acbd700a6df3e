package api

import (
	"errors"
	"fmt"
	"image-analysis-backend/internal/core"
	"image-analysis-backend/internal/core/types"
	"image-analysis-backend/internal/notify"
	"image-analysis-backend/internal/store"
	"image-analysis-backend/pkg/api"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	requestTimeout = 60 * time.Second

	DefaultStreamPollInterval = 500 * time.Millisecond

	multipartMemory = 32 << 20
)

type BackendService struct {
	store     store.Store
	submitter *core.Submitter
	reaper    *core.Reaper
	hub       *notify.Hub

	streamPollInterval time.Duration
}

func NewBackendService(store store.Store, submitter *core.Submitter, reaper *core.Reaper, hub *notify.Hub) *BackendService {
	return &BackendService{
		store:              store,
		submitter:          submitter,
		reaper:             reaper,
		hub:                hub,
		streamPollInterval: DefaultStreamPollInterval,
	}
}

// SetStreamPollInterval changes how often result streams check the store.
func (s *BackendService) SetStreamPollInterval(interval time.Duration) {
	s.streamPollInterval = interval
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return map[string]string{"status": "healthy"}, nil }))

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))

		r.Post("/analyze-image", RestHandler(s.AnalyzeImage))
		r.Get("/status/{request_id}", RestHandler(s.GetStatus))
		r.Get("/result/{request_id}", RestHandler(s.GetResult))
		r.Get("/requests", RestHandler(s.ListRequests))
		r.Get("/stats", RestHandler(s.GetStats))
		r.Delete("/cleanup", RestHandler(s.Cleanup))
	})

	// Long lived, so not subject to the request timeout.
	r.Get("/results/{request_id}/stream", RestStreamHandler(s.StreamResult))
	r.Get("/ws/{user_id}", s.PushSession)
}

func storeError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return CodedErrorf(http.StatusNotFound, "request not found")
	case errors.Is(err, store.ErrNotReady):
		return CodedErrorf(http.StatusTooEarly, "analysis still in progress")
	default:
		return CodedError(http.StatusInternalServerError, fmt.Errorf("error reading correlation store: %w", err))
	}
}

func (s *BackendService) AnalyzeImage(r *http.Request) (any, error) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "invalid multipart form: %v", err)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "no file provided")
	}
	defer file.Close()

	maxBytes := s.submitter.MaxBytes()
	if header.Size > maxBytes {
		return nil, CodedErrorf(http.StatusBadRequest, "image too large (max %d bytes)", maxBytes)
	}

	// One extra byte lets the submitter tell an oversized stream apart.
	data, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "error reading uploaded file: %v", err)
	}

	upload := core.Upload{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		UserId:      r.FormValue("user_id"),
		Data:        data,
	}

	req, err := s.submitter.Submit(r.Context(), upload)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrInvalidPayload):
			return nil, CodedError(http.StatusBadRequest, err)
		case errors.Is(err, core.ErrEnqueueFailed):
			return nil, CodedErrorf(http.StatusServiceUnavailable, "unable to queue image for analysis, please retry")
		default:
			return nil, CodedError(http.StatusInternalServerError, err)
		}
	}

	if s.hub != nil {
		if err := s.hub.AttachUser(r.Context(), req.UserId, req.RequestId, req.Filename); err != nil {
			slog.Error("error attaching push sessions to upload", "request_id", req.RequestId, "user_id", req.UserId, "error", err)
		}
	}

	return api.SubmitResponse{
		RequestId: req.RequestId,
		Status:    "accepted",
		Filename:  req.Filename,
		SizeBytes: req.Size,
		Message:   "image queued for analysis",
	}, nil
}

func (s *BackendService) GetStatus(r *http.Request) (any, error) {
	requestId, err := URLParamUUID(r, "request_id")
	if err != nil {
		return nil, err
	}

	req, err := s.store.Get(r.Context(), requestId)
	if err != nil {
		return nil, storeError(err)
	}

	return convertStatus(req), nil
}

func (s *BackendService) GetResult(r *http.Request) (any, error) {
	requestId, err := URLParamUUID(r, "request_id")
	if err != nil {
		return nil, err
	}

	req, err := s.store.Get(r.Context(), requestId)
	if err != nil {
		return nil, storeError(err)
	}

	res, err := s.store.GetResult(r.Context(), requestId)
	if err != nil {
		return nil, storeError(err)
	}

	return convertResult(req, res), nil
}

const maxListedRequests = 1000

func (s *BackendService) ListRequests(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[api.ListRequestsParams](r)
	if err != nil {
		return nil, err
	}

	statuses := []types.Status{types.StatusSubmitted, types.StatusProcessing, types.StatusCompleted, types.StatusFailed}
	if params.Status != "" {
		status, err := types.ParseStatus(params.Status)
		if err != nil {
			return nil, CodedError(http.StatusBadRequest, err)
		}
		statuses = []types.Status{status}
	}

	limit := params.Limit
	if limit <= 0 || limit > maxListedRequests {
		limit = maxListedRequests
	}

	requests := make([]store.Request, 0)
	for _, status := range statuses {
		reqs, err := s.store.ListByStatus(r.Context(), status)
		if err != nil {
			return nil, storeError(err)
		}
		requests = append(requests, reqs...)
	}

	// Each status comes back in submission order; merge them before the limit
	// applies so it keeps the oldest requests overall.
	slices.SortStableFunc(requests, func(a, b store.Request) int {
		return a.SubmittedAt.Compare(b.SubmittedAt)
	})

	if len(requests) > limit {
		requests = requests[:limit]
	}

	return convertRequestSummaries(requests), nil
}

func (s *BackendService) GetStats(r *http.Request) (any, error) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		return nil, storeError(err)
	}

	sessions := 0
	if s.hub != nil {
		sessions = s.hub.ActiveSessions()
	}

	return convertStats(stats, sessions), nil
}

// Cleanup evicts every finished request right away instead of waiting for the
// retention window. Pending requests are kept.
func (s *BackendService) Cleanup(r *http.Request) (any, error) {
	evicted, err := s.reaper.Sweep(r.Context(), time.Now().UTC())
	if err != nil {
		return nil, CodedError(http.StatusInternalServerError, err)
	}

	slog.Info("cleanup requested", "evicted", evicted)

	return api.CleanupResponse{
		Message: fmt.Sprintf("cleaned up %d finished requests", evicted),
		Evicted: evicted,
	}, nil
}

// StreamResult emits the status of a request every time it changes and ends
// with the result once the request is finished.
func (s *BackendService) StreamResult(r *http.Request) (StreamResponse, error) {
	requestId, err := URLParamUUID(r, "request_id")
	if err != nil {
		return nil, err
	}

	ctx := r.Context()
	if _, err := s.store.Get(ctx, requestId); err != nil {
		return nil, storeError(err)
	}

	return func(yield func(any, error) bool) {
		ticker := time.NewTicker(s.streamPollInterval)
		defer ticker.Stop()

		var last types.Status
		for {
			req, err := s.store.Get(ctx, requestId)
			if err != nil {
				yield(nil, storeError(err))
				return
			}

			if req.Status != last {
				last = req.Status

				if req.Status.Terminal() {
					res, err := s.store.GetResult(ctx, requestId)
					if err != nil {
						yield(nil, storeError(err))
						return
					}
					yield(convertResult(req, res), nil)
					return
				}

				if !yield(convertStatus(req), nil) {
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}, nil
}
