package store

import (
	"context"
	"errors"
	"fmt"
	"image-analysis-backend/internal/core/types"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("request not found")
	ErrNotReady          = errors.New("result not ready")
	ErrAlreadyTerminal   = errors.New("request already in terminal state")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrDuplicateKey      = errors.New("request id already exists")
	ErrStoreUnavailable  = errors.New("correlation store unavailable")
)

type Request struct {
	RequestId   uuid.UUID
	UserId      string
	Filename    string
	ContentType string
	Size        int64
	PayloadKey  string

	Status      types.Status
	SubmittedAt time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

type Result struct {
	RequestId      uuid.UUID
	Predictions    []types.Prediction
	Error          string
	Model          string
	ProcessingTime time.Duration
	ImageWidth     int
	ImageHeight    int
	CompletedAt    time.Time
}

type Stats struct {
	Total      int64
	Submitted  int64
	Processing int64
	Completed  int64
	Failed     int64
}

func (s *Stats) add(status types.Status, n int64) {
	s.Total += n
	switch status {
	case types.StatusSubmitted:
		s.Submitted += n
	case types.StatusProcessing:
		s.Processing += n
	case types.StatusCompleted:
		s.Completed += n
	case types.StatusFailed:
		s.Failed += n
	}
}

// Store maps request ids to their lifecycle state. Entries are created once by
// the submitter and only ever advanced forward by the worker.
type Store interface {
	Create(ctx context.Context, req *Request) error
	Get(ctx context.Context, requestId uuid.UUID) (*Request, error)

	// MarkProcessing is a no-op for a request that is already processing so
	// that a redelivered work item can be picked up again.
	MarkProcessing(ctx context.Context, requestId uuid.UUID) error
	Complete(ctx context.Context, requestId uuid.UUID, result Result) error
	Fail(ctx context.Context, requestId uuid.UUID, cause string) error

	// GetResult returns ErrNotReady until the request is terminal. Failed
	// requests return a result carrying the cause in Error.
	GetResult(ctx context.Context, requestId uuid.UUID) (*Result, error)

	Delete(ctx context.Context, requestId uuid.UUID) error
	Stats(ctx context.Context) (Stats, error)
	ListByStatus(ctx context.Context, status types.Status) ([]Request, error)

	// EvictTerminalBefore removes terminal requests completed before cutoff
	// and returns what was removed.
	EvictTerminalBefore(ctx context.Context, cutoff time.Time) ([]Request, error)
}

func checkTransition(requestId uuid.UUID, from, to types.Status) error {
	if from.Terminal() {
		return fmt.Errorf("%w: request %s is %s", ErrAlreadyTerminal, requestId, from)
	}
	if to.Rank() < from.Rank() || (to == from && to != types.StatusProcessing) ||
		(from == types.StatusSubmitted && to == types.StatusCompleted) {
		return fmt.Errorf("%w: request %s cannot move from %s to %s", ErrInvalidTransition, requestId, from, to)
	}
	return nil
}
