package store

import (
	"context"
	"fmt"
	"image-analysis-backend/internal/core/types"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	request Request
	result  *Result
}

// MemoryStore keeps correlation state in process. It is only shared between
// components running in the same binary.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*memoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[uuid.UUID]*memoryEntry)}
}

func copyRequest(r Request) *Request {
	out := r
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

func copyResult(r Result) *Result {
	out := r
	out.Predictions = append([]types.Prediction(nil), r.Predictions...)
	return &out
}

func (s *MemoryStore) Create(ctx context.Context, req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[req.RequestId]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, req.RequestId)
	}

	entry := &memoryEntry{request: *copyRequest(*req)}
	if entry.request.Status == "" {
		entry.request.Status = types.StatusSubmitted
	}
	s.entries[req.RequestId] = entry
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, requestId uuid.UUID) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[requestId]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, requestId)
	}
	return copyRequest(entry.request), nil
}

func (s *MemoryStore) MarkProcessing(ctx context.Context, requestId uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[requestId]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, requestId)
	}
	if err := checkTransition(requestId, entry.request.Status, types.StatusProcessing); err != nil {
		return err
	}
	if entry.request.Status == types.StatusProcessing {
		return nil
	}

	now := time.Now().UTC()
	entry.request.Status = types.StatusProcessing
	entry.request.StartedAt = &now
	return nil
}

func (s *MemoryStore) finish(requestId uuid.UUID, status types.Status, result Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[requestId]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, requestId)
	}
	if err := checkTransition(requestId, entry.request.Status, status); err != nil {
		return err
	}

	if result.CompletedAt.IsZero() {
		result.CompletedAt = time.Now().UTC()
	}
	result.RequestId = requestId
	completedAt := result.CompletedAt

	entry.request.Status = status
	entry.request.CompletedAt = &completedAt
	entry.result = copyResult(result)
	return nil
}

func (s *MemoryStore) Complete(ctx context.Context, requestId uuid.UUID, result Result) error {
	result.Error = ""
	return s.finish(requestId, types.StatusCompleted, result)
}

func (s *MemoryStore) Fail(ctx context.Context, requestId uuid.UUID, cause string) error {
	return s.finish(requestId, types.StatusFailed, Result{Error: cause})
}

func (s *MemoryStore) GetResult(ctx context.Context, requestId uuid.UUID) (*Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[requestId]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, requestId)
	}
	if !entry.request.Status.Terminal() || entry.result == nil {
		return nil, fmt.Errorf("%w: request %s is %s", ErrNotReady, requestId, entry.request.Status)
	}
	return copyResult(*entry.result), nil
}

func (s *MemoryStore) Delete(ctx context.Context, requestId uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[requestId]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, requestId)
	}
	delete(s.entries, requestId)
	return nil
}

func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats Stats
	for _, entry := range s.entries {
		stats.add(entry.request.Status, 1)
	}
	return stats, nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, status types.Status) ([]Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	requests := make([]Request, 0)
	for _, entry := range s.entries {
		if entry.request.Status == status {
			requests = append(requests, *copyRequest(entry.request))
		}
	}
	sortBySubmission(requests)
	return requests, nil
}

func (s *MemoryStore) EvictTerminalBefore(ctx context.Context, cutoff time.Time) ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := make([]Request, 0)
	for id, entry := range s.entries {
		req := entry.request
		if req.Status.Terminal() && req.CompletedAt != nil && req.CompletedAt.Before(cutoff) {
			evicted = append(evicted, *copyRequest(req))
			delete(s.entries, id)
		}
	}
	sortBySubmission(evicted)
	return evicted, nil
}

func sortBySubmission(requests []Request) {
	sort.Slice(requests, func(i, j int) bool {
		return requests[i].SubmittedAt.Before(requests[j].SubmittedAt)
	})
}
