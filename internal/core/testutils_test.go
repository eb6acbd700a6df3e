package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image-analysis-backend/internal/core/types"
	"image-analysis-backend/internal/messaging"
	"image-analysis-backend/internal/store"
	"image/color"
	"image/png"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/stretchr/testify/require"
)

func solidImage(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func redPNG(t *testing.T) []byte {
	return encodePNG(t, solidImage(10, 10, color.RGBA{R: 255, A: 255}))
}

type fakeTask struct {
	queue    string
	payload  []byte
	acked    bool
	nacked   bool
	rejected bool
}

func (t *fakeTask) Type() string    { return t.queue }
func (t *fakeTask) Payload() []byte { return t.payload }
func (t *fakeTask) Ack() error      { t.acked = true; return nil }
func (t *fakeTask) Nack() error     { t.nacked = true; return nil }
func (t *fakeTask) Reject() error   { t.rejected = true; return nil }

type failingPublisher struct{}

func (failingPublisher) PublishWorkItem(ctx context.Context, item messaging.WorkItem) error {
	return errors.New("broker unreachable")
}

func (failingPublisher) PublishResult(ctx context.Context, result messaging.ResultMessage) error {
	return errors.New("broker unreachable")
}

func (failingPublisher) Close() {}

type funcScorer func(ctx context.Context, img image.Image) ([]types.Prediction, error)

func (f funcScorer) Score(ctx context.Context, img image.Image) ([]types.Prediction, error) {
	return f(ctx, img)
}

func (f funcScorer) Name() string { return "test" }

// outageStore fails the next n calls of an operation with ErrStoreUnavailable
// and otherwise behaves like the wrapped memory store.
type outageStore struct {
	*store.MemoryStore

	mu              sync.Mutex
	createOutages   int
	markOutages     int
	completeOutages int
	completeCalls   int
}

func newOutageStore() *outageStore {
	return &outageStore{MemoryStore: store.NewMemoryStore()}
}

func (s *outageStore) take(remaining *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if *remaining > 0 {
		*remaining--
		return fmt.Errorf("%w: connection reset by peer", store.ErrStoreUnavailable)
	}
	return nil
}

func (s *outageStore) Create(ctx context.Context, req *store.Request) error {
	if err := s.take(&s.createOutages); err != nil {
		return err
	}
	return s.MemoryStore.Create(ctx, req)
}

func (s *outageStore) MarkProcessing(ctx context.Context, requestId uuid.UUID) error {
	if err := s.take(&s.markOutages); err != nil {
		return err
	}
	return s.MemoryStore.MarkProcessing(ctx, requestId)
}

func (s *outageStore) Complete(ctx context.Context, requestId uuid.UUID, result store.Result) error {
	s.mu.Lock()
	s.completeCalls++
	s.mu.Unlock()
	if err := s.take(&s.completeOutages); err != nil {
		return err
	}
	return s.MemoryStore.Complete(ctx, requestId, result)
}

func (s *outageStore) setOutages(create, mark, complete int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createOutages, s.markOutages, s.completeOutages = create, mark, complete
}
