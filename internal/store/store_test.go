package store_test

import (
	"context"
	"fmt"
	"image-analysis-backend/internal/core/types"
	"image-analysis-backend/internal/database"
	"image-analysis-backend/internal/store"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func createDB(t *testing.T) *gorm.DB {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, database.GetMigrator(db).Migrate())
	return db
}

func forEachStore(t *testing.T, test func(t *testing.T, s store.Store)) {
	t.Run("memory", func(t *testing.T) {
		test(t, store.NewMemoryStore())
	})
	t.Run("gorm", func(t *testing.T) {
		test(t, store.NewGormStore(createDB(t)))
	})
}

func newRequest(t *testing.T, s store.Store) uuid.UUID {
	id := uuid.New()
	require.NoError(t, s.Create(context.Background(), &store.Request{
		RequestId:   id,
		UserId:      "user-1",
		Filename:    "red.png",
		ContentType: "image/png",
		Size:        128,
		SubmittedAt: time.Now().UTC(),
	}))
	return id
}

func TestCreateAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		id := newRequest(t, s)

		req, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, req.RequestId)
		assert.Equal(t, types.StatusSubmitted, req.Status)
		assert.Equal(t, "red.png", req.Filename)
		assert.Equal(t, "user-1", req.UserId)
		assert.Nil(t, req.StartedAt)
		assert.Nil(t, req.CompletedAt)

		err = s.Create(ctx, &store.Request{RequestId: id, SubmittedAt: time.Now().UTC()})
		assert.ErrorIs(t, err, store.ErrDuplicateKey)

		_, err = s.Get(ctx, uuid.New())
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		id := newRequest(t, s)

		_, err := s.GetResult(ctx, id)
		assert.ErrorIs(t, err, store.ErrNotReady)

		require.NoError(t, s.MarkProcessing(ctx, id))
		req, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusProcessing, req.Status)
		assert.NotNil(t, req.StartedAt)

		// Redelivery picks up the same request again.
		require.NoError(t, s.MarkProcessing(ctx, id))

		_, err = s.GetResult(ctx, id)
		assert.ErrorIs(t, err, store.ErrNotReady)

		preds := []types.Prediction{{Label: "red", Confidence: 1}, {Label: "bright", Confidence: 0.4}}
		require.NoError(t, s.Complete(ctx, id, store.Result{
			Predictions:    preds,
			Model:          "palette",
			ProcessingTime: 1500 * time.Millisecond,
			ImageWidth:     10,
			ImageHeight:    10,
		}))

		req, err = s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusCompleted, req.Status)
		require.NotNil(t, req.CompletedAt)

		result, err := s.GetResult(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, result.RequestId)
		assert.Equal(t, preds, result.Predictions)
		assert.Equal(t, "palette", result.Model)
		assert.Equal(t, 1500*time.Millisecond, result.ProcessingTime)
		assert.Equal(t, 10, result.ImageWidth)
		assert.Empty(t, result.Error)
	})
}

func TestTerminalStateIsIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		id := newRequest(t, s)
		require.NoError(t, s.MarkProcessing(ctx, id))

		first := []types.Prediction{{Label: "red", Confidence: 0.9}}
		require.NoError(t, s.Complete(ctx, id, store.Result{Predictions: first, Model: "palette"}))

		err := s.Complete(ctx, id, store.Result{Predictions: []types.Prediction{{Label: "blue", Confidence: 0.1}}})
		assert.ErrorIs(t, err, store.ErrAlreadyTerminal)

		err = s.Fail(ctx, id, "late failure")
		assert.ErrorIs(t, err, store.ErrAlreadyTerminal)

		err = s.MarkProcessing(ctx, id)
		assert.ErrorIs(t, err, store.ErrAlreadyTerminal)

		result, err := s.GetResult(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, first, result.Predictions)
		assert.Empty(t, result.Error)

		req, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusCompleted, req.Status)
	})
}

func TestFailCarriesCause(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		id := newRequest(t, s)

		// Undecodable payloads can fail straight from submitted.
		require.NoError(t, s.Fail(ctx, id, "image: unknown format"))

		req, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusFailed, req.Status)

		result, err := s.GetResult(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "image: unknown format", result.Error)
		assert.Empty(t, result.Predictions)
	})
}

func TestCompleteRequiresPickup(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		id := newRequest(t, s)

		err := s.Complete(ctx, id, store.Result{Predictions: []types.Prediction{{Label: "red", Confidence: 1}}})
		assert.ErrorIs(t, err, store.ErrInvalidTransition)

		req, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusSubmitted, req.Status)

		_, err = s.GetResult(ctx, id)
		assert.ErrorIs(t, err, store.ErrNotReady)

		require.NoError(t, s.MarkProcessing(ctx, id))
		require.NoError(t, s.Complete(ctx, id, store.Result{}))
	})
}

func TestUnknownRequest(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		id := uuid.New()

		assert.ErrorIs(t, s.MarkProcessing(ctx, id), store.ErrNotFound)
		assert.ErrorIs(t, s.Complete(ctx, id, store.Result{}), store.ErrNotFound)
		assert.ErrorIs(t, s.Fail(ctx, id, "x"), store.ErrNotFound)
		assert.ErrorIs(t, s.Delete(ctx, id), store.ErrNotFound)

		_, err := s.GetResult(ctx, id)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestConcurrentCompletion(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		id := newRequest(t, s)
		require.NoError(t, s.MarkProcessing(ctx, id))

		const writers = 8
		errs := make([]error, writers)

		wg := sync.WaitGroup{}
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = s.Complete(ctx, id, store.Result{
					Predictions: []types.Prediction{{Label: fmt.Sprintf("label-%d", i), Confidence: 0.5}},
				})
			}(i)
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
			} else {
				assert.ErrorIs(t, err, store.ErrAlreadyTerminal)
			}
		}
		assert.Equal(t, 1, succeeded)
	})
}

func TestDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		id := newRequest(t, s)

		require.NoError(t, s.Delete(ctx, id))

		_, err := s.Get(ctx, id)
		assert.ErrorIs(t, err, store.ErrNotFound)

		// The id can be reused after a rollback.
		require.NoError(t, s.Create(ctx, &store.Request{RequestId: id, SubmittedAt: time.Now().UTC()}))
	})
}

func TestStatsAndList(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()

		submitted := newRequest(t, s)
		processing := newRequest(t, s)
		completed := newRequest(t, s)
		failed := newRequest(t, s)

		require.NoError(t, s.MarkProcessing(ctx, processing))
		require.NoError(t, s.MarkProcessing(ctx, completed))
		require.NoError(t, s.Complete(ctx, completed, store.Result{}))
		require.NoError(t, s.Fail(ctx, failed, "boom"))

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, store.Stats{Total: 4, Submitted: 1, Processing: 1, Completed: 1, Failed: 1}, stats)

		pending, err := s.ListByStatus(ctx, types.StatusSubmitted)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, submitted, pending[0].RequestId)
	})
}

func TestEvictTerminalBefore(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()

		old := newRequest(t, s)
		recent := newRequest(t, s)
		pending := newRequest(t, s)

		require.NoError(t, s.MarkProcessing(ctx, old))
		require.NoError(t, s.Complete(ctx, old, store.Result{CompletedAt: time.Now().UTC().Add(-2 * time.Hour)}))
		require.NoError(t, s.Fail(ctx, recent, "boom"))

		evicted, err := s.EvictTerminalBefore(ctx, time.Now().UTC().Add(-time.Hour))
		require.NoError(t, err)
		require.Len(t, evicted, 1)
		assert.Equal(t, old, evicted[0].RequestId)

		_, err = s.Get(ctx, old)
		assert.ErrorIs(t, err, store.ErrNotFound)

		_, err = s.GetResult(ctx, recent)
		assert.NoError(t, err)

		evicted, err = s.EvictTerminalBefore(ctx, time.Now().UTC().Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, evicted, 1)
		assert.Equal(t, recent, evicted[0].RequestId)

		// Non-terminal requests are never evicted.
		req, err := s.Get(ctx, pending)
		require.NoError(t, err)
		assert.Equal(t, types.StatusSubmitted, req.Status)
	})
}
