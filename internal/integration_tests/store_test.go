//go:build integration

package integrationtests

import (
	"context"
	"image-analysis-backend/internal/core/types"
	"image-analysis-backend/internal/store"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGormStore_Postgres(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	st := store.NewGormStore(createDB(t, ctx))

	newRequest := func(t *testing.T) uuid.UUID {
		id := uuid.New()
		require.NoError(t, st.Create(ctx, &store.Request{
			RequestId:   id,
			UserId:      "user-1",
			Filename:    "red.png",
			ContentType: "image/png",
			Size:        128,
			SubmittedAt: time.Now().UTC(),
		}))
		return id
	}

	t.Run("Lifecycle", func(t *testing.T) {
		id := newRequest(t)

		_, err := st.GetResult(ctx, id)
		assert.ErrorIs(t, err, store.ErrNotReady)

		require.NoError(t, st.MarkProcessing(ctx, id))
		require.NoError(t, st.MarkProcessing(ctx, id))

		require.NoError(t, st.Complete(ctx, id, store.Result{
			Predictions: []types.Prediction{{Label: "red", Confidence: 0.9}},
			Model:       "palette",
			ImageWidth:  10,
			ImageHeight: 10,
		}))

		req, err := st.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusCompleted, req.Status)
		require.NotNil(t, req.StartedAt)
		require.NotNil(t, req.CompletedAt)

		res, err := st.GetResult(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, []types.Prediction{{Label: "red", Confidence: 0.9}}, res.Predictions)
		assert.Equal(t, 10, res.ImageWidth)

		assert.ErrorIs(t, st.Fail(ctx, id, "late failure"), store.ErrAlreadyTerminal)
	})

	t.Run("DuplicateKey", func(t *testing.T) {
		id := newRequest(t)
		err := st.Create(ctx, &store.Request{RequestId: id, SubmittedAt: time.Now().UTC()})
		assert.ErrorIs(t, err, store.ErrDuplicateKey)
	})

	t.Run("ConcurrentFinish", func(t *testing.T) {
		id := newRequest(t)
		require.NoError(t, st.MarkProcessing(ctx, id))

		var wg sync.WaitGroup
		errs := make([]error, 8)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if i%2 == 0 {
					errs[i] = st.Complete(ctx, id, store.Result{Model: "palette"})
				} else {
					errs[i] = st.Fail(ctx, id, "scorer crashed")
				}
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

	t.Run("EvictTerminalBefore", func(t *testing.T) {
		pending := newRequest(t)
		done := newRequest(t)
		require.NoError(t, st.Fail(ctx, done, "unsupported image"))

		evicted, err := st.EvictTerminalBefore(ctx, time.Now().UTC().Add(time.Second))
		require.NoError(t, err)

		ids := make([]uuid.UUID, 0, len(evicted))
		for _, req := range evicted {
			ids = append(ids, req.RequestId)
		}
		assert.Contains(t, ids, done)
		assert.NotContains(t, ids, pending)

		_, err = st.Get(ctx, done)
		assert.ErrorIs(t, err, store.ErrNotFound)

		req, err := st.Get(ctx, pending)
		require.NoError(t, err)
		assert.Equal(t, types.StatusSubmitted, req.Status)
	})
}
