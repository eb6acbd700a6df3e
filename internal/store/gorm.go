package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"image-analysis-backend/internal/core/types"
	"image-analysis-backend/internal/database"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormStore persists correlation state in a SQL database so that API and
// worker processes on different hosts share it. Status changes are
// conditional updates, so concurrent writers can never move a request
// backwards.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

func requestFromRow(row database.AnalysisRequest) *Request {
	req := &Request{
		RequestId:   row.Id,
		UserId:      row.UserId,
		Filename:    row.Filename,
		ContentType: row.ContentType,
		Size:        row.Size,
		Status:      types.Status(row.Status),
		SubmittedAt: row.SubmittedAt,
	}
	if row.PayloadKey.Valid {
		req.PayloadKey = row.PayloadKey.String
	}
	if row.StartedAt.Valid {
		t := row.StartedAt.Time
		req.StartedAt = &t
	}
	if row.CompletedAt.Valid {
		t := row.CompletedAt.Time
		req.CompletedAt = &t
	}
	return req
}

func resultFromRow(row database.AnalysisResult) (*Result, error) {
	result := &Result{
		RequestId:      row.RequestId,
		Model:          row.Model,
		ProcessingTime: time.Duration(row.ProcessingTimeMs) * time.Millisecond,
		ImageWidth:     row.ImageWidth,
		ImageHeight:    row.ImageHeight,
		CompletedAt:    row.CompletedAt,
	}
	if row.Error.Valid {
		result.Error = row.Error.String
	}
	if len(row.Predictions) > 0 {
		if err := json.Unmarshal(row.Predictions, &result.Predictions); err != nil {
			return nil, fmt.Errorf("error decoding predictions for request %s: %w", row.RequestId, err)
		}
	}
	return result, nil
}

func (s *GormStore) getRow(ctx context.Context, txn *gorm.DB, requestId uuid.UUID, withResult bool) (database.AnalysisRequest, error) {
	row, err := database.GetRequest(ctx, txn, requestId, withResult)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return row, fmt.Errorf("%w: %s", ErrNotFound, requestId)
		}
		slog.Error("error loading request", "request_id", requestId, "error", err)
		return row, unavailable("get request", err)
	}
	return row, nil
}

func (s *GormStore) Create(ctx context.Context, req *Request) error {
	status := req.Status
	if status == "" {
		status = types.StatusSubmitted
	}

	row := database.AnalysisRequest{
		Id:          req.RequestId,
		UserId:      req.UserId,
		Filename:    req.Filename,
		ContentType: req.ContentType,
		Size:        req.Size,
		PayloadKey:  sql.NullString{String: req.PayloadKey, Valid: req.PayloadKey != ""},
		Status:      string(status),
		SubmittedAt: req.SubmittedAt.UTC(),
	}

	return s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		var count int64
		if err := txn.Model(&database.AnalysisRequest{}).Where("id = ?", req.RequestId).Count(&count).Error; err != nil {
			return unavailable("check request", err)
		}
		if count > 0 {
			return fmt.Errorf("%w: %s", ErrDuplicateKey, req.RequestId)
		}

		if err := txn.Create(&row).Error; err != nil {
			slog.Error("error creating request", "request_id", req.RequestId, "error", err)
			return unavailable("create request", err)
		}
		return nil
	})
}

func (s *GormStore) Get(ctx context.Context, requestId uuid.UUID) (*Request, error) {
	row, err := s.getRow(ctx, s.db, requestId, false)
	if err != nil {
		return nil, err
	}
	return requestFromRow(row), nil
}

// explainNoTransition re-reads the request after a conditional update matched
// nothing and reports why.
func (s *GormStore) explainNoTransition(ctx context.Context, txn *gorm.DB, requestId uuid.UUID, to types.Status) error {
	row, err := s.getRow(ctx, txn, requestId, false)
	if err != nil {
		return err
	}
	return checkTransition(requestId, types.Status(row.Status), to)
}

func (s *GormStore) MarkProcessing(ctx context.Context, requestId uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		err := database.UpdateRequestStatus(ctx, txn, requestId, database.RequestProcessing, time.Now().UTC(), database.RequestSubmitted)
		if errors.Is(err, database.ErrNoTransition) {
			return s.explainNoTransition(ctx, txn, requestId, types.StatusProcessing)
		}
		if err != nil {
			return unavailable("mark processing", err)
		}
		return nil
	})
}

func (s *GormStore) finish(ctx context.Context, requestId uuid.UUID, status types.Status, result Result) error {
	if result.CompletedAt.IsZero() {
		result.CompletedAt = time.Now()
	}
	result.CompletedAt = result.CompletedAt.UTC()

	predictions, err := json.Marshal(result.Predictions)
	if err != nil {
		return fmt.Errorf("error encoding predictions: %w", err)
	}

	row := database.AnalysisResult{
		RequestId:        requestId,
		Predictions:      predictions,
		Error:            sql.NullString{String: result.Error, Valid: result.Error != ""},
		Model:            result.Model,
		ProcessingTimeMs: result.ProcessingTime.Milliseconds(),
		ImageWidth:       result.ImageWidth,
		ImageHeight:      result.ImageHeight,
		CompletedAt:      result.CompletedAt,
	}

	return s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		err := database.UpdateRequestStatus(ctx, txn, requestId, string(status), result.CompletedAt, finishableFrom(status)...)
		if errors.Is(err, database.ErrNoTransition) {
			return s.explainNoTransition(ctx, txn, requestId, status)
		}
		if err != nil {
			return unavailable("update status", err)
		}

		if err := txn.Create(&row).Error; err != nil {
			slog.Error("error saving result", "request_id", requestId, "error", err)
			return unavailable("save result", err)
		}
		return nil
	})
}

// finishableFrom lists the states a request may leave to reach status. Only a
// picked up request can complete; failing is also allowed before pickup.
func finishableFrom(status types.Status) []string {
	if status == types.StatusCompleted {
		return []string{database.RequestProcessing}
	}
	return []string{database.RequestSubmitted, database.RequestProcessing}
}

func (s *GormStore) Complete(ctx context.Context, requestId uuid.UUID, result Result) error {
	result.Error = ""
	return s.finish(ctx, requestId, types.StatusCompleted, result)
}

func (s *GormStore) Fail(ctx context.Context, requestId uuid.UUID, cause string) error {
	return s.finish(ctx, requestId, types.StatusFailed, Result{Error: cause})
}

func (s *GormStore) GetResult(ctx context.Context, requestId uuid.UUID) (*Result, error) {
	row, err := s.getRow(ctx, s.db, requestId, true)
	if err != nil {
		return nil, err
	}
	if !types.Status(row.Status).Terminal() || row.Result == nil {
		return nil, fmt.Errorf("%w: request %s is %s", ErrNotReady, requestId, row.Status)
	}
	return resultFromRow(*row.Result)
}

func (s *GormStore) Delete(ctx context.Context, requestId uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		if err := txn.Delete(&database.AnalysisResult{}, "request_id = ?", requestId).Error; err != nil {
			return unavailable("delete result", err)
		}
		result := txn.Delete(&database.AnalysisRequest{}, "id = ?", requestId)
		if result.Error != nil {
			return unavailable("delete request", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, requestId)
		}
		return nil
	})
}

func (s *GormStore) Stats(ctx context.Context) (Stats, error) {
	counts, err := database.CountByStatus(ctx, s.db)
	if err != nil {
		return Stats{}, unavailable("stats", err)
	}

	var stats Stats
	for _, c := range counts {
		stats.add(types.Status(c.Status), c.Count)
	}
	return stats, nil
}

func (s *GormStore) ListByStatus(ctx context.Context, status types.Status) ([]Request, error) {
	var rows []database.AnalysisRequest
	if err := s.db.WithContext(ctx).
		Where("status = ?", string(status)).
		Order("submitted_at ASC").
		Find(&rows).Error; err != nil {
		return nil, unavailable("list requests", err)
	}

	requests := make([]Request, 0, len(rows))
	for _, row := range rows {
		requests = append(requests, *requestFromRow(row))
	}
	return requests, nil
}

func (s *GormStore) EvictTerminalBefore(ctx context.Context, cutoff time.Time) ([]Request, error) {
	var rows []database.AnalysisRequest

	err := s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		if err := txn.
			Where("status IN ? AND completed_at < ?", []string{database.RequestCompleted, database.RequestFailed}, cutoff.UTC()).
			Order("submitted_at ASC").
			Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		ids := make([]uuid.UUID, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row.Id)
		}

		if err := txn.Where("request_id IN ?", ids).Delete(&database.AnalysisResult{}).Error; err != nil {
			return err
		}
		return txn.Where("id IN ?", ids).Delete(&database.AnalysisRequest{}).Error
	})
	if err != nil {
		slog.Error("error evicting terminal requests", "cutoff", cutoff, "error", err)
		return nil, unavailable("evict requests", err)
	}

	evicted := make([]Request, 0, len(rows))
	for _, row := range rows {
		evicted = append(evicted, *requestFromRow(row))
	}
	return evicted, nil
}
