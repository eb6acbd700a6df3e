package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrNoTransition = errors.New("request is not in an expected state")

// UpdateRequestStatus moves a request to status only if it is currently in one
// of the from states. Terminal statuses stamp the completion time with at and
// processing stamps the start time. ErrNoTransition is returned when no row
// matched.
func UpdateRequestStatus(ctx context.Context, txn *gorm.DB, requestId uuid.UUID, status string, at time.Time, from ...string) error {
	updates := map[string]any{"status": status}
	switch status {
	case RequestProcessing:
		updates["started_at"] = at
	case RequestCompleted, RequestFailed:
		updates["completed_at"] = at
	}

	result := txn.WithContext(ctx).
		Model(&AnalysisRequest{}).
		Where("id = ? AND status IN ?", requestId, from).
		Updates(updates)
	if err := result.Error; err != nil {
		slog.Error("error updating request status", "request_id", requestId, "status", status, "error", err)
		return err
	}
	if result.RowsAffected == 0 {
		return ErrNoTransition
	}
	return nil
}

func GetRequest(ctx context.Context, txn *gorm.DB, requestId uuid.UUID, withResult bool) (AnalysisRequest, error) {
	var req AnalysisRequest
	query := txn.WithContext(ctx)
	if withResult {
		query = query.Preload("Result")
	}
	if err := query.First(&req, "id = ?", requestId).Error; err != nil {
		return AnalysisRequest{}, err
	}
	return req, nil
}

type StatusCount struct {
	Status string
	Count  int64
}

func CountByStatus(ctx context.Context, txn *gorm.DB) ([]StatusCount, error) {
	var counts []StatusCount
	if err := txn.WithContext(ctx).
		Model(&AnalysisRequest{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&counts).Error; err != nil {
		return nil, fmt.Errorf("error counting requests by status: %w", err)
	}
	return counts, nil
}
