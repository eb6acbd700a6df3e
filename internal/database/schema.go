package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	RequestSubmitted  string = "SUBMITTED"
	RequestProcessing string = "PROCESSING"
	RequestCompleted  string = "COMPLETED"
	RequestFailed     string = "FAILED"
)

type AnalysisRequest struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	UserId      string `gorm:"index"`
	Filename    string
	ContentType string
	Size        int64

	// Object store key of the offloaded image, null when the image travels
	// inline in the work item.
	PayloadKey sql.NullString

	Status      string `gorm:"size:20;not null;index"`
	SubmittedAt time.Time
	StartedAt   sql.NullTime
	CompletedAt sql.NullTime

	Result *AnalysisResult `gorm:"foreignKey:RequestId;constraint:OnDelete:CASCADE"`
}

type AnalysisResult struct {
	RequestId uuid.UUID `gorm:"type:uuid;primaryKey"`

	Predictions      datatypes.JSON
	Error            sql.NullString
	Model            string
	ProcessingTimeMs int64
	ImageWidth       int `gorm:"default:0"`
	ImageHeight      int `gorm:"default:0"`
	CompletedAt      time.Time
}
