package migration_0

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Schema as first released, before image dimensions were recorded.

type AnalysisRequest struct {
	Id          uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserId      string    `gorm:"index"`
	Filename    string
	ContentType string
	Size        int64
	PayloadKey  sql.NullString
	Status      string `gorm:"size:20;not null;index"`
	SubmittedAt time.Time
	StartedAt   sql.NullTime
	CompletedAt sql.NullTime

	Result *AnalysisResult `gorm:"foreignKey:RequestId;constraint:OnDelete:CASCADE"`
}

type AnalysisResult struct {
	RequestId        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Predictions      datatypes.JSON
	Error            sql.NullString
	Model            string
	ProcessingTimeMs int64
	CompletedAt      time.Time
}

func Migration(db *gorm.DB) error {
	if err := db.AutoMigrate(&AnalysisRequest{}, &AnalysisResult{}); err != nil {
		return fmt.Errorf("error creating initial tables: %w", err)
	}
	return nil
}

func Rollback(db *gorm.DB) error {
	if err := db.Migrator().DropTable(&AnalysisResult{}, &AnalysisRequest{}); err != nil {
		return fmt.Errorf("error dropping initial tables: %w", err)
	}
	return nil
}
