package migration_1

import (
	"fmt"

	"gorm.io/gorm"
)

type AnalysisResult struct {
	ImageWidth  int `gorm:"default:0"`
	ImageHeight int `gorm:"default:0"`
}

func Migration(db *gorm.DB) error {
	for _, column := range []string{"image_width", "image_height"} {
		if err := db.Migrator().AddColumn(&AnalysisResult{}, column); err != nil {
			return fmt.Errorf("error adding %s column: %w", column, err)
		}

		if err := db.Model(&AnalysisResult{}).
			Where(column + " IS NULL").
			Update(column, 0).Error; err != nil {
			return fmt.Errorf("error setting default value for %s: %w", column, err)
		}
	}

	return nil
}

func Rollback(db *gorm.DB) error {
	for _, column := range []string{"image_width", "image_height"} {
		if err := db.Migrator().DropColumn(&AnalysisResult{}, column); err != nil {
			return fmt.Errorf("error dropping %s column: %w", column, err)
		}
	}

	return nil
}
