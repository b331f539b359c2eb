package migration_1

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Score struct {
	RunId        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Loss         float64
	Accuracy     float64
	CreationTime time.Time
}

type EpochMetric struct {
	RunId         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Epoch         int       `gorm:"primaryKey"`
	TrainLoss     float64
	TrainAccuracy float64
	ValLoss       float64
	ValAccuracy   float64
	TrainBatches  int
	ValBatches    int
	Timestamp     time.Time
}

func Migration(db *gorm.DB) error {
	if err := db.AutoMigrate(&Score{}, &EpochMetric{}); err != nil {
		return fmt.Errorf("error creating score and epoch metric tables: %w", err)
	}
	return nil
}

func Rollback(db *gorm.DB) error {
	if err := db.Migrator().DropTable(&EpochMetric{}, &Score{}); err != nil {
		return fmt.Errorf("error dropping score and epoch metric tables: %w", err)
	}
	return nil
}
