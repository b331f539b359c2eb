package migration_0

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Run struct {
	Id   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name string    `gorm:"not null"`

	Status string `gorm:"size:20;not null"`
	Stage  string `gorm:"size:32"`

	Params             datatypes.JSON
	TrainingDataPrefix string `gorm:"not null"`

	CreationTime   time.Time
	CompletionTime sql.NullTime

	Errors []RunError `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`
}

type RunError struct {
	RunId     uuid.UUID `gorm:"type:uuid;primaryKey"`
	ErrorId   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Stage     string
	Error     string
	Timestamp time.Time
}

func Migration(db *gorm.DB) error {
	if err := db.AutoMigrate(&Run{}, &RunError{}); err != nil {
		return fmt.Errorf("error creating runs tables: %w", err)
	}
	return nil
}

func Rollback(db *gorm.DB) error {
	if err := db.Migrator().DropTable(&RunError{}, &Run{}); err != nil {
		return fmt.Errorf("error dropping runs tables: %w", err)
	}
	return nil
}
