package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	RunQueued     string = "QUEUED"
	RunPreparing  string = "PREPARING"
	RunTraining   string = "TRAINING"
	RunEvaluating string = "EVALUATING"
	RunCompleted  string = "COMPLETED"
	RunFailed     string = "FAILED"
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

	Score        *Score        `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`
	EpochMetrics []EpochMetric `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`
	Errors       []RunError    `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`
}

type RunError struct {
	RunId     uuid.UUID `gorm:"type:uuid;primaryKey"`
	ErrorId   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Stage     string
	Error     string
	Timestamp time.Time
}

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
