package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func UpdateRunStatus(ctx context.Context, txn *gorm.DB, runId uuid.UUID, status string, stage string) error {
	updates := map[string]any{"status": status}
	if stage != "" {
		updates["stage"] = stage
	}
	if status == RunCompleted || status == RunFailed {
		updates["completion_time"] = time.Now().UTC()
	}

	if err := txn.WithContext(ctx).Model(&Run{Id: runId}).Updates(updates).Error; err != nil {
		slog.Error("error updating run status", "run_id", runId, "status", status, "error", err)
		return err
	}
	return nil
}

func SaveRunError(ctx context.Context, txn *gorm.DB, runId uuid.UUID, stage string, errorMessage string) error {
	runError := RunError{
		RunId:     runId,
		ErrorId:   uuid.New(),
		Stage:     stage,
		Error:     errorMessage,
		Timestamp: time.Now().UTC(),
	}

	if err := txn.WithContext(ctx).Create(&runError).Error; err != nil {
		slog.Error("error saving run error", "run_id", runId, "error", err)
		return err
	}
	return nil
}

// SaveScore records the evaluation result of a run, replacing any earlier score.
func SaveScore(ctx context.Context, txn *gorm.DB, runId uuid.UUID, loss, accuracy float64) error {
	score := Score{RunId: runId, Loss: loss, Accuracy: accuracy, CreationTime: time.Now().UTC()}
	if err := txn.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&score).Error; err != nil {
		return fmt.Errorf("error saving score: %w", err)
	}
	return nil
}

func SaveEpochMetric(ctx context.Context, txn *gorm.DB, metric EpochMetric) error {
	if metric.Timestamp.IsZero() {
		metric.Timestamp = time.Now().UTC()
	}
	if err := txn.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&metric).Error; err != nil {
		return fmt.Errorf("error saving epoch metric: %w", err)
	}
	return nil
}
