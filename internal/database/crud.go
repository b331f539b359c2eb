package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrRunNotFound = errors.New("run not found")

func GetRun(ctx context.Context, db *gorm.DB, runId uuid.UUID) (Run, error) {
	var run Run
	if err := db.WithContext(ctx).Preload("Score").Preload("Errors").First(&run, "id = ?", runId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runId)
		}
		return Run{}, fmt.Errorf("error retrieving run %s: %w", runId, err)
	}
	return run, nil
}

func ListRuns(ctx context.Context, db *gorm.DB, status string) ([]Run, error) {
	query := db.WithContext(ctx).Preload("Score").Order("creation_time DESC")
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var runs []Run
	if err := query.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("error listing runs: %w", err)
	}
	return runs, nil
}

func ListEpochMetrics(ctx context.Context, db *gorm.DB, runId uuid.UUID) ([]EpochMetric, error) {
	var metrics []EpochMetric
	if err := db.WithContext(ctx).Where("run_id = ?", runId).Order("epoch").Find(&metrics).Error; err != nil {
		return nil, fmt.Errorf("error listing epoch metrics: %w", err)
	}
	return metrics, nil
}
