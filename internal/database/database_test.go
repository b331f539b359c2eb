package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func openSqlite(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{})
	require.NoError(t, err)
	return db
}

func createRun(t *testing.T, db *gorm.DB, status string) Run {
	run := Run{
		Id:                 uuid.New(),
		Name:               "run-" + status,
		Status:             status,
		TrainingDataPrefix: "flowers",
		CreationTime:       time.Now(),
	}
	require.NoError(t, db.Create(&run).Error)
	return run
}

func TestMigrationRollbackAndReapply(t *testing.T) {
	db := openSqlite(t)
	migrator := GetMigrator(db)
	require.NoError(t, migrator.Migrate())
	for _, table := range []any{&Run{}, &RunError{}, &Score{}, &EpochMetric{}} {
		assert.True(t, db.Migrator().HasTable(table))
	}

	require.NoError(t, migrator.RollbackLast())
	assert.False(t, db.Migrator().HasTable(&EpochMetric{}))
	assert.False(t, db.Migrator().HasTable(&Score{}))
	assert.True(t, db.Migrator().HasTable(&Run{}))

	require.NoError(t, migrator.Migrate())
	assert.True(t, db.Migrator().HasTable(&EpochMetric{}))
	assert.True(t, db.Migrator().HasTable(&Score{}))
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	db := openSqlite(t)
	require.NoError(t, GetMigrator(db).Migrate())

	run := createRun(t, db, RunQueued)
	other := createRun(t, db, RunFailed)

	require.NoError(t, UpdateRunStatus(ctx, db, run.Id, RunTraining, "training"))
	got, err := GetRun(ctx, db, run.Id)
	require.NoError(t, err)
	assert.Equal(t, RunTraining, got.Status)
	assert.Equal(t, "training", got.Stage)
	assert.False(t, got.CompletionTime.Valid)

	for epoch := 1; epoch <= 2; epoch++ {
		require.NoError(t, SaveEpochMetric(ctx, db, EpochMetric{RunId: run.Id, Epoch: epoch, TrainLoss: 1.0 / float64(epoch)}))
	}
	require.NoError(t, SaveEpochMetric(ctx, db, EpochMetric{RunId: run.Id, Epoch: 2, TrainLoss: 0.25}))
	metrics, err := ListEpochMetrics(ctx, db, run.Id)
	require.NoError(t, err)
	require.Len(t, metrics, 2)
	assert.Equal(t, 0.25, metrics[1].TrainLoss)

	require.NoError(t, SaveScore(ctx, db, run.Id, 0.5, 0.75))
	require.NoError(t, SaveScore(ctx, db, run.Id, 0.4, 0.8))
	require.NoError(t, UpdateRunStatus(ctx, db, run.Id, RunCompleted, ""))

	got, err = GetRun(ctx, db, run.Id)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, got.Status)
	assert.True(t, got.CompletionTime.Valid)
	require.NotNil(t, got.Score)
	assert.Equal(t, 0.8, got.Score.Accuracy)

	require.NoError(t, SaveRunError(ctx, db, other.Id, "evaluation", "boom"))
	got, err = GetRun(ctx, db, other.Id)
	require.NoError(t, err)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, "boom", got.Errors[0].Error)

	completed, err := ListRuns(ctx, db, RunCompleted)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, run.Id, completed[0].Id)

	all, err := ListRuns(ctx, db, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = GetRun(ctx, db, uuid.New())
	assert.ErrorIs(t, err, ErrRunNotFound)
}
