package evaluation_test

import (
	"classifier-backend/internal/config"
	"classifier-backend/internal/core/dataset"
	"classifier-backend/internal/core/evaluation"
	"classifier-backend/internal/core/model"
	"classifier-backend/internal/core/training"
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var imageSize = [3]int{32, 32, 3}

// trainedModel runs the first two stages on a small synthetic dataset and returns the evaluation
// config pointing at the result.
func trainedModel(t *testing.T) (backends.Backend, config.EvaluationConfig, string) {
	t.Helper()
	dir := t.TempDir()

	dataDir := filepath.Join(dir, "data")
	require.NoError(t, dataset.WriteSyntheticImages(dataDir, []string{"cats", "dogs"}, 10, 32, 32, 3))

	backend, err := backends.New()
	require.NoError(t, err)

	updated := filepath.Join(dir, "base_model_updated")
	require.NoError(t, model.NewBaseModelBuilder(backend, config.PrepareBaseModelConfig{
		BaseModelPath:        filepath.Join(dir, "base_model"),
		UpdatedBaseModelPath: updated,
		Backbone:             model.BackboneSimpleCNN,
		ImageSize:            imageSize,
		LearningRate:         0.01,
		Pooling:              "avg",
		Classes:              2,
		Seed:                 123,
	}).Run())

	trainedPath := filepath.Join(dir, "trained")
	trainer := training.NewTrainer(backend, config.TrainingConfig{
		TrainedModelPath:     trainedPath,
		UpdatedBaseModelPath: updated,
		TrainingData:         dataDir,
		Epochs:               1,
		BatchSize:            4,
		ImageSize:            imageSize,
		Split:                config.DefaultSplit(),
	})
	defer trainer.Release()
	require.NoError(t, trainer.LoadModel(""))
	_, _, err = trainer.PrepareDatasets()
	require.NoError(t, err)
	require.NoError(t, trainer.Fit(context.Background()))
	require.NoError(t, trainer.SaveModel(""))

	return backend, config.EvaluationConfig{
		PathOfModel:  trainedPath,
		TrainingData: dataDir,
		ScoresPath:   filepath.Join(dir, "scores.json"),
		BatchSize:    4,
		ImageSize:    imageSize,
		Split:        config.DefaultSplit(),
	}, updated
}

func TestEvaluate(t *testing.T) {
	backend, cfg, _ := trainedModel(t)

	evaluator := evaluation.NewEvaluator(backend, cfg)
	defer evaluator.Release()

	assert.ErrorIs(t, evaluator.SaveScore(""), evaluation.ErrNotEvaluated)
	_, err := evaluator.Evaluate()
	assert.ErrorIs(t, err, evaluation.ErrNotReady)

	require.NoError(t, evaluator.LoadModel(""))
	valid, err := evaluator.BuildValidationSet()
	require.NoError(t, err)
	assert.Equal(t, 2, valid.Len())
	assert.Equal(t, 1, valid.NumBatches())

	score, err := evaluator.Evaluate()
	require.NoError(t, err)
	assert.False(t, math.IsNaN(score.Loss) || math.IsInf(score.Loss, 0))
	assert.GreaterOrEqual(t, score.Accuracy, 0.0)
	assert.LessOrEqual(t, score.Accuracy, 1.0)

	require.NoError(t, evaluator.SaveScore(""))

	data, err := os.ReadFile(cfg.ScoresPath)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Len(t, raw, 2)
	assert.Contains(t, raw, "loss")
	assert.Contains(t, raw, "accuracy")

	saved, err := evaluation.ReadScore(cfg.ScoresPath)
	require.NoError(t, err)
	assert.Equal(t, score, saved)
}

func TestEvaluatorRequiresTrainedModel(t *testing.T) {
	backend, cfg, updated := trainedModel(t)

	evaluator := evaluation.NewEvaluator(backend, cfg)
	err := evaluator.LoadModel(updated)
	assert.ErrorIs(t, err, model.ErrInvalidArtifact)

	err = evaluator.LoadModel(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestEvaluatorEmptyValidationSet(t *testing.T) {
	backend, cfg, _ := trainedModel(t)

	few := filepath.Join(t.TempDir(), "few")
	require.NoError(t, dataset.WriteSyntheticImages(few, []string{"cats", "dogs"}, 2, 32, 32, 3))
	cfg.TrainingData = few

	evaluator := evaluation.NewEvaluator(backend, cfg)
	_, err := evaluator.BuildValidationSet()
	assert.ErrorIs(t, err, dataset.ErrEmptyPartition)
}

func TestWriteScoreRejectsNonFinite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scores.json")

	err := evaluation.WriteScore(path, evaluation.Score{Loss: math.NaN(), Accuracy: 0.5})
	assert.ErrorIs(t, err, evaluation.ErrNonFinite)
	assert.NoFileExists(t, path)

	require.NoError(t, evaluation.WriteScore(path, evaluation.Score{Loss: 0.25, Accuracy: 0.75}))
	score, err := evaluation.ReadScore(path)
	require.NoError(t, err)
	assert.Equal(t, evaluation.Score{Loss: 0.25, Accuracy: 0.75}, score)
}
