package training_test

import (
	"bufio"
	"classifier-backend/internal/config"
	"classifier-backend/internal/core/dataset"
	"classifier-backend/internal/core/model"
	"classifier-backend/internal/core/training"
	"context"
	"encoding/json"
	"errors"
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

type fixture struct {
	backend backends.Backend
	cfg     config.TrainingConfig
}

// setup writes 2 classes x 10 images and a compiled simplecnn classifier. With the default split
// that is 18 training and 2 validation images.
func setup(t *testing.T, classes []string, modelClasses int) fixture {
	t.Helper()
	dir := t.TempDir()

	dataDir := filepath.Join(dir, "data")
	require.NoError(t, dataset.WriteSyntheticImages(dataDir, classes, 10, 40, 40, 7))

	backend, err := backends.New()
	require.NoError(t, err)

	updated := filepath.Join(dir, "base_model_updated")
	builder := model.NewBaseModelBuilder(backend, config.PrepareBaseModelConfig{
		RootDir:              dir,
		BaseModelPath:        filepath.Join(dir, "base_model"),
		UpdatedBaseModelPath: updated,
		Backbone:             model.BackboneSimpleCNN,
		ImageSize:            imageSize,
		LearningRate:         0.01,
		Pooling:              "avg",
		Classes:              modelClasses,
		Seed:                 123,
	})
	require.NoError(t, builder.Run())

	return fixture{
		backend: backend,
		cfg: config.TrainingConfig{
			RootDir:              filepath.Join(dir, "training"),
			TrainedModelPath:     filepath.Join(dir, "training", "model"),
			UpdatedBaseModelPath: updated,
			TrainingData:         dataDir,
			Epochs:               2,
			BatchSize:            4,
			ImageSize:            imageSize,
			Split:                config.DefaultSplit(),
		},
	}
}

func TestTrainerStateMachine(t *testing.T) {
	f := setup(t, []string{"cats", "dogs"}, 2)
	trainer := training.NewTrainer(f.backend, f.cfg)
	defer trainer.Release()

	assert.Equal(t, training.Uninitialized, trainer.State())
	assert.ErrorIs(t, trainer.Fit(context.Background()), training.ErrInvalidState)
	_, _, err := trainer.PrepareDatasets()
	assert.ErrorIs(t, err, training.ErrInvalidState)

	require.NoError(t, trainer.LoadModel(""))
	assert.Equal(t, training.ModelLoaded, trainer.State())
	assert.ErrorIs(t, trainer.LoadModel(""), training.ErrInvalidState)
	assert.ErrorIs(t, trainer.SaveModel(""), training.ErrInvalidState)

	train, valid, err := trainer.PrepareDatasets()
	require.NoError(t, err)
	assert.Equal(t, training.DatasetsReady, trainer.State())
	assert.Equal(t, 18, train.Len())
	assert.Equal(t, 2, valid.Len())
	assert.Equal(t, []string{"cats", "dogs"}, trainer.Model().Manifest.ClassNames)
}

func TestTrainingSetReshufflesEachEpoch(t *testing.T) {
	f := setup(t, []string{"cats", "dogs"}, 2)
	f.cfg.BatchSize = 18
	trainer := training.NewTrainer(f.backend, f.cfg)
	defer trainer.Release()

	require.NoError(t, trainer.LoadModel(""))
	train, valid, err := trainer.PrepareDatasets()
	require.NoError(t, err)

	first, err := train.NextBatch()
	require.NoError(t, err)
	train.Reset()
	second, err := train.NextBatch()
	require.NoError(t, err)
	assert.NotEqual(t, first.Labels, second.Labels)
	assert.ElementsMatch(t, first.Labels, second.Labels)

	before, err := valid.NextBatch()
	require.NoError(t, err)
	valid.Reset()
	after, err := valid.NextBatch()
	require.NoError(t, err)
	assert.Equal(t, before.Labels, after.Labels)
}

func TestTrainerFit(t *testing.T) {
	f := setup(t, []string{"cats", "dogs"}, 2)
	trainer := training.NewTrainer(f.backend, f.cfg)
	defer trainer.Release()

	require.NoError(t, trainer.LoadModel(""))
	_, _, err := trainer.PrepareDatasets()
	require.NoError(t, err)

	var seen []training.EpochState
	record := training.CallbackFunc(func(_ context.Context, m *model.Classifier, state training.EpochState) error {
		assert.NotNil(t, m)
		seen = append(seen, state)
		return nil
	})

	require.NoError(t, trainer.Fit(context.Background(), record))
	assert.Equal(t, training.Completed, trainer.State())

	require.Len(t, seen, 2)
	assert.Equal(t, seen, trainer.History())
	for i, state := range seen {
		assert.Equal(t, i+1, state.Epoch)
		assert.Equal(t, 2, state.Epochs)
		assert.Equal(t, 5, state.TrainBatches)
		assert.Equal(t, 1, state.ValBatches)
		assert.False(t, math.IsNaN(state.TrainLoss), "training loss is NaN")
		assert.GreaterOrEqual(t, state.ValAccuracy, 0.0)
		assert.LessOrEqual(t, state.ValAccuracy, 1.0)
	}

	require.NoError(t, trainer.SaveModel(""))
	trained, err := model.LoadKind(f.backend, f.cfg.TrainedModelPath, model.KindTrained)
	require.NoError(t, err)
	defer trained.Release()
	assert.Equal(t, []string{"cats", "dogs"}, trained.Manifest.ClassNames)

	for _, v := range trained.Variables() {
		if v.InBackbone() {
			assert.False(t, v.Trainable, "backbone variable %s/%s is trainable", v.Scope, v.Name)
		}
	}
}

func TestTrainerFitRandomInception(t *testing.T) {
	if testing.Short() {
		t.Skip("trains a full InceptionV3 graph")
	}
	dir := t.TempDir()
	size := [3]int{75, 75, 3}

	dataDir := filepath.Join(dir, "data")
	require.NoError(t, dataset.WriteSyntheticImages(dataDir, []string{"cats", "dogs"}, 10, 80, 80, 7))

	backend, err := backends.New()
	require.NoError(t, err)

	updated := filepath.Join(dir, "base_model_updated")
	require.NoError(t, model.NewBaseModelBuilder(backend, config.PrepareBaseModelConfig{
		RootDir:              dir,
		BaseModelPath:        filepath.Join(dir, "base_model"),
		UpdatedBaseModelPath: updated,
		Backbone:             model.BackboneInceptionV3,
		ImageSize:            size,
		Weights:              "none",
		LearningRate:         0.01,
		Pooling:              "avg",
		Classes:              2,
		Seed:                 123,
	}).Run())

	trainer := training.NewTrainer(backend, config.TrainingConfig{
		TrainedModelPath:     filepath.Join(dir, "model"),
		UpdatedBaseModelPath: updated,
		TrainingData:         dataDir,
		Epochs:               1,
		BatchSize:            4,
		ImageSize:            size,
		Split:                config.DefaultSplit(),
	})
	defer trainer.Release()

	require.NoError(t, trainer.LoadModel(""))
	_, _, err = trainer.PrepareDatasets()
	require.NoError(t, err)
	require.NoError(t, trainer.Fit(context.Background()))

	history := trainer.History()
	require.Len(t, history, 1)
	assert.Equal(t, 5, history[0].TrainBatches)
	assert.False(t, math.IsNaN(history[0].TrainLoss), "training loss is NaN")

	require.NoError(t, trainer.SaveModel(""))
	trained, err := model.LoadKind(backend, filepath.Join(dir, "model"), model.KindTrained)
	require.NoError(t, err)
	defer trained.Release()
	for _, v := range trained.Variables() {
		if v.InBackbone() {
			assert.False(t, v.Trainable, "backbone variable %s/%s is trainable", v.Scope, v.Name)
		}
	}
}

func TestTrainerStopsEarly(t *testing.T) {
	f := setup(t, []string{"cats", "dogs"}, 2)
	f.cfg.Epochs = 5
	trainer := training.NewTrainer(f.backend, f.cfg)
	defer trainer.Release()

	require.NoError(t, trainer.LoadModel(""))
	_, _, err := trainer.PrepareDatasets()
	require.NoError(t, err)

	calls := 0
	stop := training.CallbackFunc(func(context.Context, *model.Classifier, training.EpochState) error {
		calls++
		return training.ErrStopTraining
	})
	after := 0
	counter := training.CallbackFunc(func(context.Context, *model.Classifier, training.EpochState) error {
		after++
		return nil
	})

	require.NoError(t, trainer.Fit(context.Background(), stop, counter))
	assert.Equal(t, training.Completed, trainer.State())
	assert.Len(t, trainer.History(), 1)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, after, "remaining callbacks still run in the epoch that stops")
}

func TestTrainerCallbackFailure(t *testing.T) {
	f := setup(t, []string{"cats", "dogs"}, 2)
	trainer := training.NewTrainer(f.backend, f.cfg)
	defer trainer.Release()

	require.NoError(t, trainer.LoadModel(""))
	_, _, err := trainer.PrepareDatasets()
	require.NoError(t, err)

	boom := errors.New("disk full")
	failing := training.CallbackFunc(func(context.Context, *model.Classifier, training.EpochState) error {
		return boom
	})

	assert.ErrorIs(t, trainer.Fit(context.Background(), failing), boom)
	assert.Equal(t, training.Failed, trainer.State())
	assert.ErrorIs(t, trainer.SaveModel(""), training.ErrInvalidState)
}

func TestTrainerCancelled(t *testing.T) {
	f := setup(t, []string{"cats", "dogs"}, 2)
	trainer := training.NewTrainer(f.backend, f.cfg)
	defer trainer.Release()

	require.NoError(t, trainer.LoadModel(""))
	_, _, err := trainer.PrepareDatasets()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, trainer.Fit(ctx), context.Canceled)
	assert.Equal(t, training.Failed, trainer.State())
}

func TestTrainerRejectsMismatchedData(t *testing.T) {
	t.Run("too many classes", func(t *testing.T) {
		f := setup(t, []string{"cats", "dogs", "birds"}, 2)
		trainer := training.NewTrainer(f.backend, f.cfg)
		defer trainer.Release()

		require.NoError(t, trainer.LoadModel(""))
		_, _, err := trainer.PrepareDatasets()
		assert.ErrorIs(t, err, dataset.ErrInvalidOptions)
	})

	t.Run("image size", func(t *testing.T) {
		f := setup(t, []string{"cats", "dogs"}, 2)
		f.cfg.ImageSize = [3]int{64, 64, 3}
		trainer := training.NewTrainer(f.backend, f.cfg)
		defer trainer.Release()

		require.NoError(t, trainer.LoadModel(""))
		_, _, err := trainer.PrepareDatasets()
		assert.ErrorIs(t, err, dataset.ErrInvalidOptions)
	})

	t.Run("base artifact", func(t *testing.T) {
		f := setup(t, []string{"cats", "dogs"}, 2)
		trainer := training.NewTrainer(f.backend, f.cfg)

		err := trainer.LoadModel(filepath.Join(filepath.Dir(f.cfg.UpdatedBaseModelPath), "base_model"))
		assert.ErrorIs(t, err, model.ErrInvalidArtifact)
		assert.Equal(t, training.Uninitialized, trainer.State())
	})
}

func TestEarlyStoppingCallback(t *testing.T) {
	cb := training.NewEarlyStoppingCallback(2)
	ctx := context.Background()

	for _, loss := range []float64{1.0, 0.8, 0.9} {
		require.NoError(t, cb.OnEpochEnd(ctx, nil, training.EpochState{ValLoss: loss}))
	}
	assert.ErrorIs(t, cb.OnEpochEnd(ctx, nil, training.EpochState{ValLoss: 0.85}), training.ErrStopTraining)
}

func TestMetricsLogCallback(t *testing.T) {
	cb, err := training.NewMetricsLogCallback(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, cb.OnEpochEnd(ctx, nil, training.EpochState{Epoch: 1, Epochs: 2, TrainLoss: 0.7}))
	require.NoError(t, cb.OnEpochEnd(ctx, nil, training.EpochState{Epoch: 2, Epochs: 2, TrainLoss: 0.5}))

	file, err := os.Open(cb.Path())
	require.NoError(t, err)
	defer file.Close()

	var states []training.EpochState
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var state training.EpochState
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &state))
		states = append(states, state)
	}
	require.NoError(t, scanner.Err())

	require.Len(t, states, 2)
	assert.Equal(t, 2, states[1].Epoch)
	assert.InDelta(t, 0.5, states[1].TrainLoss, 1e-9)
}

func TestPrepareCallbacks(t *testing.T) {
	dir := t.TempDir()

	callbacks, err := training.PrepareCallbacks(config.CallbacksConfig{}, 3, false)
	require.NoError(t, err)
	assert.Len(t, callbacks, 1)

	callbacks, err = training.PrepareCallbacks(config.CallbacksConfig{
		MetricsLogDir:         filepath.Join(dir, "logs"),
		CheckpointModelPath:   filepath.Join(dir, "checkpoint"),
		EarlyStoppingPatience: 2,
	}, 3, true)
	require.NoError(t, err)
	assert.Len(t, callbacks, 5)
	assert.DirExists(t, filepath.Join(dir, "logs"))
}
