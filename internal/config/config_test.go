package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestConfigurationManager(t *testing.T) {
	dir := t.TempDir()

	configPath := filepath.Join(dir, "config.yaml")
	writeFile(t, configPath, `
artifacts_root: `+dir+`
prepare_base_model:
  root_dir: `+filepath.Join(dir, "prepare_base_model")+`
  base_model_path: `+filepath.Join(dir, "prepare_base_model", "base_model")+`
  updated_base_model_path: `+filepath.Join(dir, "prepare_base_model", "updated")+`
prepare_callbacks:
  root_dir: `+filepath.Join(dir, "callbacks")+`
  metrics_log_dir: `+filepath.Join(dir, "callbacks", "logs")+`
  checkpoint_model_path: `+filepath.Join(dir, "callbacks", "checkpoint")+`
training:
  root_dir: `+filepath.Join(dir, "training")+`
  trained_model_path: `+filepath.Join(dir, "training", "model")+`
  training_data: `+filepath.Join(dir, "images")+`
evaluation:
  path_of_model: `+filepath.Join(dir, "training", "model")+`
  training_data: `+filepath.Join(dir, "images")+`
`)

	paramsPath := filepath.Join(dir, "params.yaml")
	writeFile(t, paramsPath, `
BACKBONE: simplecnn
IMAGE_SIZE: [64, 48, 3]
BATCH_SIZE: 4
EPOCHS: 3
CLASSES: 5
WEIGHTS: ""
LEARNING_RATE: 0.001
SEED: 7
EARLY_STOPPING_PATIENCE: 2
`)

	manager, err := NewConfigurationManager(configPath, paramsPath)
	require.NoError(t, err)

	base, err := manager.PrepareBaseModelConfig()
	require.NoError(t, err)
	assert.Equal(t, [3]int{64, 48, 3}, base.ImageSize)
	assert.Equal(t, 5, base.Classes)
	assert.Equal(t, "simplecnn", base.Backbone)
	assert.Equal(t, "avg", base.Pooling)
	assert.Equal(t, filepath.Join(dir, "weights"), base.WeightsDir)
	assert.DirExists(t, filepath.Join(dir, "prepare_base_model"))

	training, err := manager.TrainingConfig()
	require.NoError(t, err)
	assert.Equal(t, 3, training.Epochs)
	assert.Equal(t, base.UpdatedBaseModelPath, training.UpdatedBaseModelPath)
	assert.Equal(t, Split{Seed: 7, ValidationFraction: DefaultValidationFraction}, training.Split)

	evaluation, err := manager.EvaluationConfig()
	require.NoError(t, err)
	assert.Equal(t, training.Split, evaluation.Split)
	assert.Equal(t, "scores.json", evaluation.ScoresPath)

	callbacks, err := manager.CallbacksConfig()
	require.NoError(t, err)
	assert.Equal(t, 2, callbacks.EarlyStoppingPatience)
	assert.DirExists(t, filepath.Join(dir, "callbacks", "logs"))
}

func TestParamsValidation(t *testing.T) {
	fraction := func(v float64) *float64 { return &v }

	cases := []struct {
		name   string
		modify func(p *Params)
	}{
		{"image size rank", func(p *Params) { p.ImageSize = []int{224, 224} }},
		{"channels", func(p *Params) { p.ImageSize = []int{224, 224, 4} }},
		{"batch size", func(p *Params) { p.BatchSize = 0 }},
		{"epochs", func(p *Params) { p.Epochs = 0 }},
		{"classes", func(p *Params) { p.Classes = 1 }},
		{"learning rate", func(p *Params) { p.LearningRate = 0 }},
		{"pooling", func(p *Params) { p.Pooling = "median" }},
		{"validation split zero", func(p *Params) { p.ValidationSplit = fraction(0) }},
		{"validation split one", func(p *Params) { p.ValidationSplit = fraction(1) }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := DefaultParams()
			tc.modify(&p)
			assert.ErrorIs(t, p.Validate(), ErrInvalidConfig)
		})
	}

	assert.NoError(t, DefaultParams().Validate())
}

func TestUnknownParamRejected(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	writeFile(t, configPath, "artifacts_root: "+dir+"\n")
	paramsPath := filepath.Join(dir, "params.yaml")
	writeFile(t, paramsPath, "BATCH_SIZ: 4\n")

	_, err := NewConfigurationManager(configPath, paramsPath)
	assert.Error(t, err)
}

func TestMissingTrainingPaths(t *testing.T) {
	manager, err := NewConfigurationManagerFrom(Paths{}, DefaultParams())
	require.NoError(t, err)

	_, err = manager.TrainingConfig()
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = manager.PrepareBaseModelConfig()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
