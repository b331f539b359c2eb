package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Split identifies a train/validation partition. The trainer and the evaluator must be given the
// same Split so that they agree on which images are held out.
type Split struct {
	Seed               uint64
	ValidationFraction float64
}

const (
	DefaultSeed               uint64  = 123
	DefaultValidationFraction float64 = 0.1
)

func DefaultSplit() Split {
	return Split{Seed: DefaultSeed, ValidationFraction: DefaultValidationFraction}
}

func (s Split) Validate() error {
	if s.ValidationFraction <= 0 || s.ValidationFraction >= 1 {
		return fmt.Errorf("%w: VALIDATION_SPLIT must be in (0, 1), got %v", ErrInvalidConfig, s.ValidationFraction)
	}
	return nil
}

type PrepareBaseModelConfig struct {
	RootDir              string
	BaseModelPath        string
	UpdatedBaseModelPath string
	WeightsDir           string
	Backbone             string
	ImageSize            [3]int
	LearningRate         float64
	IncludeTop           bool
	Weights              string
	Pooling              string
	Classes              int
	Seed                 uint64
}

type CallbacksConfig struct {
	RootDir               string
	MetricsLogDir         string
	CheckpointModelPath   string
	EarlyStoppingPatience int
}

type TrainingConfig struct {
	RootDir              string
	TrainedModelPath     string
	UpdatedBaseModelPath string
	TrainingData         string
	Epochs               int
	BatchSize            int
	ImageSize            [3]int
	Split                Split
}

type EvaluationConfig struct {
	PathOfModel  string
	TrainingData string
	ScoresPath   string
	BatchSize    int
	ImageSize    [3]int
	Split        Split
}

// Paths mirrors config.yaml.
type Paths struct {
	ArtifactsRoot    string `yaml:"artifacts_root"`
	PrepareBaseModel struct {
		RootDir              string `yaml:"root_dir"`
		BaseModelPath        string `yaml:"base_model_path"`
		UpdatedBaseModelPath string `yaml:"updated_base_model_path"`
		WeightsDir           string `yaml:"weights_dir"`
	} `yaml:"prepare_base_model"`
	PrepareCallbacks struct {
		RootDir             string `yaml:"root_dir"`
		MetricsLogDir       string `yaml:"metrics_log_dir"`
		CheckpointModelPath string `yaml:"checkpoint_model_path"`
	} `yaml:"prepare_callbacks"`
	Training struct {
		RootDir          string `yaml:"root_dir"`
		TrainedModelPath string `yaml:"trained_model_path"`
		TrainingData     string `yaml:"training_data"`
	} `yaml:"training"`
	Evaluation struct {
		PathOfModel  string `yaml:"path_of_model"`
		TrainingData string `yaml:"training_data"`
		ScoresPath   string `yaml:"scores_path"`
	} `yaml:"evaluation"`
}

// Params mirrors params.yaml. Pointer fields distinguish "absent" from zero so defaults can apply.
type Params struct {
	Backbone              string   `yaml:"BACKBONE" json:"BACKBONE,omitempty"`
	ImageSize             []int    `yaml:"IMAGE_SIZE" json:"IMAGE_SIZE,omitempty"`
	BatchSize             int      `yaml:"BATCH_SIZE" json:"BATCH_SIZE,omitempty"`
	IncludeTop            bool     `yaml:"INCLUDE_TOP" json:"INCLUDE_TOP,omitempty"`
	Epochs                int      `yaml:"EPOCHS" json:"EPOCHS,omitempty"`
	Classes               int      `yaml:"CLASSES" json:"CLASSES,omitempty"`
	Weights               string   `yaml:"WEIGHTS" json:"WEIGHTS,omitempty"`
	Pooling               string   `yaml:"POOLING" json:"POOLING,omitempty"`
	LearningRate          float64  `yaml:"LEARNING_RATE" json:"LEARNING_RATE,omitempty"`
	Seed                  *uint64  `yaml:"SEED" json:"SEED,omitempty"`
	ValidationSplit       *float64 `yaml:"VALIDATION_SPLIT" json:"VALIDATION_SPLIT,omitempty"`
	EarlyStoppingPatience int      `yaml:"EARLY_STOPPING_PATIENCE" json:"EARLY_STOPPING_PATIENCE,omitempty"`
}

func DefaultParams() Params {
	return Params{
		Backbone:     "inceptionv3",
		ImageSize:    []int{224, 224, 3},
		BatchSize:    16,
		IncludeTop:   false,
		Epochs:       1,
		Classes:      2,
		Weights:      "imagenet",
		Pooling:      "avg",
		LearningRate: 0.01,
	}
}

func (p Params) split() Split {
	s := DefaultSplit()
	if p.Seed != nil {
		s.Seed = *p.Seed
	}
	if p.ValidationSplit != nil {
		s.ValidationFraction = *p.ValidationSplit
	}
	return s
}

func (p Params) Validate() error {
	if len(p.ImageSize) != 3 {
		return fmt.Errorf("%w: IMAGE_SIZE must have 3 entries, got %v", ErrInvalidConfig, p.ImageSize)
	}
	for _, d := range p.ImageSize {
		if d <= 0 {
			return fmt.Errorf("%w: IMAGE_SIZE entries must be positive, got %v", ErrInvalidConfig, p.ImageSize)
		}
	}
	if p.ImageSize[2] != 1 && p.ImageSize[2] != 3 {
		return fmt.Errorf("%w: IMAGE_SIZE channels must be 1 or 3, got %d", ErrInvalidConfig, p.ImageSize[2])
	}
	if p.BatchSize <= 0 {
		return fmt.Errorf("%w: BATCH_SIZE must be positive, got %d", ErrInvalidConfig, p.BatchSize)
	}
	if p.Epochs <= 0 {
		return fmt.Errorf("%w: EPOCHS must be positive, got %d", ErrInvalidConfig, p.Epochs)
	}
	if p.Classes < 2 {
		return fmt.Errorf("%w: CLASSES must be at least 2, got %d", ErrInvalidConfig, p.Classes)
	}
	if p.LearningRate <= 0 {
		return fmt.Errorf("%w: LEARNING_RATE must be positive, got %v", ErrInvalidConfig, p.LearningRate)
	}
	if p.EarlyStoppingPatience < 0 {
		return fmt.Errorf("%w: EARLY_STOPPING_PATIENCE must not be negative", ErrInvalidConfig)
	}
	switch p.Pooling {
	case "avg", "max", "none", "":
	default:
		return fmt.Errorf("%w: POOLING must be one of avg, max, none; got %q", ErrInvalidConfig, p.Pooling)
	}
	return p.split().Validate()
}

// ConfigurationManager turns the two configuration files into the per-stage records.
type ConfigurationManager struct {
	paths  Paths
	params Params
}

func readYaml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("error reading %s: %w", path, err)
	}
	if err := yaml.UnmarshalStrict(data, out); err != nil {
		return fmt.Errorf("error parsing %s: %w", path, err)
	}
	return nil
}

func NewConfigurationManager(configPath, paramsPath string) (*ConfigurationManager, error) {
	var paths Paths
	if err := readYaml(configPath, &paths); err != nil {
		return nil, err
	}

	params := DefaultParams()
	if err := readYaml(paramsPath, &params); err != nil {
		return nil, err
	}

	return NewConfigurationManagerFrom(paths, params)
}

func NewConfigurationManagerFrom(paths Paths, params Params) (*ConfigurationManager, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if paths.ArtifactsRoot == "" {
		paths.ArtifactsRoot = getEnv("ARTIFACTS_ROOT", "artifacts")
	}
	return &ConfigurationManager{paths: paths, params: params}, nil
}

// DefaultPaths lays out every artifact under root, the way the bundled config.yaml does.
func DefaultPaths(root, trainingData string) Paths {
	var p Paths
	p.ArtifactsRoot = root
	p.PrepareBaseModel.RootDir = filepath.Join(root, "prepare_base_model")
	p.PrepareBaseModel.BaseModelPath = filepath.Join(root, "prepare_base_model", "base_model")
	p.PrepareBaseModel.UpdatedBaseModelPath = filepath.Join(root, "prepare_base_model", "base_model_updated")
	p.PrepareBaseModel.WeightsDir = filepath.Join(root, "weights")
	p.PrepareCallbacks.RootDir = filepath.Join(root, "prepare_callbacks")
	p.PrepareCallbacks.MetricsLogDir = filepath.Join(root, "prepare_callbacks", "metrics_log_dir")
	p.PrepareCallbacks.CheckpointModelPath = filepath.Join(root, "prepare_callbacks", "checkpoint_dir", "model")
	p.Training.RootDir = filepath.Join(root, "training")
	p.Training.TrainedModelPath = filepath.Join(root, "training", "model")
	p.Training.TrainingData = trainingData
	p.Evaluation.PathOfModel = filepath.Join(root, "training", "model")
	p.Evaluation.TrainingData = trainingData
	p.Evaluation.ScoresPath = filepath.Join(root, "scores.json")
	return p
}

func (m *ConfigurationManager) Params() Params {
	return m.params
}

func (m *ConfigurationManager) imageSize() [3]int {
	return [3]int{m.params.ImageSize[0], m.params.ImageSize[1], m.params.ImageSize[2]}
}

func (m *ConfigurationManager) PrepareBaseModelConfig() (PrepareBaseModelConfig, error) {
	p := m.paths.PrepareBaseModel
	if p.BaseModelPath == "" || p.UpdatedBaseModelPath == "" {
		return PrepareBaseModelConfig{}, fmt.Errorf("%w: prepare_base_model paths are required", ErrInvalidConfig)
	}
	if p.RootDir != "" {
		if err := os.MkdirAll(p.RootDir, 0755); err != nil {
			return PrepareBaseModelConfig{}, fmt.Errorf("error creating %s: %w", p.RootDir, err)
		}
	}
	weightsDir := p.WeightsDir
	if weightsDir == "" {
		weightsDir = filepath.Join(m.paths.ArtifactsRoot, "weights")
	}
	return PrepareBaseModelConfig{
		RootDir:              p.RootDir,
		BaseModelPath:        p.BaseModelPath,
		UpdatedBaseModelPath: p.UpdatedBaseModelPath,
		WeightsDir:           weightsDir,
		Backbone:             m.params.Backbone,
		ImageSize:            m.imageSize(),
		LearningRate:         m.params.LearningRate,
		IncludeTop:           m.params.IncludeTop,
		Weights:              m.params.Weights,
		Pooling:              m.params.Pooling,
		Classes:              m.params.Classes,
		Seed:                 m.params.split().Seed,
	}, nil
}

func (m *ConfigurationManager) CallbacksConfig() (CallbacksConfig, error) {
	p := m.paths.PrepareCallbacks
	for _, dir := range []string{p.RootDir, p.MetricsLogDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return CallbacksConfig{}, fmt.Errorf("error creating %s: %w", dir, err)
		}
	}
	return CallbacksConfig{
		RootDir:               p.RootDir,
		MetricsLogDir:         p.MetricsLogDir,
		CheckpointModelPath:   p.CheckpointModelPath,
		EarlyStoppingPatience: m.params.EarlyStoppingPatience,
	}, nil
}

func (m *ConfigurationManager) TrainingConfig() (TrainingConfig, error) {
	p := m.paths.Training
	if p.TrainedModelPath == "" || p.TrainingData == "" {
		return TrainingConfig{}, fmt.Errorf("%w: training.trained_model_path and training.training_data are required", ErrInvalidConfig)
	}
	if p.RootDir != "" {
		if err := os.MkdirAll(p.RootDir, 0755); err != nil {
			return TrainingConfig{}, fmt.Errorf("error creating %s: %w", p.RootDir, err)
		}
	}
	return TrainingConfig{
		RootDir:              p.RootDir,
		TrainedModelPath:     p.TrainedModelPath,
		UpdatedBaseModelPath: m.paths.PrepareBaseModel.UpdatedBaseModelPath,
		TrainingData:         p.TrainingData,
		Epochs:               m.params.Epochs,
		BatchSize:            m.params.BatchSize,
		ImageSize:            m.imageSize(),
		Split:                m.params.split(),
	}, nil
}

func (m *ConfigurationManager) EvaluationConfig() (EvaluationConfig, error) {
	p := m.paths.Evaluation
	if p.PathOfModel == "" || p.TrainingData == "" {
		return EvaluationConfig{}, fmt.Errorf("%w: evaluation.path_of_model and evaluation.training_data are required", ErrInvalidConfig)
	}
	scores := p.ScoresPath
	if scores == "" {
		scores = "scores.json"
	}
	return EvaluationConfig{
		PathOfModel:  p.PathOfModel,
		TrainingData: p.TrainingData,
		ScoresPath:   scores,
		BatchSize:    m.params.BatchSize,
		ImageSize:    m.imageSize(),
		Split:        m.params.split(),
	}, nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}
