package evaluation

import (
	"classifier-backend/internal/config"
	"classifier-backend/internal/core/dataset"
	"classifier-backend/internal/core/model"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/janpfeifer/must"
)

var (
	ErrNotEvaluated = errors.New("model has not been evaluated")
	ErrNonFinite    = errors.New("score is not finite")
	ErrNotReady     = errors.New("evaluator is missing its model or validation set")
)

type Score struct {
	Loss     float64 `json:"loss"`
	Accuracy float64 `json:"accuracy"`
}

func (s Score) Validate() error {
	if math.IsNaN(s.Loss) || math.IsInf(s.Loss, 0) || math.IsNaN(s.Accuracy) || math.IsInf(s.Accuracy, 0) {
		return fmt.Errorf("%w: loss=%v accuracy=%v", ErrNonFinite, s.Loss, s.Accuracy)
	}
	return nil
}

type Evaluator struct {
	cfg     config.EvaluationConfig
	backend backends.Backend

	model *model.Classifier
	valid *dataset.Dataset
	score *Score
}

func NewEvaluator(backend backends.Backend, cfg config.EvaluationConfig) *Evaluator {
	return &Evaluator{cfg: cfg, backend: backend}
}

// LoadModel loads the trained classifier from path, or from PathOfModel when path is empty.
func (e *Evaluator) LoadModel(path string) error {
	if path == "" {
		path = e.cfg.PathOfModel
	}
	m, err := model.LoadKind(e.backend, path, model.KindTrained)
	if err != nil {
		return fmt.Errorf("error loading trained model: %w", err)
	}
	e.model = m
	return nil
}

// BuildValidationSet rebuilds the held-out partition with the same split the trainer used.
func (e *Evaluator) BuildValidationSet() (*dataset.Dataset, error) {
	valid, err := dataset.BuildSplit(dataset.Options{
		DataDir:   e.cfg.TrainingData,
		ImageSize: e.cfg.ImageSize,
		BatchSize: e.cfg.BatchSize,
		Subset:    dataset.Validation,
		Split:     e.cfg.Split,
	})
	if err != nil {
		return nil, fmt.Errorf("error building validation set: %w", err)
	}
	e.valid = valid
	return valid, nil
}

// Evaluate computes the mean loss and accuracy of the model over the validation set.
func (e *Evaluator) Evaluate() (Score, error) {
	if e.model == nil || e.valid == nil {
		return Score{}, ErrNotReady
	}
	if e.model.Manifest.ImageSize != e.cfg.ImageSize {
		return Score{}, fmt.Errorf("%w: dataset image size %v does not match model input %v",
			dataset.ErrInvalidOptions, e.cfg.ImageSize, e.model.Manifest.ImageSize)
	}

	trainer, err := e.model.Trainer()
	if err != nil {
		return Score{}, err
	}

	e.valid.Reset()
	var results []*tensors.Tensor
	if err := exceptions.TryCatch[error](func() {
		results = must.M1(trainer.Eval(e.valid))
	}); err != nil {
		return Score{}, fmt.Errorf("error evaluating model: %w", err)
	}

	score := Score{Loss: model.ScalarValue(results[0]), Accuracy: model.ScalarValue(results[1])}
	slog.Info("evaluated model", "loss", score.Loss, "accuracy", score.Accuracy, "samples", e.valid.Len())
	e.score = &score
	return score, nil
}

// SaveScore writes {"loss", "accuracy"} to path, or to ScoresPath when path is empty.
func (e *Evaluator) SaveScore(path string) error {
	if e.score == nil {
		return ErrNotEvaluated
	}
	if path == "" {
		path = e.cfg.ScoresPath
	}
	return WriteScore(path, *e.score)
}

func (e *Evaluator) Release() {
	if e.model != nil {
		e.model.Release()
	}
}

func WriteScore(path string, score Score) error {
	if err := score.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(score, "", "    ")
	if err != nil {
		return fmt.Errorf("error encoding score: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("error creating %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing score: %w", err)
	}
	slog.Info("saved score", "path", path)
	return nil
}

func ReadScore(path string) (Score, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Score{}, fmt.Errorf("error reading score: %w", err)
	}
	var score Score
	if err := json.Unmarshal(data, &score); err != nil {
		return Score{}, fmt.Errorf("error decoding score: %w", err)
	}
	return score, nil
}
