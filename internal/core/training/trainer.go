package training

import (
	"classifier-backend/internal/config"
	"classifier-backend/internal/core/dataset"
	"classifier-backend/internal/core/model"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/janpfeifer/must"
)

type State string

const (
	Uninitialized State = "uninitialized"
	ModelLoaded   State = "model_loaded"
	DatasetsReady State = "datasets_ready"
	Running       State = "training"
	Completed     State = "completed"
	Failed        State = "failed"
)

var (
	ErrInvalidState = errors.New("invalid trainer state")
	// ErrStopTraining may be returned by a callback to end training after the current epoch.
	ErrStopTraining = errors.New("stop training")
)

type Trainer struct {
	cfg     config.TrainingConfig
	backend backends.Backend
	state   State

	model *model.Classifier
	train *dataset.Dataset
	valid *dataset.Dataset

	history []EpochState
}

func NewTrainer(backend backends.Backend, cfg config.TrainingConfig) *Trainer {
	return &Trainer{cfg: cfg, backend: backend, state: Uninitialized}
}

func (t *Trainer) State() State {
	return t.state
}

func (t *Trainer) Model() *model.Classifier {
	return t.model
}

func (t *Trainer) History() []EpochState {
	return t.history
}

func (t *Trainer) expect(op string, states ...State) error {
	for _, s := range states {
		if t.state == s {
			return nil
		}
	}
	return fmt.Errorf("%w: %s called in state %s", ErrInvalidState, op, t.state)
}

// LoadModel loads the compiled classifier from path, or from UpdatedBaseModelPath when path is empty.
func (t *Trainer) LoadModel(path string) error {
	if err := t.expect("LoadModel", Uninitialized); err != nil {
		return err
	}
	if path == "" {
		path = t.cfg.UpdatedBaseModelPath
	}
	m, err := model.LoadKind(t.backend, path, model.KindUpdated, model.KindTrained)
	if err != nil {
		return fmt.Errorf("error loading model: %w", err)
	}
	t.model = m
	t.state = ModelLoaded
	return nil
}

func (t *Trainer) PrepareDatasets() (*dataset.Dataset, *dataset.Dataset, error) {
	if err := t.expect("PrepareDatasets", ModelLoaded); err != nil {
		return nil, nil, err
	}
	if t.cfg.ImageSize != t.model.Manifest.ImageSize {
		return nil, nil, fmt.Errorf("%w: dataset image size %v does not match model input %v",
			dataset.ErrInvalidOptions, t.cfg.ImageSize, t.model.Manifest.ImageSize)
	}

	opts := dataset.Options{
		DataDir:          t.cfg.TrainingData,
		ImageSize:        t.cfg.ImageSize,
		BatchSize:        t.cfg.BatchSize,
		Subset:           dataset.Training,
		Split:            t.cfg.Split,
		ShuffleEachEpoch: true,
	}
	train, err := dataset.BuildSplit(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("error building training set: %w", err)
	}
	opts.Subset = dataset.Validation
	opts.ShuffleEachEpoch = false
	valid, err := dataset.BuildSplit(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("error building validation set: %w", err)
	}

	if n := len(train.ClassNames()); n > t.model.Manifest.Classes {
		return nil, nil, fmt.Errorf("%w: %d class directories but the model predicts %d classes",
			dataset.ErrInvalidOptions, n, t.model.Manifest.Classes)
	}
	t.model.Manifest.ClassNames = train.ClassNames()

	t.train, t.valid = train, valid
	t.state = DatasetsReady
	return train, valid, nil
}

// Fit runs cfg.Epochs passes over the training set. After every pass the validation set is
// evaluated and each callback is invoked once, in order.
func (t *Trainer) Fit(ctx context.Context, callbacks ...Callback) error {
	if err := t.expect("Fit", DatasetsReady); err != nil {
		return err
	}
	t.state = Running

	if err := t.fit(ctx, callbacks); err != nil {
		t.state = Failed
		return err
	}
	t.state = Completed
	return nil
}

func (t *Trainer) fit(ctx context.Context, callbacks []Callback) error {
	trainer, err := t.model.Trainer()
	if err != nil {
		return err
	}
	accuracyIdx := t.model.TrainAccuracyIndex()

	for epoch := 1; epoch <= t.cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("training interrupted before epoch %d: %w", epoch, err)
		}

		state := EpochState{Epoch: epoch, Epochs: t.cfg.Epochs}

		var lossSum, accuracy float64
		t.train.Reset()
		for {
			_, inputs, labels, err := t.train.Yield()
			if err == io.EOF {
				break
			}
			if err != nil {
				return fmt.Errorf("epoch %d: %w", epoch, err)
			}

			var stepMetrics []*tensors.Tensor
			if err := exceptions.TryCatch[error](func() {
				stepMetrics = must.M1(trainer.TrainStep(nil, inputs, labels))
			}); err != nil {
				return fmt.Errorf("epoch %d: train step failed: %w", epoch, err)
			}
			state.TrainBatches++
			lossSum += model.ScalarValue(stepMetrics[0])
			if accuracyIdx >= 0 {
				accuracy = model.ScalarValue(stepMetrics[accuracyIdx])
			}
		}
		state.TrainLoss = lossSum / float64(max(state.TrainBatches, 1))
		state.TrainAccuracy = accuracy

		before := t.valid.BatchesYielded()
		t.valid.Reset()
		var evalMetrics []*tensors.Tensor
		if err := exceptions.TryCatch[error](func() {
			evalMetrics = must.M1(trainer.Eval(t.valid))
		}); err != nil {
			return fmt.Errorf("epoch %d: validation failed: %w", epoch, err)
		}
		state.ValBatches = t.valid.BatchesYielded() - before
		state.ValLoss = model.ScalarValue(evalMetrics[0])
		state.ValAccuracy = model.ScalarValue(evalMetrics[1])

		if math.IsNaN(state.TrainLoss) || math.IsNaN(state.ValLoss) {
			return fmt.Errorf("epoch %d: loss diverged to NaN", epoch)
		}

		slog.Info("epoch finished", "epoch", epoch, "epochs", t.cfg.Epochs, "loss", state.TrainLoss,
			"accuracy", state.TrainAccuracy, "val_loss", state.ValLoss, "val_accuracy", state.ValAccuracy)
		t.history = append(t.history, state)

		stop := false
		for _, cb := range callbacks {
			if err := cb.OnEpochEnd(ctx, t.model, state); err != nil {
				if errors.Is(err, ErrStopTraining) {
					stop = true
					continue
				}
				return fmt.Errorf("epoch %d: callback failed: %w", epoch, err)
			}
		}
		if stop {
			slog.Info("training stopped early", "epoch", epoch)
			break
		}
	}
	return nil
}

// SaveModel persists the trained classifier to path, or to TrainedModelPath when path is empty.
func (t *Trainer) SaveModel(path string) error {
	if err := t.expect("SaveModel", Completed); err != nil {
		return err
	}
	if path == "" {
		path = t.cfg.TrainedModelPath
	}
	return t.model.Save(path, model.KindTrained)
}

// Release frees the model once the trainer is done with it.
func (t *Trainer) Release() {
	if t.model != nil {
		t.model.Release()
	}
}
