package training

import (
	"classifier-backend/internal/config"
	"classifier-backend/internal/core/model"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
)

type EpochState struct {
	Epoch         int     `json:"epoch"`
	Epochs        int     `json:"epochs"`
	TrainLoss     float64 `json:"loss"`
	TrainAccuracy float64 `json:"accuracy"`
	ValLoss       float64 `json:"val_loss"`
	ValAccuracy   float64 `json:"val_accuracy"`
	TrainBatches  int     `json:"train_batches"`
	ValBatches    int     `json:"val_batches"`
}

// Callback is invoked once at the end of every epoch. Returning ErrStopTraining ends training
// successfully; any other error fails it.
type Callback interface {
	OnEpochEnd(ctx context.Context, m *model.Classifier, state EpochState) error
}

type CallbackFunc func(ctx context.Context, m *model.Classifier, state EpochState) error

func (f CallbackFunc) OnEpochEnd(ctx context.Context, m *model.Classifier, state EpochState) error {
	return f(ctx, m, state)
}

type LoggingCallback struct{}

func (LoggingCallback) OnEpochEnd(_ context.Context, _ *model.Classifier, state EpochState) error {
	slog.Info("epoch metrics", "epoch", fmt.Sprintf("%d/%d", state.Epoch, state.Epochs),
		"train_batches", state.TrainBatches, "val_batches", state.ValBatches)
	return nil
}

type ProgressCallback struct {
	bar *progressbar.ProgressBar
}

func NewProgressCallback(epochs int) *ProgressCallback {
	return &ProgressCallback{bar: progressbar.Default(int64(epochs), "training")}
}

func (p *ProgressCallback) OnEpochEnd(_ context.Context, _ *model.Classifier, state EpochState) error {
	p.bar.Describe(fmt.Sprintf("loss %.4f val_loss %.4f", state.TrainLoss, state.ValLoss))
	return p.bar.Add(1)
}

// MetricsLogCallback appends one JSON line per epoch to metrics.jsonl in a timestamped directory
// under the metrics log dir.
type MetricsLogCallback struct {
	path string
}

func NewMetricsLogCallback(logDir string) (*MetricsLogCallback, error) {
	dir := filepath.Join(logDir, "fit-"+time.Now().Format("2006-01-02-15-04-05"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("error creating metrics log dir: %w", err)
	}
	return &MetricsLogCallback{path: filepath.Join(dir, "metrics.jsonl")}, nil
}

func (c *MetricsLogCallback) Path() string {
	return c.path
}

func (c *MetricsLogCallback) OnEpochEnd(_ context.Context, _ *model.Classifier, state EpochState) error {
	line, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("error encoding epoch metrics: %w", err)
	}
	file, err := os.OpenFile(c.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("error opening metrics log: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("error writing metrics log: %w", err)
	}
	return nil
}

// CheckpointCallback saves the model whenever the validation loss improves.
type CheckpointCallback struct {
	path string
	best float64
}

func NewCheckpointCallback(path string) *CheckpointCallback {
	return &CheckpointCallback{path: path, best: math.Inf(1)}
}

func (c *CheckpointCallback) OnEpochEnd(_ context.Context, m *model.Classifier, state EpochState) error {
	if state.ValLoss >= c.best {
		return nil
	}
	slog.Info("validation loss improved, saving checkpoint", "from", c.best, "to", state.ValLoss, "path", c.path)
	c.best = state.ValLoss
	return m.Save(c.path, model.KindTrained)
}

// EarlyStoppingCallback stops training after patience epochs without a validation loss improvement.
type EarlyStoppingCallback struct {
	patience int
	best     float64
	waited   int
}

func NewEarlyStoppingCallback(patience int) *EarlyStoppingCallback {
	return &EarlyStoppingCallback{patience: patience, best: math.Inf(1)}
}

func (c *EarlyStoppingCallback) OnEpochEnd(_ context.Context, _ *model.Classifier, state EpochState) error {
	if state.ValLoss < c.best {
		c.best = state.ValLoss
		c.waited = 0
		return nil
	}
	c.waited++
	if c.waited >= c.patience {
		return fmt.Errorf("%w: no improvement in validation loss for %d epochs", ErrStopTraining, c.waited)
	}
	return nil
}

// PrepareCallbacks builds the standard callback set for a training run.
func PrepareCallbacks(cfg config.CallbacksConfig, epochs int, showProgress bool) ([]Callback, error) {
	callbacks := []Callback{LoggingCallback{}}

	if showProgress {
		callbacks = append(callbacks, NewProgressCallback(epochs))
	}
	if cfg.MetricsLogDir != "" {
		metricsLog, err := NewMetricsLogCallback(cfg.MetricsLogDir)
		if err != nil {
			return nil, err
		}
		callbacks = append(callbacks, metricsLog)
	}
	if cfg.CheckpointModelPath != "" {
		callbacks = append(callbacks, NewCheckpointCallback(cfg.CheckpointModelPath))
	}
	if cfg.EarlyStoppingPatience > 0 {
		callbacks = append(callbacks, NewEarlyStoppingCallback(cfg.EarlyStoppingPatience))
	}
	return callbacks, nil
}
