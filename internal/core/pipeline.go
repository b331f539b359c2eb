package core

import (
	"classifier-backend/internal/config"
	"classifier-backend/internal/core/evaluation"
	"classifier-backend/internal/core/model"
	"classifier-backend/internal/core/training"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gomlx/gomlx/backends"
)

type Stage string

const (
	StagePrepareBaseModel Stage = "prepare_base_model"
	StageTraining         Stage = "training"
	StageEvaluation       Stage = "evaluation"
)

var AllStages = []Stage{StagePrepareBaseModel, StageTraining, StageEvaluation}

func ParseStage(s string) (Stage, error) {
	for _, stage := range AllStages {
		if string(stage) == s {
			return stage, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Pipeline runs the stages against artifacts on the local filesystem. Stages only communicate
// through those artifacts, so any stage may be run on its own once its inputs exist.
type Pipeline struct {
	backend backends.Backend
	config  *config.ConfigurationManager

	ShowProgress bool
	// Callbacks are appended to the standard training callbacks.
	Callbacks []training.Callback
}

func NewPipeline(backend backends.Backend, manager *config.ConfigurationManager) *Pipeline {
	return &Pipeline{backend: backend, config: manager}
}

func (p *Pipeline) Run(ctx context.Context, stages ...Stage) error {
	if len(stages) == 0 {
		stages = AllStages
	}
	for _, stage := range stages {
		if err := p.RunStage(ctx, stage); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) RunStage(ctx context.Context, stage Stage) error {
	slog.Info(">>>>>> stage started <<<<<<", "stage", stage)
	start := time.Now()

	var err error
	switch stage {
	case StagePrepareBaseModel:
		err = p.PrepareBaseModel(ctx)
	case StageTraining:
		_, err = p.Train(ctx)
	case StageEvaluation:
		_, err = p.Evaluate(ctx)
	default:
		err = fmt.Errorf("unknown stage %q", stage)
	}
	if err != nil {
		slog.Error("stage failed", "stage", stage, "error", err)
		return &StageError{Stage: stage, Err: err}
	}

	slog.Info(">>>>>> stage completed <<<<<<", "stage", stage, "duration", time.Since(start))
	return nil
}

func (p *Pipeline) PrepareBaseModel(ctx context.Context) error {
	cfg, err := p.config.PrepareBaseModelConfig()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return model.NewBaseModelBuilder(p.backend, cfg).Run()
}

func (p *Pipeline) Train(ctx context.Context) ([]training.EpochState, error) {
	cfg, err := p.config.TrainingConfig()
	if err != nil {
		return nil, err
	}
	callbacksCfg, err := p.config.CallbacksConfig()
	if err != nil {
		return nil, err
	}
	callbacks, err := training.PrepareCallbacks(callbacksCfg, cfg.Epochs, p.ShowProgress)
	if err != nil {
		return nil, err
	}
	callbacks = append(callbacks, p.Callbacks...)

	trainer := training.NewTrainer(p.backend, cfg)
	defer trainer.Release()

	if err := trainer.LoadModel(""); err != nil {
		return nil, err
	}
	if _, _, err := trainer.PrepareDatasets(); err != nil {
		return nil, err
	}
	if err := trainer.Fit(ctx, callbacks...); err != nil {
		return nil, err
	}
	if err := trainer.SaveModel(""); err != nil {
		return nil, err
	}
	return trainer.History(), nil
}

func (p *Pipeline) Evaluate(ctx context.Context) (evaluation.Score, error) {
	cfg, err := p.config.EvaluationConfig()
	if err != nil {
		return evaluation.Score{}, err
	}
	if err := ctx.Err(); err != nil {
		return evaluation.Score{}, err
	}

	evaluator := evaluation.NewEvaluator(p.backend, cfg)
	defer evaluator.Release()

	if err := evaluator.LoadModel(""); err != nil {
		return evaluation.Score{}, err
	}
	if _, err := evaluator.BuildValidationSet(); err != nil {
		return evaluation.Score{}, err
	}
	score, err := evaluator.Evaluate()
	if err != nil {
		return evaluation.Score{}, err
	}
	if err := evaluator.SaveScore(""); err != nil {
		return evaluation.Score{}, err
	}
	return score, nil
}
