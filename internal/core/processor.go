package core

import (
	"classifier-backend/internal/config"
	"classifier-backend/internal/core/model"
	"classifier-backend/internal/core/training"
	"classifier-backend/internal/database"
	"classifier-backend/internal/messaging"
	"classifier-backend/internal/storage"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/backends"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Object store layout for a run's artifacts in the model bucket.
const (
	BaseModelArtifact    = "base_model"
	UpdatedModelArtifact = "base_model_updated"
	TrainedModelArtifact = "trained_model"
	ScoresObject         = "scores.json"
)

func ArtifactKey(runId uuid.UUID, artifact string) string {
	return runId.String() + "/" + artifact
}

type TaskProcessor struct {
	db        *gorm.DB
	storage   storage.ObjectStore
	publisher messaging.Publisher
	reciever  messaging.Reciever
	backend   backends.Backend

	workDir     string
	weightsDir  string
	modelBucket string
	dataBucket  string
}

func NewTaskProcessor(db *gorm.DB, storage storage.ObjectStore, publisher messaging.Publisher, reciever messaging.Reciever, backend backends.Backend, workDir string, modelBucket string, dataBucket string) *TaskProcessor {
	return &TaskProcessor{
		db:          db,
		storage:     storage,
		publisher:   publisher,
		reciever:    reciever,
		backend:     backend,
		workDir:     workDir,
		weightsDir:  filepath.Join(workDir, "weights"),
		modelBucket: modelBucket,
		dataBucket:  dataBucket,
	}
}

func (proc *TaskProcessor) Start() {
	slog.Info("starting task processor")

	for task := range proc.reciever.Tasks() {
		proc.ProcessTask(task)
	}
}

func (proc *TaskProcessor) Stop() {
	slog.Info("stopping task processor")

	proc.publisher.Close()
	proc.reciever.Close()
}

func queueStage(queue string) (Stage, bool) {
	switch queue {
	case messaging.PrepareBaseModelQueue:
		return StagePrepareBaseModel, true
	case messaging.TrainingQueue:
		return StageTraining, true
	case messaging.EvaluationQueue:
		return StageEvaluation, true
	}
	return "", false
}

func (proc *TaskProcessor) ProcessTask(task messaging.Task) {
	ctx := context.Background()

	stage, ok := queueStage(task.Type())
	if !ok {
		slog.Error("received unknown task type", "queue", task.Type())
		if err := task.Reject(); err != nil {
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	var payload messaging.StageTaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		slog.Error("error unmarshalling stage task", "queue", task.Type(), "error", err)
		if err := task.Reject(); err != nil { // Discard malformed message
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	if err := proc.processStageTask(ctx, stage, payload.RunId); err != nil {
		slog.Error("error processing task", "queue", task.Type(), "run_id", payload.RunId, "error", err)
		if err := task.Nack(); err != nil {
			slog.Error("error reporting processing failure on message from queue", "error", err)
		}
		return
	}

	slog.Info("successfully processed task", "queue", task.Type(), "run_id", payload.RunId)
	if err := task.Ack(); err != nil {
		slog.Error("error acknowledging message from queue", "error", err)
	}
}

func stageStatus(stage Stage) string {
	switch stage {
	case StagePrepareBaseModel:
		return database.RunPreparing
	case StageTraining:
		return database.RunTraining
	default:
		return database.RunEvaluating
	}
}

func RunParams(run database.Run) (config.Params, error) {
	params := config.DefaultParams()
	if len(run.Params) > 0 {
		if err := json.Unmarshal(run.Params, &params); err != nil {
			return config.Params{}, fmt.Errorf("error parsing run params: %w", err)
		}
	}
	return params, params.Validate()
}

func (proc *TaskProcessor) processStageTask(ctx context.Context, stage Stage, runId uuid.UUID) error {
	run, err := database.GetRun(ctx, proc.db, runId)
	if err != nil {
		if errors.Is(err, database.ErrRunNotFound) {
			slog.Warn("run no longer exists, skipping task", "run_id", runId, "stage", stage)
			return nil
		}
		return err
	}

	if run.Status == database.RunFailed || run.Status == database.RunCompleted {
		slog.Info("run already finished, skipping task", "run_id", runId, "stage", stage, "status", run.Status)
		return nil
	}

	if err := database.UpdateRunStatus(ctx, proc.db, runId, stageStatus(stage), string(stage)); err != nil {
		return fmt.Errorf("error updating run status: %w", err)
	}

	if err := proc.runStage(ctx, stage, run); err != nil {
		slog.Error("stage failed", "run_id", runId, "stage", stage, "error", err)
		if statusErr := database.UpdateRunStatus(ctx, proc.db, runId, database.RunFailed, string(stage)); statusErr != nil {
			slog.Error("error marking run as failed", "run_id", runId, "stage", stage, "error", statusErr)
		}
		if saveErr := database.SaveRunError(ctx, proc.db, runId, string(stage), err.Error()); saveErr != nil {
			slog.Error("error saving run error", "run_id", runId, "stage", stage, "error", saveErr)
		}
		return err
	}

	return nil
}

func (proc *TaskProcessor) runStage(ctx context.Context, stage Stage, run database.Run) error {
	params, err := RunParams(run)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(proc.workDir, os.ModePerm); err != nil {
		return fmt.Errorf("error creating work dir: %w", err)
	}
	runDir, err := os.MkdirTemp(proc.workDir, run.Id.String()+"-")
	if err != nil {
		return fmt.Errorf("error creating run work dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(runDir); err != nil {
			slog.Error("error removing run work dir", "dir", runDir, "error", err)
		}
	}()

	paths := config.DefaultPaths(runDir, filepath.Join(runDir, "data"))
	paths.PrepareBaseModel.WeightsDir = proc.weightsDir

	manager, err := config.NewConfigurationManagerFrom(paths, params)
	if err != nil {
		return err
	}
	pipeline := NewPipeline(proc.backend, manager)

	switch stage {
	case StagePrepareBaseModel:
		return proc.prepareBaseModel(ctx, pipeline, run.Id, paths)
	case StageTraining:
		return proc.train(ctx, pipeline, run, paths)
	case StageEvaluation:
		return proc.evaluate(ctx, pipeline, run, paths)
	}
	return fmt.Errorf("unknown stage %q", stage)
}

func (proc *TaskProcessor) prepareBaseModel(ctx context.Context, pipeline *Pipeline, runId uuid.UUID, paths config.Paths) error {
	if err := pipeline.RunStage(ctx, StagePrepareBaseModel); err != nil {
		return err
	}

	if err := proc.storage.UploadDir(ctx, proc.modelBucket, ArtifactKey(runId, BaseModelArtifact), paths.PrepareBaseModel.BaseModelPath); err != nil {
		return fmt.Errorf("error uploading base model: %w", err)
	}
	if err := proc.storage.UploadDir(ctx, proc.modelBucket, ArtifactKey(runId, UpdatedModelArtifact), paths.PrepareBaseModel.UpdatedBaseModelPath); err != nil {
		return fmt.Errorf("error uploading updated base model: %w", err)
	}

	if err := proc.publisher.PublishTrainingTask(ctx, messaging.StageTaskPayload{RunId: runId}); err != nil {
		return fmt.Errorf("error queueing training task: %w", err)
	}
	return nil
}

func (proc *TaskProcessor) downloadTrainingData(ctx context.Context, run database.Run, dest string) error {
	if err := proc.storage.DownloadDir(ctx, proc.dataBucket, run.TrainingDataPrefix, dest, true); err != nil {
		return fmt.Errorf("error downloading training data: %w", err)
	}
	return nil
}

// epochMetricsCallback persists each epoch's metrics so they can be followed through the API while
// training runs.
func (proc *TaskProcessor) epochMetricsCallback(runId uuid.UUID) training.Callback {
	return training.CallbackFunc(func(ctx context.Context, _ *model.Classifier, state training.EpochState) error {
		return database.SaveEpochMetric(ctx, proc.db, database.EpochMetric{
			RunId:         runId,
			Epoch:         state.Epoch,
			TrainLoss:     state.TrainLoss,
			TrainAccuracy: state.TrainAccuracy,
			ValLoss:       state.ValLoss,
			ValAccuracy:   state.ValAccuracy,
			TrainBatches:  state.TrainBatches,
			ValBatches:    state.ValBatches,
		})
	})
}

func (proc *TaskProcessor) train(ctx context.Context, pipeline *Pipeline, run database.Run, paths config.Paths) error {
	if err := proc.downloadTrainingData(ctx, run, paths.Training.TrainingData); err != nil {
		return err
	}
	if err := proc.storage.DownloadDir(ctx, proc.modelBucket, ArtifactKey(run.Id, UpdatedModelArtifact), paths.PrepareBaseModel.UpdatedBaseModelPath, true); err != nil {
		return fmt.Errorf("error downloading updated base model: %w", err)
	}

	pipeline.Callbacks = append(pipeline.Callbacks, proc.epochMetricsCallback(run.Id))
	if err := pipeline.RunStage(ctx, StageTraining); err != nil {
		return err
	}

	if err := proc.storage.UploadDir(ctx, proc.modelBucket, ArtifactKey(run.Id, TrainedModelArtifact), paths.Training.TrainedModelPath); err != nil {
		return fmt.Errorf("error uploading trained model: %w", err)
	}

	if err := proc.publisher.PublishEvaluationTask(ctx, messaging.StageTaskPayload{RunId: run.Id}); err != nil {
		return fmt.Errorf("error queueing evaluation task: %w", err)
	}
	return nil
}

func (proc *TaskProcessor) evaluate(ctx context.Context, pipeline *Pipeline, run database.Run, paths config.Paths) error {
	if err := proc.downloadTrainingData(ctx, run, paths.Evaluation.TrainingData); err != nil {
		return err
	}
	if err := proc.storage.DownloadDir(ctx, proc.modelBucket, ArtifactKey(run.Id, TrainedModelArtifact), paths.Evaluation.PathOfModel, true); err != nil {
		return fmt.Errorf("error downloading trained model: %w", err)
	}

	score, err := pipeline.Evaluate(ctx)
	if err != nil {
		return &StageError{Stage: StageEvaluation, Err: err}
	}

	scores, err := os.Open(paths.Evaluation.ScoresPath)
	if err != nil {
		return fmt.Errorf("error opening scores: %w", err)
	}
	defer scores.Close()

	if err := proc.storage.PutObject(ctx, proc.modelBucket, ArtifactKey(run.Id, ScoresObject), scores); err != nil {
		return fmt.Errorf("error uploading scores: %w", err)
	}

	return proc.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		if err := database.SaveScore(ctx, txn, run.Id, score.Loss, score.Accuracy); err != nil {
			return err
		}
		return database.UpdateRunStatus(ctx, txn, run.Id, database.RunCompleted, string(StageEvaluation))
	})
}
