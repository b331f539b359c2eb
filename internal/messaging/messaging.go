package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	PrepareBaseModelQueue = "prepare_base_model_queue"
	TrainingQueue         = "training_queue"
	EvaluationQueue       = "evaluation_queue"
	RetryDelay            = 5 * time.Second
	MaxConnectRetry       = 5
)

var ErrQueueClosed = errors.New("queue is closed")

var AllQueues = []string{PrepareBaseModelQueue, TrainingQueue, EvaluationQueue}

type Task interface {
	Type() string

	Payload() []byte

	Ack() error

	Nack() error

	Reject() error
}

// StageTaskPayload asks a worker to run one pipeline stage for a run. Everything else the stage
// needs is read from the run's database record and the object store.
type StageTaskPayload struct {
	RunId uuid.UUID
}

type Publisher interface {
	PublishPrepareBaseModelTask(ctx context.Context, payload StageTaskPayload) error

	PublishTrainingTask(ctx context.Context, payload StageTaskPayload) error

	PublishEvaluationTask(ctx context.Context, payload StageTaskPayload) error

	Close()
}

type Reciever interface {
	Tasks() <-chan Task

	Close()
}
