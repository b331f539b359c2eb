package api

import (
	"time"

	"github.com/google/uuid"
)

type RunError struct {
	Stage     string
	Error     string
	Timestamp time.Time
}

type Score struct {
	Loss     float64
	Accuracy float64
}

type Run struct {
	Id     uuid.UUID
	Name   string
	Status string
	Stage  string

	TrainingData string
	Params       map[string]any `json:"Params,omitempty"`

	CreationTime   time.Time
	CompletionTime *time.Time `json:"CompletionTime,omitempty"`

	Score  *Score     `json:"Score,omitempty"`
	Errors []RunError `json:"Errors,omitempty"`
}

type EpochMetric struct {
	Epoch         int
	TrainLoss     float64
	TrainAccuracy float64
	ValLoss       float64
	ValAccuracy   float64
	TrainBatches  int
	ValBatches    int
}

// CreateRunRequest starts a run on images previously stored under TrainingData, laid out as
// <class>/<image>. Params uses the params.yaml keys; omitted keys take their defaults.
type CreateRunRequest struct {
	Name         string
	TrainingData string
	Params       map[string]any
}

type CreateRunResponse struct {
	RunId uuid.UUID
}

type ListRunsParams struct {
	Status string `schema:"status"`
}

type UploadResponse struct {
	Id uuid.UUID
}
