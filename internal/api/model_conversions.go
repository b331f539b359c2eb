package api

import (
	"classifier-backend/internal/database"
	"classifier-backend/pkg/api"
	"encoding/json"
	"log/slog"
)

func convertRun(r database.Run) api.Run {
	run := api.Run{
		Id:           r.Id,
		Name:         r.Name,
		Status:       r.Status,
		Stage:        r.Stage,
		TrainingData: r.TrainingDataPrefix,
		CreationTime: r.CreationTime,
	}

	if len(r.Params) > 0 {
		if err := json.Unmarshal(r.Params, &run.Params); err != nil {
			slog.Error("error decoding stored run params", "run_id", r.Id, "error", err)
		}
	}

	if r.CompletionTime.Valid {
		completed := r.CompletionTime.Time
		run.CompletionTime = &completed
	}

	if r.Score != nil {
		score := convertScore(*r.Score)
		run.Score = &score
	}

	for _, e := range r.Errors {
		run.Errors = append(run.Errors, api.RunError{Stage: e.Stage, Error: e.Error, Timestamp: e.Timestamp})
	}

	return run
}

func convertRuns(rs []database.Run) []api.Run {
	runs := make([]api.Run, 0, len(rs))
	for _, r := range rs {
		runs = append(runs, convertRun(r))
	}
	return runs
}

func convertScore(s database.Score) api.Score {
	return api.Score{Loss: s.Loss, Accuracy: s.Accuracy}
}

func convertEpochMetrics(ms []database.EpochMetric) []api.EpochMetric {
	metrics := make([]api.EpochMetric, 0, len(ms))
	for _, m := range ms {
		metrics = append(metrics, api.EpochMetric{
			Epoch:         m.Epoch,
			TrainLoss:     m.TrainLoss,
			TrainAccuracy: m.TrainAccuracy,
			ValLoss:       m.ValLoss,
			ValAccuracy:   m.ValAccuracy,
			TrainBatches:  m.TrainBatches,
			ValBatches:    m.ValBatches,
		})
	}
	return metrics
}
