package api

import (
	"bytes"
	"classifier-backend/internal/config"
	"classifier-backend/internal/database"
	"classifier-backend/internal/messaging"
	"classifier-backend/internal/storage"
	"classifier-backend/pkg/api"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type BackendService struct {
	db         *gorm.DB
	storage    storage.ObjectStore
	publisher  messaging.Publisher
	dataBucket string

	maxUploadBytes int64
}

func NewBackendService(db *gorm.DB, storage storage.ObjectStore, publisher messaging.Publisher, dataBucket string, maxUploadBytes int64) *BackendService {
	return &BackendService{
		db:             db,
		storage:        storage,
		publisher:      publisher,
		dataBucket:     dataBucket,
		maxUploadBytes: maxUploadBytes,
	}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))

	r.Post("/uploads", RestHandler(s.UploadTrainingData))

	r.Route("/runs", func(r chi.Router) {
		r.Post("/", RestHandler(s.CreateRun))
		r.Get("/", RestHandler(s.ListRuns))
		r.Route("/{run_id}", func(r chi.Router) {
			r.Get("/", RestHandler(s.GetRun))
			r.Get("/metrics", RestHandler(s.GetRunMetrics))
			r.Get("/scores", RestHandler(s.GetRunScore))
		})
	})
}

// UploadTrainingData stores a multipart upload as a dataset. Every file part becomes an image of the
// class named by its form field, so a client sends one field per class directory.
func (s *BackendService) UploadTrainingData(r *http.Request) (any, error) {
	if s.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(nil, r.Body, s.maxUploadBytes)
	}

	reader, err := r.MultipartReader()
	if err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "expected a multipart/form-data request: %v", err)
	}

	ctx := r.Context()
	uploadId := uuid.New()

	files, err := s.storeUploadParts(ctx, reader, uploadId.String())
	if err == nil && files == 0 {
		err = CodedErrorf(http.StatusBadRequest, "upload contains no files")
	}
	if err != nil {
		// Drop whatever parts were stored before the upload failed.
		if cleanupErr := s.storage.DeleteObjects(context.WithoutCancel(ctx), s.dataBucket, uploadId.String()+"/"); cleanupErr != nil {
			slog.Error("error removing partial upload", "upload_id", uploadId, "error", cleanupErr)
		}
		return nil, err
	}

	slog.Info("stored training data upload", "upload_id", uploadId, "files", files)
	return api.UploadResponse{Id: uploadId}, nil
}

func (s *BackendService) storeUploadParts(ctx context.Context, reader *multipart.Reader, prefix string) (int, error) {
	tooLarge := func(err error) bool {
		var maxErr *http.MaxBytesError
		return errors.As(err, &maxErr)
	}

	files := 0
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return files, nil
		}
		if err != nil {
			if tooLarge(err) {
				return files, CodedErrorf(http.StatusRequestEntityTooLarge, "upload exceeds %d bytes", s.maxUploadBytes)
			}
			return files, CodedErrorf(http.StatusBadRequest, "error reading upload: %v", err)
		}

		filename := part.FileName()
		if filename == "" {
			part.Close()
			continue
		}

		class := part.FormName()
		if err := validateName(class); err != nil {
			part.Close()
			return files, err
		}

		key := path.Join(prefix, class, path.Base(filename))
		err = s.storage.PutObject(ctx, s.dataBucket, key, part)
		part.Close()
		if err != nil {
			if tooLarge(err) {
				return files, CodedErrorf(http.StatusRequestEntityTooLarge, "upload exceeds %d bytes", s.maxUploadBytes)
			}
			slog.Error("error storing uploaded file", "upload_id", prefix, "key", key, "error", err)
			return files, CodedErrorf(http.StatusInternalServerError, "error storing uploaded file")
		}
		files++
	}
}

// parseRunParams overlays the request params on the defaults. Unknown keys are rejected.
func parseRunParams(raw map[string]any) (config.Params, error) {
	params := config.DefaultParams()
	if len(raw) == 0 {
		return params, params.Validate()
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return config.Params{}, CodedErrorf(http.StatusBadRequest, "invalid params: %v", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&params); err != nil {
		return config.Params{}, CodedErrorf(http.StatusUnprocessableEntity, "invalid params: %v", err)
	}

	if err := params.Validate(); err != nil {
		return config.Params{}, CodedError(http.StatusUnprocessableEntity, err)
	}
	return params, nil
}

func (s *BackendService) CreateRun(r *http.Request) (any, error) {
	req, err := ParseRequest[api.CreateRunRequest](r)
	if err != nil {
		return nil, err
	}

	if err := validateName(req.Name); err != nil {
		return nil, err
	}

	prefix := strings.Trim(req.TrainingData, "/")
	if prefix == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "TrainingData is required")
	}

	params, err := parseRunParams(req.Params)
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	objects, err := s.storage.ListObjects(ctx, s.dataBucket, prefix+"/")
	if err != nil {
		slog.Error("error listing training data", "prefix", prefix, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error checking training data")
	}
	if len(objects) == 0 {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "no training data found at '%s'", prefix)
	}

	paramsJson, err := json.Marshal(params)
	if err != nil {
		return nil, CodedError(http.StatusInternalServerError, err)
	}

	run := database.Run{
		Id:                 uuid.New(),
		Name:               req.Name,
		Status:             database.RunQueued,
		Params:             datatypes.JSON(paramsJson),
		TrainingDataPrefix: prefix,
		CreationTime:       time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		slog.Error("error creating run", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create run entry")
	}

	if err := s.publisher.PublishPrepareBaseModelTask(ctx, messaging.StageTaskPayload{RunId: run.Id}); err != nil {
		slog.Error("error publishing prepare base model task", "run_id", run.Id, "error", err)
		database.UpdateRunStatus(ctx, s.db, run.Id, database.RunFailed, "") //nolint:errcheck
		database.SaveRunError(ctx, s.db, run.Id, "", "failed to queue run: "+err.Error())
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue run")
	}

	slog.Info("created run", "run_id", run.Id, "name", run.Name, "training_data", prefix)
	return api.CreateRunResponse{RunId: run.Id}, nil
}

func (s *BackendService) ListRuns(r *http.Request) (any, error) {
	query, err := ParseRequestQueryParams[api.ListRunsParams](r)
	if err != nil {
		return nil, err
	}

	runs, err := database.ListRuns(r.Context(), s.db, query.Status)
	if err != nil {
		slog.Error("error listing runs", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving run records")
	}

	return convertRuns(runs), nil
}

func (s *BackendService) getRun(r *http.Request) (database.Run, error) {
	runId, err := URLParamUUID(r, "run_id")
	if err != nil {
		return database.Run{}, err
	}

	run, err := database.GetRun(r.Context(), s.db, runId)
	if err != nil {
		if errors.Is(err, database.ErrRunNotFound) {
			return database.Run{}, CodedErrorf(http.StatusNotFound, "run not found")
		}
		slog.Error("error getting run", "run_id", runId, "error", err)
		return database.Run{}, CodedErrorf(http.StatusInternalServerError, "error retrieving run record")
	}
	return run, nil
}

func (s *BackendService) GetRun(r *http.Request) (any, error) {
	run, err := s.getRun(r)
	if err != nil {
		return nil, err
	}
	return convertRun(run), nil
}

func (s *BackendService) GetRunMetrics(r *http.Request) (any, error) {
	run, err := s.getRun(r)
	if err != nil {
		return nil, err
	}

	metrics, err := database.ListEpochMetrics(r.Context(), s.db, run.Id)
	if err != nil {
		slog.Error("error listing epoch metrics", "run_id", run.Id, "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving run metrics")
	}
	return convertEpochMetrics(metrics), nil
}

func (s *BackendService) GetRunScore(r *http.Request) (any, error) {
	run, err := s.getRun(r)
	if err != nil {
		return nil, err
	}

	if run.Score == nil {
		return nil, CodedErrorf(http.StatusNotFound, "run has not been evaluated, status: %s", run.Status)
	}
	return convertScore(*run.Score), nil
}
