package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"path/filepath"

	"classifier-backend/internal/api"
	"classifier-backend/internal/core"
	"classifier-backend/internal/database"
	"classifier-backend/internal/messaging"
	"classifier-backend/internal/storage"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type Config struct {
	Root           string `env:"ROOT" envDefault:"./classifier"`
	Port           int    `env:"PORT" envDefault:"3001"`
	MaxUploadBytes int64  `env:"MAX_UPLOAD_BYTES" envDefault:"2147483648"`
}

const (
	modelBucket = "models"
	dataBucket  = "training-data"
)

func createDatabase(root string) *gorm.DB {
	path := filepath.Join(root, "db", "classifier.db")
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if err := database.GetMigrator(db).Migrate(); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	return db
}

// createQueue requeues runs that were interrupted by the last shutdown. A run resumes at the stage
// it was in, since each stage reads its inputs back from storage.
func createQueue(db *gorm.DB) *messaging.InMemoryQueue {
	var runs []database.Run
	statuses := []string{database.RunQueued, database.RunPreparing, database.RunTraining, database.RunEvaluating}
	if err := db.Where("status IN ?", statuses).Order("creation_time").Find(&runs).Error; err != nil {
		log.Fatalf("Failed to fetch runs from database: %v", err)
	}

	queue := messaging.NewInMemoryQueue()

	for _, run := range runs {
		payload := messaging.StageTaskPayload{RunId: run.Id}
		var err error
		switch run.Status {
		case database.RunTraining:
			err = queue.PublishTrainingTask(context.Background(), payload)
		case database.RunEvaluating:
			err = queue.PublishEvaluationTask(context.Background(), payload)
		default:
			err = queue.PublishPrepareBaseModelTask(context.Background(), payload)
		}
		if err != nil {
			log.Fatalf("Failed to requeue run %s: %v", run.Id, err)
		}
		slog.Info("requeued interrupted run", "run_id", run.Id, "status", run.Status)
	}

	return queue
}

func createServer(db *gorm.DB, store storage.ObjectStore, queue messaging.Publisher, port int, maxUploadBytes int64) *http.Server {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))

	apiHandler := api.NewBackendService(db, store, queue, dataBucket, maxUploadBytes)

	r.Route("/api/v1", func(r chi.Router) {
		apiHandler.AddRoutes(r)
	})

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if err := os.MkdirAll(cfg.Root, os.ModePerm); err != nil {
		log.Fatalf("error creating directory for log file: %v", err)
	}

	f, err := os.OpenFile(filepath.Join(cfg.Root, "backend.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()

	log.SetOutput(io.MultiWriter(f, os.Stderr))

	slog.Info("starting backend", "root", cfg.Root, "port", cfg.Port)

	db := createDatabase(cfg.Root)

	store, err := storage.NewLocalObjectStore(filepath.Join(cfg.Root, "storage"))
	if err != nil {
		log.Fatalf("Failed to create storage: %v", err)
	}
	for _, bucket := range []string{modelBucket, dataBucket} {
		if err := store.CreateBucket(context.Background(), bucket); err != nil {
			log.Fatalf("Failed to create bucket %s: %v", bucket, err)
		}
	}

	backend, err := backends.New()
	if err != nil {
		log.Fatalf("Failed to create compute backend: %v", err)
	}

	queue := createQueue(db)

	worker := core.NewTaskProcessor(db, store, queue, queue, backend, filepath.Join(cfg.Root, "work"), modelBucket, dataBucket)

	server := createServer(db, store, queue, cfg.Port, cfg.MaxUploadBytes)

	slog.Info("starting worker", "backend", backend.Name())
	go worker.Start()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		slog.Info("shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}

		slog.Info("shutting down worker")
		worker.Stop()
	}()

	slog.Info("server started", "port", cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %d: %v\n", cfg.Port, err)
	}

	slog.Info("server stopped")
}
