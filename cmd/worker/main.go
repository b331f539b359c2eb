package main

import (
	"classifier-backend/cmd"
	"classifier-backend/internal/core"
	"classifier-backend/internal/database"
	"classifier-backend/internal/messaging"
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/caarlos0/env/v11"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
)

type WorkerConfig struct {
	cmd.S3Config

	DatabaseURL string `env:"DATABASE_URL,notEmpty,required"`
	RabbitMQURL string `env:"RABBITMQ_URL,notEmpty,required"`
	WorkDir     string `env:"WORK_DIR" envDefault:"/tmp/classifier"`
}

func main() {
	log.Println("Starting Worker Process...")

	cmd.LoadEnvFile()

	var cfg WorkerConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	store := cmd.CreateS3ObjectStore(context.Background(), cfg.S3Config)

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}

	receiver, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to start RabbitMQ receiver: %v", err)
	}

	backend, err := backends.New()
	if err != nil {
		log.Fatalf("Failed to create compute backend: %v", err)
	}
	slog.Info("using backend", "backend", backend.Name())

	worker := core.NewTaskProcessor(db, store, publisher, receiver, backend, cfg.WorkDir, cfg.ModelBucketName, cfg.DataBucketName)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		log.Println("Shutdown signal received, stopping worker...")
		worker.Stop()
	}()

	log.Println("Worker started. Waiting for tasks. Press Ctrl+C to exit.")
	worker.Start()

	log.Println("Worker process stopped.")
}
