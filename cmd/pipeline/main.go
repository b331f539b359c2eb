// Command pipeline runs the training pipeline stages against local artifacts.
//
//	pipeline -config config/config.yaml -params params.yaml -stage all
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"classifier-backend/internal/config"
	"classifier-backend/internal/core"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"k8s.io/klog/v2"
)

var (
	flagConfig   = flag.String("config", "config/config.yaml", "Path to the artifact layout file.")
	flagParams   = flag.String("params", "params.yaml", "Path to the hyperparameters file.")
	flagStage    = flag.String("stage", "all", "Stage to run: all, prepare_base_model, training or evaluation.")
	flagProgress = flag.Bool("progress", true, "Show a progress bar while training.")
)

func parseStages(name string) ([]core.Stage, error) {
	if name == "all" {
		return core.AllStages, nil
	}
	stage, err := core.ParseStage(name)
	if err != nil {
		return nil, err
	}
	return []core.Stage{stage}, nil
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	stages, err := parseStages(*flagStage)
	if err != nil {
		log.Fatalf("invalid -stage: %v", err)
	}

	manager, err := config.NewConfigurationManager(*flagConfig, *flagParams)
	if err != nil {
		log.Fatalf("error loading configuration: %v", err)
	}

	backend, err := backends.New()
	if err != nil {
		log.Fatalf("error creating backend: %v", err)
	}
	slog.Info("using backend", "backend", backend.Name())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipeline := core.NewPipeline(backend, manager)
	pipeline.ShowProgress = *flagProgress

	start := time.Now()
	if err := pipeline.Run(ctx, stages...); err != nil {
		slog.Error("pipeline failed", "error", err)
		os.Exit(1)
	}
	slog.Info("pipeline finished", "stages", stages, "duration", time.Since(start))
}
