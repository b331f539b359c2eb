package model

import (
	"classifier-backend/internal/config"
	"fmt"
	"log/slog"

	"github.com/gomlx/gomlx/backends"
)

// BaseModelBuilder creates the frozen backbone and the compiled classifier on top of it.
type BaseModelBuilder struct {
	cfg     config.PrepareBaseModelConfig
	backend backends.Backend
	model   *Classifier
}

func NewBaseModelBuilder(backend backends.Backend, cfg config.PrepareBaseModelConfig) *BaseModelBuilder {
	return &BaseModelBuilder{cfg: cfg, backend: backend}
}

// BuildBackbone instantiates the configured backbone with every variable frozen and saves it to
// BaseModelPath.
func (b *BaseModelBuilder) BuildBackbone() (*Classifier, error) {
	manifest := Manifest{
		Kind:       KindBase,
		Backbone:   b.cfg.Backbone,
		ImageSize:  b.cfg.ImageSize,
		Pooling:    b.cfg.Pooling,
		IncludeTop: b.cfg.IncludeTop,
		Weights:    b.cfg.Weights,
		Seed:       b.cfg.Seed,
	}
	c, err := newClassifier(b.backend, manifest)
	if err != nil {
		return nil, err
	}
	if c.backbone.Pretrained() {
		c.Manifest.WeightsDir = b.cfg.WeightsDir
	}

	if c.backbone.Pretrained() {
		slog.Info("preparing pretrained weights", "backbone", manifest.Backbone, "dir", c.Manifest.WeightsDir)
	}
	if err := c.backbone.Prepare(c.Manifest.WeightsDir); err != nil {
		return nil, err
	}

	if err := c.materialize(); err != nil {
		return nil, err
	}
	if err := c.Save(b.cfg.BaseModelPath, KindBase); err != nil {
		return nil, err
	}

	b.model = c
	return c, nil
}

// AttachHead appends batch normalization, dropout, a hidden relu layer and a softmax output layer,
// compiles the result with Adam and sparse categorical cross-entropy and saves it to
// UpdatedBaseModelPath.
func (b *BaseModelBuilder) AttachHead(backbone *Classifier, classes int, learningRate float64) (*Classifier, error) {
	if backbone == nil {
		return nil, fmt.Errorf("%w: no backbone to attach a head to", ErrInvalidArtifact)
	}
	if backbone.HasHead() {
		return nil, fmt.Errorf("%w: model already has a head", ErrInvalidArtifact)
	}
	if classes < 2 {
		return nil, fmt.Errorf("%w: classes must be at least 2, got %d", ErrInvalidArtifact, classes)
	}
	if learningRate <= 0 {
		return nil, fmt.Errorf("%w: learning rate must be positive, got %v", ErrInvalidArtifact, learningRate)
	}

	head := DefaultHead()
	backbone.Manifest.Head = &head
	backbone.Manifest.Classes = classes
	backbone.Manifest.Compile = &CompileConfig{
		Optimizer:    "adam",
		LearningRate: learningRate,
		Loss:         "sparse_categorical_crossentropy",
		Metrics:      []string{"accuracy"},
	}

	if _, err := backbone.Trainer(); err != nil {
		return nil, err
	}
	if err := backbone.materialize(); err != nil {
		return nil, err
	}
	if err := backbone.Save(b.cfg.UpdatedBaseModelPath, KindUpdated); err != nil {
		return nil, err
	}
	return backbone, nil
}

// Run builds the backbone and attaches the head using the configured classes and learning rate.
func (b *BaseModelBuilder) Run() error {
	backbone, err := b.BuildBackbone()
	if err != nil {
		return fmt.Errorf("error building backbone: %w", err)
	}
	updated, err := b.AttachHead(backbone, b.cfg.Classes, b.cfg.LearningRate)
	if err != nil {
		return fmt.Errorf("error attaching head: %w", err)
	}
	updated.Release()
	return nil
}
