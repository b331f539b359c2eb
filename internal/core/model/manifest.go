package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

type Kind string

const (
	KindBase    Kind = "base"
	KindUpdated Kind = "updated"
	KindTrained Kind = "trained"
)

var ErrInvalidArtifact = errors.New("invalid model artifact")

const (
	manifestFile  = "manifest.yaml"
	checkpointDir = "checkpoint"
)

type HeadConfig struct {
	BatchNorm        bool    `yaml:"batch_norm"`
	Dropout          float64 `yaml:"dropout"`
	HiddenUnits      int     `yaml:"hidden_units"`
	HiddenActivation string  `yaml:"hidden_activation"`
	OutputActivation string  `yaml:"output_activation"`
}

// DefaultHead is the classification head appended to every backbone.
func DefaultHead() HeadConfig {
	return HeadConfig{
		BatchNorm:        true,
		Dropout:          0.35,
		HiddenUnits:      220,
		HiddenActivation: "relu",
		OutputActivation: "softmax",
	}
}

type CompileConfig struct {
	Optimizer    string   `yaml:"optimizer"`
	LearningRate float64  `yaml:"learning_rate"`
	Loss         string   `yaml:"loss"`
	Metrics      []string `yaml:"metrics"`
}

// Manifest describes the architecture stored next to a checkpoint. Loading an artifact rebuilds the
// graph from the manifest and restores variable values from the checkpoint.
type Manifest struct {
	Kind       Kind           `yaml:"kind"`
	Backbone   string         `yaml:"backbone"`
	ImageSize  [3]int         `yaml:"image_size"`
	Pooling    string         `yaml:"pooling"`
	IncludeTop bool           `yaml:"include_top"`
	Weights    string         `yaml:"weights"`
	WeightsDir string         `yaml:"weights_dir,omitempty"`
	Seed       uint64         `yaml:"seed"`
	Classes    int            `yaml:"classes,omitempty"`
	ClassNames []string       `yaml:"class_names,omitempty"`
	Head       *HeadConfig    `yaml:"head,omitempty"`
	Compile    *CompileConfig `yaml:"compile,omitempty"`
}

func (m Manifest) validate() error {
	backbone, err := newBackbone(m)
	if err != nil {
		return err
	}
	if backbone.Pretrained() && m.WeightsDir == "" {
		return fmt.Errorf("%w: %s %s weights without a weights directory", ErrWeightsUnavailable, m.Backbone, m.Weights)
	}
	if m.Head != nil {
		if m.Classes < 2 {
			return fmt.Errorf("%w: head requires at least 2 classes, got %d", ErrInvalidArtifact, m.Classes)
		}
		if m.Compile == nil {
			return fmt.Errorf("%w: head without compile settings", ErrInvalidArtifact)
		}
	}
	return nil
}

func writeManifest(dir string, m Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("error encoding manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestFile), data, 0644); err != nil {
		return fmt.Errorf("error writing manifest: %w", err)
	}
	return nil
}

func readManifest(dir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: %s: %w", ErrInvalidArtifact, dir, err)
	}
	var m Manifest
	if err := yaml.UnmarshalStrict(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("%w: %s: %w", ErrInvalidArtifact, dir, err)
	}
	if err := m.validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}
