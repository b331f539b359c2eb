package model

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/janpfeifer/must"
)

// Save writes the classifier to dir as the given kind, replacing whatever was stored there.
func (c *Classifier) Save(dir string, kind Kind) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("error clearing %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating %s: %w", dir, err)
	}

	manifest := c.Manifest
	manifest.Kind = kind
	if err := writeManifest(dir, manifest); err != nil {
		return err
	}

	err := exceptions.TryCatch[error](func() {
		handler := must.M1(checkpoints.Build(c.ctx).Dir(filepath.Join(dir, checkpointDir)).Keep(1).Done())
		must.M(handler.Save())
	})
	if err != nil {
		return fmt.Errorf("error saving checkpoint to %s: %w", dir, err)
	}

	c.Manifest.Kind = kind
	slog.Info("saved model", "dir", dir, "kind", kind, "backbone", manifest.Backbone)
	return nil
}

// Load rebuilds a classifier from an artifact directory. Variable values are restored from the
// checkpoint as the graph is built. Pretrained backbones are pointed back at their weights
// directory, fetching the weights again if they are gone.
func Load(backend backends.Backend, dir string) (*Classifier, error) {
	manifest, err := readManifest(dir)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(dir, checkpointDir)); err != nil {
		return nil, fmt.Errorf("%w: %s has no checkpoint: %w", ErrInvalidArtifact, dir, err)
	}

	c, err := newClassifier(backend, manifest)
	if err != nil {
		return nil, err
	}
	if err := c.backbone.Prepare(manifest.WeightsDir); err != nil {
		return nil, err
	}

	err = exceptions.TryCatch[error](func() {
		must.M1(checkpoints.Build(c.ctx).Dir(filepath.Join(dir, checkpointDir)).Done())
	})
	if err != nil {
		return nil, fmt.Errorf("%w: error loading checkpoint from %s: %w", ErrInvalidArtifact, dir, err)
	}

	slog.Info("loaded model", "dir", dir, "kind", manifest.Kind, "backbone", manifest.Backbone)
	return c, nil
}

// LoadKind loads an artifact and checks it was saved as one of the given kinds.
func LoadKind(backend backends.Backend, dir string, kinds ...Kind) (*Classifier, error) {
	c, err := Load(backend, dir)
	if err != nil {
		return nil, err
	}
	for _, k := range kinds {
		if c.Manifest.Kind == k {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s holds a %s model, expected one of %v", ErrInvalidArtifact, dir, c.Manifest.Kind, kinds)
}
