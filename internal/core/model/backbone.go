package model

import (
	"errors"
	"fmt"

	"github.com/gomlx/gomlx/examples/inceptionv3"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

const (
	BackboneInceptionV3 = "inceptionv3"
	BackboneSimpleCNN   = "simplecnn"

	WeightsImageNet = "imagenet"
)

var (
	ErrUnsupportedBackbone = errors.New("unsupported backbone")
	ErrWeightsUnavailable  = errors.New("pretrained weights unavailable")
	ErrInvalidInputShape   = errors.New("invalid input shape")
)

// Backbone is a convolutional feature extractor. Build receives images in [0, 1] with shape
// [batch, height, width, channels] and returns a [batch, features] node.
type Backbone interface {
	Name() string
	Pretrained() bool
	// Prepare fetches whatever the backbone needs before its graph can be built.
	Prepare(weightsDir string) error
	Build(ctx *context.Context, images *Node) *Node
}

func newBackbone(m Manifest) (Backbone, error) {
	height, width, channels := m.ImageSize[0], m.ImageSize[1], m.ImageSize[2]
	pretrained := m.Weights == WeightsImageNet
	if m.Weights != "" && m.Weights != "none" && !pretrained {
		return nil, fmt.Errorf("%w: unknown weights %q", ErrWeightsUnavailable, m.Weights)
	}
	switch m.Pooling {
	case "avg", "max", "none", "":
	default:
		return nil, fmt.Errorf("%w: unknown pooling %q", ErrUnsupportedBackbone, m.Pooling)
	}

	switch m.Backbone {
	case BackboneInceptionV3:
		if height < inceptionMinImageSize || width < inceptionMinImageSize {
			return nil, fmt.Errorf("%w: %s needs images of at least %dx%d, got %dx%d",
				ErrInvalidInputShape, m.Backbone, inceptionMinImageSize, inceptionMinImageSize, height, width)
		}
		if channels != 3 {
			return nil, fmt.Errorf("%w: %s needs 3 channels, got %d", ErrInvalidInputShape, m.Backbone, channels)
		}
		if m.IncludeTop && (!pretrained || height != inceptionTopImageSize || width != inceptionTopImageSize) {
			return nil, fmt.Errorf("%w: %s classification top needs %s weights and %dx%d images",
				ErrUnsupportedBackbone, m.Backbone, WeightsImageNet, inceptionTopImageSize, inceptionTopImageSize)
		}
		return &inceptionV3Backbone{pooling: m.Pooling, includeTop: m.IncludeTop, pretrained: pretrained}, nil

	case BackboneSimpleCNN:
		if height < simpleCNNMinImageSize || width < simpleCNNMinImageSize {
			return nil, fmt.Errorf("%w: %s needs images of at least %dx%d, got %dx%d",
				ErrInvalidInputShape, m.Backbone, simpleCNNMinImageSize, simpleCNNMinImageSize, height, width)
		}
		if channels != 1 && channels != 3 {
			return nil, fmt.Errorf("%w: %s needs 1 or 3 channels, got %d", ErrInvalidInputShape, m.Backbone, channels)
		}
		if pretrained {
			return nil, fmt.Errorf("%w: %s has no %s weights", ErrWeightsUnavailable, m.Backbone, m.Weights)
		}
		if m.IncludeTop {
			return nil, fmt.Errorf("%w: %s has no classification top", ErrUnsupportedBackbone, m.Backbone)
		}
		return &simpleCNNBackbone{pooling: m.Pooling}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackbone, m.Backbone)
	}
}

// scaleToSymmetric maps [0, 1] pixels to the [-1, 1] range both backbones are trained on.
func scaleToSymmetric(images *Node) *Node {
	return AddScalar(MulScalar(images, 2), -1)
}

const (
	inceptionMinImageSize = 75
	inceptionTopImageSize = 299
)

type inceptionV3Backbone struct {
	pooling    string
	includeTop bool
	pretrained bool
	weightsDir string
}

func (b *inceptionV3Backbone) Name() string { return BackboneInceptionV3 }

func (b *inceptionV3Backbone) Pretrained() bool { return b.pretrained }

func (b *inceptionV3Backbone) Prepare(weightsDir string) error {
	if !b.pretrained {
		return nil
	}
	if weightsDir == "" {
		return fmt.Errorf("%w: no directory for %s weights", ErrWeightsUnavailable, WeightsImageNet)
	}
	if err := inceptionv3.DownloadAndUnpackWeights(weightsDir); err != nil {
		return fmt.Errorf("%w: %w", ErrWeightsUnavailable, err)
	}
	b.weightsDir = weightsDir
	return nil
}

func (b *inceptionV3Backbone) Build(ctx *context.Context, images *Node) *Node {
	cfg := inceptionv3.BuildGraph(ctx, scaleToSymmetric(images)).
		ClassificationTop(b.includeTop)
	// Randomly initialised graphs stay trainable here; the classifier freezes the whole backbone
	// scope after building it.
	if b.weightsDir != "" {
		cfg = cfg.PreTrained(b.weightsDir).Trainable(false)
	}
	switch b.pooling {
	case "max":
		cfg = cfg.SetPooling(inceptionv3.MaxPooling)
	case "none":
		cfg = cfg.SetPooling(inceptionv3.NoPooling)
	default:
		cfg = cfg.SetPooling(inceptionv3.MeanPooling)
	}
	return flatten(cfg.Done())
}

const simpleCNNMinImageSize = 8

var simpleCNNFilters = []int{16, 32, 64}

// simpleCNNBackbone is a small randomly initialised network for runs without pretrained weights.
type simpleCNNBackbone struct {
	pooling string
}

func (b *simpleCNNBackbone) Name() string { return BackboneSimpleCNN }

func (b *simpleCNNBackbone) Pretrained() bool { return false }

func (b *simpleCNNBackbone) Prepare(string) error { return nil }

func (b *simpleCNNBackbone) Build(ctx *context.Context, images *Node) *Node {
	x := scaleToSymmetric(images)
	for i, filters := range simpleCNNFilters {
		x = layers.Convolution(ctx.In(fmt.Sprintf("conv_%d", i)), x).
			Filters(filters).
			KernelSize(3).
			Strides(2).
			PadSame().
			Done()
		x = activations.Relu(x)
	}
	switch b.pooling {
	case "max":
		return ReduceMax(x, 1, 2)
	case "none":
		return flatten(x)
	default:
		return ReduceMean(x, 1, 2)
	}
}

func flatten(x *Node) *Node {
	if x.Rank() == 2 {
		return x
	}
	return Reshape(x, x.Shape().Dimensions[0], -1)
}
