package model

import (
	"fmt"
	"math"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/janpfeifer/must"
)

const (
	backboneScope = "backbone"
	headScope     = "head"
)

// Classifier couples a manifest with the GoMLX context holding its variables.
type Classifier struct {
	Manifest Manifest

	backend  backends.Backend
	ctx      *context.Context
	backbone Backbone

	trainer       *train.Trainer
	trainAccuracy metrics.Interface
	predictExec   *context.Exec
}

func newClassifier(backend backends.Backend, m Manifest) (*Classifier, error) {
	backbone, err := newBackbone(m)
	if err != nil {
		return nil, err
	}
	ctx := context.New().Checked(false)
	ctx.SetRNGStateFromSeed(int64(m.Seed))
	return &Classifier{Manifest: m, backend: backend, ctx: ctx, backbone: backbone}, nil
}

func (c *Classifier) HasHead() bool {
	return c.Manifest.Head != nil
}

// logits applies the frozen backbone and, when attached, the head. Every backbone variable is marked
// non-trainable each time the graph is built, since checkpoints only carry values.
func (c *Classifier) logits(ctx *context.Context, images *Node) *Node {
	backboneCtx := ctx.In(backboneScope)
	features := c.backbone.Build(backboneCtx, images)
	backboneCtx.EnumerateVariablesInScope(func(v *context.Variable) {
		v.SetTrainable(false)
	})
	features = StopGradient(features)

	if c.Manifest.Head == nil {
		return features
	}
	return applyHead(ctx.In(headScope), features, *c.Manifest.Head, c.Manifest.Classes)
}

func applyHead(ctx *context.Context, x *Node, head HeadConfig, classes int) *Node {
	if head.BatchNorm {
		x = batchnorm.New(ctx.In("batch_norm"), x, -1).UseBackendInference(false).Done()
	}
	if head.Dropout > 0 {
		x = layers.DropoutStatic(ctx.In("dropout"), x, head.Dropout)
	}
	x = layers.Dense(ctx.In("dense_hidden"), x, true, head.HiddenUnits)
	if head.HiddenActivation == "relu" {
		x = activations.Relu(x)
	}
	// Softmax is folded into the loss during training and applied explicitly by Predict.
	return layers.Dense(ctx.In("dense_output"), x, true, classes)
}

func (c *Classifier) modelFn(ctx *context.Context, _ any, inputs []*Node) []*Node {
	return []*Node{c.logits(ctx, inputs[0])}
}

// materialize runs one forward pass on a blank image so every variable exists in the context and
// can be checkpointed.
func (c *Classifier) materialize() error {
	h, w, ch := c.Manifest.ImageSize[0], c.Manifest.ImageSize[1], c.Manifest.ImageSize[2]
	blank := tensors.FromFlatDataAndDimensions(make([]float32, h*w*ch), 1, h, w, ch)
	_, err := c.exec(func(ctx *context.Context, images *Node) *Node {
		return c.logits(ctx, images)
	}, blank)
	return err
}

func (c *Classifier) exec(fn func(ctx *context.Context, images *Node) *Node, images *tensors.Tensor) (*tensors.Tensor, error) {
	var result *tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		e := must.M1(context.NewExec(c.backend, c.ctx, fn))
		result = must.M1(e.Exec(images))[0]
	})
	if err != nil {
		return nil, fmt.Errorf("error executing %s graph: %w", c.Manifest.Backbone, err)
	}
	return result, nil
}

// Predict returns per-class probabilities for a batch of n images in NHWC order scaled to [0, 1].
func (c *Classifier) Predict(images []float32, n int) ([][]float32, error) {
	if !c.HasHead() {
		return nil, fmt.Errorf("%w: model has no classification head", ErrInvalidArtifact)
	}
	h, w, ch := c.Manifest.ImageSize[0], c.Manifest.ImageSize[1], c.Manifest.ImageSize[2]
	if len(images) != n*h*w*ch {
		return nil, fmt.Errorf("%w: expected %d values for %d images of %v, got %d",
			ErrInvalidInputShape, n*h*w*ch, n, c.Manifest.ImageSize, len(images))
	}
	input := tensors.FromFlatDataAndDimensions(images, n, h, w, ch)
	var probs *tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		if c.predictExec == nil {
			c.predictExec = must.M1(context.NewExec(c.backend, c.ctx, func(ctx *context.Context, images *Node) *Node {
				return Softmax(c.logits(ctx, images), -1)
			}))
		}
		probs = must.M1(c.predictExec.Exec(input))[0]
	})
	if err != nil {
		return nil, fmt.Errorf("error running prediction: %w", err)
	}
	values, ok := probs.Value().([][]float32)
	if !ok {
		return nil, fmt.Errorf("unexpected prediction type %T", probs.Value())
	}
	return values, nil
}

// Trainer returns the GoMLX trainer compiled with the manifest's optimizer, loss and metrics. The
// first eval output is the mean loss and the second the mean accuracy.
func (c *Classifier) Trainer() (*train.Trainer, error) {
	if c.trainer != nil {
		return c.trainer, nil
	}
	if !c.HasHead() {
		return nil, fmt.Errorf("%w: model has no classification head", ErrInvalidArtifact)
	}
	err := exceptions.TryCatch[error](func() {
		optimizer := optimizers.Adam().LearningRate(c.Manifest.Compile.LearningRate).Done()
		c.trainAccuracy = metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)
		evalAccuracy := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
		c.trainer = train.NewTrainer(c.backend, c.ctx, c.modelFn, losses.SparseCategoricalCrossEntropyLogits,
			optimizer, []metrics.Interface{c.trainAccuracy}, []metrics.Interface{evalAccuracy})
	})
	if err != nil {
		return nil, fmt.Errorf("error compiling model: %w", err)
	}
	return c.trainer, nil
}

// TrainAccuracyIndex locates the accuracy metric among the outputs of a train step.
func (c *Classifier) TrainAccuracyIndex() int {
	for i, m := range c.trainer.TrainMetrics() {
		if m == c.trainAccuracy {
			return i
		}
	}
	return -1
}

type VariableInfo struct {
	Scope     string
	Name      string
	Shape     string
	Trainable bool
}

func (v VariableInfo) InBackbone() bool {
	return strings.HasPrefix(v.Scope, "/"+backboneScope)
}

func (v VariableInfo) InHead() bool {
	return strings.HasPrefix(v.Scope, "/"+headScope)
}

func (c *Classifier) Variables() []VariableInfo {
	var vars []VariableInfo
	c.ctx.EnumerateVariables(func(v *context.Variable) {
		vars = append(vars, VariableInfo{
			Scope:     v.Scope(),
			Name:      v.Name(),
			Shape:     v.Shape().String(),
			Trainable: v.Trainable,
		})
	})
	return vars
}

// Release drops the references to the context and the compiled graphs so their buffers can be freed.
func (c *Classifier) Release() {
	c.trainer = nil
	c.trainAccuracy = nil
	c.predictExec = nil
	c.ctx = nil
}

// ScalarValue reads a scalar metric tensor as a float64, NaN when it holds something else.
func ScalarValue(t *tensors.Tensor) float64 {
	switch v := t.Value().(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	default:
		return math.NaN()
	}
}
