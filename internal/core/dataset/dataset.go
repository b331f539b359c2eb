package dataset

import (
	"classifier-backend/internal/config"
	"classifier-backend/internal/core/utils"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

type Subset string

const (
	Training   Subset = "training"
	Validation Subset = "validation"
)

var ErrInvalidOptions = errors.New("invalid dataset options")

const maxDecodeWorkers = 8

type Options struct {
	DataDir   string
	ImageSize [3]int
	BatchSize int
	Subset    Subset
	Split     config.Split

	// ShuffleEachEpoch reorders the subset on every Reset, seeded by Split.Seed plus the epoch number.
	ShuffleEachEpoch bool
	DecodeWorkers    int
}

func (o Options) validate() error {
	if o.DataDir == "" {
		return fmt.Errorf("%w: data directory is required", ErrInvalidOptions)
	}
	if o.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalidOptions, o.BatchSize)
	}
	if o.ImageSize[0] <= 0 || o.ImageSize[1] <= 0 {
		return fmt.Errorf("%w: image size must be positive, got %v", ErrInvalidOptions, o.ImageSize)
	}
	if o.ImageSize[2] != 1 && o.ImageSize[2] != 3 {
		return fmt.Errorf("%w: channels must be 1 or 3, got %d", ErrInvalidOptions, o.ImageSize[2])
	}
	if o.Subset != Training && o.Subset != Validation {
		return fmt.Errorf("%w: unknown subset %q", ErrInvalidOptions, o.Subset)
	}
	if err := o.Split.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	return nil
}

// Batch holds decoded images in NHWC order and their labels.
type Batch struct {
	Images []float32
	Labels []int32
	Size   int
}

// Dataset is a restartable sequence of batches over one subset of an image directory. Images are
// only decoded when their batch is requested.
type Dataset struct {
	opts       Options
	classNames []string
	samples    []Sample

	order   []int
	next    int
	epoch   int
	yielded int
}

// BuildSplit scans opts.DataDir and selects opts.Subset of the deterministic partition defined by
// opts.Split. Two calls with equal Split values select the same samples.
func BuildSplit(opts Options) (*Dataset, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.DecodeWorkers <= 0 {
		opts.DecodeWorkers = min(runtime.NumCPU(), maxDecodeWorkers)
	}

	classNames, all, err := ScanDirectory(opts.DataDir)
	if err != nil {
		return nil, err
	}

	train, valid := Partition(len(all), opts.Split)
	selected := train
	if opts.Subset == Validation {
		selected = valid
	}
	if len(selected) == 0 {
		return nil, fmt.Errorf("%w: %s subset of %d images in %s with validation fraction %v",
			ErrEmptyPartition, opts.Subset, len(all), opts.DataDir, opts.Split.ValidationFraction)
	}

	samples := make([]Sample, len(selected))
	for i, idx := range selected {
		samples[i] = all[idx]
	}

	slog.Info("built dataset split", "dir", opts.DataDir, "subset", opts.Subset, "classes", len(classNames),
		"total", len(all), "selected", len(samples))

	ds := &Dataset{opts: opts, classNames: classNames, samples: samples}
	ds.resetOrder()
	return ds, nil
}

func (d *Dataset) resetOrder() {
	d.order = make([]int, len(d.samples))
	for i := range d.order {
		d.order[i] = i
	}
	if d.opts.ShuffleEachEpoch && d.epoch > 0 {
		shuffle(d.order, d.opts.Split.Seed+uint64(d.epoch))
	}
}

func (d *Dataset) Name() string {
	return string(d.opts.Subset)
}

func (d *Dataset) ClassNames() []string {
	return d.classNames
}

func (d *Dataset) Samples() []Sample {
	return d.samples
}

func (d *Dataset) Len() int {
	return len(d.samples)
}

func (d *Dataset) BatchSize() int {
	return d.opts.BatchSize
}

func (d *Dataset) NumBatches() int {
	return (len(d.samples) + d.opts.BatchSize - 1) / d.opts.BatchSize
}

// BatchesYielded counts the batches returned since the dataset was built, across epochs.
func (d *Dataset) BatchesYielded() int {
	return d.yielded
}

// NextBatch decodes the next batch, returning io.EOF once the subset is exhausted. The last batch
// of an epoch may be smaller than the batch size.
func (d *Dataset) NextBatch() (*Batch, error) {
	if d.next >= len(d.order) {
		return nil, io.EOF
	}

	end := min(d.next+d.opts.BatchSize, len(d.order))
	batchSamples := make([]Sample, 0, end-d.next)
	for _, idx := range d.order[d.next:end] {
		batchSamples = append(batchSamples, d.samples[idx])
	}
	d.next = end

	size := d.opts.ImageSize
	images, err := utils.MapInPool(batchSamples, func(s Sample) ([]float32, error) {
		return LoadImage(s.Path, size)
	}, d.opts.DecodeWorkers)
	if err != nil {
		return nil, fmt.Errorf("error decoding batch: %w", err)
	}

	batch := &Batch{
		Images: make([]float32, 0, len(batchSamples)*size[0]*size[1]*size[2]),
		Labels: make([]int32, 0, len(batchSamples)),
		Size:   len(batchSamples),
	}
	for i, s := range batchSamples {
		batch.Images = append(batch.Images, images[i]...)
		batch.Labels = append(batch.Labels, s.Label)
	}

	d.yielded++
	return batch, nil
}

// Yield implements train.Dataset: inputs are a single [B, H, W, C] float32 tensor and labels a
// single [B, 1] int32 tensor.
func (d *Dataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	batch, err := d.NextBatch()
	if err != nil {
		return nil, nil, nil, err
	}
	size := d.opts.ImageSize
	inputs = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(batch.Images, batch.Size, size[0], size[1], size[2])}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(batch.Labels, batch.Size, 1)}
	return nil, inputs, labels, nil
}

// Reset rewinds the dataset for another epoch.
func (d *Dataset) Reset() {
	d.next = 0
	d.epoch++
	d.resetOrder()
}
