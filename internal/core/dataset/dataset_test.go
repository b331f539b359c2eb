package dataset_test

import (
	"classifier-backend/internal/config"
	"classifier-backend/internal/core/dataset"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeDataset(t *testing.T, perClass int) string {
	dir := t.TempDir()
	require.NoError(t, dataset.WriteSyntheticImages(dir, []string{"cat", "dog"}, perClass, 32, 24, 1))
	return dir
}

func options(dir string, subset dataset.Subset) dataset.Options {
	return dataset.Options{
		DataDir:   dir,
		ImageSize: [3]int{16, 16, 3},
		BatchSize: 4,
		Subset:    subset,
		Split:     config.DefaultSplit(),
	}
}

func paths(ds *dataset.Dataset) []string {
	var out []string
	for _, s := range ds.Samples() {
		out = append(out, s.Path)
	}
	return out
}

func TestScanDirectory(t *testing.T) {
	dir := makeDataset(t, 3)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cat", "notes.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("x"), 0644))

	classes, samples, err := dataset.ScanDirectory(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"cat", "dog"}, classes)
	require.Len(t, samples, 6)
	assert.Equal(t, int32(0), samples[0].Label)
	assert.Equal(t, int32(1), samples[5].Label)
	assert.True(t, slices.IsSortedFunc(samples[:3], func(a, b dataset.Sample) int {
		if a.Path < b.Path {
			return -1
		}
		return 1
	}))
}

func TestScanDirectoryErrors(t *testing.T) {
	_, _, err := dataset.ScanDirectory(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	_, _, err = dataset.ScanDirectory(t.TempDir())
	assert.ErrorIs(t, err, dataset.ErrNoClasses)
}

func TestPartitionDeterministic(t *testing.T) {
	split := config.Split{Seed: 123, ValidationFraction: 0.1}

	train1, valid1 := dataset.Partition(40, split)
	train2, valid2 := dataset.Partition(40, split)
	assert.Equal(t, train1, train2)
	assert.Equal(t, valid1, valid2)
	assert.Len(t, train1, 36)
	assert.Len(t, valid1, 4)

	train3, _ := dataset.Partition(40, config.Split{Seed: 124, ValidationFraction: 0.1})
	assert.NotEqual(t, train1, train3)
}

func TestPartitionDisjointAndCovering(t *testing.T) {
	for _, n := range []int{10, 37, 100} {
		train, valid := dataset.Partition(n, config.Split{Seed: 9, ValidationFraction: 0.25})
		assert.Len(t, valid, int(float64(n)*0.25))

		seen := make(map[int]bool)
		for _, i := range append(slices.Clone(train), valid...) {
			assert.False(t, seen[i], "index %d appears twice", i)
			seen[i] = true
		}
		assert.Len(t, seen, n)
	}
}

func TestBuildSplitMatchesAcrossCalls(t *testing.T) {
	dir := makeDataset(t, 20)

	train, err := dataset.BuildSplit(options(dir, dataset.Training))
	require.NoError(t, err)
	valid, err := dataset.BuildSplit(options(dir, dataset.Validation))
	require.NoError(t, err)
	validAgain, err := dataset.BuildSplit(options(dir, dataset.Validation))
	require.NoError(t, err)

	assert.Equal(t, 36, train.Len())
	assert.Equal(t, 4, valid.Len())
	assert.Equal(t, 9, train.NumBatches())
	assert.Equal(t, 1, valid.NumBatches())
	assert.Equal(t, paths(valid), paths(validAgain))

	for _, p := range paths(valid) {
		assert.NotContains(t, paths(train), p)
	}
	assert.Equal(t, []string{"cat", "dog"}, train.ClassNames())
}

func TestBatchesAndShortLastBatch(t *testing.T) {
	dir := makeDataset(t, 5)
	opts := options(dir, dataset.Training)
	opts.BatchSize = 4

	ds, err := dataset.BuildSplit(opts)
	require.NoError(t, err)
	require.Equal(t, 9, ds.Len())

	var sizes []int
	for {
		batch, err := ds.NextBatch()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		sizes = append(sizes, batch.Size)
		assert.Len(t, batch.Images, batch.Size*16*16*3)
		assert.Len(t, batch.Labels, batch.Size)
	}
	assert.Equal(t, []int{4, 4, 1}, sizes)
	assert.Equal(t, 3, ds.BatchesYielded())

	ds.Reset()
	_, err = ds.NextBatch()
	require.NoError(t, err)
	assert.Equal(t, 4, ds.BatchesYielded())
}

func TestNormalizedOnce(t *testing.T) {
	dir := t.TempDir()
	for _, class := range []string{"a", "b"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, class), 0755))
		for i := 0; i < 5; i++ {
			img := imaging.New(8, 8, color.NRGBA{R: 255, G: 51, B: 0, A: 255})
			require.NoError(t, imaging.Save(img, filepath.Join(dir, class, string(rune('a'+i))+".png")))
		}
	}

	opts := options(dir, dataset.Training)
	opts.ImageSize = [3]int{8, 8, 3}
	ds, err := dataset.BuildSplit(opts)
	require.NoError(t, err)

	batch, err := ds.NextBatch()
	require.NoError(t, err)
	for _, v := range batch.Images {
		assert.GreaterOrEqual(t, v, float32(0))
		assert.LessOrEqual(t, v, float32(1))
	}
	assert.InDelta(t, 1.0, batch.Images[0], 1e-6)
	assert.InDelta(t, 0.2, batch.Images[1], 1e-6)
	assert.InDelta(t, 0.0, batch.Images[2], 1e-6)
}

func TestGrayscale(t *testing.T) {
	dir := makeDataset(t, 10)
	opts := options(dir, dataset.Training)
	opts.ImageSize = [3]int{16, 16, 1}

	ds, err := dataset.BuildSplit(opts)
	require.NoError(t, err)
	batch, err := ds.NextBatch()
	require.NoError(t, err)
	assert.Len(t, batch.Images, 4*16*16)
}

func TestEmptyPartition(t *testing.T) {
	dir := makeDataset(t, 2)

	_, err := dataset.BuildSplit(options(dir, dataset.Validation))
	assert.ErrorIs(t, err, dataset.ErrEmptyPartition)
}

func TestInvalidOptions(t *testing.T) {
	dir := makeDataset(t, 2)

	opts := options(dir, dataset.Training)
	opts.BatchSize = 0
	_, err := dataset.BuildSplit(opts)
	assert.ErrorIs(t, err, dataset.ErrInvalidOptions)

	opts = options(dir, "test")
	_, err = dataset.BuildSplit(opts)
	assert.ErrorIs(t, err, dataset.ErrInvalidOptions)
}

func TestShuffleEachEpoch(t *testing.T) {
	dir := makeDataset(t, 20)
	opts := options(dir, dataset.Training)
	opts.ShuffleEachEpoch = true
	opts.BatchSize = 36

	ds, err := dataset.BuildSplit(opts)
	require.NoError(t, err)

	first, err := ds.NextBatch()
	require.NoError(t, err)
	ds.Reset()
	second, err := ds.NextBatch()
	require.NoError(t, err)

	assert.NotEqual(t, first.Labels, second.Labels)
	assert.ElementsMatch(t, first.Labels, second.Labels)
}
