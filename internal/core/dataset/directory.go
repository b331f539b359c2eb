package dataset

import (
	"classifier-backend/internal/config"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

var (
	ErrNoClasses      = errors.New("no class subdirectories found")
	ErrEmptyPartition = errors.New("selected partition is empty")
)

var imageExtensions = map[string]bool{
	".bmp":  true,
	".gif":  true,
	".jpeg": true,
	".jpg":  true,
	".png":  true,
}

type Sample struct {
	Path  string
	Label int32
}

func isImage(name string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(name))]
}

// ScanDirectory lists the class subdirectories of dir (sorted, label = position) and the image files
// of every class, sorted by name within each class.
func ScanDirectory(dir string) ([]string, []Sample, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("error reading data directory %s: %w", dir, err)
	}

	var classNames []string
	for _, entry := range entries {
		if entry.IsDir() {
			classNames = append(classNames, entry.Name())
		}
	}
	if len(classNames) == 0 {
		return nil, nil, fmt.Errorf("%w in %s", ErrNoClasses, dir)
	}
	slices.Sort(classNames)

	var samples []Sample
	for label, class := range classNames {
		var files []string
		err := filepath.WalkDir(filepath.Join(dir, class), func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && isImage(d.Name()) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, nil, fmt.Errorf("error listing class %s: %w", class, err)
		}
		slices.Sort(files)
		for _, file := range files {
			samples = append(samples, Sample{Path: file, Label: int32(label)})
		}
	}

	return classNames, samples, nil
}

// Partition shuffles the indices [0, n) with split.Seed and returns the leading indices as the
// training subset and the trailing floor(n * ValidationFraction) as the validation subset.
func Partition(n int, split config.Split) ([]int, []int) {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	shuffle(order, split.Seed)

	nValidation := int(float64(n) * split.ValidationFraction)
	return order[:n-nValidation], order[n-nValidation:]
}

func shuffle(order []int, seed uint64) {
	rng := rand.New(rand.NewPCG(seed, seed))
	rng.Shuffle(len(order), func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})
}
