package dataset

import (
	"fmt"
	"image/color"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
)

// WriteSyntheticImages fills dir with perClass PNG images for each class. Each class gets its own
// base colour so that a small model can separate them.
func WriteSyntheticImages(dir string, classes []string, perClass, width, height int, seed uint64) error {
	rng := rand.New(rand.NewPCG(seed, seed))
	for label, class := range classes {
		classDir := filepath.Join(dir, class)
		if err := os.MkdirAll(classDir, 0755); err != nil {
			return fmt.Errorf("error creating class dir %s: %w", classDir, err)
		}

		base := uint8(40 + (label*170)/max(len(classes)-1, 1))
		for i := 0; i < perClass; i++ {
			img := imaging.New(width, height, color.NRGBA{R: base, G: 255 - base, B: uint8(rng.IntN(256)), A: 255})
			for p := 0; p < len(img.Pix); p += 4 {
				img.Pix[p+2] = uint8(rng.IntN(256))
			}
			path := filepath.Join(classDir, fmt.Sprintf("img_%03d.png", i))
			if err := imaging.Save(img, path); err != nil {
				return fmt.Errorf("error saving %s: %w", path, err)
			}
		}
	}
	return nil
}
