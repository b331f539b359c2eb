package dataset

import (
	"fmt"

	"github.com/disintegration/imaging"
)

// LoadImage decodes the image at path, resizes it to size (height, width, channels) with bilinear
// interpolation and returns the pixels in HWC order scaled into [0, 1].
func LoadImage(path string, size [3]int) ([]float32, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening image %s: %w", path, err)
	}

	height, width, channels := size[0], size[1], size[2]
	resized := imaging.Resize(img, width, height, imaging.Linear)
	if channels == 1 {
		resized = imaging.Grayscale(resized)
	}

	pixels := make([]float32, 0, height*width*channels)
	for y := 0; y < height; y++ {
		row := resized.Pix[y*resized.Stride : y*resized.Stride+width*4]
		for x := 0; x < width; x++ {
			for c := 0; c < channels; c++ {
				pixels = append(pixels, float32(row[x*4+c])/255.0)
			}
		}
	}
	return pixels, nil
}
