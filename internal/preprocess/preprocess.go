package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// ErrInvalidImage reports that uploaded bytes do not decode as a supported image.
var ErrInvalidImage = errors.New("invalid image data")

// Channels is the number of color planes the model consumes.
const Channels = 3

// Transform converts a decoded image into the fixed-shape tensor the model
// expects. Mean and Std are the per-channel statistics the backbone was
// trained with.
type Transform struct {
	Width  int
	Height int
	Mean   [3]float32
	Std    [3]float32
}

// TensorLen returns the number of values one tensor holds.
func (t Transform) TensorLen() int {
	return Channels * t.Width * t.Height
}

// TensorFromBytes decodes an uploaded file and applies the transform. The
// returned string is the registered name of the decoded format.
func (t Transform) TensorFromBytes(data []byte) ([]float32, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return t.Apply(img), format, nil
}

// Apply resizes the image to the target resolution and emits a normalized
// channels-first tensor: plane c holds (value/65535 - Mean[c]) / Std[c].
func (t Transform) Apply(img image.Image) []float32 {
	resized := resize.Resize(uint(t.Width), uint(t.Height), img, resize.Lanczos3)

	w, h := t.Width, t.Height
	tensor := make([]float32, Channels*w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()

			idx := y*w + x
			tensor[idx] = (float32(r)/65535.0 - t.Mean[0]) / t.Std[0]
			tensor[w*h+idx] = (float32(g)/65535.0 - t.Mean[1]) / t.Std[1]
			tensor[2*w*h+idx] = (float32(b)/65535.0 - t.Mean[2]) / t.Std[2]
		}
	}
	return tensor
}
