package crophealth

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	xdraw "golang.org/x/image/draw"
)

const (
	// All thresholds are calibrated at this resolution, so every upload is
	// normalized to it before sampling.
	analysisSize = 224
	channels     = 3
)

// decodeRGB decodes the upload, scales it to the analysis resolution, and
// returns a flattened RGB buffer plus the pixel count.
func decodeRGB(data []byte) ([]uint8, int, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}

	rgba := image.NewRGBA(image.Rect(0, 0, analysisSize, analysisSize))
	bounds := src.Bounds()
	if bounds.Dx() == analysisSize && bounds.Dy() == analysisSize {
		xdraw.Copy(rgba, image.Point{}, src, bounds, xdraw.Src, nil)
	} else {
		// NearestNeighbor keeps sampled colors exact, which the strict bucket
		// thresholds depend on.
		xdraw.NearestNeighbor.Scale(rgba, rgba.Bounds(), src, bounds, xdraw.Src, nil)
	}

	pixels := make([]uint8, 0, analysisSize*analysisSize*channels)
	for y := 0; y < analysisSize; y++ {
		row := rgba.Pix[y*rgba.Stride : y*rgba.Stride+analysisSize*4]
		for x := 0; x < len(row); x += 4 {
			pixels = append(pixels, row[x], row[x+1], row[x+2])
		}
	}
	return pixels, analysisSize * analysisSize, nil
}
