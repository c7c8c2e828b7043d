package centroid

import (
	"fmt"

	"astromeas/internal/exposure"
	"astromeas/internal/psf"
)

// NaiveRefiner takes the background-subtracted first moment of the 3x3
// block around the peak.
type NaiveRefiner[T exposure.Pixel] struct{}

func (NaiveRefiner[T]) Refine(img *exposure.Image[T], x, y float64, _ psf.PSF, background float64) (Estimate, error) {
	ix, iy, err := peakIndex(img, x, y)
	if err != nil {
		return Estimate{}, err
	}
	if ix < 1 || iy < 1 || ix > img.Width-2 || iy > img.Height-2 {
		return Estimate{}, fmt.Errorf("naive centroid at (%d, %d): peak on image border", ix, iy)
	}

	var sum, sumX, sumY float64
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			v := float64(img.At(ix+dx, iy+dy)) - background
			sum += v
			sumX += float64(dx) * v
			sumY += float64(dy) * v
		}
	}
	if !(sum > 0) {
		return Estimate{}, &FitError{Algorithm: Naive, X: ix, Y: iy, Reason: "non-positive flux in 3x3 block"}
	}
	return Estimate{
		X: exposure.IndexToPosition(img.X0+ix) + sumX/sum,
		Y: exposure.IndexToPosition(img.Y0+iy) + sumY/sum,
	}, nil
}
