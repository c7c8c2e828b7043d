package footprint

import (
	"errors"
	"fmt"
	"math"

	"astromeas/internal/exposure"
)

var (
	ErrZeroFlux       = errors.New("footprint: zero total flux")
	ErrNegativeFlux   = errors.New("footprint: negative total flux")
	ErrOutsideImage   = errors.New("footprint: pixels outside image")
	ErrEmptyFootprint = errors.New("footprint: no pixels")
)

// Centroid accumulates the pixel count, flux, flux-weighted position and
// peak of a footprint in a single pass.
type Centroid[T exposure.Pixel] struct {
	img             *exposure.Image[T]
	n               int
	sum, sumX, sumY float64
	max             float64
	xmax, ymax      int
}

// NewCentroid returns a visitor reading pixels from img.
func NewCentroid[T exposure.Pixel](img *exposure.Image[T]) *Centroid[T] {
	c := &Centroid[T]{img: img}
	c.Reset()
	return c
}

// Reset clears the accumulators for a new footprint.
func (c *Centroid[T]) Reset() {
	c.n = 0
	c.sum, c.sumX, c.sumY = 0, 0, 0
	c.max = -math.MaxFloat64
	c.xmax, c.ymax = 0, 0
}

// Visit accumulates the pixel at parent index (x, y).
func (c *Centroid[T]) Visit(x, y int) {
	v := float64(c.img.Get(x, y))

	c.n++
	c.sum += v
	c.sumX += exposure.IndexToPosition(x) * v
	c.sumY += exposure.IndexToPosition(y) * v

	// strictly greater: the first pixel seen keeps a tied maximum
	if v > c.max {
		c.max = v
		c.xmax, c.ymax = x, y
	}
}

// Apply resets the visitor and runs it over every pixel of fp.
func (c *Centroid[T]) Apply(fp *Footprint) error {
	if !fp.Within(c.img.Bounds()) {
		return fmt.Errorf("%w: footprint %d bbox %v, image %v", ErrOutsideImage, fp.ID, fp.BBox(), c.img.Bounds())
	}
	c.Reset()
	fp.Apply(c.Visit)
	return nil
}

// N returns the number of pixels visited.
func (c *Centroid[T]) N() int { return c.n }

// Sum returns the total flux.
func (c *Centroid[T]) Sum() float64 { return c.sum }

// Max returns the peak pixel value.
func (c *Centroid[T]) Max() float64 { return c.max }

// Centroid returns the flux-weighted position. The total flux must be
// positive.
func (c *Centroid[T]) Centroid() (x, y float64, err error) {
	switch {
	case c.sum == 0:
		return 0, 0, ErrZeroFlux
	case c.sum < 0:
		return 0, 0, fmt.Errorf("%w: %g", ErrNegativeFlux, c.sum)
	}
	return c.sumX / c.sum, c.sumY / c.sum, nil
}

// Peak returns the pixel holding the maximum value.
func (c *Centroid[T]) Peak() (Peak, error) {
	if c.n == 0 {
		return Peak{}, ErrEmptyFootprint
	}
	return Peak{Ix: c.xmax, Iy: c.ymax}, nil
}

// Aggregate runs a Centroid visitor over fp.
func Aggregate[T exposure.Pixel](img *exposure.Image[T], fp *Footprint) (*Centroid[T], error) {
	c := NewCentroid(img)
	if err := c.Apply(fp); err != nil {
		return nil, err
	}
	return c, nil
}

// MaskBits returns the union of mask bits over the pixels of fp that lie
// inside m.
func MaskBits(m *exposure.Mask, fp *Footprint) exposure.MaskPixel {
	var bits exposure.MaskPixel
	fp.Apply(func(x, y int) {
		lx, ly := x-m.X0, y-m.Y0
		if m.InBounds(lx, ly) {
			bits |= m.At(lx, ly)
		}
	})
	return bits
}
