// Package centroid refines an integer peak into a sub-pixel position.
//
// Refiners are registered by name in a registry.Registry per pixel type and
// created through Create. A refiner whose fit finds no positive signal
// returns a *FitError, which callers treat as recoverable; any other error
// is a real failure.
package centroid

import (
	"errors"
	"fmt"

	"astromeas/internal/exposure"
	"astromeas/internal/psf"
	"astromeas/internal/registry"
	"astromeas/internal/shape"
)

// Algorithm names.
const (
	Gaussian = "GAUSSIAN"
	Naive    = "NAIVE"
)

// ErrFitFailure matches every *FitError.
var ErrFitFailure = errors.New("centroid: fit failed")

// FitError reports a refinement that ran but found no positive signal.
type FitError struct {
	Algorithm string
	X, Y      int // image-local pixel the fit started from
	Reason    string
}

func (e *FitError) Error() string {
	return fmt.Sprintf("%s centroid at (%d, %d): %s", e.Algorithm, e.X, e.Y, e.Reason)
}

func (e *FitError) Is(target error) bool { return target == ErrFitFailure }

// Estimate is a refined position in parent coordinates. Unknown errors are
// unset, never zero.
type Estimate struct {
	X, Y       float64
	XErr, YErr shape.Value
}

// Refiner turns the peak near (x, y) into a refined position.
type Refiner[T exposure.Pixel] interface {
	Refine(img *exposure.Image[T], x, y float64, p psf.PSF, background float64) (Estimate, error)
}

// Options tunes the built-in refiners.
type Options struct {
	// HalfWidth sets the Gaussian fit window to (2*HalfWidth+1) squared.
	HalfWidth int
	// MaxIterations bounds the Gaussian fit.
	MaxIterations int
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{HalfWidth: 3, MaxIterations: 2000}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.HalfWidth <= 0 {
		o.HalfWidth = d.HalfWidth
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = d.MaxIterations
	}
	return o
}

// Factory builds a refiner.
type Factory[T exposure.Pixel] func(Options) Refiner[T]

// NewRegistry returns an empty centroid registry for pixel type T.
func NewRegistry[T exposure.Pixel]() *registry.Registry[Factory[T]] {
	var zero T
	return registry.New[Factory[T]](fmt.Sprintf("centroid algorithm (%T)", zero))
}

// RegisterBuiltins registers GAUSSIAN and NAIVE on reg.
func RegisterBuiltins[T exposure.Pixel](reg *registry.Registry[Factory[T]]) error {
	return errors.Join(
		reg.Register(Gaussian, func(o Options) Refiner[T] { return NewGaussian[T](o) }),
		reg.Register(Naive, func(Options) Refiner[T] { return NaiveRefiner[T]{} }),
	)
}

// Create looks name up in reg and builds the refiner.
func Create[T exposure.Pixel](reg *registry.Registry[Factory[T]], name string, o Options) (Refiner[T], error) {
	f, err := reg.Lookup(name)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, fmt.Errorf("%s %q: %w", reg.Family(), name, registry.ErrNotImplemented)
	}
	return f(o), nil
}

// peakIndex converts a position to an image-local index, rounding half up
// by truncation as the refiners always have.
func peakIndex[T exposure.Pixel](img *exposure.Image[T], x, y float64) (int, int, error) {
	px, py := int(x+0.5), int(y+0.5)
	if !img.Contains(px, py) {
		return 0, 0, fmt.Errorf("%w: peak (%g, %g) outside %v", exposure.ErrOutOfBounds, x, y, img.Bounds())
	}
	return px - img.X0, py - img.Y0, nil
}
