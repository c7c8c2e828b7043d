package centroid

import (
	"fmt"
	"math"

	"astromeas/internal/exposure"
	"astromeas/internal/psf"

	"gonum.org/v1/gonum/optimize"
)

// defaultSigma seeds the fit width when no PSF is supplied.
const defaultSigma = 1.5

// Params are the parameters of bg + A*exp(-r^2/2 sigma^2) in window-local
// pixel coordinates.
type Params struct {
	X0, Y0     float64
	Amplitude  float64
	Sigma      float64
	Background float64
}

// Window is the block of pixels a fit sees. (X0, Y0) is the image-local
// index of Pix[0].
type Window struct {
	X0, Y0        int
	Width, Height int
	Pix           []float64
}

// Fitter fits a circular Gaussian to a window starting from seed. A nil
// result with an error means the fitter itself failed.
type Fitter interface {
	Fit(w *Window, seed Params, maxIter int) (*Params, error)
}

// GaussianRefiner fits a 2D Gaussian around the peak.
type GaussianRefiner[T exposure.Pixel] struct {
	Options
	Fitter Fitter
}

// NewGaussian returns a refiner using the Nelder-Mead fitter.
func NewGaussian[T exposure.Pixel](o Options) *GaussianRefiner[T] {
	return &GaussianRefiner[T]{Options: o.withDefaults(), Fitter: NelderMeadFitter{}}
}

func (g *GaussianRefiner[T]) Refine(img *exposure.Image[T], x, y float64, p psf.PSF, background float64) (Estimate, error) {
	ix, iy, err := peakIndex(img, x, y)
	if err != nil {
		return Estimate{}, err
	}
	o := g.Options.withDefaults()
	// only a non-positive fitted amplitude is a recoverable fit failure
	fail := func(format string, args ...any) (Estimate, error) {
		return Estimate{}, fmt.Errorf("gaussian centroid at (%d, %d): "+format, append([]any{ix, iy}, args...)...)
	}

	x0, y0 := max(ix-o.HalfWidth, 0), max(iy-o.HalfWidth, 0)
	x1, y1 := min(ix+o.HalfWidth, img.Width-1), min(iy+o.HalfWidth, img.Height-1)
	w := &Window{X0: x0, Y0: y0, Width: x1 - x0 + 1, Height: y1 - y0 + 1}
	// five free parameters
	if w.Width*w.Height < 6 {
		return fail("window %dx%d too small", w.Width, w.Height)
	}
	w.Pix = make([]float64, 0, w.Width*w.Height)
	for yy := y0; yy <= y1; yy++ {
		for xx := x0; xx <= x1; xx++ {
			w.Pix = append(w.Pix, float64(img.At(xx, yy)))
		}
	}

	seed := Params{
		X0:         float64(ix - x0),
		Y0:         float64(iy - y0),
		Amplitude:  float64(img.At(ix, iy)) - background,
		Sigma:      defaultSigma,
		Background: background,
	}
	if p != nil && p.Sigma() > 0 {
		seed.Sigma = p.Sigma()
	}

	fitter := g.Fitter
	if fitter == nil {
		fitter = NelderMeadFitter{}
	}
	fit, err := fitter.Fit(w, seed, o.MaxIterations)
	if fit == nil {
		if err == nil {
			err = fmt.Errorf("fitter returned no result")
		}
		return fail("%w", err)
	}
	if !(fit.Amplitude > 0) {
		return Estimate{}, &FitError{Algorithm: Gaussian, X: ix, Y: iy, Reason: fmt.Sprintf("peak of %g", fit.Amplitude)}
	}
	if err != nil {
		return fail("%w", err)
	}
	switch {
	case math.IsNaN(fit.X0) || math.IsNaN(fit.Y0) || math.IsInf(fit.X0, 0) || math.IsInf(fit.Y0, 0):
		return fail("non-finite position")
	case fit.X0 < -0.5 || fit.Y0 < -0.5 || fit.X0 > float64(w.Width)-0.5 || fit.Y0 > float64(w.Height)-0.5:
		return fail("position (%g, %g) left the %dx%d window", fit.X0, fit.Y0, w.Width, w.Height)
	}

	// window-local fit position back to parent coordinates
	return Estimate{
		X: exposure.IndexToPosition(img.X0+w.X0) + fit.X0,
		Y: exposure.IndexToPosition(img.Y0+w.Y0) + fit.Y0,
	}, nil
}

// NelderMeadFitter minimises the squared residuals with gonum's
// Nelder-Mead simplex.
type NelderMeadFitter struct{}

func (NelderMeadFitter) Fit(w *Window, seed Params, maxIter int) (*Params, error) {
	// amplitude and background are fitted in units of the seed amplitude so
	// every parameter moves on a comparable scale
	scale := math.Max(math.Abs(seed.Amplitude), 1)
	model := func(p []float64) float64 {
		s2 := p[3] * p[3]
		if s2 == 0 {
			return math.Inf(1)
		}
		var chi2 float64
		for yy := 0; yy < w.Height; yy++ {
			for xx := 0; xx < w.Width; xx++ {
				dx, dy := float64(xx)-p[0], float64(yy)-p[1]
				m := p[4] + p[2]*math.Exp(-(dx*dx+dy*dy)/(2*s2))
				r := w.Pix[yy*w.Width+xx]/scale - m
				chi2 += r * r
			}
		}
		return chi2
	}

	init := []float64{seed.X0, seed.Y0, seed.Amplitude / scale, seed.Sigma, seed.Background / scale}
	settings := &optimize.Settings{
		MajorIterations: maxIter,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-12,
			Iterations: 100,
		},
	}
	res, err := optimize.Minimize(optimize.Problem{Func: model}, init, settings, &optimize.NelderMead{SimplexSize: 0.5})
	if res == nil {
		return nil, err
	}
	return &Params{
		X0:         res.X[0],
		Y0:         res.X[1],
		Amplitude:  res.X[2] * scale,
		Sigma:      math.Abs(res.X[3]),
		Background: res.X[4] * scale,
	}, err
}
