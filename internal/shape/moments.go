package shape

import (
	"errors"
	"fmt"
	"math"

	"astromeas/internal/exposure"
	"astromeas/internal/footprint"

	"gonum.org/v1/gonum/mat"
)

var ErrNilImage = errors.New("shape: nil image")

// MomentOptions controls Measure.
type MomentOptions struct {
	// Sigma is the Gaussian weight width in pixels; <= 0 weighs every pixel
	// equally.
	Sigma float64
	// Background is subtracted from every pixel before weighting.
	Background float64
}

type momentPixel struct {
	dx, dy, w, i, v float64
}

// Measure computes weighted moments of the footprint pixels about (cx, cy).
// The covariance is propagated from the variance plane; without one the
// record carries FlagNoVariance. A non-positive weighted flux leaves the
// moments unset and sets FlagZeroFlux.
func Measure[T exposure.Pixel](mi *exposure.MaskedImage[T], fp *footprint.Footprint, cx, cy float64, opts MomentOptions) (Record, error) {
	rec := New(Moments{})
	if mi == nil || mi.Image == nil {
		return rec, ErrNilImage
	}
	if !fp.Within(mi.Image.Bounds()) {
		return rec, fmt.Errorf("%w: footprint %d", footprint.ErrOutsideImage, fp.ID)
	}
	rec.SetCentroid(Point{X: cx, Y: cy})

	hasVar := mi.Variance != nil && fp.Within(mi.Variance.Bounds())
	pix := make([]momentPixel, 0, fp.Area())
	var s0 float64
	fp.Apply(func(x, y int) {
		p := momentPixel{
			dx: exposure.IndexToPosition(x) - cx,
			dy: exposure.IndexToPosition(y) - cy,
			w:  1,
			i:  float64(mi.Image.Get(x, y)) - opts.Background,
		}
		if opts.Sigma > 0 {
			p.w = math.Exp(-(p.dx*p.dx + p.dy*p.dy) / (2 * opts.Sigma * opts.Sigma))
		}
		if hasVar {
			p.v = float64(mi.Variance.Get(x, y))
		}
		s0 += p.w * p.i
		pix = append(pix, p)
	})
	if !(s0 > 0) {
		rec.AddFlags(FlagZeroFlux)
		return rec, nil
	}

	var sxx, sxy, syy, s4 float64
	for _, p := range pix {
		wi := p.w * p.i
		r2 := p.dx*p.dx + p.dy*p.dy
		sxx += wi * p.dx * p.dx
		sxy += wi * p.dx * p.dy
		syy += wi * p.dy * p.dy
		s4 += wi * r2 * r2
	}
	mxx, mxy, myy := sxx/s0, sxy/s0, syy/s0
	rec.SetM0(s0)
	rec.SetMxx(mxx)
	rec.SetMxy(mxy)
	rec.SetMyy(myy)
	rec.SetMxy4(s4 / s0)

	if !hasVar {
		rec.AddFlags(FlagNoVariance)
		return rec, nil
	}

	// each moment is linear in m0 or a ratio over s0, so its derivative with
	// respect to one pixel's intensity is closed form
	cov := mat.NewSymDense(nMoments, nil)
	var d [nMoments]float64
	for _, p := range pix {
		if p.v <= 0 {
			continue
		}
		d[IdxM0] = p.w
		d[IdxMxx] = p.w * (p.dx*p.dx - mxx) / s0
		d[IdxMxy] = p.w * (p.dx*p.dy - mxy) / s0
		d[IdxMyy] = p.w * (p.dy*p.dy - myy) / s0
		for a := 0; a < nMoments; a++ {
			for b := a; b < nMoments; b++ {
				cov.SetSym(a, b, cov.At(a, b)+p.v*d[a]*d[b])
			}
		}
	}
	if err := rec.SetCovariance(cov); err != nil {
		return rec, err
	}
	return rec, nil
}
