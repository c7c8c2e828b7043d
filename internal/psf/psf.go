// Package psf builds point-spread-function models and renders them into
// convolution kernels.
package psf

import (
	"errors"
	"fmt"
	"math"

	"github.com/anthonynsimon/bild/convolution"
)

// ErrDomain is returned for parameters a model cannot represent.
var ErrDomain = errors.New("psf: parameter out of domain")

// Model type names.
const (
	TypeDoubleGaussian = "DGPSF"
	TypeSingleGaussian = "SGPSF"
)

// PSF is an opaque handle to a point-spread function. The measurement code
// only reads its width; the kernel is carried for callers that convolve.
type PSF interface {
	Kernel() *convolution.Kernel
	SetKernel(k *convolution.Kernel)
	// Type returns the registered model name.
	Type() string
	// Sigma is the effective Gaussian width in pixels.
	Sigma() float64
}

type kernelPSF struct {
	kernel *convolution.Kernel
}

func (p *kernelPSF) Kernel() *convolution.Kernel     { return p.kernel }
func (p *kernelPSF) SetKernel(k *convolution.Kernel) { p.kernel = k }

// render evaluates f over a size x size grid centred on the middle pixel
// and scales the result to unit sum.
func render(size int, f func(dx, dy float64) float64) (*convolution.Kernel, error) {
	if size < 1 {
		return nil, fmt.Errorf("%w: kernel size %d", ErrDomain, size)
	}
	k := convolution.NewKernel(size, size)
	c := float64(size-1) / 2
	var sum float64
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			v := f(float64(x)-c, float64(y)-c)
			k.Matrix[y*k.Width+x] = v
			sum += v
		}
	}
	if sum != 0 {
		for i := range k.Matrix {
			k.Matrix[i] /= sum
		}
	}
	return k, nil
}

func gauss(dx, dy, sigma float64) float64 {
	return math.Exp(-(dx*dx + dy*dy) / (2 * sigma * sigma))
}

// DoubleGaussian is the sum of an inner Gaussian of width Sigma1 and an
// outer one of width Sigma2 with relative amplitude B at the centre.
type DoubleGaussian struct {
	kernelPSF
	Sigma1, Sigma2, B float64
}

// NewDoubleGaussian renders a size x size double Gaussian kernel. With B
// and Sigma2 both zero the outer component is dropped and Sigma2 reads 1.
func NewDoubleGaussian(size int, sigma1, sigma2, b float64) (*DoubleGaussian, error) {
	if b == 0 && sigma2 == 0 {
		sigma2 = 1
	}
	if sigma1 <= 0 || sigma2 <= 0 {
		return nil, fmt.Errorf("%w: sigma may not be <= 0: %g, %g", ErrDomain, sigma1, sigma2)
	}
	k, err := render(size, func(dx, dy float64) float64 {
		return gauss(dx, dy, sigma1) + b*gauss(dx, dy, sigma2)
	})
	if err != nil {
		return nil, err
	}
	return &DoubleGaussian{kernelPSF: kernelPSF{kernel: k}, Sigma1: sigma1, Sigma2: sigma2, B: b}, nil
}

func (p *DoubleGaussian) Type() string { return TypeDoubleGaussian }

// Sigma returns the square root of the per-axis second moment of the
// profile, or Sigma1 when the components cancel.
func (p *DoubleGaussian) Sigma() float64 {
	w1 := p.Sigma1 * p.Sigma1
	w2 := p.B * p.Sigma2 * p.Sigma2
	if w1+w2 <= 0 {
		return p.Sigma1
	}
	v := (w1*p.Sigma1*p.Sigma1 + w2*p.Sigma2*p.Sigma2) / (w1 + w2)
	if v <= 0 {
		return p.Sigma1
	}
	return math.Sqrt(v)
}

// Resized renders the same profile at another kernel size.
func (p *DoubleGaussian) Resized(size int) (*DoubleGaussian, error) {
	return NewDoubleGaussian(size, p.Sigma1, p.Sigma2, p.B)
}

// SingleGaussian is a circular Gaussian of width S.
type SingleGaussian struct {
	kernelPSF
	S float64
}

// NewSingleGaussian renders a size x size Gaussian kernel.
func NewSingleGaussian(size int, sigma float64) (*SingleGaussian, error) {
	if sigma <= 0 {
		return nil, fmt.Errorf("%w: sigma may not be <= 0: %g", ErrDomain, sigma)
	}
	k, err := render(size, func(dx, dy float64) float64 { return gauss(dx, dy, sigma) })
	if err != nil {
		return nil, err
	}
	return &SingleGaussian{kernelPSF: kernelPSF{kernel: k}, S: sigma}, nil
}

func (p *SingleGaussian) Type() string   { return TypeSingleGaussian }
func (p *SingleGaussian) Sigma() float64 { return p.S }

// Resized renders the same profile at another kernel size.
func (p *SingleGaussian) Resized(size int) (*SingleGaussian, error) {
	return NewSingleGaussian(size, p.S)
}

// Summary describes a PSF for logs and API responses.
type Summary struct {
	Type   string    `json:"type"`
	Size   int       `json:"size"`
	Sigma  float64   `json:"sigma"`
	Sum    float64   `json:"sum"`
	Center float64   `json:"center"`
	Kernel []float64 `json:"kernel,omitempty"`
}

// Describe summarises p; withKernel includes the kernel values row-major.
func Describe(p PSF, withKernel bool) Summary {
	s := Summary{Type: p.Type(), Sigma: p.Sigma()}
	k := p.Kernel()
	if k == nil {
		return s
	}
	s.Size = k.Width
	for _, v := range k.Matrix {
		s.Sum += v
	}
	if s.Size > 0 {
		c := (s.Size - 1) / 2
		s.Center = k.At(c, c)
	}
	if withKernel {
		s.Kernel = append([]float64(nil), k.Matrix...)
	}
	return s
}
