package exposure

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	colorful "github.com/lucasb-eyer/go-colorful"
)

// ErrUnsupportedFormat is returned for files no loader can read.
var ErrUnsupportedFormat = errors.New("exposure: unsupported image format")

// LoadOptions controls how a raster file becomes a MaskedImage.
type LoadOptions struct {
	// Scale multiplies linear luminance (0..1) to obtain flux units.
	Scale float64
	// Gain in flux units per electron; variance is flux/Gain + ReadNoise^2.
	Gain      float64
	ReadNoise float64
	// EdgeWidth pixels along each border get the EDGE plane.
	EdgeWidth int
	// SaturationLevel marks pixels at or above it (in 0..1 luminance) as SAT.
	SaturationLevel float64
}

// DefaultLoadOptions returns the options used when none are configured.
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{
		Scale:           65535,
		Gain:            1,
		ReadNoise:       0,
		EdgeWidth:       2,
		SaturationLevel: 0.999,
	}
}

var fitsExts = map[string]struct{}{
	".fits": {},
	".fit":  {},
	".fts":  {},
}

// Load reads path into a float32 MaskedImage.
func Load(path string, opts LoadOptions) (*MaskedImage[float32], error) {
	ext := strings.ToLower(filepath.Ext(path))
	if _, ok := fitsExts[ext]; ok {
		return loadWithMagick(path, opts)
	}

	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		if errors.Is(err, image.ErrFormat) || errors.Is(err, imaging.ErrUnsupportedFormat) {
			return loadWithMagick(path, opts)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return FromImage(img, opts), nil
}

// FromImage converts a decoded raster into linear flux.
func FromImage(img image.Image, opts LoadOptions) *MaskedImage[float32] {
	if opts.Scale == 0 {
		opts.Scale = 1
	}
	b := img.Bounds()
	mi := NewMaskedImage[float32](b.Dx(), b.Dy())
	sat, _ := mi.Mask.PlaneBitMask(PlaneSat)

	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			lum := linearLuminance(img.At(b.Min.X+x, b.Min.Y+y))
			flux := lum * opts.Scale
			mi.Image.Set(x, y, float32(flux))
			mi.Variance.Set(x, y, float32(variance(flux, opts)))
			if opts.SaturationLevel > 0 && lum >= opts.SaturationLevel {
				mi.Mask.Or(x, y, sat)
			}
		}
	}
	mi.Mask.MarkEdge(opts.EdgeWidth)
	return mi
}

func linearLuminance(c color.Color) float64 {
	cf, ok := colorful.MakeColor(c)
	if !ok {
		return 0
	}
	r, g, b := cf.LinearRgb()
	return 0.2126*r + 0.7152*g + 0.0722*b
}

func variance(flux float64, opts LoadOptions) float64 {
	v := opts.ReadNoise * opts.ReadNoise
	if flux > 0 && opts.Gain > 0 {
		v += flux / opts.Gain
	}
	return v
}
