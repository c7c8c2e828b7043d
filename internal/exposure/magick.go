//go:build imagick

package exposure

import (
	"fmt"

	"gopkg.in/gographics/imagick.v3/imagick"
)

// loadWithMagick reads formats the pure Go decoders do not handle (FITS in
// particular) through ImageMagick, exporting a single intensity channel.
func loadWithMagick(path string, opts LoadOptions) (*MaskedImage[float32], error) {
	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, fmt.Errorf("imagick read %s: %w", path, err)
	}

	width := mw.GetImageWidth()
	height := mw.GetImageHeight()
	raw, err := mw.ExportImagePixels(0, 0, width, height, "I", imagick.PIXEL_FLOAT)
	if err != nil {
		return nil, fmt.Errorf("imagick export %s: %w", path, err)
	}
	pixels, ok := raw.([]float32)
	if !ok {
		return nil, fmt.Errorf("imagick export %s: unexpected pixel type %T", path, raw)
	}

	if opts.Scale == 0 {
		opts.Scale = 1
	}
	mi := NewMaskedImage[float32](int(width), int(height))
	sat, _ := mi.Mask.PlaneBitMask(PlaneSat)
	for i, v := range pixels {
		x, y := i%int(width), i/int(width)
		flux := float64(v) * opts.Scale
		mi.Image.Set(x, y, float32(flux))
		mi.Variance.Set(x, y, float32(variance(flux, opts)))
		if opts.SaturationLevel > 0 && float64(v) >= opts.SaturationLevel {
			mi.Mask.Or(x, y, sat)
		}
	}
	mi.Mask.MarkEdge(opts.EdgeWidth)
	return mi, nil
}
