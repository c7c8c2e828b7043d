// Package exposure holds the pixel planes a measurement reads: the science
// image, its mask and its variance.
//
// # Coordinate System
//
// Every plane has an origin (X0, Y0) in the parent frame. Methods named At
// and Set take local (origin-subtracted) indices; Get takes parent indices.
// Footprints and peaks are always expressed in parent indices.
//
// The continuous position of pixel index i is IndexToPosition(i), so the
// centre of pixel (2, 2) is at (2.0, 2.0).
package exposure

import (
	"errors"
	"fmt"
	"image"
	"math"
)

// PixelZeroPos is the continuous position of the centre of pixel 0.
const PixelZeroPos = 0.0

// ErrOutOfBounds is returned when a pixel index falls outside a plane.
var ErrOutOfBounds = errors.New("exposure: index out of bounds")

// Pixel is the set of element types an Image may hold.
type Pixel interface {
	~int32 | ~float32 | ~float64
}

// IndexToPosition maps an integer pixel index to a continuous coordinate.
func IndexToPosition(i int) float64 {
	return float64(i) + PixelZeroPos
}

// PositionToIndex returns the index of the pixel containing position p.
func PositionToIndex(p float64) int {
	return int(math.Floor(p + 0.5 - PixelZeroPos))
}

// Image is a rectangular plane of pixels with an origin in the parent frame.
type Image[T Pixel] struct {
	X0, Y0        int
	Width, Height int
	Pix           []T
}

// NewImage allocates a zeroed width x height image at origin (0, 0).
func NewImage[T Pixel](width, height int) *Image[T] {
	if width < 0 || height < 0 {
		panic(fmt.Sprintf("exposure: negative image size %dx%d", width, height))
	}
	return &Image[T]{
		Width:  width,
		Height: height,
		Pix:    make([]T, width*height),
	}
}

// SetXY0 moves the image origin.
func (im *Image[T]) SetXY0(x0, y0 int) {
	im.X0, im.Y0 = x0, y0
}

// InBounds reports whether the local index (x, y) is inside the image.
func (im *Image[T]) InBounds(x, y int) bool {
	return x >= 0 && y >= 0 && x < im.Width && y < im.Height
}

// Contains reports whether the parent index (x, y) is inside the image.
func (im *Image[T]) Contains(x, y int) bool {
	return im.InBounds(x-im.X0, y-im.Y0)
}

// At returns the pixel at local index (x, y).
func (im *Image[T]) At(x, y int) T {
	return im.Pix[y*im.Width+x]
}

// Set stores v at local index (x, y).
func (im *Image[T]) Set(x, y int, v T) {
	im.Pix[y*im.Width+x] = v
}

// Get returns the pixel at parent index (x, y).
func (im *Image[T]) Get(x, y int) T {
	return im.At(x-im.X0, y-im.Y0)
}

// Bounds returns the image extent in parent indices.
func (im *Image[T]) Bounds() image.Rectangle {
	return image.Rect(im.X0, im.Y0, im.X0+im.Width, im.Y0+im.Height)
}

// Fill sets every pixel to v.
func (im *Image[T]) Fill(v T) {
	for i := range im.Pix {
		im.Pix[i] = v
	}
}

// MaskedImage bundles the image, mask and variance planes of one exposure.
// All three planes share an origin.
type MaskedImage[T Pixel] struct {
	Image    *Image[T]
	Mask     *Mask
	Variance *Image[float32]
}

// NewMaskedImage allocates all three planes.
func NewMaskedImage[T Pixel](width, height int) *MaskedImage[T] {
	return &MaskedImage[T]{
		Image:    NewImage[T](width, height),
		Mask:     NewMask(width, height),
		Variance: NewImage[float32](width, height),
	}
}

// SetXY0 moves the origin of every plane.
func (mi *MaskedImage[T]) SetXY0(x0, y0 int) {
	mi.Image.SetXY0(x0, y0)
	if mi.Mask != nil {
		mi.Mask.SetXY0(x0, y0)
	}
	if mi.Variance != nil {
		mi.Variance.SetXY0(x0, y0)
	}
}

// Width returns the width of the image plane.
func (mi *MaskedImage[T]) Width() int { return mi.Image.Width }

// Height returns the height of the image plane.
func (mi *MaskedImage[T]) Height() int { return mi.Image.Height }
