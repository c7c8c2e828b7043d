package exposure

import (
	"errors"
	"fmt"
)

// MaskPixel is one mask value; each named plane owns one bit.
type MaskPixel uint16

// Standard plane names.
const (
	PlaneBad      = "BAD"
	PlaneSat      = "SAT"
	PlaneIntrp    = "INTRP"
	PlaneCR       = "CR"
	PlaneEdge     = "EDGE"
	PlaneDetected = "DETECTED"
)

var defaultPlanes = []string{PlaneBad, PlaneSat, PlaneIntrp, PlaneCR, PlaneEdge, PlaneDetected}

const maxPlanes = 16

var (
	ErrUnknownPlane  = errors.New("exposure: unknown mask plane")
	ErrTooManyPlanes = errors.New("exposure: no free mask planes")
)

// Mask is a plane of bit flags aligned with an Image.
type Mask struct {
	X0, Y0        int
	Width, Height int
	Pix           []MaskPixel
	planes        map[string]int
}

// NewMask allocates a cleared mask with the standard planes defined.
func NewMask(width, height int) *Mask {
	m := &Mask{
		Width:  width,
		Height: height,
		Pix:    make([]MaskPixel, width*height),
		planes: make(map[string]int, len(defaultPlanes)),
	}
	for _, name := range defaultPlanes {
		m.AddPlane(name)
	}
	return m
}

// SetXY0 moves the mask origin.
func (m *Mask) SetXY0(x0, y0 int) {
	m.X0, m.Y0 = x0, y0
}

// AddPlane defines name if needed and returns its bitmask.
func (m *Mask) AddPlane(name string) (MaskPixel, error) {
	if bit, ok := m.planes[name]; ok {
		return 1 << bit, nil
	}
	if len(m.planes) >= maxPlanes {
		return 0, fmt.Errorf("add plane %q: %w", name, ErrTooManyPlanes)
	}
	bit := len(m.planes)
	m.planes[name] = bit
	return 1 << bit, nil
}

// PlaneBitMask returns the bitmask of the named plane.
func (m *Mask) PlaneBitMask(name string) (MaskPixel, error) {
	bit, ok := m.planes[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownPlane, name)
	}
	return 1 << bit, nil
}

// InBounds reports whether local index (x, y) is inside the mask.
func (m *Mask) InBounds(x, y int) bool {
	return x >= 0 && y >= 0 && x < m.Width && y < m.Height
}

// At returns the mask value at local index (x, y).
func (m *Mask) At(x, y int) MaskPixel {
	return m.Pix[y*m.Width+x]
}

// Set stores v at local index (x, y).
func (m *Mask) Set(x, y int, v MaskPixel) {
	m.Pix[y*m.Width+x] = v
}

// Or sets bits at local index (x, y).
func (m *Mask) Or(x, y int, bits MaskPixel) {
	m.Pix[y*m.Width+x] |= bits
}

// Get returns the mask value at parent index (x, y).
func (m *Mask) Get(x, y int) MaskPixel {
	return m.At(x-m.X0, y-m.Y0)
}

// MarkEdge sets the EDGE plane on every pixel within width of the border.
func (m *Mask) MarkEdge(width int) {
	if width <= 0 {
		return
	}
	edge, _ := m.PlaneBitMask(PlaneEdge)
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			if x < width || y < width || x >= m.Width-width || y >= m.Height-width {
				m.Or(x, y, edge)
			}
		}
	}
}
