// Package source holds the per-source catalog record the measurement
// driver writes into.
package source

import (
	"sync"

	"astromeas/internal/shape"
)

// Flag marks conditions found while measuring a source.
type Flag uint32

const (
	// FlagEdge: the peak lies on the EDGE mask plane.
	FlagEdge Flag = 1 << iota
	// FlagPeakCenter: astrometry is the integer peak, not a refined fit.
	FlagPeakCenter
	// FlagInterp: some footprint pixel was interpolated.
	FlagInterp
	// FlagInterpCenter: a pixel in the 3x3 block around the peak was interpolated.
	FlagInterpCenter
	// FlagSatur: some footprint pixel was saturated.
	FlagSatur
	// FlagSaturCenter: a pixel in the 3x3 block around the peak was saturated.
	FlagSaturCenter
)

var flagNames = []struct {
	flag Flag
	name string
}{
	{FlagEdge, "EDGE"},
	{FlagPeakCenter, "PEAKCENTER"},
	{FlagInterp, "INTERP"},
	{FlagInterpCenter, "INTERP_CENTER"},
	{FlagSatur, "SATUR"},
	{FlagSaturCenter, "SATUR_CENTER"},
}

func (f Flag) Has(f2 Flag) bool { return f&f2 == f2 }

// Names lists the set flags in bit order.
func (f Flag) Names() []string {
	var names []string
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			names = append(names, fn.name)
		}
	}
	return names
}

// ParseFlags is the inverse of Names; unknown names are ignored.
func ParseFlags(names []string) Flag {
	var f Flag
	for _, n := range names {
		for _, fn := range flagNames {
			if fn.name == n {
				f |= fn.flag
			}
		}
	}
	return f
}

// Record is one source in an output catalog. It is safe for concurrent
// use, though a single driver call is its only writer in practice.
type Record struct {
	mu      sync.Mutex
	id      int64
	xAstrom shape.Value
	yAstrom shape.Value
	psfFlux shape.Value
	flags   Flag
	shape   *shape.Record
}

// New returns an empty record for source id.
func New(id int64) *Record { return &Record{id: id} }

func (r *Record) ID() int64 { return r.id }

// SetAstrometry stores the measured position in parent coordinates.
func (r *Record) SetAstrometry(x, y float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.xAstrom, r.yAstrom = shape.Some(x), shape.Some(y)
}

// Astrometry returns the position, unset until measured.
func (r *Record) Astrometry() (x, y shape.Value) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.xAstrom, r.yAstrom
}

// SetPsfFlux stores the provisional flux. The value is the summed
// footprint flux, not a magnitude.
func (r *Record) SetPsfFlux(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.psfFlux = shape.Some(v)
}

func (r *Record) PsfFlux() shape.Value {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.psfFlux
}

// SetFlag ORs f into the flags.
func (r *Record) SetFlag(f Flag) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flags |= f
}

func (r *Record) Flags() Flag {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flags
}

// SetShape attaches a copy of s.
func (r *Record) SetShape(s shape.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shape = &s
}

// Shape returns the attached shape, if any.
func (r *Record) Shape() (shape.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shape == nil {
		return shape.Record{}, false
	}
	return *r.shape, true
}

// Summary is the flat view of a record used by storage and the APIs.
type Summary struct {
	ID      int64          `json:"id"`
	X       shape.Value    `json:"x"`
	Y       shape.Value    `json:"y"`
	PsfFlux shape.Value    `json:"psf_flux"`
	Flags   []string       `json:"flags,omitempty"`
	Shape   *shape.Summary `json:"shape,omitempty"`
}

func (r *Record) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Summary{
		ID:      r.id,
		X:       r.xAstrom,
		Y:       r.yAstrom,
		PsfFlux: r.psfFlux,
		Flags:   r.flags.Names(),
	}
	if r.shape != nil {
		ss := r.shape.Summary()
		s.Shape = &ss
	}
	return s
}
