// Package shape holds the moment-based shape measurement of one source and
// the quantities derived from it.
//
// A Record is built by the measurement driver, filled in by setters as
// algorithms complete and then handed to the caller by value. Every field
// starts unset; reading an unset field yields an unset Value rather than a
// number.
package shape

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Flag marks processing outcomes on a Record.
type Flag uint32

const (
	// FlagEdge: the peak sits on the EDGE mask plane; nothing was measured.
	FlagEdge Flag = 1 << iota
	// FlagPeakCenter: the centroid fit failed and the integer peak was used.
	FlagPeakCenter
	// FlagZeroFlux: the weighted flux was not positive so no moments exist.
	FlagZeroFlux
	// FlagNoVariance: no variance plane was available for the covariance.
	FlagNoVariance
)

var flagNames = []struct {
	flag Flag
	name string
}{
	{FlagEdge, "EDGE"},
	{FlagPeakCenter, "PEAKCENTER"},
	{FlagZeroFlux, "ZEROFLUX"},
	{FlagNoVariance, "NOVARIANCE"},
}

// Has reports whether every bit of f2 is set in f.
func (f Flag) Has(f2 Flag) bool { return f&f2 == f2 }

// Names lists the set flags.
func (f Flag) Names() []string {
	var names []string
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			names = append(names, fn.name)
		}
	}
	return names
}

// Covariance matrix indices.
const (
	IdxM0 = iota
	IdxMxx
	IdxMxy
	IdxMyy
	nMoments
)

var ErrCovarianceShape = errors.New("shape: covariance must be 4x4")

// Point is a continuous (x, y) position.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Moments is the initial set of moments a Record is built from.
type Moments struct {
	M0, Mxx, Mxy, Myy Value
}

// Record is one source's weighted-moment shape measurement.
type Record struct {
	centroid    Point
	centroidSet bool
	m0          Value
	mxx         Value
	mxy         Value
	myy         Value
	mxy4        Value
	covar       *mat.SymDense // over (m0, mxx, mxy, myy); nil when unset
	flags       Flag
}

// New returns a Record holding m; fields of m may be unset.
func New(m Moments) Record {
	return Record{m0: m.M0, mxx: m.Mxx, mxy: m.Mxy, myy: m.Myy}
}

func (r *Record) SetCentroid(p Point) {
	r.centroid = p
	r.centroidSet = true
}

// Centroid returns the position the moments were measured about.
func (r *Record) Centroid() (Point, bool) { return r.centroid, r.centroidSet }

func (r *Record) SetM0(v float64)   { r.m0 = Some(v) }
func (r *Record) SetMxx(v float64)  { r.mxx = Some(v) }
func (r *Record) SetMxy(v float64)  { r.mxy = Some(v) }
func (r *Record) SetMyy(v float64)  { r.myy = Some(v) }
func (r *Record) SetMxy4(v float64) { r.mxy4 = Some(v) }

func (r *Record) M0() Value   { return r.m0 }
func (r *Record) Mxx() Value  { return r.mxx }
func (r *Record) Mxy() Value  { return r.mxy }
func (r *Record) Myy() Value  { return r.myy }
func (r *Record) Mxy4() Value { return r.mxy4 }

// SetCovariance stores a copy of c, which must be 4x4 over
// (m0, mxx, mxy, myy). Symmetry is taken from the SymDense type; positive
// semi-definiteness is not checked.
func (r *Record) SetCovariance(c *mat.SymDense) error {
	if c == nil {
		r.covar = nil
		return nil
	}
	if n := c.SymmetricDim(); n != nMoments {
		return fmt.Errorf("%w: got %dx%d", ErrCovarianceShape, n, n)
	}
	r.covar = mat.NewSymDense(nMoments, nil)
	r.covar.CopySym(c)
	return nil
}

// Covariance returns a copy of the covariance, or nil when unset.
func (r *Record) Covariance() *mat.SymDense {
	if r.covar == nil {
		return nil
	}
	c := mat.NewSymDense(nMoments, nil)
	c.CopySym(r.covar)
	return c
}

func (r *Record) cov(i, j int) Value {
	if r.covar == nil {
		return Unset()
	}
	return Some(r.covar.At(i, j))
}

// M0Var returns the variance of m0.
func (r *Record) M0Var() Value { return r.cov(IdxM0, IdxM0) }

// MxxVar returns the variance of mxx.
func (r *Record) MxxVar() Value { return r.cov(IdxMxx, IdxMxx) }

// MxyVar returns the variance of mxy.
func (r *Record) MxyVar() Value { return r.cov(IdxMxy, IdxMxy) }

// MyyVar returns the variance of myy.
func (r *Record) MyyVar() Value { return r.cov(IdxMyy, IdxMyy) }

func (r *Record) AddFlags(f Flag) { r.flags |= f }
func (r *Record) Flags() Flag     { return r.flags }

// Summary is the flat, serialisable view of a Record.
type Summary struct {
	Centroid *Point   `json:"centroid,omitempty"`
	M0       Value    `json:"m0"`
	Mxx      Value    `json:"mxx"`
	Mxy      Value    `json:"mxy"`
	Myy      Value    `json:"myy"`
	Mxy4     Value    `json:"mxy4"`
	M0Var    Value    `json:"m0_var"`
	E1       Value    `json:"e1"`
	E2       Value    `json:"e2"`
	Rms      Value    `json:"rms"`
	E1Err    Value    `json:"e1_err"`
	E2Err    Value    `json:"e2_err"`
	E1E2Cov  Value    `json:"e1e2_cov"`
	RmsErr   Value    `json:"rms_err"`
	Flags    []string `json:"flags,omitempty"`
}

// Summary flattens r including its derived quantities.
func (r *Record) Summary() Summary {
	s := Summary{
		M0:      r.m0,
		Mxx:     r.mxx,
		Mxy:     r.mxy,
		Myy:     r.myy,
		Mxy4:    r.mxy4,
		M0Var:   r.M0Var(),
		E1:      r.E1(),
		E2:      r.E2(),
		Rms:     r.Rms(),
		E1Err:   r.E1Err(),
		E2Err:   r.E2Err(),
		E1E2Cov: r.E1E2Cov(),
		RmsErr:  r.RmsErr(),
		Flags:   r.flags.Names(),
	}
	if c, ok := r.Centroid(); ok {
		s.Centroid = &c
	}
	return s
}
