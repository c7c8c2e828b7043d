package shape

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// second moments plus their trace; ok is false if any is unset or the
// trace is not positive.
func (r *Record) second() (mxx, mxy, myy, t float64, ok bool) {
	if !r.mxx.Valid || !r.mxy.Valid || !r.myy.Valid {
		return 0, 0, 0, 0, false
	}
	mxx, mxy, myy = r.mxx.V, r.mxy.V, r.myy.V
	t = mxx + myy
	if !(t > 0) {
		return 0, 0, 0, 0, false
	}
	return mxx, mxy, myy, t, true
}

// E1 returns (mxx-myy)/(mxx+myy).
func (r *Record) E1() Value {
	mxx, _, myy, t, ok := r.second()
	if !ok {
		return Unset()
	}
	return Some((mxx - myy) / t)
}

// E2 returns 2mxy/(mxx+myy).
func (r *Record) E2() Value {
	_, mxy, _, t, ok := r.second()
	if !ok {
		return Unset()
	}
	return Some(2 * mxy / t)
}

// Rms returns sqrt((mxx+myy)/2).
func (r *Record) Rms() Value {
	_, _, _, t, ok := r.second()
	if !ok {
		return Unset()
	}
	return Some(math.Sqrt(t / 2))
}

// gradients of e1, e2 and rms with respect to (mxx, mxy, myy).
func (r *Record) gradients() (ge1, ge2, grms *mat.VecDense, ok bool) {
	mxx, mxy, myy, t, ok := r.second()
	if !ok {
		return nil, nil, nil, false
	}
	t2 := t * t
	ge1 = mat.NewVecDense(3, []float64{2 * myy / t2, 0, -2 * mxx / t2})
	ge2 = mat.NewVecDense(3, []float64{-2 * mxy / t2, 2 / t, -2 * mxy / t2})
	d := 1 / (4 * math.Sqrt(t/2))
	grms = mat.NewVecDense(3, []float64{d, 0, d})
	return ge1, ge2, grms, true
}

// secondCov returns the (mxx, mxy, myy) block of the covariance.
func (r *Record) secondCov() *mat.SymDense {
	if r.covar == nil {
		return nil
	}
	s := mat.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			s.SetSym(i, j, r.covar.At(IdxMxx+i, IdxMxx+j))
		}
	}
	return s
}

// propagate returns a^T Σ b over the second-moment block.
func (r *Record) propagate(pick func(ge1, ge2, grms *mat.VecDense) (a, b *mat.VecDense)) (float64, bool) {
	sigma := r.secondCov()
	if sigma == nil {
		return 0, false
	}
	ge1, ge2, grms, ok := r.gradients()
	if !ok {
		return 0, false
	}
	a, b := pick(ge1, ge2, grms)
	return mat.Inner(a, sigma, b), true
}

func sd(v float64, ok bool) Value {
	if !ok || v < 0 || math.IsNaN(v) {
		return Unset()
	}
	return Some(math.Sqrt(v))
}

// E1Err returns the first-order standard deviation of E1.
func (r *Record) E1Err() Value {
	return sd(r.propagate(func(ge1, _, _ *mat.VecDense) (a, b *mat.VecDense) { return ge1, ge1 }))
}

// E2Err returns the first-order standard deviation of E2.
func (r *Record) E2Err() Value {
	return sd(r.propagate(func(_, ge2, _ *mat.VecDense) (a, b *mat.VecDense) { return ge2, ge2 }))
}

// RmsErr returns the first-order standard deviation of Rms.
func (r *Record) RmsErr() Value {
	return sd(r.propagate(func(_, _, grms *mat.VecDense) (a, b *mat.VecDense) { return grms, grms }))
}

// E1E2Cov returns the first-order covariance of E1 and E2.
func (r *Record) E1E2Cov() Value {
	v, ok := r.propagate(func(ge1, ge2, _ *mat.VecDense) (a, b *mat.VecDense) { return ge1, ge2 })
	if !ok || math.IsNaN(v) {
		return Unset()
	}
	return Some(v)
}
