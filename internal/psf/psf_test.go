package psf

import (
	"testing"

	"astromeas/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func builtins(t *testing.T) *Factory {
	t.Helper()
	f := NewFactory()
	require.NoError(t, RegisterBuiltins(f))
	return f
}

func TestCreateDoubleGaussian(t *testing.T) {
	p, err := builtins(t).Create("DGPSF", 11, 1.5, 3, 0.1)
	require.NoError(t, err)
	require.NotNil(t, p.Kernel())
	assert.Equal(t, TypeDoubleGaussian, p.Type())

	k := p.Kernel()
	assert.Equal(t, 11, k.Width)
	assert.Len(t, k.Matrix, 121)

	s := Describe(p, false)
	assert.InDelta(t, 1, s.Sum, 1e-12)
	// centre is the maximum and the kernel is symmetric
	for y := 0; y < 11; y++ {
		for x := 0; x < 11; x++ {
			assert.LessOrEqual(t, k.At(x, y), k.At(5, 5))
			assert.InDelta(t, k.At(x, y), k.At(10-x, 10-y), 1e-15)
		}
	}
	assert.Greater(t, p.Sigma(), 1.5)
	assert.Less(t, p.Sigma(), 3.0)
}

func TestCreateSingleGaussian(t *testing.T) {
	p, err := builtins(t).Create("SGPSF", 7, 2, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2.0, p.Sigma())
	assert.InDelta(t, 1, Describe(p, true).Sum, 1e-12)
	assert.Len(t, Describe(p, true).Kernel, 49)
}

func TestDoubleGaussianDefaultsOuterWidth(t *testing.T) {
	p, err := NewDoubleGaussian(5, 1, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, p.Sigma2)
	assert.InDelta(t, 1.0, p.Sigma(), 1e-12)
}

func TestDomainErrors(t *testing.T) {
	f := builtins(t)
	for _, c := range []struct {
		name       string
		typ        string
		size       int
		p0, p1, p2 float64
	}{
		{"dg zero sigma1", "DGPSF", 5, 0, 1, 0.1},
		{"dg zero sigma2 with outer", "DGPSF", 5, 1, 0, 0.1},
		{"sg negative sigma", "SGPSF", 5, -1, 0, 0},
		{"zero size", "SGPSF", 0, 1, 0, 0},
	} {
		t.Run(c.name, func(t *testing.T) {
			_, err := f.Create(c.typ, c.size, c.p0, c.p1, c.p2)
			assert.ErrorIs(t, err, ErrDomain)
		})
	}
}

func TestUnknownType(t *testing.T) {
	_, err := builtins(t).Create("NOPE", 11, 1, 1, 1)
	require.ErrorIs(t, err, registry.ErrNotFound)

	var nf *registry.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "NOPE", nf.Name)
	assert.Contains(t, err.Error(), "NOPE")
}

func TestRegisteredWithoutConstructor(t *testing.T) {
	f := builtins(t)
	require.NoError(t, f.Register("KERNELPSF", nil))
	_, err := f.Create("KERNELPSF", 11, 1, 1, 1)
	assert.ErrorIs(t, err, registry.ErrNotImplemented)
	assert.NotErrorIs(t, err, registry.ErrNotFound)
}

func TestNamesAndFreeze(t *testing.T) {
	f := builtins(t)
	assert.Equal(t, []string{"DGPSF", "SGPSF"}, f.Names())
	f.Freeze()
	assert.ErrorIs(t, f.Register("X", nil), registry.ErrFrozen)
}

func TestSetKernelAndResize(t *testing.T) {
	p, err := NewSingleGaussian(5, 1)
	require.NoError(t, err)
	q, err := p.Resized(9)
	require.NoError(t, err)
	assert.Equal(t, 9, q.Kernel().Width)

	p.SetKernel(q.Kernel())
	assert.Same(t, q.Kernel(), p.Kernel())
}
