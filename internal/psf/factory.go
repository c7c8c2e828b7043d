package psf

import (
	"errors"
	"fmt"

	"astromeas/internal/registry"
)

// Constructor builds a PSF of the given kernel size from up to three
// model parameters.
type Constructor func(size int, p0, p1, p2 float64) (PSF, error)

// Factory creates PSFs by registered type name. The registry is the only
// mapping from names to models.
type Factory struct {
	reg *registry.Registry[Constructor]
}

// NewFactory returns an empty factory.
func NewFactory() *Factory {
	return &Factory{reg: registry.New[Constructor]("psf algorithm")}
}

// Register associates name with c. A nil c registers the name without an
// implementation; Create then fails with registry.ErrNotImplemented.
func (f *Factory) Register(name string, c Constructor) error {
	return f.reg.Register(name, c)
}

// Create builds a PSF of type typeName with a size x size kernel.
func (f *Factory) Create(typeName string, size int, p0, p1, p2 float64) (PSF, error) {
	c, err := f.reg.Lookup(typeName)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("psf of type %q: %w", typeName, registry.ErrNotImplemented)
	}
	p, err := c(size, p0, p1, p2)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", typeName, err)
	}
	return p, nil
}

func (f *Factory) Names() []string { return f.reg.Names() }
func (f *Factory) Freeze()         { f.reg.Freeze() }

// RegisterBuiltins registers DGPSF (p0 = sigma1, p1 = sigma2, p2 = b) and
// SGPSF (p0 = sigma).
func RegisterBuiltins(f *Factory) error {
	return errors.Join(
		f.Register(TypeDoubleGaussian, func(size int, p0, p1, p2 float64) (PSF, error) {
			p, err := NewDoubleGaussian(size, p0, p1, p2)
			if err != nil {
				return nil, err
			}
			return p, nil
		}),
		f.Register(TypeSingleGaussian, func(size int, p0, _, _ float64) (PSF, error) {
			p, err := NewSingleGaussian(size, p0)
			if err != nil {
				return nil, err
			}
			return p, nil
		}),
	)
}
