// Package measure drives per-source measurement: aggregate a footprint,
// check the edge mask, refine the peak with a named centroid algorithm and
// measure the shape around the result.
package measure

import (
	"errors"
	"fmt"
	"sync"

	"astromeas/internal/centroid"
	"astromeas/internal/exposure"
	"astromeas/internal/psf"
	"astromeas/internal/registry"
)

// Catalog holds one centroid registry per pixel type and the PSF factory.
// The registries are independent: a name registered for int32 images says
// nothing about float32 images.
type Catalog struct {
	Int32   *registry.Registry[centroid.Factory[int32]]
	Float32 *registry.Registry[centroid.Factory[float32]]
	Float64 *registry.Registry[centroid.Factory[float64]]
	PSF     *psf.Factory
}

// NewEmptyCatalog returns a catalog with nothing registered and nothing
// frozen.
func NewEmptyCatalog() *Catalog {
	return &Catalog{
		Int32:   centroid.NewRegistry[int32](),
		Float32: centroid.NewRegistry[float32](),
		Float64: centroid.NewRegistry[float64](),
		PSF:     psf.NewFactory(),
	}
}

// RegisterBuiltins registers the built-in centroid algorithms for every
// pixel type and the built-in PSF models.
func (c *Catalog) RegisterBuiltins() error {
	return errors.Join(
		centroid.RegisterBuiltins(c.Int32),
		centroid.RegisterBuiltins(c.Float32),
		centroid.RegisterBuiltins(c.Float64),
		psf.RegisterBuiltins(c.PSF),
	)
}

// Freeze ends registration on every family.
func (c *Catalog) Freeze() {
	c.Int32.Freeze()
	c.Float32.Freeze()
	c.Float64.Freeze()
	c.PSF.Freeze()
}

// NewCatalog returns a frozen catalog holding the built-ins.
func NewCatalog() (*Catalog, error) {
	c := NewEmptyCatalog()
	if err := c.RegisterBuiltins(); err != nil {
		return nil, err
	}
	c.Freeze()
	return c, nil
}

// Default is the process-wide frozen catalog of built-ins.
var Default = sync.OnceValue(func() *Catalog {
	c, err := NewCatalog()
	if err != nil {
		panic(fmt.Sprintf("measure: builtin registration: %v", err))
	}
	return c
})

// ErrPixelType is returned for pixel types without a centroid registry.
var ErrPixelType = errors.New("measure: unsupported pixel type")

// Centroids returns the centroid registry for pixel type T.
func Centroids[T exposure.Pixel](c *Catalog) (*registry.Registry[centroid.Factory[T]], error) {
	var zero T
	var reg any
	switch any(zero).(type) {
	case int32:
		reg = c.Int32
	case float32:
		reg = c.Float32
	case float64:
		reg = c.Float64
	default:
		return nil, fmt.Errorf("%w: %T", ErrPixelType, zero)
	}
	return reg.(*registry.Registry[centroid.Factory[T]]), nil
}

// Algorithms lists the centroid algorithms registered for every pixel type
// keyed by type name, plus the PSF models under "psf".
func (c *Catalog) Algorithms() map[string][]string {
	return map[string][]string{
		"int32":   c.Int32.Names(),
		"float32": c.Float32.Names(),
		"float64": c.Float64.Names(),
		"psf":     c.PSF.Names(),
	}
}
