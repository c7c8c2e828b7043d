package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type factory func() string

func TestLookupReturnsRegisteredFactory(t *testing.T) {
	r := New[factory]("centroid algorithm")
	require.NoError(t, r.Register("GAUSSIAN", func() string { return "gaussian" }))

	f, err := r.Lookup("GAUSSIAN")
	require.NoError(t, err)
	assert.Equal(t, "gaussian", f())
}

func TestLookupIsIdempotent(t *testing.T) {
	r := New[factory]("centroid algorithm")
	assert.NoError(t, r.Register("NAIVE", func() string { return "naive" }))

	for i := 0; i < 5; i++ {
		f, err := r.Lookup("NAIVE")
		require.NoError(t, err)
		assert.Equal(t, "naive", f())
	}
}

func TestLookupUnknownNameFails(t *testing.T) {
	for _, n := range []int{0, 1, 10} {
		t.Run(fmt.Sprintf("%d registered", n), func(t *testing.T) {
			r := New[factory]("psf type")
			for i := 0; i < n; i++ {
				assert.NoError(t, r.Register(fmt.Sprintf("T%d", i), func() string { return "" }))
			}

			_, err := r.Lookup("NOPE")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrNotFound)
			assert.Contains(t, err.Error(), "NOPE")
			assert.Contains(t, err.Error(), "psf type")

			var nf *NotFoundError
			require.True(t, errors.As(err, &nf))
			assert.Equal(t, "NOPE", nf.Name)
		})
	}
}

func TestNamesAreCaseSensitive(t *testing.T) {
	r := New[factory]("centroid algorithm")
	assert.NoError(t, r.Register("GAUSSIAN", func() string { return "upper" }))

	_, err := r.Lookup("gaussian")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegisterOverwrites(t *testing.T) {
	r := New[factory]("centroid algorithm")
	assert.NoError(t, r.Register("X", func() string { return "first" }))
	assert.NoError(t, r.Register("X", func() string { return "second" }))

	f, err := r.Lookup("X")
	require.NoError(t, err)
	assert.Equal(t, "second", f())
	assert.Equal(t, []string{"X"}, r.Names())
}

func TestFreezeRejectsRegistration(t *testing.T) {
	r := New[factory]("centroid algorithm")
	assert.NoError(t, r.Register("A", func() string { return "a" }))
	r.Freeze()

	assert.True(t, r.Frozen())
	err := r.Register("B", func() string { return "b" })
	assert.ErrorIs(t, err, ErrFrozen)
	assert.False(t, r.Has("B"))
}

func TestNamesSorted(t *testing.T) {
	r := New[factory]("psf type")
	assert.NoError(t, r.Register("SGPSF", nil))
	assert.NoError(t, r.Register("DGPSF", nil))
	assert.Equal(t, []string{"DGPSF", "SGPSF"}, r.Names())
}

func TestConcurrentLookupsAfterFreeze(t *testing.T) {
	r := New[factory]("centroid algorithm")
	assert.NoError(t, r.Register("GAUSSIAN", func() string { return "g" }))
	r.Freeze()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if _, err := r.Lookup("GAUSSIAN"); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
}
