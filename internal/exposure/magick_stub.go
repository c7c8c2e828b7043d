//go:build !imagick

package exposure

import "fmt"

func loadWithMagick(path string, _ LoadOptions) (*MaskedImage[float32], error) {
	return nil, fmt.Errorf("%w: %s (rebuild with -tags imagick)", ErrUnsupportedFormat, path)
}
