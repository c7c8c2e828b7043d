// Package footprint describes the set of pixels belonging to one detected
// source and the visitors that aggregate over them.
package footprint

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
)

var ErrInvalidSpan = errors.New("footprint: invalid span")

// Span is the run of pixels x0..x1 (inclusive) on row y.
type Span struct {
	Y, X0, X1 int
}

// MarshalJSON encodes a span as [y, x0, x1].
func (s Span) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]int{s.Y, s.X0, s.X1})
}

// UnmarshalJSON decodes a span from [y, x0, x1].
func (s *Span) UnmarshalJSON(data []byte) error {
	var v [3]int
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if v[2] < v[1] {
		return fmt.Errorf("%w: x1 %d < x0 %d on row %d", ErrInvalidSpan, v[2], v[1], v[0])
	}
	*s = Span{Y: v[0], X0: v[1], X1: v[2]}
	return nil
}

// Peak is the integer pixel of a local maximum.
type Peak struct {
	Ix int `json:"ix"`
	Iy int `json:"iy"`
}

// Footprint is an ordered list of spans in parent pixel indices.
// Pixels are visited span by span in insertion order, x increasing.
type Footprint struct {
	ID    int64  `json:"id"`
	Spans []Span `json:"spans"`
}

// New builds a footprint from spans, rejecting reversed or overlapping ones.
func New(id int64, spans ...Span) (*Footprint, error) {
	fp := &Footprint{ID: id, Spans: spans}
	if err := fp.Validate(); err != nil {
		return nil, err
	}
	return fp, nil
}

// Validate checks that no span is reversed and no two spans share a pixel,
// so Apply visits each pixel once.
func (f *Footprint) Validate() error {
	rows := make(map[int][]Span, len(f.Spans))
	for _, s := range f.Spans {
		if s.X1 < s.X0 {
			return fmt.Errorf("%w: x1 %d < x0 %d on row %d", ErrInvalidSpan, s.X1, s.X0, s.Y)
		}
		for _, o := range rows[s.Y] {
			if s.X0 <= o.X1 && o.X0 <= s.X1 {
				return fmt.Errorf("%w: [%d, %d] overlaps [%d, %d] on row %d", ErrInvalidSpan, s.X0, s.X1, o.X0, o.X1, s.Y)
			}
		}
		rows[s.Y] = append(rows[s.Y], s)
	}
	return nil
}

// NewFromBox covers the rectangle r (Max exclusive).
func NewFromBox(id int64, r image.Rectangle) *Footprint {
	fp := &Footprint{ID: id}
	if r.Empty() {
		return fp
	}
	for y := r.Min.Y; y < r.Max.Y; y++ {
		fp.Spans = append(fp.Spans, Span{Y: y, X0: r.Min.X, X1: r.Max.X - 1})
	}
	return fp
}

// Apply calls fn for every member pixel exactly once.
func (f *Footprint) Apply(fn func(x, y int)) {
	for _, s := range f.Spans {
		for x := s.X0; x <= s.X1; x++ {
			fn(x, s.Y)
		}
	}
}

// Area returns the number of member pixels.
func (f *Footprint) Area() int {
	n := 0
	for _, s := range f.Spans {
		n += s.X1 - s.X0 + 1
	}
	return n
}

// BBox returns the bounding rectangle (Max exclusive).
func (f *Footprint) BBox() image.Rectangle {
	if len(f.Spans) == 0 {
		return image.Rectangle{}
	}
	first := f.Spans[0]
	r := image.Rect(first.X0, first.Y, first.X1+1, first.Y+1)
	for _, s := range f.Spans[1:] {
		r = r.Union(image.Rect(s.X0, s.Y, s.X1+1, s.Y+1))
	}
	return r
}

// Within reports whether every pixel lies inside r.
func (f *Footprint) Within(r image.Rectangle) bool {
	return f.BBox().In(r)
}
