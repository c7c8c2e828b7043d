package footprint

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
)

var ErrNoFootprints = errors.New("footprint: file holds no footprints")

// File is the on-disk footprint list. Boxes are [x0, y0, x1, y1] with x1
// and y1 exclusive; they are numbered after the explicit footprints.
type File struct {
	Footprints []*Footprint `json:"footprints,omitempty"`
	Boxes      [][4]int     `json:"boxes,omitempty"`
}

// Decode reads a footprint file from r.
func Decode(r io.Reader) ([]*Footprint, error) {
	var f File
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode footprints: %w", err)
	}

	out := make([]*Footprint, 0, len(f.Footprints)+len(f.Boxes))
	var next int64
	for _, fp := range f.Footprints {
		if fp == nil {
			continue
		}
		if err := fp.Validate(); err != nil {
			return nil, fmt.Errorf("footprint %d: %w", fp.ID, err)
		}
		out = append(out, fp)
		next = max(next, fp.ID)
	}
	for _, b := range f.Boxes {
		r := image.Rect(b[0], b[1], b[2], b[3])
		if r.Empty() {
			return nil, fmt.Errorf("%w: empty box %v", ErrInvalidSpan, b)
		}
		next++
		out = append(out, NewFromBox(next, r))
	}
	if len(out) == 0 {
		return nil, ErrNoFootprints
	}
	return out, nil
}

// ReadFile reads the footprint file at path.
func ReadFile(path string) ([]*Footprint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fps, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return fps, nil
}

// Encode writes fps to w in the format Decode reads.
func Encode(w io.Writer, fps []*Footprint) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(File{Footprints: fps})
}
