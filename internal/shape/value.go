package shape

import (
	"encoding/json"
	"fmt"
)

// Value is a measured quantity that may not have been computed yet.
// The zero Value is unset, which is distinct from a valid 0.
type Value struct {
	V     float64
	Valid bool
}

// Some returns a set Value.
func Some(v float64) Value { return Value{V: v, Valid: true} }

// Unset returns an unset Value.
func Unset() Value { return Value{} }

// Get returns the value and whether it is set.
func (v Value) Get() (float64, bool) { return v.V, v.Valid }

// Or returns the value, or def when unset.
func (v Value) Or(def float64) float64 {
	if !v.Valid {
		return def
	}
	return v.V
}

func (v Value) String() string {
	if !v.Valid {
		return "unset"
	}
	return fmt.Sprintf("%g", v.V)
}

// MarshalJSON encodes unset values as null.
func (v Value) MarshalJSON() ([]byte, error) {
	if !v.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(v.V)
}

// UnmarshalJSON accepts a number or null.
func (v *Value) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = Value{}
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*v = Some(f)
	return nil
}
