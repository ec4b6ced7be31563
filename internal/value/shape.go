package value

import "fmt"

// Shape represents the dimensions of a value. An empty shape is a scalar.
type Shape []int

// Rank returns the number of dimensions.
func (s Shape) Rank() int {
	return len(s)
}

// NumElements returns the total number of elements.
func (s Shape) NumElements() int {
	if len(s) == 0 {
		return 1 // Scalar has 1 element
	}
	n := 1
	for _, dim := range s {
		n *= dim
	}
	return n
}

// Validate checks that the shape is usable for a value (rank <= 2, dims >= 0).
// Zero-sized dimensions are allowed: a vector over an empty task list is legal.
func (s Shape) Validate() error {
	if len(s) > 2 {
		return fmt.Errorf("rank %d not supported (must be 0, 1 or 2)", len(s))
	}
	for i, dim := range s {
		if dim < 0 {
			return fmt.Errorf("invalid dimension at index %d: %d (must be >= 0)", i, dim)
		}
	}
	return nil
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	clone := make(Shape, len(s))
	copy(clone, s)
	return clone
}

// Columns returns the second dimension of a matrix shape and 0 otherwise.
func (s Shape) Columns() int {
	if len(s) != 2 {
		return 0
	}
	return s[1]
}
