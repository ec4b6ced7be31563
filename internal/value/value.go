// Package value holds the named outputs of chain nodes: their data, optional
// derivatives and external forces, and where they live in scheduler scratch.
package value

import "fmt"

// Value is a named output slot owned by a node.
//
// A Value is a scalar, vector or matrix. Scalars may carry derivatives with
// respect to the owner's inputs; vectors may carry one row of derivatives per
// element. The stream, buffer and matrix positions describe where the value
// lives in the scheduler's scratch and accumulation buffer and are rewritten
// at the start of every scheduler invocation.
type Value struct {
	name  string
	owner string
	shape Shape

	storeData bool
	hasDeriv  bool
	reset     bool

	data   []float64
	derivs []float64
	nderiv int

	forces   []float64
	hasForce bool

	streamPos int
	bufStart  int
	matPos    int
}

// New creates a value. The name is either the owner label (default value) or
// "owner.component". Values of rank two cannot carry derivatives.
func New(owner, name string, hasDeriv bool, shape Shape) *Value {
	if err := shape.Validate(); err != nil {
		panic(fmt.Sprintf("value %s: %v", name, err))
	}
	if hasDeriv && shape.Rank() == 2 {
		panic(fmt.Sprintf("value %s: matrices cannot have derivatives", name))
	}
	v := &Value{
		name:      name,
		owner:     owner,
		shape:     shape.Clone(),
		storeData: true,
		hasDeriv:  hasDeriv,
		reset:     true,
		streamPos: -1,
		bufStart:  -1,
		matPos:    -1,
	}
	n := v.shape.NumElements()
	v.data = make([]float64, n)
	v.forces = make([]float64, n)
	return v
}

// Name returns the owner-qualified name.
func (v *Value) Name() string { return v.name }

// Owner returns the label of the owning node.
func (v *Value) Owner() string { return v.owner }

// Shape returns a copy of the shape.
func (v *Value) Shape() Shape { return v.shape.Clone() }

// Rank returns the number of dimensions.
func (v *Value) Rank() int { return v.shape.Rank() }

// Size returns the number of stored elements.
func (v *Value) Size() int { return len(v.data) }

// Columns returns the number of matrix columns (0 unless rank two).
func (v *Value) Columns() int { return v.shape.Columns() }

// HasDerivatives reports whether the value carries derivatives.
func (v *Value) HasDerivatives() bool { return v.hasDeriv }

// StoreData reports whether the value keeps its elements after a pass.
func (v *Value) StoreData() bool { return v.storeData }

// SetStoreData controls whether elements are kept after a pass. Scalars are
// always stored.
func (v *Value) SetStoreData(store bool) {
	if !store && v.Rank() == 0 {
		panic(fmt.Sprintf("value %s: scalars are always stored", v.name))
	}
	v.storeData = store
}

// ResetEachStep reports whether data is zeroed before each finalization.
func (v *Value) ResetEachStep() bool { return v.reset }

// SetResetEachStep controls whether data is zeroed before each
// finalization. With reset disabled the value accumulates across passes.
func (v *Value) SetResetEachStep(reset bool) { v.reset = reset }

// Get returns element i.
func (v *Value) Get(i int) float64 {
	v.checkIndex(i)
	return v.data[i]
}

// Set sets element i.
func (v *Value) Set(i int, x float64) {
	v.checkIndex(i)
	v.data[i] = x
}

// Add adds x to element i.
func (v *Value) Add(i int, x float64) {
	v.checkIndex(i)
	v.data[i] += x
}

// Data returns the element storage. The slice aliases the value.
func (v *Value) Data() []float64 { return v.data }

// Zero clears all elements.
func (v *Value) Zero() {
	clear(v.data)
}

func (v *Value) checkIndex(i int) {
	if i < 0 || i >= len(v.data) {
		panic(fmt.Sprintf("value %s: index %d out of bounds [0,%d)", v.name, i, len(v.data)))
	}
}

// NumDerivatives returns the number of input derivatives per element.
func (v *Value) NumDerivatives() int { return v.nderiv }

// ResizeDerivatives sizes the derivative store for n input derivatives.
// Values without derivatives ignore the call.
func (v *Value) ResizeDerivatives(n int) {
	if !v.hasDeriv {
		return
	}
	if n < 0 {
		panic(fmt.Sprintf("value %s: negative derivative count %d", v.name, n))
	}
	v.nderiv = n
	v.derivs = make([]float64, len(v.data)*n)
}

// Derivative returns the derivative of a scalar with respect to input k.
func (v *Value) Derivative(k int) float64 {
	return v.ElementDerivative(0, k)
}

// SetDerivative sets the derivative of a scalar with respect to input k.
func (v *Value) SetDerivative(k int, d float64) {
	v.SetElementDerivative(0, k, d)
}

// ElementDerivative returns d(element)/d(input k).
func (v *Value) ElementDerivative(elem, k int) float64 {
	return v.derivs[v.derivIndex(elem, k)]
}

// SetElementDerivative sets d(element)/d(input k).
func (v *Value) SetElementDerivative(elem, k int, d float64) {
	v.derivs[v.derivIndex(elem, k)] = d
}

func (v *Value) derivIndex(elem, k int) int {
	if !v.hasDeriv {
		panic(fmt.Sprintf("value %s: has no derivatives", v.name))
	}
	v.checkIndex(elem)
	if k < 0 || k >= v.nderiv {
		panic(fmt.Sprintf("value %s: derivative %d out of bounds [0,%d)", v.name, k, v.nderiv))
	}
	return elem*v.nderiv + k
}

// ClearDerivatives zeroes the derivative store.
func (v *Value) ClearDerivatives() {
	clear(v.derivs)
}

// AddForce adds an external force onto element i.
func (v *Value) AddForce(i int, f float64) {
	v.checkIndex(i)
	v.forces[i] += f
	if f != 0 {
		v.hasForce = true
	}
}

// Force returns the accumulated force on element i.
func (v *Value) Force(i int) float64 {
	v.checkIndex(i)
	return v.forces[i]
}

// HasForce reports whether a nonzero force was added since the last clear.
func (v *Value) HasForce() bool { return v.hasForce }

// ClearInputForce zeroes the force accumulator.
func (v *Value) ClearInputForce() {
	clear(v.forces)
	v.hasForce = false
}

// ApplyForce adds the chain-ruled force of this value onto forces, indexed
// by raw input. Values without derivatives pass forces through unchanged,
// element i onto input i. It returns whether any force was present.
func (v *Value) ApplyForce(forces []float64) bool {
	if !v.hasForce {
		return false
	}
	if !v.hasDeriv {
		if len(forces) < len(v.forces) {
			panic(fmt.Sprintf("value %s: force vector has %d entries, need %d", v.name, len(forces), len(v.forces)))
		}
		for i, f := range v.forces {
			forces[i] += f
		}
		return true
	}
	if len(forces) < v.nderiv {
		panic(fmt.Sprintf("value %s: force vector has %d entries, need %d", v.name, len(forces), v.nderiv))
	}
	for i, f := range v.forces {
		if f == 0 {
			continue
		}
		row := v.derivs[i*v.nderiv : (i+1)*v.nderiv]
		for k, d := range row {
			forces[k] += f * d
		}
	}
	return true
}

// StreamPos returns the position in the per-task scratch.
func (v *Value) StreamPos() int { return v.streamPos }

// SetStreamPos records the position in the per-task scratch.
func (v *Value) SetStreamPos(p int) { v.streamPos = p }

// BufStart returns the first slot in the accumulation buffer.
func (v *Value) BufStart() int { return v.bufStart }

// SetBufStart records the first slot in the accumulation buffer.
func (v *Value) SetBufStart(p int) { v.bufStart = p }

// MatrixPos returns the index in the matrix stash (rank two only).
func (v *Value) MatrixPos() int { return v.matPos }

// SetMatrixPos records the index in the matrix stash.
func (v *Value) SetMatrixPos(p int) { v.matPos = p }

// String implements fmt.Stringer.
func (v *Value) String() string {
	return fmt.Sprintf("Value(%s, shape=%v, deriv=%t)", v.name, []int(v.shape), v.hasDeriv)
}
