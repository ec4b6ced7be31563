// Package multivalue provides the per-worker scratch space used while a
// single task is evaluated by a chain of nodes.
//
// Derivatives are stored densely but tracked sparsely: every quantity keeps a
// list of the derivative indices that were touched for the current task, and
// clearing only visits those. Most derivatives of a task are zero, so this
// keeps per-task cost proportional to the work actually done.
package multivalue

import "fmt"

// MultiValue holds the quantities computed for one task.
type MultiValue struct {
	taskIndex       int
	secondTaskIndex int
	vectorCall      bool

	nderiv  int
	values  []float64
	derivs  []float64 // nquantities x nderiv
	touched []bool    // nquantities x nderiv
	active  [][]int   // touched derivative indices per quantity

	ncols      int
	matValues  [][]float64 // nmatrices x ncols
	matTouched [][]bool
	matActive  [][]int
}

// New creates scratch for nquantities streamed quantities, nderiv
// derivatives, and nmatrices matrix stashes of ncols columns each.
func New(nquantities, nderiv, ncols, nmatrices int) *MultiValue {
	mv := &MultiValue{}
	mv.Resize(nquantities, nderiv, ncols, nmatrices)
	return mv
}

// Resize reallocates the scratch. Contents are discarded.
func (mv *MultiValue) Resize(nquantities, nderiv, ncols, nmatrices int) {
	if nquantities < 0 || nderiv < 0 || ncols < 0 || nmatrices < 0 {
		panic(fmt.Sprintf("multivalue: negative size (%d, %d, %d, %d)", nquantities, nderiv, ncols, nmatrices))
	}
	mv.nderiv = nderiv
	mv.values = make([]float64, nquantities)
	mv.derivs = make([]float64, nquantities*nderiv)
	mv.touched = make([]bool, nquantities*nderiv)
	mv.active = make([][]int, nquantities)
	for i := range mv.active {
		mv.active[i] = make([]int, 0, min(nderiv, 16))
	}
	mv.ncols = ncols
	mv.matValues = make([][]float64, nmatrices)
	mv.matTouched = make([][]bool, nmatrices)
	mv.matActive = make([][]int, nmatrices)
	for m := 0; m < nmatrices; m++ {
		mv.matValues[m] = make([]float64, ncols)
		mv.matTouched[m] = make([]bool, ncols)
		mv.matActive[m] = make([]int, 0, min(ncols, 16))
	}
}

// NumValues returns the number of streamed quantities.
func (mv *MultiValue) NumValues() int { return len(mv.values) }

// NumDerivatives returns the number of derivatives per quantity.
func (mv *MultiValue) NumDerivatives() int { return mv.nderiv }

// NumColumns returns the width of the matrix stashes.
func (mv *MultiValue) NumColumns() int { return mv.ncols }

// NumMatrices returns the number of matrix stashes.
func (mv *MultiValue) NumMatrices() int { return len(mv.matValues) }

// TaskIndex returns the index of the current task in the full task list.
func (mv *MultiValue) TaskIndex() int { return mv.taskIndex }

// SetTaskIndex sets the index of the current task.
func (mv *MultiValue) SetTaskIndex(i int) { mv.taskIndex = i }

// SecondTaskIndex returns the column of the current matrix element.
func (mv *MultiValue) SecondTaskIndex() int { return mv.secondTaskIndex }

// SetSecondTaskIndex sets the column of the current matrix element.
func (mv *MultiValue) SetSecondTaskIndex(i int) { mv.secondTaskIndex = i }

// VectorCall reports whether the current call is a per-row (vector) call.
func (mv *MultiValue) VectorCall() bool { return mv.vectorCall }

// SetVectorCall marks the current call as vector (true) or matrix-element.
func (mv *MultiValue) SetVectorCall(v bool) { mv.vectorCall = v }

// Get returns quantity i.
func (mv *MultiValue) Get(i int) float64 { return mv.values[i] }

// Set sets quantity i.
func (mv *MultiValue) Set(i int, x float64) { mv.values[i] = x }

// Add adds x to quantity i.
func (mv *MultiValue) Add(i int, x float64) { mv.values[i] += x }

// AddDerivative adds d to the derivative of quantity i with respect to k.
func (mv *MultiValue) AddDerivative(i, k int, d float64) {
	j := mv.derivIndex(i, k)
	mv.derivs[j] += d
	mv.touch(i, k, j)
}

// SetDerivative sets the derivative of quantity i with respect to k.
func (mv *MultiValue) SetDerivative(i, k int, d float64) {
	j := mv.derivIndex(i, k)
	mv.derivs[j] = d
	mv.touch(i, k, j)
}

func (mv *MultiValue) touch(i, k, j int) {
	if !mv.touched[j] {
		mv.touched[j] = true
		mv.active[i] = append(mv.active[i], k)
	}
}

// Derivative returns the derivative of quantity i with respect to k.
func (mv *MultiValue) Derivative(i, k int) float64 {
	return mv.derivs[mv.derivIndex(i, k)]
}

func (mv *MultiValue) derivIndex(i, k int) int {
	if k < 0 || k >= mv.nderiv {
		panic(fmt.Sprintf("multivalue: derivative %d out of bounds [0,%d)", k, mv.nderiv))
	}
	return i*mv.nderiv + k
}

// NumActive returns how many derivative indices of quantity i were touched.
func (mv *MultiValue) NumActive(i int) int { return len(mv.active[i]) }

// ActiveIndex returns the j-th touched derivative index of quantity i.
func (mv *MultiValue) ActiveIndex(i, j int) int { return mv.active[i][j] }

// Clear zeroes quantity i and its touched derivatives.
func (mv *MultiValue) Clear(i int) {
	mv.values[i] = 0
	base := i * mv.nderiv
	for _, k := range mv.active[i] {
		mv.derivs[base+k] = 0
		mv.touched[base+k] = false
	}
	mv.active[i] = mv.active[i][:0]
}

// ClearAll zeroes every quantity, touched derivative and stash entry.
func (mv *MultiValue) ClearAll() {
	for i := range mv.values {
		mv.Clear(i)
	}
	for m := range mv.matValues {
		for _, c := range mv.matActive[m] {
			mv.matValues[m][c] = 0
			mv.matTouched[m][c] = false
		}
		mv.matActive[m] = mv.matActive[m][:0]
	}
}

// StashMatrixElement adds x at column col of matrix stash m for the current
// row. Mirrored contributions to the same column accumulate.
func (mv *MultiValue) StashMatrixElement(m, col int, x float64) {
	if col < 0 || col >= mv.ncols {
		panic(fmt.Sprintf("multivalue: column %d out of bounds [0,%d)", col, mv.ncols))
	}
	mv.matValues[m][col] += x
	if !mv.matTouched[m][col] {
		mv.matTouched[m][col] = true
		mv.matActive[m] = append(mv.matActive[m], col)
	}
}

// NumStashed returns the number of columns stashed in matrix m.
func (mv *MultiValue) NumStashed(m int) int { return len(mv.matActive[m]) }

// StashedIndex returns the column of the j-th stashed element of matrix m.
func (mv *MultiValue) StashedIndex(m, j int) int { return mv.matActive[m][j] }

// StashedElement returns the stashed value at column col of matrix m.
func (mv *MultiValue) StashedElement(m, col int) float64 { return mv.matValues[m][col] }
