package scheduler

import (
	"github.com/born-ml/taskchain/internal/chain"
	"github.com/born-ml/taskchain/internal/multivalue"
)

// runTask evaluates task taskIndex (code current) on n and the active
// members after it. Matrix producers expand the row into one matrix-element
// call per visited column.
func runTask(n *chain.Node, taskIndex, current int, mv *multivalue.MultiValue) {
	mv.SetTaskIndex(taskIndex)
	mv.SetVectorCall(true)

	ops := n.Ops()
	if ops.Task != nil && !fedByMatrixStream(n) {
		ops.Task(current, mv)
	}
	if ops.MatrixTask != nil {
		ncols := visitedColumns(n)
		for col := 0; col < ncols; col++ {
			runMatrixTask(n, taskIndex, current, col, mv)
		}
		mv.SetVectorCall(true)
	}

	if nx := n.NextActive(); nx != nil {
		runTask(nx, taskIndex, current, mv)
	}
}

// runMatrixTask evaluates element (taskIndex, col) on n and on the following
// members that consume matrix elements.
func runMatrixTask(n *chain.Node, taskIndex, current, col int, mv *multivalue.MultiValue) {
	mv.SetTaskIndex(taskIndex)
	mv.SetSecondTaskIndex(col)
	mv.SetVectorCall(false)

	ops := n.Ops()
	switch {
	case ops.MatrixTask != nil:
		ops.MatrixTask(current, col, mv)
	case ops.MatrixArgs && n.InChain() && ops.Task != nil:
		ops.Task(current, mv)
	}

	if n.AllMatrices() {
		key := col
		if key >= n.NumFullTasks() {
			key -= n.NumFullTasks()
		}
		for _, v := range n.Values() {
			if v.StoreData() {
				mv.StashMatrixElement(v.MatrixPos(), key, mv.Get(v.StreamPos()))
			}
		}
	}

	if nx := n.NextActive(); nx != nil && nx.Ops().MatrixArgs {
		runMatrixTask(nx, taskIndex, current, col, mv)
	}
}

// fedByMatrixStream reports whether n receives its inputs element by element
// from a matrix producer earlier in its chain.
func fedByMatrixStream(n *chain.Node) bool {
	if !n.Ops().MatrixArgs {
		return false
	}
	for p := n.Prev(); p != nil; p = p.Prev() {
		if p.Ops().MatrixTask != nil {
			return true
		}
		if !p.Ops().MatrixArgs {
			return false
		}
	}
	return false
}

// visitedColumns returns how many columns a matrix producer visits per row.
func visitedColumns(n *chain.Node) int {
	ncols := 0
	for _, v := range n.Values() {
		ncols = max(ncols, v.Columns())
	}
	if n.Ops().MirrorColumns {
		ncols += n.NumFullTasks()
	}
	return ncols
}

// RerunTask re-evaluates a single task of the chain containing n from its
// head, reusing mv when it is already sized for the chain. It returns the
// scratch holding the results. Derivatives are always streamed.
func RerunTask(n *chain.Node, taskIndex int, mv *multivalue.MultiValue) *multivalue.MultiValue {
	head := n.Head()
	l := ComputeLayout(head.Graph(), head.ID(), head.Tasks().NumActive())
	if mv == nil || mv.NumValues() != l.NumQuantities || mv.NumDerivatives() != l.NumDerivatives ||
		mv.NumColumns() != l.NumColumns || mv.NumMatrices() != l.NumMatrices {
		mv = multivalue.New(l.NumQuantities, l.NumDerivatives, l.NumColumns, l.NumMatrices)
	} else {
		mv.ClearAll()
	}
	runTask(head, taskIndex, head.FullTasks()[taskIndex], mv)
	return mv
}
