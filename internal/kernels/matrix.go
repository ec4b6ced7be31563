package kernels

import (
	"fmt"

	"github.com/born-ml/taskchain/internal/chain"
	"github.com/born-ml/taskchain/internal/multivalue"
	"github.com/born-ml/taskchain/internal/value"
)

// Outer adds a matrix producer computing m[i][j] = x[i]*x[j] from the stored
// vector of in, one row per task. With mirror set, every row also visits the
// mirrored columns and each visit contributes half of the element.
func Outer(g *chain.Graph, label string, in *chain.Node, mirror bool) *chain.Node {
	src := vectorOf(in)
	size := src.Size()
	var out *value.Value
	n := g.AddNode(chain.Config{
		Label:    label,
		Requires: []string{in.Label()},
		Ops: chain.Ops{
			MatrixTask: func(_, col int, mv *multivalue.MultiValue) {
				w := 1.0
				if mirror {
					w = 0.5
					if col >= size {
						col -= size
					}
				}
				mv.Set(out.StreamPos(), w*src.Get(mv.TaskIndex())*src.Get(col))
			},
			MirrorColumns: mirror,
		},
	})
	out = n.AddValue(value.Shape{size, size})
	addTasks(n, size)
	return n
}

// Square adds an elementwise square of the matrix produced by in. Inside a
// chain fed by a matrix producer it consumes one element per call; as a
// chain head it squares a whole stored row per task.
func Square(g *chain.Graph, label string, in *chain.Node) *chain.Node {
	src := matrixOf(in)
	shape := src.Shape()
	rows, cols := shape[0], shape[1]
	var n *chain.Node
	var out *value.Value
	n = g.AddNode(chain.Config{
		Label:    label,
		Requires: []string{in.Label()},
		Ops: chain.Ops{
			Task: func(_ int, mv *multivalue.MultiValue) {
				row := mv.TaskIndex()
				if mv.VectorCall() {
					for c := 0; c < cols; c++ {
						x := src.Get(row*cols + c)
						mv.StashMatrixElement(out.MatrixPos(), c, x*x)
					}
					return
				}

				var x float64
				if sameChain(n, in) {
					x = mv.Get(src.StreamPos())
				} else {
					col := mv.SecondTaskIndex()
					if col >= cols {
						col -= cols
					}
					x = src.Get(row*cols + col)
				}
				mv.Set(out.StreamPos(), x*x)
			},
			MatrixArgs: true,
		},
	})
	out = n.AddValue(value.Shape{rows, cols})
	addTasks(n, rows)
	return n
}

func matrixOf(n *chain.Node) *value.Value {
	if n.NumValues() != 1 || n.ValueAt(0).Rank() != 2 {
		panic(fmt.Sprintf("kernels: node %s must have a single matrix value", n.Label()))
	}
	return n.ValueAt(0)
}
