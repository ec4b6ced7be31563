// Package kernels provides small per-task routines used to exercise the
// scheduler: an input vector, scaling, summation, an outer-product matrix,
// an elementwise matrix square and a task mask.
//
// A kernel reads its input from the shared scratch when the input node runs
// in the same chain, and from the input's stored data otherwise.
package kernels

import (
	"fmt"

	"github.com/born-ml/taskchain/internal/chain"
	"github.com/born-ml/taskchain/internal/multivalue"
	"github.com/born-ml/taskchain/internal/value"
)

// Input adds a node whose task i outputs xs[i] with derivative one with
// respect to raw input i.
func Input(g *chain.Graph, label string, xs []float64) *chain.Node {
	xs = append([]float64(nil), xs...)
	var out *value.Value
	n := g.AddNode(chain.Config{
		Label:          label,
		NumDerivatives: len(xs),
		Ops: chain.Ops{
			Task: func(current int, mv *multivalue.MultiValue) {
				sp := out.StreamPos()
				mv.Set(sp, xs[current])
				if mv.NumDerivatives() > 0 {
					mv.AddDerivative(sp, current, 1)
				}
			},
		},
	})
	out = n.AddValue(value.Shape{len(xs)})
	addTasks(n, len(xs))
	return n
}

// Scale adds a node computing factor times the vector produced by in.
func Scale(g *chain.Graph, label string, in *chain.Node, factor float64) *chain.Node {
	src := vectorOf(in)
	var n *chain.Node
	var out *value.Value
	n = g.AddNode(chain.Config{
		Label:          label,
		Requires:       []string{in.Label()},
		NumDerivatives: in.NumDerivatives(),
		Ops: chain.Ops{
			Task: func(_ int, mv *multivalue.MultiValue) {
				sp := out.StreamPos()
				read(n, in, src, mv, func(x float64, k int, d float64) {
					if k < 0 {
						mv.Set(sp, factor*x)
						return
					}
					mv.AddDerivative(sp, k, factor*d)
				})
			},
		},
	})
	out = n.AddValue(value.Shape{src.Size()})
	addTasks(n, src.Size())
	return n
}

// Sum adds a node with a scalar output, with derivatives, accumulating the
// vector produced by in over all active tasks.
func Sum(g *chain.Graph, label string, in *chain.Node) *chain.Node {
	src := vectorOf(in)
	var n *chain.Node
	var out *value.Value
	n = g.AddNode(chain.Config{
		Label:          label,
		Requires:       []string{in.Label()},
		NumDerivatives: in.NumDerivatives(),
		Ops: chain.Ops{
			Task: func(_ int, mv *multivalue.MultiValue) {
				sp := out.StreamPos()
				read(n, in, src, mv, func(x float64, k int, d float64) {
					if k < 0 {
						mv.Set(sp, x)
						return
					}
					mv.AddDerivative(sp, k, d)
				})
			},
		},
	})
	out = n.AddValueWithDerivatives(value.Shape{})
	addTasks(n, src.Size())
	return n
}

// Mask adds a node without values that deactivates the listed task indices.
func Mask(g *chain.Graph, label string, requires []string, ntasks int, off []int) *chain.Node {
	off = append([]int(nil), off...)
	n := g.AddNode(chain.Config{
		Label:    label,
		Requires: requires,
		Ops: chain.Ops{
			SelectTasks: func(flags []int) {
				for _, i := range off {
					if i >= 0 && i < len(flags) {
						flags[i] = 0
					}
				}
			},
		},
	})
	addTasks(n, ntasks)
	return n
}

// read hands emit the current task's input element (k < 0) followed by its
// nonzero derivatives, taken from the stream when in shares n's chain.
func read(n, in *chain.Node, src *value.Value, mv *multivalue.MultiValue, emit func(x float64, k int, d float64)) {
	if sameChain(n, in) {
		isp := src.StreamPos()
		emit(mv.Get(isp), -1, 0)
		for j := 0; j < mv.NumActive(isp); j++ {
			k := mv.ActiveIndex(isp, j)
			emit(0, k, mv.Derivative(isp, k))
		}
		return
	}

	i := mv.TaskIndex()
	emit(src.Get(i), -1, 0)
	if src.HasDerivatives() && mv.NumDerivatives() > 0 {
		for k := 0; k < src.NumDerivatives(); k++ {
			if d := src.ElementDerivative(i, k); d != 0 {
				emit(0, k, d)
			}
		}
	}
}

func sameChain(a, b *chain.Node) bool {
	return a.Graph().Head(a.ID()) == b.Graph().Head(b.ID())
}

func vectorOf(n *chain.Node) *value.Value {
	if n.NumValues() != 1 || n.ValueAt(0).Rank() != 1 {
		panic(fmt.Sprintf("kernels: node %s must have a single vector value", n.Label()))
	}
	return n.ValueAt(0)
}

func addTasks(n *chain.Node, count int) {
	for i := 0; i < count; i++ {
		n.AddTask(i)
	}
}
