package scheduler

import (
	"context"
	"fmt"

	"github.com/born-ml/taskchain/internal/chain"
	"github.com/born-ml/taskchain/internal/ctxlog"
	"github.com/born-ml/taskchain/internal/metrics"
	"github.com/born-ml/taskchain/internal/multivalue"
	"github.com/born-ml/taskchain/internal/parallel"
	"github.com/born-ml/taskchain/internal/value"
)

// ForceShape classifies a node's outputs for force back-propagation.
type ForceShape int

const (
	// ShapePlainArray is vectors or matrices without derivatives.
	ShapePlainArray ForceShape = iota
	// ShapeScalarDerivative is scalars with derivatives.
	ShapeScalarDerivative
	// ShapeArrayDerivative is vectors with stored derivatives.
	ShapeArrayDerivative
)

// String implements fmt.Stringer.
func (s ForceShape) String() string {
	switch s {
	case ShapePlainArray:
		return "plain-array"
	case ShapeScalarDerivative:
		return "scalar-derivative"
	case ShapeArrayDerivative:
		return "array-derivative"
	default:
		return fmt.Sprintf("ForceShape(%d)", int(s))
	}
}

// ClassifyForces returns the force shape of n. All values of a node must
// share one shape.
func ClassifyForces(n *chain.Node) ForceShape {
	if n.NumValues() == 0 {
		panic(fmt.Sprintf("node %s: has no values to take forces from", n.Label()))
	}
	shape := shapeOf(n, n.ValueAt(0))
	for _, v := range n.Values()[1:] {
		if s := shapeOf(n, v); s != shape {
			panic(fmt.Sprintf("node %s: value %s is %s but %s is %s", n.Label(), v.Name(), s, n.ValueAt(0).Name(), shape))
		}
	}
	return shape
}

func shapeOf(n *chain.Node, v *value.Value) ForceShape {
	switch {
	case v.Rank() == 0 && v.HasDerivatives():
		return ShapeScalarDerivative
	case v.Rank() == 0:
		panic(fmt.Sprintf("node %s: scalar %s has no derivatives to apply forces through", n.Label(), v.Name()))
	case v.HasDerivatives():
		return ShapeArrayDerivative
	default:
		return ShapePlainArray
	}
}

// recomputes reports whether forces on n need a second task loop: scalars
// with derivatives, and vectors whose per-element derivatives are streamed
// but never stored.
func recomputes(n *chain.Node, shape ForceShape) bool {
	switch shape {
	case ShapeScalarDerivative:
		return true
	case ShapePlainArray:
		return n.NumDerivatives() > 0 && n.ValueAt(0).Rank() == 1
	default:
		return false
	}
}

// ForcesFromValues adds the forces on the values of node id onto forces,
// indexed by raw input derivative. It reports whether any nonzero force was
// present, so callers can skip further propagation.
//
// Values that keep their derivatives, and plain arrays without streamed
// derivatives, apply their forces directly. Otherwise per-task derivatives
// are not retained after a pass, so every active task of the chain is
// recomputed and its sparse derivatives are weighted by the force on the
// corresponding output element.
func (s *Scheduler) ForcesFromValues(ctx context.Context, id chain.NodeID, forces []float64) bool {
	n := s.graph.Node(id)
	shape := ClassifyForces(n)

	if !recomputes(n, shape) {
		forced := false
		for _, v := range n.Values() {
			if v.ApplyForce(forces) {
				forced = true
			}
		}
		return forced
	}

	forced := false
	for _, v := range n.Values() {
		if v.HasForce() {
			forced = true
		}
	}
	if !forced {
		return false
	}

	head := n.Head()
	st := head.Tasks()
	nactive := st.NumActive()
	ranks, rank, serial := s.group(head)
	nt := s.threads(head, ranks, nactive)

	l := ComputeLayout(s.graph, head.ID(), nactive)
	if len(forces) < l.NumDerivatives {
		panic(fmt.Sprintf("node %s: force vector has %d entries, chain streams %d derivatives", n.Label(), len(forces), l.NumDerivatives))
	}

	ctxlog.FromContext(ctx).Debug("Recomputing derivatives for forces.",
		"node", n.Label(),
		"head", head.Label(),
		"shape", shape.String(),
		"active", nactive,
		"threads", nt,
	)

	stop := s.metrics.Time(head.Label(), metrics.PhaseForces)
	defer stop()

	local := make([]float64, len(forces))
	scratch := make([]*multivalue.MultiValue, nt)
	replicas := make([][]float64, nt)
	for w := range scratch {
		scratch[w] = multivalue.New(l.NumQuantities, l.NumDerivatives, l.NumColumns, l.NumMatrices)
		if nt > 1 {
			replicas[w] = make([]float64, len(forces))
		}
	}
	parallel.For(parallel.Strided(rank, ranks, nactive), nt, func(w, pos int) {
		mv := scratch[w]
		itask := st.IndexInFull[pos]
		runTask(head, itask, st.Partial[pos], mv)

		target := local
		if nt > 1 {
			target = replicas[w]
		}
		for _, v := range n.Values() {
			f := v.Force(forceIndex(v, itask))
			if f == 0 {
				continue
			}
			sp := v.StreamPos()
			for j := 0; j < mv.NumActive(sp); j++ {
				k := mv.ActiveIndex(sp, j)
				target[k] += f * mv.Derivative(sp, k)
			}
		}
		mv.ClearAll()
	})
	if nt > 1 {
		MergeReplicas(local, replicas)
	}
	if !serial {
		s.comm.Sum(local)
	}
	for i, f := range local {
		forces[i] += f
	}

	s.metrics.Pass(head.Label(), "forces", nactive)
	return true
}

// forceIndex returns the element of v whose force applies to task itask.
func forceIndex(v *value.Value, itask int) int {
	if v.Rank() == 0 {
		return 0
	}
	return itask
}
