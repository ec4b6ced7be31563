package scheduler

import (
	"fmt"

	"github.com/born-ml/taskchain/internal/chain"
	"github.com/born-ml/taskchain/internal/multivalue"
	"github.com/born-ml/taskchain/internal/value"
)

// gatherAccumulators adds the results of the task at active position pos
// into buf for n and the active members after it.
//
// Scalars accumulate into a running sum followed by one running sum per
// derivative, touched sparsely. Stored vectors and matrices own disjoint
// slots per active position, so the result does not depend on how the tasks
// were partitioned.
func gatherAccumulators(n *chain.Node, pos int, mv *multivalue.MultiValue, buf []float64) {
	for _, v := range n.Values() {
		start, sind := v.BufStart(), v.StreamPos()
		switch {
		case v.Rank() == 0:
			buf[start] += mv.Get(sind)
			if v.HasDerivatives() {
				addDerivatives(v, mv, sind, buf, start+1)
			}
		case !v.StoreData():
		case v.Rank() == 2:
			cols, m := v.Columns(), v.MatrixPos()
			base := start + pos*cols
			for j := 0; j < mv.NumStashed(m); j++ {
				c := mv.StashedIndex(m, j)
				if c >= cols {
					panic(fmt.Sprintf("node %s: column %d out of bounds for %s", n.Label(), c, v.Name()))
				}
				buf[base+c] += mv.StashedElement(m, c)
			}
		default:
			nspace := 1
			if v.HasDerivatives() {
				nspace += v.NumDerivatives()
			}
			base := start + pos*nspace
			buf[base] += mv.Get(sind)
			if v.HasDerivatives() {
				addDerivatives(v, mv, sind, buf, base+1)
			}
		}
	}

	if nx := n.NextActive(); nx != nil {
		gatherAccumulators(nx, pos, mv, buf)
	}
}

func addDerivatives(v *value.Value, mv *multivalue.MultiValue, sind int, buf []float64, base int) {
	nd := v.NumDerivatives()
	for j := 0; j < mv.NumActive(sind); j++ {
		k := mv.ActiveIndex(sind, j)
		if k >= nd {
			panic(fmt.Sprintf("value %s: derivative %d out of bounds [0,%d)", v.Name(), k, nd))
		}
		buf[base+k] += mv.Derivative(sind, k)
	}
}

// finishComputations copies the reduced buffer into the values of n and the
// active members after it, then runs each member's Finalize hook.
func finishComputations(n *chain.Node, st *chain.TaskState, buf []float64) {
	withDeriv := !n.DoNotCalculateDerivatives()
	for _, v := range n.Values() {
		start := v.BufStart()
		if v.ResetEachStep() {
			v.Zero()
			v.ClearDerivatives()
		}
		switch {
		case v.Rank() == 0:
			v.Add(0, buf[start])
			if withDeriv && v.HasDerivatives() {
				for k := 0; k < v.NumDerivatives(); k++ {
					v.SetDerivative(k, buf[start+1+k])
				}
			}
		case !v.StoreData():
		case v.Rank() == 2:
			cols := v.Columns()
			for pos, full := range st.IndexInFull {
				row := buf[start+pos*cols : start+(pos+1)*cols]
				for c, x := range row {
					v.Add(full*cols+c, x)
				}
			}
		default:
			nspace := 1
			if v.HasDerivatives() {
				nspace += v.NumDerivatives()
			}
			for pos, full := range st.IndexInFull {
				base := start + pos*nspace
				v.Add(full, buf[base])
				if withDeriv && v.HasDerivatives() {
					for k := 0; k < v.NumDerivatives(); k++ {
						v.SetElementDerivative(full, k, buf[base+1+k])
					}
				}
			}
		}
	}
	if fin := n.Ops().Finalize; fin != nil {
		fin(buf)
	}

	if nx := n.NextActive(); nx != nil {
		finishComputations(nx, st, buf)
	}
}
