package scheduler

import "github.com/born-ml/taskchain/internal/chain"

// Layout is the per-invocation sizing of a chain's scratch and buffer.
type Layout struct {
	NumActive      int // Active tasks the buffer was sized for.
	NumQuantities  int // Streamed quantities across the chain.
	NumColumns     int // Widest matrix in the chain.
	NumMatrices    int // Matrix-valued values in the chain.
	NumDerivatives int // Largest derivative count in the chain.
	BufferSize     int // Slots in the shared accumulation buffer.
}

// ComputeLayout walks the chain containing id and assigns every value its
// stream position, matrix stash index and buffer start for nactive active
// tasks. It overwrites the positions of the previous invocation.
//
// Buffer slots per value: one per scalar, 1+nderiv per scalar with
// derivatives, nactive per stored vector, nactive*(1+nderiv) per stored
// vector with derivatives and nactive*cols per stored matrix. Values that are
// not stored only live in the stream.
func ComputeLayout(g *chain.Graph, id chain.NodeID, nactive int) Layout {
	l := Layout{NumActive: nactive}
	for _, m := range g.Members(id) {
		n := g.Node(m)
		l.NumDerivatives = max(l.NumDerivatives, n.NumDerivatives())
		for _, v := range n.Values() {
			if v.Rank() == 2 {
				l.NumColumns = max(l.NumColumns, v.Columns())
				v.SetMatrixPos(l.NumMatrices)
				l.NumMatrices++
			} else {
				v.SetMatrixPos(-1)
			}
			v.SetStreamPos(l.NumQuantities)
			l.NumQuantities++

			v.SetBufStart(l.BufferSize)
			switch {
			case v.Rank() == 0 && v.HasDerivatives():
				l.BufferSize += 1 + v.NumDerivatives()
			case v.Rank() == 0:
				l.BufferSize++
			case !v.StoreData():
			case v.Rank() == 2:
				l.BufferSize += nactive * v.Columns()
			case v.HasDerivatives():
				l.BufferSize += nactive * (1 + v.NumDerivatives())
			default:
				l.BufferSize += nactive
			}
		}
	}
	return l
}
