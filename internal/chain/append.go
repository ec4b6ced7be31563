package chain

import (
	"fmt"
	"slices"

	"github.com/born-ml/taskchain/internal/value"
)

// Append links node after the tail of the chain containing tail.
//
// It returns true without changes when node is already in the chain, and
// false without changes when one of required is not produced by a node
// already in the chain; the caller must then start a new chain with node as
// its head. A node that already belongs to another chain cannot be appended.
func (g *Graph) Append(tail, node NodeID, required []string) bool {
	g.check(node)
	end := g.Tail(tail)

	labels := g.Labels(end)
	if slices.Contains(labels, g.nodes[node].label) {
		return true
	}
	for _, lab := range required {
		if !slices.Contains(labels, lab) {
			return false
		}
	}

	if g.prev[node] != None || g.next[node] != None {
		panic(fmt.Sprintf("chain: node %s already belongs to another chain", g.nodes[node].label))
	}
	g.next[end] = node
	g.prev[node] = end
	return true
}

// AppendNode is Append using the node's own required labels.
func (g *Graph) AppendNode(tail, node NodeID) bool {
	return g.Append(tail, node, g.Node(node).requires)
}

// ScalarValues returns every rank-zero value of the chain containing id,
// head first and deduplicated by name.
func (g *Graph) ScalarValues(id NodeID) []*value.Value {
	var out []*value.Value
	seen := make(map[string]struct{})
	for _, m := range g.Members(id) {
		for _, v := range g.nodes[m].values {
			if v.Rank() != 0 {
				continue
			}
			if _, ok := seen[v.Name()]; ok {
				continue
			}
			seen[v.Name()] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

// NumStreamedDerivatives returns the largest derivative count in the chain
// containing id.
func (g *Graph) NumStreamedDerivatives(id NodeID) int {
	nd := 0
	for _, m := range g.Members(id) {
		nd = max(nd, g.nodes[m].nderiv)
	}
	return nd
}
