// Package chain holds the computational nodes of a task graph and the
// chains that fuse them into a single task loop.
//
// Nodes live in an arena owned by a Graph and are addressed by NodeID.
// Chain links are indices into the arena, so a chain is an ordered,
// singly-linked sequence without aliasing pointers between nodes.
package chain

import "fmt"

// NodeID addresses a node inside a Graph.
type NodeID int

// None marks the absence of a link.
const None NodeID = -1

// Graph is the arena of nodes and chain links.
type Graph struct {
	nodes   []*Node
	prev    []NodeID
	next    []NodeID
	byLabel map[string]NodeID
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{byLabel: make(map[string]NodeID)}
}

// AddNode creates a node from cfg. Labels must be unique.
func (g *Graph) AddNode(cfg Config) *Node {
	if cfg.Label == "" {
		panic("chain: node label must not be empty")
	}
	if _, dup := g.byLabel[cfg.Label]; dup {
		panic(fmt.Sprintf("chain: duplicate node label %s", cfg.Label))
	}
	if cfg.NumDerivatives < 0 {
		panic(fmt.Sprintf("chain: node %s has negative derivative count", cfg.Label))
	}
	id := NodeID(len(g.nodes))
	n := &Node{
		id:       id,
		graph:    g,
		label:    cfg.Label,
		requires: append([]string(nil), cfg.Requires...),
		nderiv:   cfg.NumDerivatives,
		noDeriv:  true,
		serial:   cfg.Serial,
		active:   true,
		ops:      cfg.Ops,
	}
	g.nodes = append(g.nodes, n)
	g.prev = append(g.prev, None)
	g.next = append(g.next, None)
	g.byLabel[cfg.Label] = id
	return n
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Node returns the node with the given id.
func (g *Graph) Node(id NodeID) *Node {
	g.check(id)
	return g.nodes[id]
}

// Nodes returns all nodes in creation order.
func (g *Graph) Nodes() []*Node { return g.nodes }

// Lookup finds a node by label.
func (g *Graph) Lookup(label string) (*Node, bool) {
	id, ok := g.byLabel[label]
	if !ok {
		return nil, false
	}
	return g.nodes[id], true
}

func (g *Graph) check(id NodeID) {
	if id < 0 || int(id) >= len(g.nodes) {
		panic(fmt.Sprintf("chain: node id %d out of bounds [0,%d)", id, len(g.nodes)))
	}
}

// Next returns the successor of id, or None.
func (g *Graph) Next(id NodeID) NodeID {
	g.check(id)
	return g.next[id]
}

// Prev returns the predecessor of id, or None.
func (g *Graph) Prev(id NodeID) NodeID {
	g.check(id)
	return g.prev[id]
}

// Head returns the first node of the chain containing id.
func (g *Graph) Head(id NodeID) NodeID {
	g.check(id)
	for g.prev[id] != None {
		id = g.prev[id]
	}
	return id
}

// Tail returns the last node of the chain containing id.
func (g *Graph) Tail(id NodeID) NodeID {
	g.check(id)
	for g.next[id] != None {
		id = g.next[id]
	}
	return id
}

// Heads returns the first node of every chain in creation order.
func (g *Graph) Heads() []NodeID {
	var heads []NodeID
	for i := range g.nodes {
		if g.prev[i] == None {
			heads = append(heads, NodeID(i))
		}
	}
	return heads
}

// Members returns the ids of the chain containing id, head first.
func (g *Graph) Members(id NodeID) []NodeID {
	var ids []NodeID
	for cur := g.Head(id); cur != None; cur = g.next[cur] {
		ids = append(ids, cur)
	}
	return ids
}

// Labels returns the labels of the chain containing id, head first,
// without duplicates.
func (g *Graph) Labels(id NodeID) []string {
	var labels []string
	seen := make(map[string]struct{})
	for cur := g.Head(id); cur != None; cur = g.next[cur] {
		lab := g.nodes[cur].label
		if _, ok := seen[lab]; !ok {
			seen[lab] = struct{}{}
			labels = append(labels, lab)
		}
	}
	return labels
}
