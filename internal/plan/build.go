package plan

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/born-ml/taskchain/internal/chain"
	"github.com/born-ml/taskchain/internal/ctxlog"
	"github.com/born-ml/taskchain/internal/kernels"
)

// kind describes how a node kind is built.
type kind struct {
	arity   int  // Required number of args; -1 for any.
	streams bool // Can read its args from the stream of the current chain.
	build   func(g *chain.Graph, s NodeSpec, args []*chain.Node) (*chain.Node, error)
}

var kinds = map[string]kind{
	"input": {arity: 0, streams: false, build: func(g *chain.Graph, s NodeSpec, _ []*chain.Node) (*chain.Node, error) {
		if len(s.Values) == 0 {
			return nil, nodeErr(s.Label, ErrNoValues, "")
		}
		return kernels.Input(g, s.Label, s.Values), nil
	}},
	"scale": {arity: 1, streams: true, build: func(g *chain.Graph, s NodeSpec, args []*chain.Node) (*chain.Node, error) {
		f, err := s.Number("factor", 1)
		if err != nil {
			return nil, err
		}
		if err := wantVector(s, args[0]); err != nil {
			return nil, err
		}
		return kernels.Scale(g, s.Label, args[0], f), nil
	}},
	"sum": {arity: 1, streams: true, build: func(g *chain.Graph, s NodeSpec, args []*chain.Node) (*chain.Node, error) {
		if err := wantVector(s, args[0]); err != nil {
			return nil, err
		}
		return kernels.Sum(g, s.Label, args[0]), nil
	}},
	"outer": {arity: 1, streams: false, build: func(g *chain.Graph, s NodeSpec, args []*chain.Node) (*chain.Node, error) {
		mirror, err := s.Bool("mirror", false)
		if err != nil {
			return nil, err
		}
		if err := wantVector(s, args[0]); err != nil {
			return nil, err
		}
		return kernels.Outer(g, s.Label, args[0], mirror), nil
	}},
	"square": {arity: 1, streams: true, build: func(g *chain.Graph, s NodeSpec, args []*chain.Node) (*chain.Node, error) {
		in := args[0]
		if in.NumValues() != 1 || in.ValueAt(0).Rank() != 2 {
			return nil, nodeErr(s.Label, ErrArity, "%s does not produce a matrix", in.Label())
		}
		return kernels.Square(g, s.Label, in), nil
	}},
	"mask": {arity: -1, streams: true, build: func(g *chain.Graph, s NodeSpec, args []*chain.Node) (*chain.Node, error) {
		if len(args) == 0 {
			return nil, nodeErr(s.Label, ErrArity, "mask needs the nodes whose tasks it narrows")
		}
		off, err := s.Ints("off")
		if err != nil {
			return nil, err
		}
		return kernels.Mask(g, s.Label, s.Args, args[0].NumFullTasks(), off), nil
	}},
}

// Kinds returns the supported node kinds.
func Kinds() []string {
	out := make([]string, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func wantVector(s NodeSpec, in *chain.Node) error {
	if in.NumValues() != 1 || in.ValueAt(0).Rank() != 1 {
		return nodeErr(s.Label, ErrArity, "%s does not produce a vector", in.Label())
	}
	return nil
}

// Built is a plan turned into a graph.
type Built struct {
	Graph  *chain.Graph
	Forced []chain.NodeID // Nodes carrying external forces, in plan order.
}

// ForceSize returns the length of a force vector large enough for every
// node of the graph.
func (b *Built) ForceSize() int {
	n := 0
	for _, node := range b.Graph.Nodes() {
		n = max(n, node.NumDerivatives())
		for _, v := range node.Values() {
			n = max(n, v.Size())
		}
	}
	return n
}

// Build creates the nodes of p in order and links them into chains.
func Build(ctx context.Context, p *Plan) (*Built, error) {
	logger := ctxlog.FromContext(ctx)
	g := chain.NewGraph()
	tail := chain.None

	for _, s := range p.Nodes {
		k, ok := kinds[s.Kind]
		if !ok {
			return nil, nodeErr(s.Label, ErrUnknownKind, "%q", s.Kind)
		}
		if k.arity >= 0 && len(s.Args) != k.arity {
			return nil, nodeErr(s.Label, ErrArity, "%s takes %d, got %d", s.Kind, k.arity, len(s.Args))
		}
		args := make([]*chain.Node, len(s.Args))
		for i, lab := range s.Args {
			n, ok := g.Lookup(lab)
			if !ok {
				return nil, nodeErr(s.Label, ErrUnknownArgument, "%q", lab)
			}
			args[i] = n
		}

		n, err := k.build(g, s, args)
		if err != nil {
			return nil, err
		}
		if !s.Store {
			if err := dropStorage(s, n); err != nil {
				return nil, err
			}
		}

		if !k.streams || !sameTasks(g, tail, n) || !g.AppendNode(tail, n.ID()) {
			tail = n.ID()
			logger.Debug("Started chain.", "head", n.Label(), "kind", s.Kind)
		} else {
			logger.Debug("Appended to chain.", "node", n.Label(), "head", n.Head().Label(), "kind", s.Kind)
		}
	}

	// TurnOnDerivatives walks Requires, so it runs after every node exists.
	for _, s := range p.Nodes {
		if s.Derivatives {
			n, _ := g.Lookup(s.Label)
			n.TurnOnDerivatives()
		}
	}

	b := &Built{Graph: g}
	for _, f := range p.Forces {
		n, ok := g.Lookup(f.Target)
		if !ok {
			return nil, forceErr(f.Target, ErrUnknownForce, "")
		}
		if err := addForces(n, f); err != nil {
			return nil, err
		}
		b.Forced = append(b.Forced, n.ID())
	}

	logger.Debug("Plan built.", "nodes", g.Len(), "chains", len(g.Heads()), "forced", len(b.Forced))
	return b, nil
}

// sameTasks reports whether n runs over as many tasks as the chain ending at
// tail.
func sameTasks(g *chain.Graph, tail chain.NodeID, n *chain.Node) bool {
	if tail == chain.None {
		return false
	}
	return g.Node(g.Head(tail)).NumFullTasks() == n.NumFullTasks()
}

func dropStorage(s NodeSpec, n *chain.Node) error {
	for _, v := range n.Values() {
		if v.Rank() == 0 {
			return nodeErr(s.Label, ErrStoreScalarOutput, "")
		}
		v.SetStoreData(false)
	}
	return nil
}

func addForces(n *chain.Node, f ForceSpec) error {
	if n.NumValues() != 1 {
		return forceErr(f.Target, ErrUnknownForce, "node has no default value")
	}
	v := n.ValueAt(0)
	if len(f.Values) != v.Size() {
		return forceErr(f.Target, ErrForceSize, "got %d values, %s has %d elements", len(f.Values), v.Name(), v.Size())
	}
	for i, x := range f.Values {
		v.AddForce(i, x)
	}
	return nil
}

// IsUserError reports whether err was caused by the plan contents rather
// than by I/O.
func IsUserError(err error) bool {
	var ne *NodeError
	return errors.As(err, &ne) || errors.Is(err, ErrBadSetting)
}

// String implements fmt.Stringer.
func (p *Plan) String() string {
	return fmt.Sprintf("Plan(nodes=%d, forces=%d, ranks=%d, threads=%d)", len(p.Nodes), len(p.Forces), p.Ranks, p.Threads)
}
