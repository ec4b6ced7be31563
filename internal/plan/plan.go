// Package plan loads task chain plans written in HCL and builds them into a
// graph of chained nodes.
//
// A plan lists nodes in evaluation order. Each node is appended to the chain
// currently being built when it runs over the same tasks and everything it
// reads is already produced there. Inputs always start a new chain:
//
//	threads = 4
//
//	node "x" {
//	  kind   = "input"
//	  values = [1, 2, 3]
//	}
//
//	node "y" {
//	  kind   = "scale"
//	  args   = ["x"]
//	  params = { factor = 2 }
//	}
//
//	force "y" {
//	  values = [1, 0, 0]
//	}
package plan

import (
	"context"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/born-ml/taskchain/internal/ctxlog"
)

// fileRoot is the top-level structure of a plan file.
type fileRoot struct {
	Threads *int          `hcl:"threads,optional"`
	Ranks   *int          `hcl:"ranks,optional"`
	Serial  bool          `hcl:"serial,optional"`
	Timings bool          `hcl:"timings,optional"`
	Nodes   []*nodeBlock  `hcl:"node,block"`
	Forces  []*forceBlock `hcl:"force,block"`
}

type nodeBlock struct {
	Label       string    `hcl:"label,label"`
	Kind        string    `hcl:"kind"`
	Args        []string  `hcl:"args,optional"`
	Values      []float64 `hcl:"values,optional"`
	Params      cty.Value `hcl:"params,optional"`
	Derivatives bool      `hcl:"derivatives,optional"`
	Store       *bool     `hcl:"store,optional"`
}

type forceBlock struct {
	Target string    `hcl:"target,label"`
	Values []float64 `hcl:"values"`
}

// Plan is a decoded plan file.
type Plan struct {
	Threads int  // Worker goroutines per rank; 0 uses every CPU.
	Ranks   int  // In-process ranks sharing the work.
	Serial  bool // Run every chain without cross-rank reduction.
	Timings bool // Record phase timings.
	Nodes   []NodeSpec
	Forces  []ForceSpec
}

// NodeSpec describes one node of a plan.
type NodeSpec struct {
	Label       string
	Kind        string
	Args        []string
	Values      []float64
	Params      map[string]cty.Value
	Derivatives bool
	Store       bool
}

// ForceSpec is an external force on the default value of a node.
type ForceSpec struct {
	Target string
	Values []float64
}

// Load reads and decodes the plan file at path.
func Load(ctx context.Context, path string) (*Plan, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse plan file %s: %w", path, diags)
	}
	return decode(ctx, file, path)
}

// Parse decodes a plan from src. filename is only used in diagnostics.
func Parse(ctx context.Context, src []byte, filename string) (*Plan, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse plan %s: %w", filename, diags)
	}
	return decode(ctx, file, filename)
}

func decode(ctx context.Context, file *hcl.File, filename string) (*Plan, error) {
	logger := ctxlog.FromContext(ctx)

	var root fileRoot
	if diags := gohcl.DecodeBody(file.Body, nil, &root); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode plan %s: %w", filename, diags)
	}

	p := &Plan{Ranks: 1, Serial: root.Serial, Timings: root.Timings}
	if root.Threads != nil {
		if *root.Threads < 0 {
			return nil, fmt.Errorf("%w: threads must not be negative, got %d", ErrBadSetting, *root.Threads)
		}
		p.Threads = *root.Threads
	}
	if root.Ranks != nil {
		if *root.Ranks < 1 {
			return nil, fmt.Errorf("%w: ranks must be positive, got %d", ErrBadSetting, *root.Ranks)
		}
		p.Ranks = *root.Ranks
	}

	seen := make(map[string]struct{}, len(root.Nodes))
	for _, nb := range root.Nodes {
		if _, dup := seen[nb.Label]; dup {
			return nil, nodeErr(nb.Label, ErrDuplicateNode, "")
		}
		seen[nb.Label] = struct{}{}

		params, err := paramMap(nb.Label, nb.Params)
		if err != nil {
			return nil, err
		}
		spec := NodeSpec{
			Label:       nb.Label,
			Kind:        nb.Kind,
			Args:        nb.Args,
			Values:      nb.Values,
			Params:      params,
			Derivatives: nb.Derivatives,
			Store:       true,
		}
		if nb.Store != nil {
			spec.Store = *nb.Store
		}
		p.Nodes = append(p.Nodes, spec)
	}
	for _, fb := range root.Forces {
		p.Forces = append(p.Forces, ForceSpec{Target: fb.Target, Values: fb.Values})
	}

	logger.Debug("Plan decoded.", "file", filename, "nodes", len(p.Nodes), "forces", len(p.Forces), "ranks", p.Ranks, "threads", p.Threads)
	return p, nil
}

func paramMap(label string, v cty.Value) (map[string]cty.Value, error) {
	if v.IsNull() {
		return nil, nil
	}
	if !v.IsWhollyKnown() || !(v.Type().IsObjectType() || v.Type().IsMapType()) {
		return nil, nodeErr(label, ErrBadParam, "params must be an object")
	}
	return v.AsValueMap(), nil
}

// Number returns the numeric parameter name, or def when it is absent.
func (s NodeSpec) Number(name string, def float64) (float64, error) {
	v, ok := s.Params[name]
	if !ok || v.IsNull() {
		return def, nil
	}
	if v.Type() != cty.Number {
		return 0, nodeErr(s.Label, ErrBadParam, "%s must be a number", name)
	}
	f, _ := v.AsBigFloat().Float64()
	return f, nil
}

// Bool returns the boolean parameter name, or def when it is absent.
func (s NodeSpec) Bool(name string, def bool) (bool, error) {
	v, ok := s.Params[name]
	if !ok || v.IsNull() {
		return def, nil
	}
	if v.Type() != cty.Bool {
		return false, nodeErr(s.Label, ErrBadParam, "%s must be a bool", name)
	}
	return v.True(), nil
}

// Ints returns the integer list parameter name, or nil when it is absent.
func (s NodeSpec) Ints(name string) ([]int, error) {
	v, ok := s.Params[name]
	if !ok || v.IsNull() {
		return nil, nil
	}
	t := v.Type()
	if !(t.IsTupleType() || t.IsListType() || t.IsSetType()) {
		return nil, nodeErr(s.Label, ErrBadParam, "%s must be a list of integers", name)
	}
	var out []int
	for _, e := range v.AsValueSlice() {
		if e.Type() != cty.Number {
			return nil, nodeErr(s.Label, ErrBadParam, "%s must be a list of integers", name)
		}
		i, acc := e.AsBigFloat().Int64()
		if acc != 0 {
			return nil, nodeErr(s.Label, ErrBadParam, "%s: %s is not an integer", name, e.AsBigFloat().String())
		}
		out = append(out, int(i))
	}
	return out, nil
}
