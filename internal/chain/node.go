package chain

import (
	"fmt"

	"github.com/born-ml/taskchain/internal/multivalue"
	"github.com/born-ml/taskchain/internal/value"
)

// TaskFunc computes one vector task. current is the task code; results go
// into the stream slots of mv.
type TaskFunc func(current int, mv *multivalue.MultiValue)

// MatrixTaskFunc computes one matrix element of row current and column col.
type MatrixTaskFunc func(current, col int, mv *multivalue.MultiValue)

// Ops are the capabilities a node supplies to the scheduler. A nil function
// means the node does not have that capability.
type Ops struct {
	// Task is the per-row compute callback.
	Task TaskFunc
	// MatrixTask is the per-element compute callback of a matrix producer.
	MatrixTask MatrixTaskFunc
	// SelectTasks may clear entries of flags for tasks this node does not
	// need. It must never set a flag.
	SelectTasks func(flags []int)
	// Prepare runs once before the task loop.
	Prepare func()
	// Finalize runs after the buffer has been copied into the node's values.
	Finalize func(buffer []float64)

	// MatrixArgs marks a node whose inputs are all matrices. Inside a chain
	// its Task is run once per matrix element instead of once per row.
	MatrixArgs bool
	// MirrorColumns makes a matrix producer visit twice as many columns as
	// there are tasks; columns past the task count fold back onto the
	// mirrored element.
	MirrorColumns bool
}

// Config describes a node to be added to a graph.
type Config struct {
	Label          string
	Requires       []string
	NumDerivatives int
	Serial         bool
	Ops            Ops
}

// TaskState is the per-invocation task bookkeeping owned by a chain head.
type TaskState struct {
	// Partial holds the task codes of the active tasks.
	Partial []int
	// IndexInFull maps an active position to its index in the full list.
	IndexInFull []int
	// Buffer is the shared accumulation buffer of the last pass.
	Buffer []float64
}

// NumActive returns the number of active tasks.
func (s *TaskState) NumActive() int { return len(s.Partial) }

// Node is a computational action producing values and taking part in a
// chain.
type Node struct {
	id    NodeID
	graph *Graph

	label    string
	requires []string
	nderiv   int
	noDeriv  bool
	serial   bool
	active   bool
	ops      Ops

	values []*value.Value

	fullTasks []int
	taskFlags []int
	tasks     TaskState
}

// ID returns the node handle.
func (n *Node) ID() NodeID { return n.id }

// Graph returns the arena holding the node.
func (n *Node) Graph() *Graph { return n.graph }

// Label returns the node label.
func (n *Node) Label() string { return n.label }

// Requires returns the labels this node depends on.
func (n *Node) Requires() []string { return n.requires }

// Ops returns the node's capabilities.
func (n *Node) Ops() Ops { return n.ops }

// Serial reports whether the node must run without parallelism.
func (n *Node) Serial() bool { return n.serial }

// IsActive reports whether the node takes part in the current pass.
func (n *Node) IsActive() bool { return n.active }

// SetActive toggles participation in the current pass.
func (n *Node) SetActive(active bool) { n.active = active }

// InChain reports whether the node has a predecessor, i.e. its work is
// folded into another node's loop.
func (n *Node) InChain() bool { return n.graph.prev[n.id] != None }

// NumDerivatives returns the number of input derivatives of the node.
func (n *Node) NumDerivatives() int { return n.nderiv }

// DoNotCalculateDerivatives reports whether derivatives are switched off.
func (n *Node) DoNotCalculateDerivatives() bool { return n.noDeriv }

// TurnOnDerivatives enables derivatives on this node and everything it
// depends on.
func (n *Node) TurnOnDerivatives() {
	for _, lab := range n.requires {
		if dep, ok := n.graph.Lookup(lab); ok {
			dep.TurnOnDerivatives()
		}
	}
	n.noDeriv = false
	for _, v := range n.values {
		v.ResizeDerivatives(n.nderiv)
	}
}

// AddTask appends a task code to the full task list.
func (n *Node) AddTask(code int) {
	n.fullTasks = append(n.fullTasks, code)
	n.taskFlags = append(n.taskFlags, 0)
}

// FullTasks returns the task codes of the full task list.
func (n *Node) FullTasks() []int { return n.fullTasks }

// NumFullTasks returns the size of the full task list.
func (n *Node) NumFullTasks() int { return len(n.fullTasks) }

// TaskFlags returns the activity flags of the last pass.
func (n *Node) TaskFlags() []int { return n.taskFlags }

// Tasks returns the per-invocation task state.
func (n *Node) Tasks() *TaskState { return &n.tasks }

// Head returns the node that runs the loop this node takes part in.
func (n *Node) Head() *Node { return n.graph.Node(n.graph.Head(n.id)) }

// Next returns the successor in the chain, or nil.
func (n *Node) Next() *Node {
	if nx := n.graph.next[n.id]; nx != None {
		return n.graph.nodes[nx]
	}
	return nil
}

// Prev returns the predecessor in the chain, or nil.
func (n *Node) Prev() *Node {
	if pv := n.graph.prev[n.id]; pv != None {
		return n.graph.nodes[pv]
	}
	return nil
}

// NextActive returns the next active member after n, skipping inactive
// members, or nil at the end of the chain.
func (n *Node) NextActive() *Node {
	for nx := n.Next(); nx != nil; nx = nx.Next() {
		if nx.active {
			return nx
		}
	}
	return nil
}

// -- Values --

// NumValues returns the number of values owned by the node.
func (n *Node) NumValues() int { return len(n.values) }

// Values returns the owned values.
func (n *Node) Values() []*value.Value { return n.values }

// ValueAt returns value i.
func (n *Node) ValueAt(i int) *value.Value {
	if i < 0 || i >= len(n.values) {
		panic(fmt.Sprintf("node %s: value %d out of bounds [0,%d)", n.label, i, len(n.values)))
	}
	return n.values[i]
}

// Exists reports whether a value with the full name exists.
func (n *Node) Exists(name string) bool {
	for _, v := range n.values {
		if v.Name() == name {
			return true
		}
	}
	return false
}

// Value returns the value with the given full name.
func (n *Node) Value(name string) *value.Value {
	for _, v := range n.values {
		if v.Name() == name {
			return v
		}
	}
	panic(fmt.Sprintf("node %s: there is no value with name %s", n.label, name))
}

// Default returns the default value, which carries the node label.
func (n *Node) Default() *value.Value {
	if len(n.values) != 1 || n.values[0].Name() != n.label {
		panic(fmt.Sprintf("node %s: has no default value", n.label))
	}
	return n.values[0]
}

// AddValue adds the default value.
func (n *Node) AddValue(shape value.Shape) *value.Value {
	return n.addDefault(false, shape)
}

// AddValueWithDerivatives adds the default value with derivatives.
func (n *Node) AddValueWithDerivatives(shape value.Shape) *value.Value {
	return n.addDefault(true, shape)
}

func (n *Node) addDefault(deriv bool, shape value.Shape) *value.Value {
	if len(n.values) != 0 {
		panic(fmt.Sprintf("node %s: default value already added", n.label))
	}
	return n.push(value.New(n.label, n.label, deriv, shape))
}

// AddComponent adds a named component.
func (n *Node) AddComponent(name string, shape value.Shape) *value.Value {
	return n.addComponent(name, false, shape)
}

// AddComponentWithDerivatives adds a named component with derivatives.
func (n *Node) AddComponentWithDerivatives(name string, shape value.Shape) *value.Value {
	return n.addComponent(name, true, shape)
}

func (n *Node) addComponent(name string, deriv bool, shape value.Shape) *value.Value {
	full := n.label + "." + name
	for _, v := range n.values {
		if v.Name() == n.label {
			panic(fmt.Sprintf("node %s: cannot mix a default value with components", n.label))
		}
		if v.Name() == full {
			panic(fmt.Sprintf("node %s: there is already a value with name %s", n.label, full))
		}
	}
	return n.push(value.New(n.label, full, deriv, shape))
}

func (n *Node) push(v *value.Value) *value.Value {
	v.ResizeDerivatives(n.nderiv)
	n.values = append(n.values, v)
	return v
}

// ComponentIndex returns the index of a component given its short name.
func (n *Node) ComponentIndex(name string) int {
	if n.Exists(n.label) {
		panic(fmt.Sprintf("node %s: has a default value, not components", n.label))
	}
	full := n.label + "." + name
	for i, v := range n.values {
		if v.Name() == full {
			return i
		}
	}
	panic(fmt.Sprintf("node %s: there is no component with name %s", n.label, name))
}

// Component returns a component given its short name.
func (n *Node) Component(name string) *value.Value {
	return n.values[n.ComponentIndex(name)]
}

// ComponentNames returns the full names of all values.
func (n *Node) ComponentNames() []string {
	names := make([]string, len(n.values))
	for i, v := range n.values {
		names[i] = v.Name()
	}
	return names
}

// ClearInputForces zeroes the force accumulators of all values.
func (n *Node) ClearInputForces() {
	for _, v := range n.values {
		v.ClearInputForce()
	}
}

// ClearDerivatives zeroes the stored derivatives. Members of a chain keep
// theirs until the head clears the whole chain, unless force is set.
func (n *Node) ClearDerivatives(force bool) {
	if !force && n.InChain() {
		return
	}
	for _, v := range n.values {
		v.ClearDerivatives()
	}
	if nx := n.Next(); nx != nil {
		nx.ClearDerivatives(true)
	}
}

// AllMatrices reports whether the node owns values and all of them are
// rank two.
func (n *Node) AllMatrices() bool {
	if len(n.values) == 0 {
		return false
	}
	for _, v := range n.values {
		if v.Rank() != 2 {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	return fmt.Sprintf("Node(%s)", n.label)
}
