// Package comm provides the cross-process collective used to reduce
// accumulation buffers and force vectors.
//
// A Communicator plays the role of one process in a group. The serial
// communicator is a group of one. A local group runs its ranks as
// goroutines in one process, each with its own replica of the task graph,
// and is used by the CLI and by the partition tests.
package comm

import (
	"fmt"
	"sync"
)

// Communicator is one member of a process group.
type Communicator interface {
	// Rank returns this member's index in [0, Size()).
	Rank() int
	// Size returns the number of members.
	Size() int
	// Sum replaces buf on every member with the element-wise sum of all
	// members' buf. It is collective: every member must call it with a
	// buffer of the same length.
	Sum(buf []float64)
}

// Serial is the communicator of a single process.
type Serial struct{}

// Rank implements Communicator.
func (Serial) Rank() int { return 0 }

// Size implements Communicator.
func (Serial) Size() int { return 1 }

// Sum implements Communicator. A group of one has nothing to add.
func (Serial) Sum([]float64) {}

// group is the shared state of a local group.
type group struct {
	size int

	mu      sync.Mutex
	cond    *sync.Cond
	gen     int
	arrived int
	contrib [][]float64
	result  []float64
}

// Local is one rank of an in-process group.
type Local struct {
	rank int
	g    *group
}

// NewLocalGroup creates size communicators sharing one group. Each must be
// driven by its own goroutine.
func NewLocalGroup(size int) []*Local {
	if size < 1 {
		panic(fmt.Sprintf("comm: group size %d must be positive", size))
	}
	g := &group{size: size, contrib: make([][]float64, size)}
	g.cond = sync.NewCond(&g.mu)
	members := make([]*Local, size)
	for r := range members {
		members[r] = &Local{rank: r, g: g}
	}
	return members
}

// Rank implements Communicator.
func (c *Local) Rank() int { return c.rank }

// Size implements Communicator.
func (c *Local) Size() int { return c.g.size }

// Sum implements Communicator. Contributions are added in rank order so
// every member sees bit-identical results.
func (c *Local) Sum(buf []float64) {
	g := c.g
	g.mu.Lock()
	defer g.mu.Unlock()

	gen := g.gen
	g.contrib[c.rank] = append(g.contrib[c.rank][:0], buf...)
	g.arrived++

	if g.arrived == g.size {
		res := make([]float64, len(buf))
		for r, part := range g.contrib {
			if len(part) != len(res) {
				panic(fmt.Sprintf("comm: rank %d summed %d elements, rank %d summed %d", r, len(part), c.rank, len(res)))
			}
			for i, x := range part {
				res[i] += x
			}
		}
		g.result = res
		g.arrived = 0
		g.gen++
		g.cond.Broadcast()
	} else {
		for gen == g.gen {
			g.cond.Wait()
		}
	}
	copy(buf, g.result)
}
