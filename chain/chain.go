// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package chain provides the public API for building and running task chains.
//
// A chain is a sequence of nodes that share one set of tasks. For every task
// the head and each following node run back to back on private scratch, and
// the per-task results are reduced into a shared buffer before being copied
// into the nodes' values:
//   - Graph, Node: node arena and chain links
//   - Value, Shape: node outputs with optional derivatives and forces
//   - MultiValue: per-task scratch with sparse derivatives
//   - Scheduler: the task loop over goroutines and ranks
//
// Example:
//
//	g := chain.NewGraph()
//	var y *chain.Value
//	n := g.AddNode(chain.Config{Label: "y", Ops: chain.Ops{
//		Task: func(current int, mv *chain.MultiValue) { mv.Set(y.StreamPos(), float64(current)) },
//	}})
//	y = n.AddValue(chain.Shape{3})
//	for i := 0; i < 3; i++ {
//		n.AddTask(i)
//	}
//	s := chain.NewScheduler(g, chain.Serial{}, chain.DefaultOptions())
//	s.RunAll(ctx)
package chain

import (
	"github.com/born-ml/taskchain/internal/chain"
	"github.com/born-ml/taskchain/internal/comm"
	"github.com/born-ml/taskchain/internal/multivalue"
	"github.com/born-ml/taskchain/internal/parallel"
	"github.com/born-ml/taskchain/internal/scheduler"
	"github.com/born-ml/taskchain/internal/value"
)

// Type aliases for public API

// Graph owns every node and the chain links between them.
type Graph = chain.Graph

// Node is one computational action taking part in a chain.
type Node = chain.Node

// NodeID identifies a node within its graph.
type NodeID = chain.NodeID

// None is the NodeID of a missing link.
const None = chain.None

// Config describes a node to be added to a graph.
type Config = chain.Config

// Ops are the capabilities a node supplies to the scheduler.
type Ops = chain.Ops

// Value is a named output of a node.
type Value = value.Value

// Shape is the dimensions of a value: scalar, vector or matrix.
type Shape = value.Shape

// MultiValue is the per-task scratch handed to task functions.
type MultiValue = multivalue.MultiValue

// Scheduler runs passes over the chains of a graph.
type Scheduler = scheduler.Scheduler

// Options controls how passes are parallelized.
type Options = scheduler.Options

// ParallelConfig controls worker goroutines per rank.
type ParallelConfig = parallel.Config

// Communicator sums buffers across ranks.
type Communicator = comm.Communicator

// Serial is the communicator of a single rank.
type Serial = comm.Serial

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return chain.NewGraph()
}

// DefaultOptions returns options using every CPU.
func DefaultOptions() Options {
	return scheduler.DefaultOptions()
}

// NewScheduler creates a scheduler for g without timings.
func NewScheduler(g *Graph, c Communicator, opts Options) *Scheduler {
	return scheduler.New(g, c, opts, nil)
}

// NewLocalGroup creates size in-process ranks. Each must be driven by its own
// goroutine.
func NewLocalGroup(size int) []Communicator {
	group := comm.NewLocalGroup(size)
	out := make([]Communicator, len(group))
	for i, c := range group {
		out[i] = c
	}
	return out
}
