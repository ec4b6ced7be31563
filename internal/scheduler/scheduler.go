// Package scheduler runs the fused task loop of a chain.
//
// A pass selects the active tasks, sizes the scratch and the shared
// accumulation buffer, evaluates every task on private per-worker scratch,
// merges the worker replicas, sums the buffer across processes and finally
// copies it into the chain's values. The same machinery recomputes per-task
// derivatives to back-propagate forces.
//
// Example:
//
//	g := chain.NewGraph()
//	// ... add nodes and append them into chains ...
//	s := scheduler.New(g, comm.Serial{}, scheduler.DefaultOptions(), nil)
//	s.RunAll(ctx)
package scheduler

import (
	"context"

	"github.com/google/uuid"

	"github.com/born-ml/taskchain/internal/chain"
	"github.com/born-ml/taskchain/internal/comm"
	"github.com/born-ml/taskchain/internal/ctxlog"
	"github.com/born-ml/taskchain/internal/metrics"
	"github.com/born-ml/taskchain/internal/multivalue"
	"github.com/born-ml/taskchain/internal/parallel"
)

// Options controls how passes are parallelized.
type Options struct {
	Parallel parallel.Config // Worker goroutines per process.
	Serial   bool            // Ignore the communicator: one rank, no reduction.
}

// DefaultOptions returns options using every CPU.
func DefaultOptions() Options {
	return Options{Parallel: parallel.DefaultConfig()}
}

// Scheduler runs passes over the chains of a graph.
type Scheduler struct {
	graph   *chain.Graph
	comm    comm.Communicator
	opts    Options
	metrics *metrics.Recorder
}

// New creates a scheduler. rec may be nil to disable timings.
func New(g *chain.Graph, c comm.Communicator, opts Options, rec *metrics.Recorder) *Scheduler {
	if c == nil {
		c = comm.Serial{}
	}
	return &Scheduler{graph: g, comm: c, opts: opts, metrics: rec}
}

// Graph returns the graph the scheduler runs.
func (s *Scheduler) Graph() *chain.Graph { return s.graph }

// group returns the stride, the rank and whether cross-process reduction is
// skipped for the chain headed by head.
func (s *Scheduler) group(head *chain.Node) (ranks, rank int, serial bool) {
	if s.opts.Serial || head.Serial() {
		return 1, 0, true
	}
	return s.comm.Size(), s.comm.Rank(), false
}

func (s *Scheduler) threads(head *chain.Node, ranks, nactive int) int {
	if head.Serial() {
		return 1
	}
	return parallel.NumThreads(s.opts.Parallel, ranks, nactive)
}

// RunAll runs every chain head in creation order.
func (s *Scheduler) RunAll(ctx context.Context) {
	for _, id := range s.graph.Heads() {
		s.RunAllTasks(ctx, id)
	}
}

// RunAllTasks runs one pass of the chain headed by id. Nodes inside a chain
// are run by their head, so calling it on them does nothing.
func (s *Scheduler) RunAllTasks(ctx context.Context, id chain.NodeID) {
	head := s.graph.Node(id)
	if head.InChain() {
		return
	}
	logger := ctxlog.FromContext(ctx)

	ranks, rank, serial := s.group(head)
	st := head.Tasks()
	nactive := selectActiveTasks(head)

	nt := s.threads(head, ranks, nactive)
	l := ComputeLayout(s.graph, id, nactive)
	nderiv := l.NumDerivatives
	if head.DoNotCalculateDerivatives() {
		nderiv = 0
	}

	if cap(st.Buffer) < l.BufferSize {
		st.Buffer = make([]float64, l.BufferSize)
	}
	st.Buffer = st.Buffer[:l.BufferSize]
	clear(st.Buffer)

	logger.Debug("Running chain.",
		"pass", uuid.NewString(),
		"head", head.Label(),
		"active", nactive,
		"threads", nt,
		"ranks", ranks,
		"buffer", l.BufferSize,
		"derivatives", nderiv,
	)

	for m := head; m != nil; m = m.NextActive() {
		if prep := m.Ops().Prepare; prep != nil {
			prep()
		}
	}

	stop := s.metrics.Time(head.Label(), metrics.PhaseLoop)
	scratch := make([]*multivalue.MultiValue, nt)
	replicas := make([][]float64, nt)
	for w := range scratch {
		scratch[w] = multivalue.New(l.NumQuantities, nderiv, l.NumColumns, l.NumMatrices)
		if nt > 1 {
			replicas[w] = make([]float64, l.BufferSize)
		}
	}
	parallel.For(parallel.Strided(rank, ranks, nactive), nt, func(w, pos int) {
		mv := scratch[w]
		runTask(head, st.IndexInFull[pos], st.Partial[pos], mv)
		if nt > 1 {
			gatherAccumulators(head, pos, mv, replicas[w])
		} else {
			gatherAccumulators(head, pos, mv, st.Buffer)
		}
		mv.ClearAll()
	})
	if nt > 1 {
		MergeReplicas(st.Buffer, replicas)
	}
	stop()

	stop = s.metrics.Time(head.Label(), metrics.PhaseReduce)
	if !serial && len(st.Buffer) > 0 {
		s.comm.Sum(st.Buffer)
	}
	stop()

	stop = s.metrics.Time(head.Label(), metrics.PhaseFinish)
	finishComputations(head, st, st.Buffer)
	stop()

	s.metrics.Pass(head.Label(), "run", nactive)
}

// selectActiveTasks rebuilds the active task list of head from scratch.
// Every task starts active; each active member may only clear flags.
func selectActiveTasks(head *chain.Node) int {
	flags := head.TaskFlags()
	for i := range flags {
		flags[i] = 1
	}

	before := make([]int, len(flags))
	for m := head; m != nil; m = m.NextActive() {
		sel := m.Ops().SelectTasks
		if sel == nil {
			continue
		}
		copy(before, flags)
		sel(flags)
		for i := range flags {
			if before[i] == 0 {
				flags[i] = 0
			}
		}
	}

	st := head.Tasks()
	st.Partial = st.Partial[:0]
	st.IndexInFull = st.IndexInFull[:0]
	for i, code := range head.FullTasks() {
		if flags[i] > 0 {
			st.Partial = append(st.Partial, code)
			st.IndexInFull = append(st.IndexInFull, i)
		}
	}
	return len(st.Partial)
}
