package scheduler

import (
	"context"
	"sync"
	"testing"

	"github.com/born-ml/taskchain/internal/chain"
	"github.com/born-ml/taskchain/internal/comm"
	"github.com/born-ml/taskchain/internal/kernels"
	"github.com/born-ml/taskchain/internal/multivalue"
	"github.com/born-ml/taskchain/internal/parallel"
	"github.com/born-ml/taskchain/internal/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func optsWithThreads(nt int) Options {
	return Options{Parallel: parallel.Config{Enabled: nt > 1, NumWorkers: nt, MinTasksPerWorker: 1}}
}

// newAB builds a chain A -> B over ntasks tasks where A outputs one per task
// and B doubles A's stream value.
func newAB(ntasks int) (*chain.Graph, *chain.Node, *chain.Node) {
	g := chain.NewGraph()
	var ya, yb *value.Value
	a := g.AddNode(chain.Config{
		Label: "A",
		Ops: chain.Ops{Task: func(_ int, mv *multivalue.MultiValue) {
			mv.Set(ya.StreamPos(), 1)
		}},
	})
	b := g.AddNode(chain.Config{
		Label:    "B",
		Requires: []string{"A"},
		Ops: chain.Ops{Task: func(_ int, mv *multivalue.MultiValue) {
			mv.Set(yb.StreamPos(), 2*mv.Get(ya.StreamPos()))
		}},
	})
	ya = a.AddValue(value.Shape{ntasks})
	yb = b.AddValue(value.Shape{ntasks})
	for i := 0; i < ntasks; i++ {
		a.AddTask(i)
		b.AddTask(i)
	}
	if !g.AppendNode(a.ID(), b.ID()) {
		panic("newAB: append failed")
	}
	return g, a, b
}

// newSumChain builds input -> scale -> sum in one chain with derivatives on.
func newSumChain(xs []float64, factor float64) (*chain.Graph, *chain.Node) {
	g := chain.NewGraph()
	in := kernels.Input(g, "x", xs)
	sc := kernels.Scale(g, "scaled", in, factor)
	sum := kernels.Sum(g, "total", sc)
	g.AppendNode(in.ID(), sc.ID())
	g.AppendNode(in.ID(), sum.ID())
	sum.TurnOnDerivatives()
	return g, sum
}

func testInputs(n int) []float64 {
	xs := make([]float64, n)
	for i := range xs {
		xs[i] = float64(i%7) + 0.25*float64(i)
	}
	return xs
}

// runRanks runs f on ranks goroutines, each with its own graph from build
// and a communicator of one shared local group.
func runRanks(ranks int, opts Options, build func() *chain.Graph, f func(rank int, s *Scheduler)) {
	group := comm.NewLocalGroup(ranks)
	var wg sync.WaitGroup
	for r := 0; r < ranks; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			g := build()
			f(r, New(g, group[r], opts, nil))
		}(r)
	}
	wg.Wait()
}

func TestRunAllTasks_TwoNodeChain(t *testing.T) {
	for _, nt := range []int{1, 4} {
		g, a, b := newAB(4)
		sumA := kernels.Sum(g, "sumA", a)
		sumB := kernels.Sum(g, "sumB", b)
		require.True(t, g.AppendNode(a.ID(), sumA.ID()))
		require.True(t, g.AppendNode(a.ID(), sumB.ID()))
		s := New(g, nil, optsWithThreads(nt), nil)

		s.RunAllTasks(context.Background(), a.ID())

		assert.Equal(t, []float64{1, 1, 1, 1}, a.Default().Data(), "threads=%d", nt)
		assert.Equal(t, []float64{2, 2, 2, 2}, b.Default().Data(), "threads=%d", nt)
		assert.Equal(t, 4.0, sumA.Default().Get(0), "threads=%d", nt)
		assert.Equal(t, 8.0, sumB.Default().Get(0), "threads=%d", nt)
	}
}

func TestRunAllTasks_InChainNodeDoesNothing(t *testing.T) {
	g, _, b := newAB(3)
	s := New(g, nil, DefaultOptions(), nil)

	s.RunAllTasks(context.Background(), b.ID())

	assert.Equal(t, []float64{0, 0, 0}, b.Default().Data())
}

func TestRunAllTasks_RepeatedPassesReset(t *testing.T) {
	g, a, b := newAB(5)
	s := New(g, nil, optsWithThreads(2), nil)

	s.RunAll(context.Background())
	s.RunAll(context.Background())

	assert.Equal(t, []float64{1, 1, 1, 1, 1}, a.Default().Data())
	assert.Equal(t, []float64{2, 2, 2, 2, 2}, b.Default().Data())
}

func TestRunAllTasks_PartitionInvariance(t *testing.T) {
	xs := testInputs(97)
	const factor = 3.0

	var ref struct {
		scaled []float64
		total  float64
		deriv  []float64
	}
	g, sum := newSumChain(xs, factor)
	New(g, nil, Options{Serial: true}, nil).RunAll(context.Background())
	ref.scaled = append([]float64(nil), g.Node(1).Default().Data()...)
	ref.total = sum.Default().Get(0)
	for k := 0; k < len(xs); k++ {
		ref.deriv = append(ref.deriv, sum.Default().Derivative(k))
	}

	var want float64
	for _, x := range xs {
		want += factor * x
	}
	require.InDelta(t, want, ref.total, 1e-9)
	for k, d := range ref.deriv {
		require.Equal(t, factor, d, "derivative %d", k)
	}

	for _, ranks := range []int{1, 2} {
		for _, nt := range []int{1, 4} {
			var mu sync.Mutex
			got := make(map[int][]float64)
			totals := make(map[int]float64)
			runRanks(ranks, optsWithThreads(nt), func() *chain.Graph {
				g, _ := newSumChain(xs, factor)
				return g
			}, func(rank int, s *Scheduler) {
				s.RunAll(context.Background())
				mu.Lock()
				defer mu.Unlock()
				got[rank] = append([]float64(nil), s.Graph().Node(1).Default().Data()...)
				totals[rank] = s.Graph().Node(2).Default().Get(0)
			})

			for r := 0; r < ranks; r++ {
				assert.Equal(t, ref.scaled, got[r], "ranks=%d threads=%d rank=%d", ranks, nt, r)
				assert.InDelta(t, ref.total, totals[r], 1e-9, "ranks=%d threads=%d rank=%d", ranks, nt, r)
			}
		}
	}
}

func TestRunAllTasks_ParallelMatchesSequentialReplay(t *testing.T) {
	g, sum := newSumChain(testInputs(64), 2)
	head := sum.Head()
	s := New(g, nil, optsWithThreads(4), nil)

	s.RunAllTasks(context.Background(), head.ID())

	st := head.Tasks()
	buf := make([]float64, len(st.Buffer))
	var mv *multivalue.MultiValue
	for pos, full := range st.IndexInFull {
		mv = RerunTask(head, full, mv)
		gatherAccumulators(head, pos, mv, buf)
	}
	assert.InDeltaSlice(t, buf, st.Buffer, 1e-9)
}

func TestRunAllTasks_DeactivateAndRestore(t *testing.T) {
	g, a, b := newAB(5)
	var off []int
	mask := g.AddNode(chain.Config{
		Label:    "mask",
		Requires: []string{"B"},
		Ops: chain.Ops{SelectTasks: func(flags []int) {
			for _, i := range off {
				flags[i] = 0
			}
		}},
	})
	require.True(t, g.AppendNode(a.ID(), mask.ID()))
	s := New(g, nil, DefaultOptions(), nil)

	off = []int{1, 3}
	s.RunAllTasks(context.Background(), a.ID())
	assert.Equal(t, 3, a.Tasks().NumActive())
	assert.Equal(t, []int{0, 2, 4}, a.Tasks().IndexInFull)
	assert.Equal(t, []float64{2, 0, 2, 0, 2}, b.Default().Data())

	off = nil
	s.RunAllTasks(context.Background(), a.ID())
	assert.Equal(t, 5, a.Tasks().NumActive())
	assert.Equal(t, []float64{2, 2, 2, 2, 2}, b.Default().Data())
}

func TestRunAllTasks_EveryTaskMasked(t *testing.T) {
	xs := testInputs(10)
	all := make([]int, len(xs))
	for i := range all {
		all[i] = i
	}
	for _, nt := range []int{1, 4} {
		var mu sync.Mutex
		totals := make(map[int]float64)
		forced := make(map[int][]float64)
		runRanks(2, optsWithThreads(nt), func() *chain.Graph {
			g, _ := newSumChain(xs, 2)
			mask := kernels.Mask(g, "none", []string{"x"}, len(xs), all)
			g.AppendNode(g.Node(0).ID(), mask.ID())
			return g
		}, func(rank int, s *Scheduler) {
			ctx := context.Background()
			s.RunAll(ctx)
			in := s.Graph().Node(0)
			sum := s.Graph().Node(2)
			assert.Equal(t, 0, in.Tasks().NumActive())
			assert.Equal(t, make([]float64, len(xs)), s.Graph().Node(1).Default().Data())

			sum.Default().AddForce(0, 3)
			forces := make([]float64, len(xs))
			assert.True(t, s.ForcesFromValues(ctx, sum.ID(), forces))

			mu.Lock()
			totals[rank] = sum.Default().Get(0)
			forced[rank] = forces
			mu.Unlock()
		})

		for r := 0; r < 2; r++ {
			assert.Equal(t, 0.0, totals[r], "threads=%d rank=%d", nt, r)
			assert.Equal(t, make([]float64, len(xs)), forced[r], "threads=%d rank=%d", nt, r)
		}
	}
}

func TestSelectActiveTasks_CannotReactivate(t *testing.T) {
	g, a, _ := newAB(4)
	first := g.AddNode(chain.Config{
		Label:    "first",
		Requires: []string{"B"},
		Ops:      chain.Ops{SelectTasks: func(flags []int) { flags[0] = 0 }},
	})
	second := g.AddNode(chain.Config{
		Label:    "second",
		Requires: []string{"first"},
		Ops: chain.Ops{SelectTasks: func(flags []int) {
			for i := range flags {
				flags[i] = 1
			}
		}},
	})
	require.True(t, g.AppendNode(a.ID(), first.ID()))
	require.True(t, g.AppendNode(a.ID(), second.ID()))

	n := selectActiveTasks(a)

	assert.Equal(t, 3, n)
	assert.Equal(t, []int{1, 2, 3}, a.Tasks().IndexInFull)
}

func TestRunAllTasks_InactiveMemberSkipped(t *testing.T) {
	g, a, b := newAB(3)
	b.SetActive(false)
	s := New(g, nil, DefaultOptions(), nil)

	s.RunAllTasks(context.Background(), a.ID())

	assert.Equal(t, []float64{1, 1, 1}, a.Default().Data())
	assert.Equal(t, []float64{0, 0, 0}, b.Default().Data())
}

func TestRunAllTasks_SerialHeadIgnoresCommunicator(t *testing.T) {
	group := comm.NewLocalGroup(2)
	g := chain.NewGraph()
	var y *value.Value
	n := g.AddNode(chain.Config{
		Label:  "serial",
		Serial: true,
		Ops: chain.Ops{Task: func(current int, mv *multivalue.MultiValue) {
			mv.Set(y.StreamPos(), float64(current))
		}},
	})
	y = n.AddValue(value.Shape{3})
	for i := 0; i < 3; i++ {
		n.AddTask(i)
	}

	// A single rank of a two-rank group would block in Sum.
	New(g, group[1], DefaultOptions(), nil).RunAll(context.Background())

	assert.Equal(t, []float64{0, 1, 2}, y.Data())
}

func TestRunAllTasks_DerivativesOffStreamsNone(t *testing.T) {
	g := chain.NewGraph()
	in := kernels.Input(g, "x", []float64{1, 2, 3})
	sum := kernels.Sum(g, "total", in)
	g.AppendNode(in.ID(), sum.ID())
	s := New(g, nil, DefaultOptions(), nil)

	s.RunAll(context.Background())

	assert.Equal(t, 6.0, sum.Default().Get(0))
	for k := 0; k < 3; k++ {
		assert.Equal(t, 0.0, sum.Default().Derivative(k))
	}

	sum.TurnOnDerivatives()
	s.RunAll(context.Background())
	for k := 0; k < 3; k++ {
		assert.Equal(t, 1.0, sum.Default().Derivative(k))
	}
}

func TestRunAllTasks_FinalizeSeesBuffer(t *testing.T) {
	g, a, _ := newAB(2)
	var seen []float64
	fin := g.AddNode(chain.Config{
		Label:    "fin",
		Requires: []string{"B"},
		Ops: chain.Ops{Finalize: func(buf []float64) {
			seen = append([]float64(nil), buf...)
		}},
	})
	require.True(t, g.AppendNode(a.ID(), fin.ID()))

	New(g, nil, DefaultOptions(), nil).RunAll(context.Background())

	assert.Equal(t, []float64{1, 1, 2, 2}, seen)
}

func TestRunAllTasks_PrepareRunsBeforeLoop(t *testing.T) {
	g := chain.NewGraph()
	scale := 0.0
	var y *value.Value
	n := g.AddNode(chain.Config{
		Label: "prep",
		Ops: chain.Ops{
			Prepare: func() { scale = 5 },
			Task: func(_ int, mv *multivalue.MultiValue) {
				mv.Set(y.StreamPos(), scale)
			},
		},
	})
	y = n.AddValue(value.Shape{2})
	n.AddTask(0)
	n.AddTask(1)

	New(g, nil, DefaultOptions(), nil).RunAll(context.Background())

	assert.Equal(t, []float64{5, 5}, y.Data())
}

func TestMergeReplicas(t *testing.T) {
	shared := []float64{1, 2}
	MergeReplicas(shared, [][]float64{{1, 1}, nil, {0.5, 0}})
	assert.Equal(t, []float64{2.5, 3}, shared)

	assert.Panics(t, func() { MergeReplicas(shared, [][]float64{{1}}) })
}

func BenchmarkRunAllTasks(b *testing.B) {
	g, sum := newSumChain(testInputs(4096), 2)
	s := New(g, nil, DefaultOptions(), nil)
	ctx := context.Background()
	head := sum.Head().ID()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.RunAllTasks(ctx, head)
	}
}
