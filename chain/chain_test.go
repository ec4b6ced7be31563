package chain_test

import (
	"context"
	"sync"
	"testing"

	"github.com/born-ml/taskchain/chain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildCounter creates a head producing the task index and a follower
// squaring it.
func buildCounter(ntasks int) (*chain.Graph, *chain.Node) {
	g := chain.NewGraph()
	var x, sq *chain.Value
	head := g.AddNode(chain.Config{Label: "idx", Ops: chain.Ops{
		Task: func(current int, mv *chain.MultiValue) { mv.Set(x.StreamPos(), float64(current)) },
	}})
	next := g.AddNode(chain.Config{Label: "sq", Requires: []string{"idx"}, Ops: chain.Ops{
		Task: func(_ int, mv *chain.MultiValue) {
			v := mv.Get(x.StreamPos())
			mv.Set(sq.StreamPos(), v*v)
		},
	}})
	x = head.AddValue(chain.Shape{ntasks})
	sq = next.AddValue(chain.Shape{ntasks})
	for i := 0; i < ntasks; i++ {
		head.AddTask(i)
		next.AddTask(i)
	}
	g.AppendNode(head.ID(), next.ID())
	return g, next
}

func TestScheduler_PublicAPI(t *testing.T) {
	g, sq := buildCounter(4)
	require.True(t, sq.InChain())

	chain.NewScheduler(g, chain.Serial{}, chain.DefaultOptions()).RunAll(context.Background())

	assert.Equal(t, []float64{0, 1, 4, 9}, sq.Default().Data())
}

func TestScheduler_LocalGroup(t *testing.T) {
	group := chain.NewLocalGroup(2)
	results := make([][]float64, 2)
	var wg sync.WaitGroup
	for r := range group {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			g, sq := buildCounter(5)
			chain.NewScheduler(g, group[r], chain.DefaultOptions()).RunAll(context.Background())
			results[r] = sq.Default().Data()
		}(r)
	}
	wg.Wait()

	for r := range results {
		assert.Equal(t, []float64{0, 1, 4, 9, 16}, results[r])
	}
}
