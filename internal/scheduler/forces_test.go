package scheduler

import (
	"context"
	"sync"
	"testing"

	"github.com/born-ml/taskchain/internal/chain"
	"github.com/born-ml/taskchain/internal/kernels"
	"github.com/born-ml/taskchain/internal/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyForces(t *testing.T) {
	g := chain.NewGraph()
	in := kernels.Input(g, "x", []float64{1, 2})
	sum := kernels.Sum(g, "total", in)
	outer := kernels.Outer(g, "m", in, false)
	stored := g.AddNode(chain.Config{Label: "stored", NumDerivatives: 2})
	stored.AddValueWithDerivatives(value.Shape{2})

	assert.Equal(t, ShapePlainArray, ClassifyForces(in))
	assert.Equal(t, ShapeScalarDerivative, ClassifyForces(sum))
	assert.Equal(t, ShapePlainArray, ClassifyForces(outer))
	assert.Equal(t, ShapeArrayDerivative, ClassifyForces(stored))
	assert.Equal(t, "scalar-derivative", ShapeScalarDerivative.String())

	assert.True(t, recomputes(in, ShapePlainArray))
	assert.False(t, recomputes(outer, ShapePlainArray))
}

func TestClassifyForces_Panics(t *testing.T) {
	g := chain.NewGraph()
	bare := g.AddNode(chain.Config{Label: "bare"})
	scalar := g.AddNode(chain.Config{Label: "scalar"})
	scalar.AddValue(value.Shape{})
	mixed := g.AddNode(chain.Config{Label: "mixed", NumDerivatives: 1})
	mixed.AddComponentWithDerivatives("s", value.Shape{})
	mixed.AddComponent("v", value.Shape{3})

	assert.Panics(t, func() { ClassifyForces(bare) })
	assert.Panics(t, func() { ClassifyForces(scalar) })
	assert.Panics(t, func() { ClassifyForces(mixed) })
}

func TestForcesFromValues_ScalarRecompute(t *testing.T) {
	xs := testInputs(50)
	g, sum := newSumChain(xs, 3)
	s := New(g, nil, optsWithThreads(4), nil)
	ctx := context.Background()
	s.RunAll(ctx)

	sum.Default().AddForce(0, 2)
	forces := make([]float64, len(xs))
	require.True(t, s.ForcesFromValues(ctx, sum.ID(), forces))

	for k, f := range forces {
		assert.Equal(t, 6.0, f, "input %d", k)
	}

	again := make([]float64, len(xs))
	s.ForcesFromValues(ctx, sum.ID(), again)
	assert.Equal(t, forces, again)
}

func TestForcesFromValues_PlainArrayRecompute(t *testing.T) {
	g, _ := newSumChain([]float64{1, 2, 3, 4}, 3)
	s := New(g, nil, DefaultOptions(), nil)
	ctx := context.Background()
	s.RunAll(ctx)

	scaled := g.Node(1)
	scaled.Default().AddForce(2, 1)
	scaled.Default().AddForce(0, -0.5)
	forces := make([]float64, 4)

	assert.True(t, s.ForcesFromValues(ctx, scaled.ID(), forces))
	assert.Equal(t, []float64{-1.5, 0, 3, 0}, forces)
}

func TestForcesFromValues_StoredDerivatives(t *testing.T) {
	g := chain.NewGraph()
	n := g.AddNode(chain.Config{Label: "stored", NumDerivatives: 3})
	v := n.AddValueWithDerivatives(value.Shape{2})
	v.SetElementDerivative(0, 0, 1)
	v.SetElementDerivative(0, 2, 2)
	v.SetElementDerivative(1, 1, 4)
	v.AddForce(0, 1)
	v.AddForce(1, 0.5)
	s := New(g, nil, DefaultOptions(), nil)

	forces := []float64{10, 0, 0}
	assert.True(t, s.ForcesFromValues(context.Background(), n.ID(), forces))
	assert.Equal(t, []float64{11, 2, 2}, forces)
}

func TestForcesFromValues_MatrixPassThrough(t *testing.T) {
	g := chain.NewGraph()
	in := kernels.Input(g, "x", []float64{1, 2})
	outer := kernels.Outer(g, "m", in, false)
	s := New(g, nil, DefaultOptions(), nil)
	outer.Default().AddForce(3, 2)

	forces := make([]float64, 4)
	assert.True(t, s.ForcesFromValues(context.Background(), outer.ID(), forces))
	assert.Equal(t, []float64{0, 0, 0, 2}, forces)
}

func TestForcesFromValues_NoForce(t *testing.T) {
	g, sum := newSumChain([]float64{1, 2}, 1)
	s := New(g, nil, DefaultOptions(), nil)
	s.RunAll(context.Background())

	forces := []float64{7, 7}
	assert.False(t, s.ForcesFromValues(context.Background(), sum.ID(), forces))
	assert.Equal(t, []float64{7, 7}, forces)

	sum.Default().AddForce(0, 1)
	sum.ClearInputForces()
	assert.False(t, s.ForcesFromValues(context.Background(), sum.ID(), forces))
}

func TestForcesFromValues_AcrossRanks(t *testing.T) {
	xs := testInputs(120)
	for _, nt := range []int{1, 4} {
		var mu sync.Mutex
		got := make(map[int][]float64)
		runRanks(2, optsWithThreads(nt), func() *chain.Graph {
			g, _ := newSumChain(xs, 0.5)
			return g
		}, func(rank int, s *Scheduler) {
			ctx := context.Background()
			s.RunAll(ctx)
			sum := s.Graph().Node(2)
			sum.Default().AddForce(0, 4)
			forces := make([]float64, len(xs))
			s.ForcesFromValues(ctx, sum.ID(), forces)
			mu.Lock()
			got[rank] = forces
			mu.Unlock()
		})

		for r := 0; r < 2; r++ {
			for k, f := range got[r] {
				assert.Equal(t, 2.0, f, "threads=%d rank=%d input=%d", nt, r, k)
			}
		}
	}
}
