package guidance

import (
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	fullValues = [][][]float32{{{1, 2, 3, 4}}, {{-1, 0, 5, 0}}}
	nullValues = [][][]float32{{{0, 1, 1, 0}}, {{2, 2, 2, 2}}}
)

func TestClassifierFree(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	output := graph.ExecOnce(backend, func(c, u *graph.Node) *graph.Node {
		return ClassifierFree(c, u, 3)
	}, fullValues, nullValues)
	require.Equal(t, [][][]float32{{{3, 4, 7, 12}}, {{-7, -4, 11, -4}}}, output.Value())

	// Scale 1 is the conditioned output, scale 0 the unconditioned one.
	output = graph.ExecOnce(backend, func(c, u *graph.Node) *graph.Node {
		return ClassifierFree(c, u, 0)
	}, fullValues, nullValues)
	require.Equal(t, nullValues, output.Value())
}

func TestCondScale(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	// With cond_scale == 1 no computation is done: the node is returned as is.
	g := graph.NewGraph(backend, "TestCondScale")
	full := graph.Parameter(g, "full", tensors.FromValue(fullValues).Shape())
	null := graph.Parameter(g, "null", tensors.FromValue(nullValues).Shape())
	require.Same(t, full, CondScale(full, null, 1, 0.7))

	// Without rescaling: null + (full − null)·2.
	output := graph.ExecOnce(backend, func(full, null *graph.Node) *graph.Node {
		return CondScale(full, null, 2, 0)
	}, fullValues, nullValues)
	require.Equal(t, [][][]float32{{{2, 3, 5, 8}}, {{-4, -2, 8, -2}}}, output.Value())

	// Fully rescaled (phi = 1): the standard deviation per example is the one of full.
	output = graph.ExecOnce(backend, func(full, null *graph.Node) *graph.Node {
		return CondScale(full, null, 2, 1)
	}, fullValues, nullValues)
	got := output.Value().([][][]float32)
	for ii := range fullValues {
		want := stat.StdDev(toFloat64(fullValues[ii][0]), nil)
		require.InDelta(t, want, stat.StdDev(toFloat64(got[ii][0]), nil), 1e-5, "example %d", ii)
	}

	// Half rescaled is the average of both.
	output = graph.ExecOnce(backend, func(full, null *graph.Node) *graph.Node {
		return CondScale(full, null, 2, 0.5)
	}, fullValues, nullValues)
	half := output.Value().([][][]float32)
	scaled := [][][]float32{{{2, 3, 5, 8}}, {{-4, -2, 8, -2}}}
	for ii := range half {
		for jj := range half[ii][0] {
			want := 0.5*got[ii][0][jj] + 0.5*scaled[ii][0][jj]
			require.InDelta(t, want, half[ii][0][jj], 1e-5)
		}
	}
}

func TestStdPerExample(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	output := graph.ExecOnce(backend, StdPerExample, fullValues)
	require.Equal(t, []int{2, 1, 1}, output.Shape().Dimensions)
	got := tensors.CopyFlatData[float32](output)
	for ii := range fullValues {
		want := stat.StdDev(toFloat64(fullValues[ii][0]), nil)
		require.InDelta(t, want, float64(got[ii]), 1e-5)
	}

	// Vectors have no non-batch axes.
	output = graph.ExecOnce(backend, StdPerExample, []float32{3, 7})
	require.Equal(t, []float32{1, 1}, output.Value())
}

func toFloat64(values []float32) []float64 {
	out := make([]float64, len(values))
	for ii, v := range values {
		out[ii] = float64(v)
	}
	return out
}
