package unet

import (
	"github.com/JunWangStanford2026/Diffusion-Based-AV-Safety-Validation/internal/denoiser"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/require"
	"math"
	"math/rand/v2"
	"strings"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
)

const (
	testBatch    = 3
	testChannels = 2
	testCondDim  = 4
	testSeqLen   = 8
)

func smallConfig() Config {
	cfg := DefaultConfig(testChannels, testCondDim)
	cfg.Dim = 8
	cfg.DimMults = []int{1, 2}
	cfg.ResnetGroups = 4
	cfg.AttnHeads, cfg.AttnDimHead = 2, 4
	cfg.LinearAttnHeads, cfg.LinearAttnDimHead = 2, 4
	return cfg
}

func randomTensor(rng *rand.Rand, dims ...int) *tensors.Tensor {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	values := make([]float32, size)
	for ii := range values {
		values[ii] = float32(rng.NormFloat64())
	}
	return tensors.FromFlatDataAndDimensions(values, dims...)
}

func requireFinite(t *testing.T, output *tensors.Tensor) {
	for ii, v := range tensors.CopyFlatData[float32](output) {
		require.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0), "element %d is %g", ii, v)
	}
}

func TestConfig(t *testing.T) {
	cfg := smallConfig()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 2, cfg.SeqLengthMultiple())
	require.Equal(t, [][2]int{{8, 8}, {8, 16}}, cfg.levelDims())
	require.Equal(t, 8, DefaultConfig(1, 1).SeqLengthMultiple())

	ctx := context.New()
	cfg.InitDim = 5
	cfg.InitsEmbedding = true
	cfg.SetParams(ctx)
	loaded, err := ConfigFromContext(ctx)
	require.NoError(t, err)
	require.Equal(t, cfg, loaded)

	bad := smallConfig()
	bad.ResnetGroups = 3
	require.ErrorIs(t, bad.Validate(), ErrConfiguration)
	bad = smallConfig()
	bad.CondDropProb = 1.5
	require.ErrorIs(t, bad.Validate(), ErrConfiguration)

	_, err = ParseDimMults("1,x")
	require.ErrorIs(t, err, ErrConfiguration)
	mults, err := ParseDimMults(" 1, 2,4 ")
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 4}, mults)
	mults, err = ParseDimMults("1:2:4:8")
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 4, 8}, mults)

	_, err = NewFullyConditioned(smallConfig(), 0)
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestForward(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rng := rand.New(rand.NewPCG(1, 2))
	x := randomTensor(rng, testBatch, testChannels, testSeqLen)
	cond := randomTensor(rng, testBatch, testCondDim)
	timesteps := []int32{0, 10, 999}

	t.Run("Unet", func(t *testing.T) {
		model, err := New(smallConfig())
		require.NoError(t, err)
		ctx := context.New()
		output := context.ExecOnce(backend, ctx, func(ctx *context.Context, x, t, cond *graph.Node) *graph.Node {
			return model.ForwardGraph(ctx, x, t, cond, nil, 0)
		}, x, timesteps, cond)
		require.Equal(t, []int{testBatch, testChannels, testSeqLen}, output.Shape().Dimensions)
		requireFinite(t, output)
		require.NotNil(t, ctx.GetVariableByScopeAndName("/unet/null_cond", "embedding"))
	})

	t.Run("FullyConditioned", func(t *testing.T) {
		for _, embedInits := range []bool{false, true} {
			cfg := smallConfig()
			cfg.InitsEmbedding = embedInits
			model, err := NewFullyConditioned(cfg, 5)
			require.NoError(t, err)
			require.Equal(t, 5, model.InitDim())
			inits := randomTensor(rng, testBatch, 5)
			output := context.ExecOnce(backend, context.New(), func(ctx *context.Context, x, t, cond, inits *graph.Node) *graph.Node {
				return model.ForwardGraph(ctx, x, t, cond, inits, 0)
			}, x, timesteps, cond, inits)
			require.Equal(t, []int{testBatch, testChannels, testSeqLen}, output.Shape().Dimensions)
			requireFinite(t, output)

			// Missing initial states.
			err = exceptions.TryCatch[error](func() {
				_ = context.ExecOnce(backend, context.New(), func(ctx *context.Context, x, t, cond *graph.Node) *graph.Node {
					return model.ForwardGraph(ctx, x, t, cond, nil, 0)
				}, x, timesteps, cond)
			})
			require.Error(t, err)
		}
	})

	t.Run("SeqLength", func(t *testing.T) {
		model, err := New(smallConfig())
		require.NoError(t, err)
		err = exceptions.TryCatch[error](func() {
			_ = context.ExecOnce(backend, context.New(), func(ctx *context.Context, x, t, cond *graph.Node) *graph.Node {
				return model.ForwardGraph(ctx, x, t, cond, nil, 0)
			}, randomTensor(rng, testBatch, testChannels, 7), timesteps, cond)
		})
		require.Error(t, err)
	})
}

// TestNullCondition checks that dropping the condition is the same as using the null embedding,
// which is initialized to -1.
func TestNullCondition(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rng := rand.New(rand.NewPCG(3, 4))
	model, err := New(smallConfig())
	require.NoError(t, err)
	x := randomTensor(rng, testBatch, testChannels, testSeqLen)
	cond := randomTensor(rng, testBatch, testCondDim)
	timesteps := []int32{1, 2, 3}
	// The network is called 3 times: variables must be reused.
	ctx := context.New().Checked(false)
	outputs := context.ExecOnceN(backend, ctx, func(ctx *context.Context, x, t, cond *graph.Node) []*graph.Node {
		dropped := model.ForwardGraph(ctx, x, t, cond, nil, 1)
		null := model.ForwardGraph(ctx, x, t, graph.Neg(graph.OnesLike(cond)), nil, 0)
		kept := model.ForwardGraph(ctx, x, t, cond, nil, 0)
		return []*graph.Node{dropped, null, kept}
	}, x, timesteps, cond)
	require.InDeltaSlice(t, tensors.CopyFlatData[float32](outputs[1]), tensors.CopyFlatData[float32](outputs[0]), 1e-5)
	require.NotEqual(t, tensors.CopyFlatData[float32](outputs[2]), tensors.CopyFlatData[float32](outputs[0]))
}

// hasRNGState returns whether the context holds the state variable of its random number generator.
func hasRNGState(ctx *context.Context) bool {
	var found bool
	ctx.EnumerateVariables(func(v *context.Variable) {
		if strings.Contains(strings.ToLower(v.Name()), "rng") {
			found = true
		}
	})
	return found
}

// TestNullConditionRate checks the per-example replacement of the condition by the null embedding.
func TestNullConditionRate(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model, err := New(smallConfig())
	require.NoError(t, err)
	const batchSize = 2000
	ones := make([]float32, batchSize*testCondDim)
	for ii := range ones {
		ones[ii] = 1
	}
	cond := tensors.FromFlatDataAndDimensions(ones, batchSize, testCondDim)
	nullFn := func(condDropProb float64) []float32 {
		return tensors.CopyFlatData[float32](context.ExecOnce(backend, context.New(), func(ctx *context.Context, cond *graph.Node) *graph.Node {
			return model.nullCondition(ctx, cond, condDropProb)
		}, cond))
	}

	// Each example is either kept or fully replaced, about half of them replaced.
	values := nullFn(0.5)
	var numNull int
	for example := range batchSize {
		row := values[example*testCondDim : (example+1)*testCondDim]
		if row[0] == -1 {
			numNull++
			require.Equal(t, []float32{-1, -1, -1, -1}, row, "example %d", example)
		} else {
			require.Equal(t, []float32{1, 1, 1, 1}, row, "example %d", example)
		}
	}
	require.InDelta(t, 0.5, float64(numNull)/batchSize, 0.1)

	for _, v := range nullFn(1) {
		require.Equal(t, float32(-1), v)
	}
	for _, v := range nullFn(0) {
		require.Equal(t, float32(1), v)
	}
}

// TestCondScaleNoRandomness checks that the null-embedding guidance used during sampling doesn't
// use the random number generator, while the training-time replacement does.
func TestCondScaleNoRandomness(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rng := rand.New(rand.NewPCG(5, 6))
	model, err := New(smallConfig())
	require.NoError(t, err)
	x := randomTensor(rng, testBatch, testChannels, testSeqLen)
	cond := randomTensor(rng, testBatch, testCondDim)
	timesteps := []int32{1, 2, 3}

	ctx := context.New().Checked(false)
	guided := context.ExecOnce(backend, ctx, func(ctx *context.Context, x, t, cond *graph.Node) *graph.Node {
		return denoiser.ForwardWithCondScale(ctx, model, x, t, cond, nil, 2, 0.5)
	}, x, timesteps, cond)
	requireFinite(t, guided)
	require.False(t, hasRNGState(ctx), "guided forward must not use the random number generator")

	ctx = context.New()
	_ = context.ExecOnce(backend, ctx, func(ctx *context.Context, x, t, cond *graph.Node) *graph.Node {
		return model.ForwardGraph(ctx, x, t, cond, nil, 0.5)
	}, x, timesteps, cond)
	require.True(t, hasRNGState(ctx))
}
