package diffusion

import (
	"github.com/JunWangStanford2026/Diffusion-Based-AV-Safety-Validation/internal/denoiser"
	"github.com/JunWangStanford2026/Diffusion-Based-AV-Safety-Validation/internal/schedule"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
	"math"
	"math/rand/v2"
	"slices"
	"testing"
)

// float64Data returns the contents of a float32 tensor as float64.
func float64Data(t *tensors.Tensor) []float64 {
	flat := tensors.CopyFlatData[float32](t)
	values := make([]float64, len(flat))
	for ii, v := range flat {
		values[ii] = float64(v)
	}
	return values
}

// hostAncestralSample replicates, in float64 on the host, the ancestral sampling of a network that
// always outputs zeros with the noise objective, drawing the noise from a generator seeded like
// the sampler's.
func hostAncestralSample(cfg Config, coefs *schedule.Coefficients, seed uint64, size int) []float64 {
	rng := newRNG(seed)
	draw := func() []float64 {
		values := make([]float64, size)
		for ii := range values {
			values[ii] = float64(float32(rng.NormFloat64()))
		}
		return values
	}
	x := draw()
	for t := cfg.Timesteps - 1; t >= 0; t-- {
		var noise []float64
		if t > 0 {
			noise = draw()
		}
		for ii, v := range x {
			xStart := min(max(coefs.SqrtRecipAlphasCumprod[t]*v, cfg.ClipMin), cfg.ClipMax)
			mean := coefs.PosteriorMeanCoef1[t]*xStart + coefs.PosteriorMeanCoef2[t]*v
			if t > 0 {
				mean += math.Exp(0.5*coefs.PosteriorLogVarianceClipped[t]) * noise[ii]
			}
			x[ii] = mean
		}
	}
	if cfg.AutoNormalize {
		for ii, v := range x {
			x[ii] = UnnormalizeToZeroToOne(v)
		}
	}
	return x
}

// TestAncestralSampleReference compares the ancestral sampler with a host reference.
func TestAncestralSampleReference(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := testConfig(PredNoise)
	cfg.AutoNormalize = true
	cfg.ClipMin, cfg.ClipMax = -1, 1
	e := mustEngine(t, denoiser.Zero(testChannels, testCondDim, 0), cfg)
	cond := randomTensor(rand.New(rand.NewPCG(0, 1)), testBatch, testCondDim)

	const seed = 17
	s := NewSampler(backend, context.New(), e, seed)
	got, err := s.Sample(cond, nil, NoGuidance)
	require.NoError(t, err)
	require.Equal(t, []int{testBatch, testChannels, testSeqLen}, got.Shape().Dimensions)
	require.Equal(t, 1, s.NumCompilations)

	want := hostAncestralSample(cfg, e.Coefficients(), seed, testBatch*testChannels*testSeqLen)
	for ii, v := range float64Data(got) {
		require.InDelta(t, want[ii], v, 1e-3, "element %d", ii)
	}

	// A second run reuses the compiled step, and it generates new samples.
	got2, err := s.Sample(cond, nil, NoGuidance)
	require.NoError(t, err)
	require.Equal(t, 1, s.NumCompilations)
	require.NotEqual(t, float64Data(got), float64Data(got2))

	// Inference from T with pure noise follows the same chain.
	s = NewSampler(backend, context.New(), e, seed)
	startNoise := s.randomNormal(got.Shape())
	got3, err := s.Inference(cond, nil, startNoise, cfg.Timesteps, NoGuidance)
	require.NoError(t, err)
	for ii, v := range float64Data(got3) {
		require.InDelta(t, want[ii], v, 1e-3, "element %d", ii)
	}
}

// TestDDIMMatchesAncestral checks that DDIM with eta=1 and as many steps as timesteps is the
// ancestral sampler.
func TestDDIMMatchesAncestral(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := testConfig(PredNoise)
	cfg.Schedule = schedule.KindCosine
	cfg.Timesteps = 10
	cfg.DDIMEta = 1
	cfg.ClipMin, cfg.ClipMax = -1e6, 1e6
	e := mustEngine(t, denoiser.Zero(1, testCondDim, 0), cfg)
	const batchSize = 500
	cond := randomTensor(rand.New(rand.NewPCG(0, 1)), batchSize, testCondDim)

	// Same seed: the noise draws are the same, and so are the samples.
	ancestral, err := NewSampler(backend, context.New(), e, 3).AncestralSample(cond, nil, NoGuidance)
	require.NoError(t, err)
	ddim, err := NewSampler(backend, context.New(), e, 3).DDIMSample(cond, nil, NoGuidance)
	require.NoError(t, err)
	ancestralValues, ddimValues := float64Data(ancestral), float64Data(ddim)
	for ii, v := range ddimValues {
		require.InDelta(t, ancestralValues[ii], v, 1e-3*max(1, math.Abs(v)), "element %d", ii)
	}

	// Different seeds: same distribution.
	ddim, err = NewSampler(backend, context.New(), e, 4).DDIMSample(cond, nil, NoGuidance)
	require.NoError(t, err)
	ddimValues = float64Data(ddim)
	meanA, varianceA := stat.MeanVariance(ancestralValues, nil)
	meanD, varianceD := stat.MeanVariance(ddimValues, nil)
	require.Less(t, math.Abs(meanA-meanD), 0.2*math.Sqrt(varianceA))
	require.InDelta(t, 1.0, varianceD/varianceA, 0.15)
}

// scaledInputModel returns a network that outputs 0.3·x.
func scaledInputModel() *denoiser.Func {
	return &denoiser.Func{
		NumChannels:   testChannels,
		CondDimension: testCondDim,
		Fn: func(_ *context.Context, x, _, _, _ *graph.Node, _ float64) *graph.Node {
			return graph.MulScalar(x, 0.3)
		},
	}
}

// TestDDIMDeterministic checks that DDIM with eta=0 doesn't depend on the random number generator.
func TestDDIMDeterministic(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := testConfig(PredV)
	cfg.SamplingTimesteps = 10
	e := mustEngine(t, scaledInputModel(), cfg)
	rng := rand.New(rand.NewPCG(21, 22))
	cond := randomTensor(rng, testBatch, testCondDim)
	start := randomTensor(rng, testBatch, testChannels, testSeqLen)
	startCopy := tensors.CopyFlatData[float32](start)

	got1, err := NewSampler(backend, context.New(), e, 1).Inference(cond, nil, start, 10, NoGuidance)
	require.NoError(t, err)
	got2, err := NewSampler(backend, context.New(), e, 2).Inference(cond, nil, start, 10, NoGuidance)
	require.NoError(t, err)
	require.Equal(t, tensors.CopyFlatData[float32](got1), tensors.CopyFlatData[float32](got2))
	require.Equal(t, startCopy, tensors.CopyFlatData[float32](start))

	// Sample with fewer sampling steps than timesteps uses DDIM: still, the starting noise is random.
	s := NewSampler(backend, context.New(), e, 1)
	sample1, err := s.Sample(cond, nil, NoGuidance)
	require.NoError(t, err)
	sample2, err := s.Sample(cond, nil, NoGuidance)
	require.NoError(t, err)
	require.NotEqual(t, tensors.CopyFlatData[float32](sample1), tensors.CopyFlatData[float32](sample2))
	for _, v := range tensors.CopyFlatData[float32](sample1) {
		require.False(t, math.IsNaN(float64(v)))
	}
}

const (
	guidedInitDim     = 2
	guidedCFGScale    = 3.0
	guidedCondScale   = 2.0
	guidedRescaledPhi = 0.5
)

// guidedModel returns a network with initial states whose output depends on the condition, on the
// initial states, and on whether the condition was replaced by the null condition:
//
//	output = (0.3 + 0.1·c)·x + c + 0.5·i
//
// where c is the mean of the condition (-1 for the null condition) and i the mean of the initial states.
func guidedModel() *denoiser.Func {
	return &denoiser.Func{
		NumChannels:   testChannels,
		CondDimension: testCondDim,
		InitDimension: guidedInitDim,
		Fn: func(_ *context.Context, x, _, cond, inits *graph.Node, condDropProb float64) *graph.Node {
			batchSize := x.Shape().Dimensions[0]
			condMean := graph.Reshape(graph.ReduceMean(cond, 1), batchSize, 1, 1)
			if condDropProb >= 1 {
				condMean = graph.MulScalar(graph.OnesLike(condMean), -1)
			}
			initsMean := graph.Reshape(graph.ReduceMean(inits, 1), batchSize, 1, 1)
			return graph.Add(
				graph.Mul(graph.AddScalar(graph.MulScalar(condMean, 0.1), 0.3), x),
				graph.Add(condMean, graph.MulScalar(initsMean, 0.5)))
		},
	}
}

// hostGuidedOutput replicates the output of guidedModel for one example x, composed with the
// null-embedding blend and the classifier-free guidance.
func hostGuidedOutput(x []float64, condMean, initsMean float64) []float64 {
	model := func(condMean, initsMean float64) []float64 {
		output := make([]float64, len(x))
		for ii, v := range x {
			output[ii] = (0.3+0.1*condMean)*v + condMean + 0.5*initsMean
		}
		return output
	}
	withCondScale := func(condMean, initsMean float64) []float64 {
		full, null := model(condMean, initsMean), model(-1, initsMean)
		scaled := make([]float64, len(x))
		for ii := range scaled {
			scaled[ii] = null[ii] + guidedCondScale*(full[ii]-null[ii])
		}
		ratio := stat.StdDev(full, nil) / stat.StdDev(scaled, nil)
		for ii, v := range scaled {
			scaled[ii] = guidedRescaledPhi*v*ratio + (1-guidedRescaledPhi)*v
		}
		return scaled
	}
	conditioned, unconditioned := withCondScale(condMean, initsMean), withCondScale(0, 0)
	for ii := range conditioned {
		conditioned[ii] = unconditioned[ii] + guidedCFGScale*(conditioned[ii]-unconditioned[ii])
	}
	return conditioned
}

// hostGuidedDDIMSample replicates, in float64 on the host, DDIMSample of guidedModel with eta=0 and the
// noise objective.
func hostGuidedDDIMSample(t *testing.T, cfg Config, coefs *schedule.Coefficients, seed uint64, cond, inits []float32) []float64 {
	batchSize := len(cond) / testCondDim
	exampleSize := testChannels * testSeqLen
	rng := newRNG(seed)
	x := make([]float64, batchSize*exampleSize)
	for ii := range x {
		x[ii] = float64(float32(rng.NormFloat64()))
	}
	mean := func(values []float32) float64 {
		var sum float64
		for _, v := range values {
			sum += float64(v)
		}
		return sum / float64(len(values))
	}
	pairs, err := schedule.DDIMTimePairs(cfg.Timesteps, cfg.SamplingTimesteps)
	require.NoError(t, err)
	for _, pair := range pairs {
		for example := range batchSize {
			xExample := x[example*exampleSize : (example+1)*exampleSize]
			noise := hostGuidedOutput(xExample,
				mean(cond[example*testCondDim:(example+1)*testCondDim]),
				mean(inits[example*guidedInitDim:(example+1)*guidedInitDim]))
			for ii, v := range xExample {
				xStart := coefs.SqrtRecipAlphasCumprod[pair.Time]*v - coefs.SqrtRecipm1AlphasCumprod[pair.Time]*noise[ii]
				xStart = min(max(xStart, cfg.ClipMin), cfg.ClipMax)
				if pair.TimeNext < 0 {
					xExample[ii] = xStart
					continue
				}
				sqrtAlphaNext, noiseCoef, _ := coefs.DDIMStep(pair.Time, pair.TimeNext, 0)
				xExample[ii] = xStart*sqrtAlphaNext + noiseCoef*noise[ii]
			}
		}
	}
	return x
}

// TestGuidedDDIMSample checks the sampling loop with initial states, classifier-free guidance and
// the null-embedding blend against a host reference.
func TestGuidedDDIMSample(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := testConfig(PredNoise)
	cfg.SamplingTimesteps = 2
	cfg.ClipMin, cfg.ClipMax = -1e6, 1e6
	cfg.ClassifierFreeGuidance = true
	cfg.CFGGuidanceScale = guidedCFGScale
	e := mustEngine(t, guidedModel(), cfg)
	rng := rand.New(rand.NewPCG(31, 32))
	cond := randomTensor(rng, testBatch, testCondDim)
	inits := randomTensor(rng, testBatch, guidedInitDim)
	guide := Guidance{CondScale: guidedCondScale, RescaledPhi: guidedRescaledPhi}

	const seed = 5
	s := NewSampler(backend, context.New(), e, seed)
	got, err := s.DDIMSample(cond, inits, guide)
	require.NoError(t, err)
	// One DDIM step and the final denoising step.
	require.Equal(t, 2, s.NumCompilations)
	want := hostGuidedDDIMSample(t, cfg, e.Coefficients(), seed,
		tensors.CopyFlatData[float32](cond), tensors.CopyFlatData[float32](inits))
	for ii, v := range float64Data(got) {
		require.InDelta(t, want[ii], v, 1e-3*max(1, math.Abs(want[ii])), "element %d", ii)
	}

	// Same guidance: the compiled steps are reused.
	_, err = s.DDIMSample(cond, inits, guide)
	require.NoError(t, err)
	require.Equal(t, 2, s.NumCompilations)

	// A different guidance compiles its own steps.
	unguided, err := s.DDIMSample(cond, inits, NoGuidance)
	require.NoError(t, err)
	require.Equal(t, 4, s.NumCompilations)
	require.Equal(t, got.Shape(), unguided.Shape())

	// Initial states are required by this network.
	_, err = s.DDIMSample(cond, nil, guide)
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestInferenceErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	e := mustEngine(t, denoiser.Zero(testChannels, testCondDim, 0), testConfig(PredNoise))
	s := NewSampler(backend, context.New(), e, 1)
	rng := rand.New(rand.NewPCG(1, 1))
	cond := randomTensor(rng, testBatch, testCondDim)
	start := randomTensor(rng, testBatch, testChannels, testSeqLen)

	for _, startTimestep := range []int{0, -1, 51} {
		_, err := s.Inference(cond, nil, start, startTimestep, NoGuidance)
		require.ErrorIs(t, err, ErrConfiguration, "start timestep %d", startTimestep)
	}
	_, err := s.Inference(cond, nil, nil, 10, NoGuidance)
	require.ErrorIs(t, err, ErrShapeMismatch)
	_, err = s.Inference(cond, nil, randomTensor(rng, testBatch, testChannels, testSeqLen+1), 10, NoGuidance)
	require.ErrorIs(t, err, ErrShapeMismatch)
	_, err = s.Inference(randomTensor(rng, testBatch, testCondDim+1), nil, start, 10, NoGuidance)
	require.ErrorIs(t, err, ErrShapeMismatch)

	_, err = s.Sample(nil, nil, NoGuidance)
	require.ErrorIs(t, err, ErrShapeMismatch)
	_, err = s.Sample(cond, randomTensor(rng, testBatch, 2), NoGuidance)
	require.ErrorIs(t, err, ErrShapeMismatch)
	require.Zero(t, s.NumCompilations)
}

// TestDiffuse checks the statistics of data diffused to the last timestep.
func TestDiffuse(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	e := mustEngine(t, denoiser.Zero(testChannels, testCondDim, 0), testConfig(PredNoise))
	s := NewSampler(backend, context.New(), e, 5)
	const batchSize, seqLen = 64, 32
	ones := make([]float32, batchSize*testChannels*seqLen)
	for ii := range ones {
		ones[ii] = 1
	}
	data := tensors.FromFlatDataAndDimensions(ones, batchSize, testChannels, seqLen)
	diffused, err := s.Diffuse(data, e.Config().Timesteps)
	require.NoError(t, err)
	require.Equal(t, ones, tensors.CopyFlatData[float32](data))

	// The last linear beta is 0.4: alpha = 0.6.
	alpha := e.Coefficients().Alphas[e.Config().Timesteps-1]
	require.InDelta(t, 0.6, alpha, 1e-9)
	mean, variance := stat.MeanVariance(float64Data(diffused), nil)
	require.InDelta(t, math.Sqrt(alpha), mean, 0.05)
	require.InDelta(t, 1-alpha, variance, 0.05)

	for _, target := range []int{0, e.Config().Timesteps + 1} {
		_, err = s.Diffuse(data, target)
		require.ErrorIs(t, err, ErrConfiguration, "target %d", target)
	}
}

func TestInterpolate(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := testConfig(PredNoise)
	cfg.AutoNormalize = true
	e := mustEngine(t, denoiser.Zero(testChannels, testCondDim, 0), cfg)
	rng := rand.New(rand.NewPCG(31, 32))
	cond := randomTensor(rng, testBatch, testCondDim)
	x1 := randomTensor(rng, testBatch, testChannels, testSeqLen)
	x2 := randomTensor(rng, testBatch, testChannels, testSeqLen)
	x3 := randomTensor(rng, testBatch, testChannels, testSeqLen)

	// With lambda=0 the second sample has no influence.
	got1, err := NewSampler(backend, context.New(), e, 9).Interpolate(x1, x2, cond, nil, 20, 0, NoGuidance)
	require.NoError(t, err)
	got2, err := NewSampler(backend, context.New(), e, 9).Interpolate(x1, x3, cond, nil, 20, 0, NoGuidance)
	require.NoError(t, err)
	require.InDeltaSlice(t, tensors.CopyFlatData[float32](got1), tensors.CopyFlatData[float32](got2), 1e-6)

	// Results are not unnormalized: the final x0 clipping bounds them to [ClipMin, ClipMax]
	// on the normalized scale.
	got3, err := NewSampler(backend, context.New(), e, 9).Interpolate(x1, x2, cond, nil, -1, 0.5, NoGuidance)
	require.NoError(t, err)
	values := float64Data(got3)
	require.GreaterOrEqual(t, slices.Min(values), cfg.ClipMin-1e-4)
	require.LessOrEqual(t, slices.Max(values), cfg.ClipMax+1e-4)

	s := NewSampler(backend, context.New(), e, 9)
	_, err = s.Interpolate(x1, x2, cond, nil, cfg.Timesteps, 0.5, NoGuidance)
	require.ErrorIs(t, err, ErrConfiguration)
	_, err = s.Interpolate(x1, randomTensor(rng, testBatch, testChannels, testSeqLen+1), cond, nil, 10, 0.5, NoGuidance)
	require.ErrorIs(t, err, ErrShapeMismatch)
}
