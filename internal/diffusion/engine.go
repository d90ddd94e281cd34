// Package diffusion implements a conditional DDPM/DDIM diffusion engine for sequence-shaped data
// (samples shaped [batch, channels, seqLength]), on top of GoMLX.
//
// The Engine holds the immutable schedule coefficients and builds the computation graphs: forward
// noising (QSample), the conversions among the noise/x0/v parameterizations, the posterior, the
// reverse steps and the training loss. The Sampler runs the sequential reverse loops (ancestral
// and DDIM) on top of it.
//
// Everything in the Engine is read-only after construction, so it can be shared by concurrent
// samplers.
package diffusion

import (
	"github.com/JunWangStanford2026/Diffusion-Based-AV-Safety-Validation/internal/denoiser"
	"github.com/JunWangStanford2026/Diffusion-Based-AV-Safety-Validation/internal/guidance"
	"github.com/JunWangStanford2026/Diffusion-Based-AV-Safety-Validation/internal/schedule"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"math"
)

// Engine of the diffusion process. Create it with New.
type Engine struct {
	config Config
	model  denoiser.Denoiser
	coefs  *schedule.Coefficients

	// lossWeights per timestep, for the configured objective.
	lossWeights []float64
}

// New creates an Engine for the given denoising network and configuration.
//
// It returns an error wrapping ErrConfiguration if the configuration is invalid.
func New(model denoiser.Denoiser, config Config) (*Engine, error) {
	if model == nil {
		return nil, errors.Wrap(ErrConfiguration, "denoising network (model) is nil")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	coefs, err := schedule.New(config.Timesteps, config.Schedule)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to build the noise schedule")
	}
	e := &Engine{
		config: config,
		model:  model,
		coefs:  coefs,
	}
	e.lossWeights = coefs.LossWeights(config.Objective.rule().lossWeight)
	klog.V(1).Infof("diffusion engine: %s", config)
	return e, nil
}

// Config returns the configuration of the engine.
func (e *Engine) Config() Config { return e.config }

// Model returns the denoising network.
func (e *Engine) Model() denoiser.Denoiser { return e.model }

// Coefficients returns the (read-only) schedule coefficients.
func (e *Engine) Coefficients() *schedule.Coefficients { return e.coefs }

// LossWeights returns the (read-only) per-timestep loss weights of the configured objective.
func (e *Engine) LossWeights() []float64 { return e.lossWeights }

// Extract gathers values[t[i]] for each element i of the batch of timesteps t (shaped [batch],
// any integer dtype), and reshapes the result to [batch, 1, ..., 1] with the given rank, so
// it broadcasts over samples of that rank. The result is converted to dtype.
//
// It panics if t is not a 1D integer tensor.
func Extract(values []float64, t *Node, rank int, dtype dtypes.DType) *Node {
	if t.Rank() != 1 || !t.DType().IsInt() {
		exceptions.Panicf("diffusion.Extract requires timesteps shaped [batch] with an integer dtype, got %s", t.Shape())
	}
	g := t.Graph()
	table := ConvertDType(Const(g, values), dtype)
	indices := ExpandAxes(ConvertDType(t, dtypes.Int32), -1)
	gathered := Gather(table, indices) // [batch]
	dims := make([]int, rank)
	for ii := range dims {
		dims[ii] = 1
	}
	dims[0] = t.Shape().Dimensions[0]
	return Reshape(gathered, dims...)
}

// extract values broadcast to the shape of like.
func (e *Engine) extract(values []float64, t, like *Node) *Node {
	return Extract(values, t, like.Rank(), like.DType())
}

// PredictStartFromNoise: x0 = sqrt(1/acp)·x_t − sqrt(1/acp − 1)·ε.
func (e *Engine) PredictStartFromNoise(xT, t, noise *Node) *Node {
	return Sub(
		Mul(e.extract(e.coefs.SqrtRecipAlphasCumprod, t, xT), xT),
		Mul(e.extract(e.coefs.SqrtRecipm1AlphasCumprod, t, xT), noise))
}

// PredictNoiseFromStart: ε = (sqrt(1/acp)·x_t − x0) / sqrt(1/acp − 1).
func (e *Engine) PredictNoiseFromStart(xT, t, xStart *Node) *Node {
	return Div(
		Sub(Mul(e.extract(e.coefs.SqrtRecipAlphasCumprod, t, xT), xT), xStart),
		e.extract(e.coefs.SqrtRecipm1AlphasCumprod, t, xT))
}

// PredictV: v = sqrt(acp)·ε − sqrt(1 − acp)·x0.
func (e *Engine) PredictV(xStart, t, noise *Node) *Node {
	return Sub(
		Mul(e.extract(e.coefs.SqrtAlphasCumprod, t, xStart), noise),
		Mul(e.extract(e.coefs.SqrtOneMinusAlphasCumprod, t, xStart), xStart))
}

// PredictStartFromV: x0 = sqrt(acp)·x_t − sqrt(1 − acp)·v.
func (e *Engine) PredictStartFromV(xT, t, v *Node) *Node {
	return Sub(
		Mul(e.extract(e.coefs.SqrtAlphasCumprod, t, xT), xT),
		Mul(e.extract(e.coefs.SqrtOneMinusAlphasCumprod, t, xT), v))
}

func (e *Engine) maybeClip(x *Node, clip bool) *Node {
	if !clip {
		return x
	}
	return ClipScalar(x, e.config.ClipMin, e.config.ClipMax)
}

// Prediction of the network, converted to both the noise and the clean sample.
type Prediction struct {
	Noise, XStart *Node
}

// Guidance parameters for the null-embedding interpolation done at the network level.
// See guidance.CondScale.
type Guidance struct {
	CondScale, RescaledPhi float64
}

// NoGuidance uses only the fully conditioned network output.
var NoGuidance = Guidance{CondScale: 1}

// ModelOutput returns the raw network output, composed with the guidance mechanisms configured:
// the null-embedding interpolation (g) and, if enabled, the classifier-free guidance.
// inits may be nil if the network doesn't use initial states.
func (e *Engine) ModelOutput(ctx *context.Context, x, t, cond, inits *Node, g Guidance) *Node {
	output := denoiser.ForwardWithCondScale(ctx, e.model, x, t, cond, inits, g.CondScale, g.RescaledPhi)
	if !e.config.ClassifierFreeGuidance {
		return output
	}
	var zeroInits *Node
	if inits != nil {
		zeroInits = ZerosLike(inits)
	}
	unguided := denoiser.ForwardWithCondScale(ctx, e.model, x, t, ZerosLike(cond), zeroInits, g.CondScale, g.RescaledPhi)
	return guidance.ClassifierFree(output, unguided, e.config.CFGGuidanceScale)
}

// ModelPredictions calls the network and converts its output to (ε, x0) according to the objective.
// If clipXStart, x0 is clipped to [ClipMin, ClipMax], and for the noise objective ε is re-derived
// from the clipped x0 if rederiveNoise is also set.
func (e *Engine) ModelPredictions(ctx *context.Context, x, t, cond, inits *Node, g Guidance,
	clipXStart, rederiveNoise bool) Prediction {
	output := e.ModelOutput(ctx, x, t, cond, inits, g)
	return e.PredictionsFromOutput(x, t, output, clipXStart, rederiveNoise)
}

// PredictionsFromOutput converts the raw network output to (ε, x0) according to the objective.
func (e *Engine) PredictionsFromOutput(x, t, output *Node, clipXStart, rederiveNoise bool) Prediction {
	noise, xStart := e.config.Objective.rule().predictions(e, x, t, output, clipXStart, rederiveNoise)
	return Prediction{Noise: noise, XStart: xStart}
}

// Posterior of q(x_{t-1} | x_t, x0).
type Posterior struct {
	Mean, Variance, LogVariance *Node
}

// QPosterior returns the mean, variance and (clipped) log-variance of q(x_{t-1} | x_t, x0).
// Variance and log-variance are shaped [batch, 1, ..., 1].
func (e *Engine) QPosterior(xStart, xT, t *Node) Posterior {
	return Posterior{
		Mean: Add(
			Mul(e.extract(e.coefs.PosteriorMeanCoef1, t, xT), xStart),
			Mul(e.extract(e.coefs.PosteriorMeanCoef2, t, xT), xT)),
		Variance:    e.extract(e.coefs.PosteriorVariance, t, xT),
		LogVariance: e.extract(e.coefs.PosteriorLogVarianceClipped, t, xT),
	}
}

// PMeanVariance returns the posterior of the reverse step using the x0 predicted by the network,
// and the predicted x0 itself (clipped if clipDenoised).
func (e *Engine) PMeanVariance(ctx *context.Context, x, t, cond, inits *Node, g Guidance, clipDenoised bool) (Posterior, *Node) {
	preds := e.ModelPredictions(ctx, x, t, cond, inits, g, false, false)
	xStart := e.maybeClip(preds.XStart, clipDenoised)
	return e.QPosterior(xStart, x, t), xStart
}

// QSample noises xStart to timesteps t (shaped [batch]): sqrt(acp)·x0 + sqrt(1 − acp)·noise.
func (e *Engine) QSample(xStart, t, noise *Node) *Node {
	return Add(
		Mul(e.extract(e.coefs.SqrtAlphasCumprod, t, xStart), xStart),
		Mul(e.extract(e.coefs.SqrtOneMinusAlphasCumprod, t, xStart), noise))
}

// DiffuseCoefficients returns the coefficients of the direct jump from clean data to
// targetTimestep: x = sqrt(alpha)·data + sqrt(1 − alpha)·noise, where alpha is the per-step
// alpha (not the cumulative product) at index targetTimestep-1.
//
// Valid targets are 1 to T.
func (e *Engine) DiffuseCoefficients(targetTimestep int) (sqrtAlpha, sqrtOneMinusAlpha float64, err error) {
	if targetTimestep < 1 || targetTimestep > e.config.Timesteps {
		err = errors.Wrapf(ErrConfiguration, "diffuse target timestep must be in [1, %d], got %d",
			e.config.Timesteps, targetTimestep)
		return
	}
	alpha := e.coefs.Alphas[targetTimestep-1]
	return math.Sqrt(alpha), math.Sqrt(1 - alpha), nil
}
