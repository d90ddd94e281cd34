package diffusion

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
)

// batchTimesteps broadcasts the scalar timestep t to [batch] Int32.
func batchTimesteps(t *Node, batchSize int) *Node {
	return BroadcastToDims(ConvertDType(t, dtypes.Int32), batchSize)
}

// AncestralUpdate returns mean + exp(0.5·logVariance)·noise, with the noise term forced to
// exactly zero if the scalar timestep t is 0: there is no stochasticity on the final step.
func AncestralUpdate(mean, logVariance, t, noise *Node) *Node {
	g := mean.Graph()
	isNotLast := ConvertDType(GreaterThan(t, ScalarZero(g, t.DType())), mean.DType())
	noise = Mul(noise, isNotLast)
	return Add(mean, Mul(Exp(MulScalar(logVariance, 0.5)), noise))
}

// AncestralStep builds one step of the ancestral sampler at the scalar timestep t: it returns
// x_{t-1}, sampled from the posterior of the predicted (and clipped) x0, and the predicted x0.
//
// noise must be shaped like x: it is ignored (multiplied by zero) at t == 0.
func (e *Engine) AncestralStep(ctx *context.Context, x, t, cond, inits, noise *Node, guide Guidance) (xPrev, xStart *Node) {
	batchT := batchTimesteps(t, x.Shape().Dimensions[0])
	posterior, xStart := e.PMeanVariance(ctx, x, batchT, cond, inits, guide, true)
	return AncestralUpdate(posterior.Mean, posterior.LogVariance, t, noise), xStart
}

// DDIMStep builds one non-final step of the DDIM sampler at the scalar timestep t:
//
//	x_next = x0·sqrtAlphaNext + noiseCoef·ε + sigma·noise
//
// The scalar coefficients are given by schedule.Coefficients.DDIMStep. If noise is nil
// (eta == 0) the last term is omitted, and the step is deterministic.
func (e *Engine) DDIMStep(ctx *context.Context, x, t, cond, inits, noise, sqrtAlphaNext, noiseCoef, sigma *Node,
	guide Guidance) (xNext, xStart *Node) {
	batchT := batchTimesteps(t, x.Shape().Dimensions[0])
	preds := e.ModelPredictions(ctx, x, batchT, cond, inits, guide, true, false)
	xNext = Add(
		Mul(preds.XStart, ConvertDType(sqrtAlphaNext, x.DType())),
		Mul(preds.Noise, ConvertDType(noiseCoef, x.DType())))
	if noise != nil {
		xNext = Add(xNext, Mul(noise, ConvertDType(sigma, x.DType())))
	}
	return xNext, preds.XStart
}

// DenoiseStep returns the predicted (and clipped) x0 at the scalar timestep t. It's the final
// step of the DDIM sampler.
func (e *Engine) DenoiseStep(ctx *context.Context, x, t, cond, inits *Node, guide Guidance) *Node {
	batchT := batchTimesteps(t, x.Shape().Dimensions[0])
	return e.ModelPredictions(ctx, x, batchT, cond, inits, guide, true, false).XStart
}

// DiffuseStep jumps directly from the clean data to a target timestep, given the coefficients
// returned by DiffuseCoefficients (scalars).
func DiffuseStep(data, noise, sqrtAlpha, sqrtOneMinusAlpha *Node) *Node {
	return Add(
		Mul(data, ConvertDType(sqrtAlpha, data.DType())),
		Mul(noise, ConvertDType(sqrtOneMinusAlpha, data.DType())))
}

// InterpolateStart noises x1 and x2 to the scalar timestep t with the given noises, and
// blends them: (1 − lambda)·xt1 + lambda·xt2.
func (e *Engine) InterpolateStart(x1, x2, noise1, noise2, t, lambda *Node) *Node {
	batchT := batchTimesteps(t, x1.Shape().Dimensions[0])
	xt1 := e.QSample(x1, batchT, noise1)
	xt2 := e.QSample(x2, batchT, noise2)
	lambda = ConvertDType(lambda, x1.DType())
	return Add(Mul(OneMinus(lambda), xt1), Mul(lambda, xt2))
}
