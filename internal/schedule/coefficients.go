package schedule

import (
	"github.com/JunWangStanford2026/Diffusion-Based-AV-Safety-Validation/internal/generics"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"math"
	"slices"
)

// MinPosteriorVariance is the lower bound applied to the posterior variance before taking its
// logarithm: the true variance is 0 at t=0.
const MinPosteriorVariance = 1e-20

// Coefficients holds all the closed-form per-timestep arrays derived from a schedule of betas.
// All arrays have length Timesteps and are indexed by the timestep index, 0 being the least noisy.
//
// It is immutable after construction and safe for concurrent reads.
type Coefficients struct {
	Timesteps int

	Betas, Alphas                    []float64
	AlphasCumprod, AlphasCumprodPrev []float64

	// Diffusion q(x_t | x_{t-1}) and conversions.
	SqrtAlphasCumprod         []float64
	SqrtOneMinusAlphasCumprod []float64
	LogOneMinusAlphasCumprod  []float64
	SqrtRecipAlphasCumprod    []float64
	SqrtRecipm1AlphasCumprod  []float64

	// Posterior q(x_{t-1} | x_t, x_0).
	PosteriorVariance           []float64
	PosteriorLogVarianceClipped []float64
	PosteriorMeanCoef1          []float64
	PosteriorMeanCoef2          []float64

	// SNR is the signal-to-noise ratio acp_t/(1-acp_t), the base for the loss weights.
	SNR []float64
}

// NewCoefficients derives all coefficients from betas. It returns ErrConfiguration if betas
// is empty or if any value is outside [0, 1).
func NewCoefficients(betas []float64) (*Coefficients, error) {
	if len(betas) == 0 {
		return nil, errors.Wrap(ErrConfiguration, "empty betas")
	}
	for ii, beta := range betas {
		if beta < 0 || beta >= 1 || math.IsNaN(beta) {
			return nil, errors.Wrapf(ErrConfiguration, "beta[%d]=%g is out of range [0, 1)", ii, beta)
		}
	}
	n := len(betas)
	c := &Coefficients{Timesteps: n, Betas: slices.Clone(betas)}

	c.Alphas = make([]float64, n)
	for ii, beta := range betas {
		c.Alphas[ii] = 1 - beta
	}
	c.AlphasCumprod = floats.CumProd(make([]float64, n), c.Alphas)
	c.AlphasCumprodPrev = make([]float64, n)
	c.AlphasCumprodPrev[0] = 1
	copy(c.AlphasCumprodPrev[1:], c.AlphasCumprod[:n-1])

	c.SqrtAlphasCumprod = generics.SliceMap(c.AlphasCumprod, math.Sqrt)
	c.SqrtOneMinusAlphasCumprod = generics.SliceMap(c.AlphasCumprod, func(acp float64) float64 { return math.Sqrt(1 - acp) })
	c.LogOneMinusAlphasCumprod = generics.SliceMap(c.AlphasCumprod, func(acp float64) float64 { return math.Log(1 - acp) })
	c.SqrtRecipAlphasCumprod = generics.SliceMap(c.AlphasCumprod, func(acp float64) float64 { return math.Sqrt(1 / acp) })
	c.SqrtRecipm1AlphasCumprod = generics.SliceMap(c.AlphasCumprod, func(acp float64) float64 { return math.Sqrt(1/acp - 1) })

	c.PosteriorVariance = make([]float64, n)
	c.PosteriorLogVarianceClipped = make([]float64, n)
	c.PosteriorMeanCoef1 = make([]float64, n)
	c.PosteriorMeanCoef2 = make([]float64, n)
	c.SNR = make([]float64, n)
	for ii, beta := range betas {
		acp, acpPrev := c.AlphasCumprod[ii], c.AlphasCumprodPrev[ii]
		c.PosteriorVariance[ii] = beta * (1 - acpPrev) / (1 - acp)
		c.PosteriorLogVarianceClipped[ii] = math.Log(max(c.PosteriorVariance[ii], MinPosteriorVariance))
		c.PosteriorMeanCoef1[ii] = beta * math.Sqrt(acpPrev) / (1 - acp)
		c.PosteriorMeanCoef2[ii] = (1 - acpPrev) * math.Sqrt(c.Alphas[ii]) / (1 - acp)
		c.SNR[ii] = acp / (1 - acp)
	}
	return c, nil
}

// New builds the betas for the given number of timesteps and kind, and derives all coefficients.
func New(timesteps int, kind Kind) (*Coefficients, error) {
	betas, err := Betas(timesteps, kind)
	if err != nil {
		return nil, err
	}
	return NewCoefficients(betas)
}

// LossWeights maps the SNR through weightFn, one weight per timestep.
func (c *Coefficients) LossWeights(weightFn func(snr float64) float64) []float64 {
	return generics.SliceMap(c.SNR, weightFn)
}

// TimePair is a (time, timeNext) step of a DDIM trajectory. TimeNext is -1 on the final step,
// meaning no further noise.
type TimePair struct {
	Time, TimeNext int
}

// DDIMTimePairs returns the sequence of steps of a DDIM trajectory of samplingSteps steps over
// a chain of totalTimesteps: samplingSteps+1 evenly spaced indices from -1 to totalTimesteps-1,
// truncated towards zero, reversed and paired consecutively.
//
// E.g.: for samplingSteps == totalTimesteps == T it returns (T-1, T-2), ..., (1, 0), (0, -1).
func DDIMTimePairs(totalTimesteps, samplingSteps int) ([]TimePair, error) {
	if totalTimesteps <= 0 || samplingSteps <= 0 {
		return nil, errors.Wrapf(ErrConfiguration, "invalid DDIM steps: totalTimesteps=%d, samplingSteps=%d",
			totalTimesteps, samplingSteps)
	}
	if samplingSteps > totalTimesteps {
		return nil, errors.Wrapf(ErrConfiguration, "sampling steps (%d) must be <= total timesteps (%d)",
			samplingSteps, totalTimesteps)
	}
	times := linspace(-1, float64(totalTimesteps-1), samplingSteps+1)
	pairs := make([]TimePair, samplingSteps)
	for ii := range pairs {
		// Reversed: pair ii goes from times[n-ii] to times[n-ii-1].
		jj := samplingSteps - ii
		pairs[ii] = TimePair{Time: int(math.Trunc(times[jj])), TimeNext: int(math.Trunc(times[jj-1]))}
	}
	return pairs, nil
}

// DDIMStep returns the coefficients of a non-final DDIM update from time to timeNext:
//
//	x_next = x0·sqrtAlphaNext + c·ε + sigma·noise
//
// with alpha=acp[time], alphaNext=acp[timeNext],
// sigma = eta·sqrt((1 - alpha/alphaNext)·(1 - alphaNext)/(1 - alpha)) and
// c = sqrt(1 - alphaNext - sigma²).
func (c *Coefficients) DDIMStep(time, timeNext int, eta float64) (sqrtAlphaNext, noiseCoef, sigma float64) {
	alpha := c.AlphasCumprod[time]
	alphaNext := c.AlphasCumprod[timeNext]
	sigma = eta * math.Sqrt((1-alpha/alphaNext)*(1-alphaNext)/(1-alpha))
	noiseCoef = math.Sqrt(1 - alphaNext - sigma*sigma)
	sqrtAlphaNext = math.Sqrt(alphaNext)
	return
}
