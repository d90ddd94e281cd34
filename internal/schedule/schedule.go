// Package schedule builds the noise-variance schedules (betas) of the diffusion chain and
// all the closed-form coefficients derived from them.
//
// Everything here is computed on the host in float64 and is immutable once built: the
// engine converts the arrays to the sample dtype when it uploads them to the graph.
package schedule

import (
	"fmt"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"math"
	"strings"
)

// ErrConfiguration is returned for invalid schedule parameters: unknown kinds or
// non-positive number of timesteps. The diffusion engine returns the same error for its own
// invalid configurations.
var ErrConfiguration = errors.New("invalid diffusion configuration")

// Kind of beta schedule.
type Kind int

const (
	KindLinear Kind = iota
	KindCosine
)

// CosineOffset is the small offset "s" of the cosine schedule, that prevents betas from
// being too small near t=0.
const CosineOffset = 0.008

// MaxCosineBeta clips the cosine betas, to prevent singularities at the end of the chain.
const MaxCosineBeta = 0.999

var kindNames = map[Kind]string{
	KindLinear: "linear",
	KindCosine: "cosine",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if name, found := kindNames[k]; found {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind converts "linear" or "cosine" (case-insensitive) to a Kind.
func ParseKind(name string) (Kind, error) {
	for kind, kindName := range kindNames {
		if strings.EqualFold(kindName, name) {
			return kind, nil
		}
	}
	return KindLinear, errors.Wrapf(ErrConfiguration, "unknown beta schedule %q", name)
}

// Betas returns the T noise-variance values for the given kind of schedule.
func Betas(timesteps int, kind Kind) ([]float64, error) {
	if timesteps <= 0 {
		return nil, errors.Wrapf(ErrConfiguration, "number of timesteps must be > 0, got %d", timesteps)
	}
	switch kind {
	case KindLinear:
		return LinearBetas(timesteps), nil
	case KindCosine:
		return CosineBetas(timesteps, CosineOffset), nil
	default:
		return nil, errors.Wrapf(ErrConfiguration, "unknown beta schedule %s", kind)
	}
}

// LinearBetas interpolates linearly between scale*1e-4 and scale*2e-2, with scale=1000/T,
// so the total amount of noise is roughly independent of the number of timesteps.
func LinearBetas(timesteps int) []float64 {
	scale := 1000.0 / float64(timesteps)
	betaStart, betaEnd := scale*0.0001, scale*0.02
	return linspace(betaStart, betaEnd, timesteps)
}

// CosineAlphasCumprod returns the T+1 values of the cosine cumulative product of alphas,
// cos²(((t/T + s)/(1+s))·π/2), normalized so the first value is exactly 1.
func CosineAlphasCumprod(timesteps int, s float64) []float64 {
	steps := timesteps + 1
	x := linspace(0, float64(timesteps), steps)
	alphasCumprod := make([]float64, steps)
	for ii, xi := range x {
		c := math.Cos((xi/float64(timesteps) + s) / (1 + s) * math.Pi * 0.5)
		alphasCumprod[ii] = c * c
	}
	first := alphasCumprod[0]
	for ii := range alphasCumprod {
		alphasCumprod[ii] /= first
	}
	return alphasCumprod
}

// CosineBetas derives the betas from CosineAlphasCumprod: beta_t = 1 - acp(t)/acp(t-1),
// clipped to [0, MaxCosineBeta].
func CosineBetas(timesteps int, s float64) []float64 {
	alphasCumprod := CosineAlphasCumprod(timesteps, s)
	betas := make([]float64, timesteps)
	for ii := range betas {
		beta := 1 - alphasCumprod[ii+1]/alphasCumprod[ii]
		betas[ii] = min(max(beta, 0), MaxCosineBeta)
	}
	return betas
}

// linspace returns n evenly spaced values from start to end, inclusive.
// For n == 1 it returns just start.
func linspace(start, end float64, n int) []float64 {
	if n == 1 {
		return []float64{start}
	}
	return floats.Span(make([]float64, n), start, end)
}
