// Package denoiser defines what the diffusion engine requires from the denoising network.
//
// The network itself (see package unet for an implementation) is a conditional
// sequence-to-sequence GoMLX model: it maps a noisy sample shaped [batch, channels, seqLength],
// a batch of timesteps, a condition [batch, condDim] and optionally an initial state
// [batch, initDim] to an output shaped like the sample.
package denoiser

import (
	"github.com/JunWangStanford2026/Diffusion-Based-AV-Safety-Validation/internal/guidance"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
)

// Denoiser is the capability contract of the denoising network.
type Denoiser interface {
	// Channels of the samples.
	Channels() int

	// CondDim is the dimension of the condition vectors.
	CondDim() int

	// InitDim is the dimension of the initial-state vectors, or 0 if the network doesn't use them.
	InitDim() int

	// CondDropProb is the default probability of replacing the condition by the learned null
	// condition, used when the network is called directly (e.g. during training).
	CondDropProb() float64

	// ForwardGraph returns the network output, shaped as x. t is shaped [batch] (Int32).
	// inits may be nil if InitDim() == 0.
	//
	// condDropProb is the probability, per example, of replacing the condition by the null condition.
	ForwardGraph(ctx *context.Context, x, t, cond, inits *graph.Node, condDropProb float64) *graph.Node
}

// ForwardWithCondScale calls the network with full conditioning and, if condScale != 1, also with
// the null condition, and blends both with guidance.CondScale.
func ForwardWithCondScale(ctx *context.Context, d Denoiser, x, t, cond, inits *graph.Node,
	condScale, rescaledPhi float64) *graph.Node {
	logits := d.ForwardGraph(ctx, x, t, cond, inits, 0)
	if condScale == 1 {
		return logits
	}
	nullLogits := d.ForwardGraph(ctx, x, t, cond, inits, 1)
	return guidance.CondScale(logits, nullLogits, condScale, rescaledPhi)
}

// ForwardFn is the signature of Denoiser.ForwardGraph.
type ForwardFn func(ctx *context.Context, x, t, cond, inits *graph.Node, condDropProb float64) *graph.Node

// Func adapts a ForwardFn into a Denoiser. Useful for tests and for wrapping
// networks defined as plain graph functions.
type Func struct {
	NumChannels, CondDimension, InitDimension int
	DropProb                                  float64
	Fn                                        ForwardFn
}

// Compile-time assert that Func implements Denoiser.
var _ Denoiser = (*Func)(nil)

func (f *Func) Channels() int         { return f.NumChannels }
func (f *Func) CondDim() int          { return f.CondDimension }
func (f *Func) InitDim() int          { return f.InitDimension }
func (f *Func) CondDropProb() float64 { return f.DropProb }

// ForwardGraph implements Denoiser.
func (f *Func) ForwardGraph(ctx *context.Context, x, t, cond, inits *graph.Node, condDropProb float64) *graph.Node {
	return f.Fn(ctx, x, t, cond, inits, condDropProb)
}

// Zero returns a Denoiser that always outputs zeros.
func Zero(channels, condDim, initDim int) *Func {
	return &Func{
		NumChannels:   channels,
		CondDimension: condDim,
		InitDimension: initDim,
		Fn: func(_ *context.Context, x, _, _, _ *graph.Node, _ float64) *graph.Node {
			return graph.ZerosLike(x)
		},
	}
}
