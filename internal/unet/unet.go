// Package unet implements a conditional 1D U-Net denoising network, for samples shaped
// [batch, channels, seqLength].
//
// The network is conditioned on the diffusion timestep (sinusoidal embedding followed by an MLP),
// on a condition vector and, for the fully conditioned variant, on an initial-state vector. The
// conditioning modulates (FiLM) every ResNet block. The condition can be replaced by a learned
// null embedding with a given probability, which is what denoiser.ForwardWithCondScale uses.
//
// Internally all sequences are channels-last: [batch, length, features].
package unet

import (
	"fmt"
	"github.com/JunWangStanford2026/Diffusion-Based-AV-Safety-Validation/internal/denoiser"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/pkg/errors"
	"math"
)

// Unet is the denoising network. It implements denoiser.Denoiser.
//
// It holds no variables: they live in the context passed to ForwardGraph, under the scope "unet".
// Since guidance calls the network more than once in the same graph, the context should be
// unchecked (see context.Context.Checked), so variables are reused.
type Unet struct {
	config Config
}

// Compile-time assert that Unet implements denoiser.Denoiser.
var _ denoiser.Denoiser = (*Unet)(nil)

// New creates a Unet with the given configuration. If config.InitDim > 0, it's a fully
// conditioned network: it requires initial states.
func New(config Config) (*Unet, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Unet{config: config}, nil
}

// NewFullyConditioned creates a Unet conditioned also on initial states of dimension initDim.
func NewFullyConditioned(config Config, initDim int) (*Unet, error) {
	if initDim <= 0 {
		return nil, errors.Wrapf(ErrConfiguration, "fully conditioned network requires init_dim > 0, got %d", initDim)
	}
	config.InitDim = initDim
	return New(config)
}

// NewFromContext creates a Unet configured by the hyperparameters of ctx. See Config.SetParams.
func NewFromContext(ctx *context.Context) (*Unet, error) {
	config, err := ConfigFromContext(ctx)
	if err != nil {
		return nil, err
	}
	return New(config)
}

// Config returns the network configuration.
func (u *Unet) Config() Config { return u.config }

func (u *Unet) Channels() int         { return u.config.Channels }
func (u *Unet) CondDim() int          { return u.config.CondDim }
func (u *Unet) InitDim() int          { return u.config.InitDim }
func (u *Unet) CondDropProb() float64 { return u.config.CondDropProb }

// sinusoidalEmbedding of the timesteps t (float, shaped [batch]), shaped [batch, 2*(dim/2)].
func sinusoidalEmbedding(t *Node, dim int, theta float64) *Node {
	g := t.Graph()
	half := dim / 2
	freqs := Iota(g, shapes.Make(t.DType(), half), 0)
	freqs = Exp(MulScalar(freqs, -math.Log(theta)/float64(half-1)))
	args := Mul(ExpandAxes(t, -1), ExpandAxes(freqs, 0))
	return Concatenate([]*Node{Sin(args), Cos(args)}, -1)
}

// mlp is a two layers perceptron with a GELU activation in between.
func mlp(ctx *context.Context, x *Node, dim int) *Node {
	x = layers.Dense(ctx.In("dense_0"), x, true, dim)
	x = activations.Gelu(x)
	return layers.Dense(ctx.In("dense_1"), x, true, dim)
}

// nullCondition replaces, per example with probability condDropProb, the condition by the learned
// null embedding (initialized to -1).
//
// Only a fractional condDropProb draws random numbers: with 0 or 1 the graph doesn't touch the
// context's random number generator state, so it can be executed concurrently.
func (u *Unet) nullCondition(ctx *context.Context, cond *Node, condDropProb float64) *Node {
	g := cond.Graph()
	batchSize, condDim := cond.Shape().Dimensions[0], cond.Shape().Dimensions[1]
	null := ctx.In("null_cond").VariableWithValue("embedding", filledSlice(condDim, -1)).ValueGraph(g)
	if condDropProb <= 0 {
		return cond
	}
	null = BroadcastToDims(Reshape(ConvertDType(null, cond.DType()), 1, condDim), batchSize, condDim)
	if condDropProb >= 1 {
		return null
	}
	keep := LessThan(
		ctx.RandomUniform(g, shapes.Make(cond.DType(), batchSize, 1)),
		Scalar(g, cond.DType(), 1-condDropProb))
	keep = BroadcastToDims(keep, batchSize, condDim)
	return Where(keep, cond, null)
}

// conditioning returns the embedding that modulates the ResNet blocks: the concatenation of the
// time embedding, the condition and, if used, the initial states.
func (u *Unet) conditioning(ctx *context.Context, t, cond, inits *Node, condDropProb float64) *Node {
	cfg := u.config
	timeEmb := sinusoidalEmbedding(t, cfg.Dim, cfg.SinusoidalTheta)
	timeEmb = mlp(ctx.In("time_mlp"), timeEmb, cfg.timeDim())
	parts := []*Node{timeEmb, u.nullCondition(ctx, cond, condDropProb)}
	if cfg.InitDim > 0 {
		if cfg.InitsEmbedding {
			inits = mlp(ctx.In("inits_mlp"), inits, cfg.timeDim())
		}
		parts = append(parts, inits)
	}
	return Concatenate(parts, -1)
}

// checkInputs panics if the inputs are not shaped as configured.
func (u *Unet) checkInputs(x, t, cond, inits *Node) {
	cfg := u.config
	if x.Rank() != 3 || x.Shape().Dimensions[1] != cfg.Channels {
		exceptions.Panicf("unet: x must be shaped [batch, %d, seq_length], got %s", cfg.Channels, x.Shape())
	}
	batchSize, seqLength := x.Shape().Dimensions[0], x.Shape().Dimensions[2]
	if seqLength%cfg.SeqLengthMultiple() != 0 {
		exceptions.Panicf("unet: seq_length (%d) must be a multiple of %d for dim_mults=%v",
			seqLength, cfg.SeqLengthMultiple(), cfg.DimMults)
	}
	if t.Rank() != 1 || t.Shape().Dimensions[0] != batchSize {
		exceptions.Panicf("unet: timesteps must be shaped [%d], got %s", batchSize, t.Shape())
	}
	if cond.Rank() != 2 || cond.Shape().Dimensions[0] != batchSize || cond.Shape().Dimensions[1] != cfg.CondDim {
		exceptions.Panicf("unet: cond must be shaped [%d, %d], got %s", batchSize, cfg.CondDim, cond.Shape())
	}
	if cfg.InitDim > 0 {
		if inits == nil || inits.Rank() != 2 || inits.Shape().Dimensions[0] != batchSize || inits.Shape().Dimensions[1] != cfg.InitDim {
			exceptions.Panicf("unet: initial states must be shaped [%d, %d]", batchSize, cfg.InitDim)
		}
	}
}

// ForwardGraph implements denoiser.Denoiser.
func (u *Unet) ForwardGraph(ctx *context.Context, x, t, cond, inits *Node, condDropProb float64) *Node {
	u.checkInputs(x, t, cond, inits)
	cfg := u.config
	ctx = ctx.In("unet")
	dtype := x.DType()
	cond = ConvertDType(cond, dtype)
	if inits != nil {
		inits = ConvertDType(inits, dtype)
	}
	emb := u.conditioning(ctx, ConvertDType(t, dtype), cond, inits, condDropProb)

	h := TransposeAllDims(x, 0, 2, 1)
	h = conv1D(ctx.In("init_conv"), h, cfg.initConvDim(), 7, 1)
	initial := h

	levels := cfg.levelDims()
	var skips []*Node
	for level, dims := range levels {
		dimIn, dimOut := dims[0], dims[1]
		levelCtx := ctx.In(fmt.Sprintf("down_%d", level))
		h = resnetBlock(levelCtx.In("resnet_0"), h, emb, dimIn, cfg.ResnetGroups)
		skips = append(skips, h)
		h = resnetBlock(levelCtx.In("resnet_1"), h, emb, dimIn, cfg.ResnetGroups)
		h = preNormResidual(levelCtx.In("attn"), h, func(ctx *context.Context, x *Node) *Node {
			return linearAttention(ctx, x, cfg.LinearAttnHeads, cfg.LinearAttnDimHead)
		})
		skips = append(skips, h)
		if level < len(levels)-1 {
			h = conv1D(levelCtx.In("downsample"), h, dimOut, 4, 2)
		} else {
			h = conv1D(levelCtx.In("downsample"), h, dimOut, 3, 1)
		}
	}

	midDim := levels[len(levels)-1][1]
	h = resnetBlock(ctx.In("mid_resnet_0"), h, emb, midDim, cfg.ResnetGroups)
	h = preNormResidual(ctx.In("mid_attn"), h, func(ctx *context.Context, x *Node) *Node {
		return attention(ctx, x, cfg.AttnHeads, cfg.AttnDimHead)
	})
	h = resnetBlock(ctx.In("mid_resnet_1"), h, emb, midDim, cfg.ResnetGroups)

	pop := func() *Node {
		last := skips[len(skips)-1]
		skips = skips[:len(skips)-1]
		return last
	}
	for level := len(levels) - 1; level >= 0; level-- {
		dimIn, dimOut := levels[level][0], levels[level][1]
		levelCtx := ctx.In(fmt.Sprintf("up_%d", level))
		h = resnetBlock(levelCtx.In("resnet_0"), Concatenate([]*Node{h, pop()}, -1), emb, dimOut, cfg.ResnetGroups)
		h = resnetBlock(levelCtx.In("resnet_1"), Concatenate([]*Node{h, pop()}, -1), emb, dimOut, cfg.ResnetGroups)
		h = preNormResidual(levelCtx.In("attn"), h, func(ctx *context.Context, x *Node) *Node {
			return linearAttention(ctx, x, cfg.LinearAttnHeads, cfg.LinearAttnDimHead)
		})
		if level > 0 {
			h = upsample(levelCtx.In("upsample"), h, dimIn)
		} else {
			h = conv1D(levelCtx.In("upsample"), h, dimIn, 3, 1)
		}
	}

	h = resnetBlock(ctx.In("final_resnet"), Concatenate([]*Node{h, initial}, -1), emb, cfg.Dim, cfg.ResnetGroups)
	h = layers.Dense(ctx.In("final_conv"), h, true, cfg.Channels)
	return TransposeAllDims(h, 0, 2, 1)
}
