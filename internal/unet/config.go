package unet

import (
	"fmt"
	"github.com/JunWangStanford2026/Diffusion-Based-AV-Safety-Validation/internal/generics"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/pkg/errors"
	"strconv"
	"strings"
)

// ErrConfiguration is returned (wrapped) for invalid network configurations.
var ErrConfiguration = errors.New("invalid U-Net configuration")

// Config of the U-Net.
type Config struct {
	// Channels of the samples, CondDim of the condition vectors and InitDim of the initial-state
	// vectors (0 if the network doesn't take initial states).
	Channels, CondDim, InitDim int

	// Dim is the base number of features. The time embedding has 4*Dim features.
	Dim int

	// InitConvDim is the number of features after the initial convolution. Defaults to Dim if 0.
	InitConvDim int

	// DimMults are the multipliers of Dim at each resolution level. Each level but the last halves
	// the sequence length, so it must be divisible by 2^(len(DimMults)-1).
	DimMults []int

	// ResnetGroups is the number of groups of the group normalization of the ResNet blocks.
	ResnetGroups int

	// Heads and dimension per head of the attention: full attention in the middle of the
	// network, linear attention at every other level.
	AttnHeads, AttnDimHead             int
	LinearAttnHeads, LinearAttnDimHead int

	// SinusoidalTheta is the base period of the sinusoidal time embedding.
	SinusoidalTheta float64

	// CondDropProb is the default probability of replacing the condition by the learned null embedding.
	CondDropProb float64

	// InitsEmbedding enables an MLP embedding of the initial states. If false, they are
	// concatenated as is to the conditioning of the ResNet blocks.
	InitsEmbedding bool
}

// DefaultConfig returns the default configuration for the given sample channels and condition dimension.
func DefaultConfig(channels, condDim int) Config {
	return Config{
		Channels:          channels,
		CondDim:           condDim,
		Dim:               64,
		DimMults:          []int{1, 2, 4, 8},
		ResnetGroups:      8,
		AttnHeads:         4,
		AttnDimHead:       32,
		LinearAttnHeads:   4,
		LinearAttnDimHead: 32,
		SinusoidalTheta:   10000,
	}
}

func (c Config) initConvDim() int {
	if c.InitConvDim > 0 {
		return c.InitConvDim
	}
	return c.Dim
}

// timeDim is the dimension of the time embedding.
func (c Config) timeDim() int { return 4 * c.Dim }

// levelDims returns the (input, output) number of features of each resolution level.
func (c Config) levelDims() [][2]int {
	dims := append([]int{c.initConvDim()}, generics.SliceMap(c.DimMults, func(m int) int { return m * c.Dim })...)
	pairs := make([][2]int, len(c.DimMults))
	for ii := range pairs {
		pairs[ii] = [2]int{dims[ii], dims[ii+1]}
	}
	return pairs
}

// SeqLengthMultiple returns the number the sequence length must be a multiple of.
func (c Config) SeqLengthMultiple() int {
	return 1 << max(len(c.DimMults)-1, 0)
}

// Validate the configuration. Errors wrap ErrConfiguration.
func (c Config) Validate() error {
	if c.Channels <= 0 || c.CondDim <= 0 || c.InitDim < 0 {
		return errors.Wrapf(ErrConfiguration, "channels (%d) and cond_dim (%d) must be > 0, init_dim (%d) >= 0",
			c.Channels, c.CondDim, c.InitDim)
	}
	if c.Dim <= 0 || len(c.DimMults) == 0 {
		return errors.Wrapf(ErrConfiguration, "dim (%d) must be > 0 and dim_mults (%v) not empty", c.Dim, c.DimMults)
	}
	if c.CondDropProb < 0 || c.CondDropProb > 1 {
		return errors.Wrapf(ErrConfiguration, "cond_drop_prob must be in [0, 1], got %g", c.CondDropProb)
	}
	if c.ResnetGroups <= 0 {
		return errors.Wrapf(ErrConfiguration, "resnet_groups must be > 0, got %d", c.ResnetGroups)
	}
	if c.Dim < 4 || c.Dim%c.ResnetGroups != 0 {
		return errors.Wrapf(ErrConfiguration, "dim (%d) must be >= 4 and a multiple of resnet_groups=%d",
			c.Dim, c.ResnetGroups)
	}
	for _, pair := range c.levelDims() {
		for _, dim := range pair {
			if dim <= 0 || dim%c.ResnetGroups != 0 {
				return errors.Wrapf(ErrConfiguration, "all features dimensions (%v) must be multiples of resnet_groups=%d",
					c.levelDims(), c.ResnetGroups)
			}
		}
	}
	if c.AttnHeads <= 0 || c.AttnDimHead <= 0 || c.LinearAttnHeads <= 0 || c.LinearAttnDimHead <= 0 {
		return errors.Wrap(ErrConfiguration, "attention heads and head dimensions must be > 0")
	}
	return nil
}

// Context hyperparameters keys.
const (
	ParamChannels          = "unet_channels"
	ParamCondDim           = "unet_cond_dim"
	ParamInitDim           = "unet_init_dim"
	ParamDim               = "unet_dim"
	ParamInitConvDim       = "unet_init_conv_dim"
	ParamDimMults          = "unet_dim_mults"
	ParamResnetGroups      = "unet_resnet_groups"
	ParamAttnHeads         = "unet_attn_heads"
	ParamAttnDimHead       = "unet_attn_dim_head"
	ParamLinearAttnHeads   = "unet_linear_attn_heads"
	ParamLinearAttnDimHead = "unet_linear_attn_dim_head"
	ParamSinusoidalTheta   = "unet_sinusoidal_theta"
	ParamCondDropProb      = "unet_cond_drop_prob"
	ParamInitsEmbedding    = "unet_inits_embedding"
)

// SetParams writes the configuration as hyperparameters of ctx, so it's saved with checkpoints.
// DimMults is stored as a comma-separated string.
func (c Config) SetParams(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		ParamChannels:          c.Channels,
		ParamCondDim:           c.CondDim,
		ParamInitDim:           c.InitDim,
		ParamDim:               c.Dim,
		ParamInitConvDim:       c.InitConvDim,
		ParamDimMults:          strings.Join(generics.SliceMap(c.DimMults, strconv.Itoa), ":"),
		ParamResnetGroups:      c.ResnetGroups,
		ParamAttnHeads:         c.AttnHeads,
		ParamAttnDimHead:       c.AttnDimHead,
		ParamLinearAttnHeads:   c.LinearAttnHeads,
		ParamLinearAttnDimHead: c.LinearAttnDimHead,
		ParamSinusoidalTheta:   c.SinusoidalTheta,
		ParamCondDropProb:      c.CondDropProb,
		ParamInitsEmbedding:    c.InitsEmbedding,
	})
}

// ConfigFromContext reads the configuration from the hyperparameters of ctx, using DefaultConfig
// values for the missing ones, and validates it.
func ConfigFromContext(ctx *context.Context) (Config, error) {
	c := DefaultConfig(0, 0)
	c.Channels = context.GetParamOr(ctx, ParamChannels, c.Channels)
	c.CondDim = context.GetParamOr(ctx, ParamCondDim, c.CondDim)
	c.InitDim = context.GetParamOr(ctx, ParamInitDim, c.InitDim)
	c.Dim = context.GetParamOr(ctx, ParamDim, c.Dim)
	c.InitConvDim = context.GetParamOr(ctx, ParamInitConvDim, c.InitConvDim)
	mults, err := ParseDimMults(context.GetParamOr(ctx, ParamDimMults, "1:2:4:8"))
	if err != nil {
		return c, err
	}
	c.DimMults = mults
	c.ResnetGroups = context.GetParamOr(ctx, ParamResnetGroups, c.ResnetGroups)
	c.AttnHeads = context.GetParamOr(ctx, ParamAttnHeads, c.AttnHeads)
	c.AttnDimHead = context.GetParamOr(ctx, ParamAttnDimHead, c.AttnDimHead)
	c.LinearAttnHeads = context.GetParamOr(ctx, ParamLinearAttnHeads, c.LinearAttnHeads)
	c.LinearAttnDimHead = context.GetParamOr(ctx, ParamLinearAttnDimHead, c.LinearAttnDimHead)
	c.SinusoidalTheta = context.GetParamOr(ctx, ParamSinusoidalTheta, c.SinusoidalTheta)
	c.CondDropProb = context.GetParamOr(ctx, ParamCondDropProb, c.CondDropProb)
	c.InitsEmbedding = context.GetParamOr(ctx, ParamInitsEmbedding, c.InitsEmbedding)
	return c, c.Validate()
}

// ParseDimMults parses a list of positive integers separated by ":", "," or spaces, like "1:2:4:8".
// The ":" separator can be used inside configuration strings, where "," separates parameters.
func ParseDimMults(value string) ([]int, error) {
	var mults []int
	parts := strings.FieldsFunc(value, func(r rune) bool { return r == ',' || r == ':' || r == ' ' })
	for _, part := range parts {
		mult, err := strconv.Atoi(part)
		if err != nil || mult <= 0 {
			return nil, errors.Wrapf(ErrConfiguration, "invalid dim_mults %q", value)
		}
		mults = append(mults, mult)
	}
	if len(mults) == 0 {
		return nil, errors.Wrapf(ErrConfiguration, "empty dim_mults %q", value)
	}
	return mults, nil
}

// String implements fmt.Stringer.
func (c Config) String() string {
	return fmt.Sprintf("U-Net(channels=%d, cond_dim=%d, init_dim=%d, dim=%d, dim_mults=%v)",
		c.Channels, c.CondDim, c.InitDim, c.Dim, c.DimMults)
}
