package diffusion

import (
	"fmt"
	"github.com/JunWangStanford2026/Diffusion-Based-AV-Safety-Validation/internal/schedule"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/pkg/errors"
)

var (
	// ErrConfiguration is returned for invalid engine configurations: unknown schedule kinds or
	// objectives, sampling steps > timesteps, invalid starting or target timesteps.
	//
	// It's the same error as schedule.ErrConfiguration, so errors of the schedule are returned as is.
	ErrConfiguration = schedule.ErrConfiguration

	// ErrShapeMismatch is returned when the shapes of samples, conditions or initial states don't
	// match the engine configuration or each other.
	ErrShapeMismatch = errors.New("shape mismatch")
)

// Config of the diffusion engine. See DefaultConfig for the defaults.
//
// Only these values are needed to reconstruct an engine: all the derived coefficients
// are rebuilt from them.
type Config struct {
	// SeqLength is the length of the sequences generated.
	SeqLength int

	// Timesteps is the length T of the diffusion chain.
	Timesteps int

	// SamplingTimesteps is the number of DDIM steps. If 0 it defaults to Timesteps, and
	// ancestral sampling is used. If < Timesteps, DDIM sampling is used.
	SamplingTimesteps int

	Objective Objective
	Schedule  schedule.Kind

	// DDIMEta controls the stochasticity of DDIM sampling: 0 is fully deterministic.
	DDIMEta float64

	// AutoNormalize the training data from [0, 1] to [-1, 1], and the generated samples back.
	AutoNormalize bool

	// ClipMin and ClipMax are the bounds for the predicted x0.
	ClipMin, ClipMax float64

	// ClassifierFreeGuidance enables the zeroed-condition guidance: during training the
	// condition and initial state are randomly dropped (zeroed) with CFGDropProb, and sampling
	// extrapolates away from the unconditioned output by CFGGuidanceScale.
	ClassifierFreeGuidance bool
	CFGDropProb            float64
	CFGGuidanceScale       float64
}

// DefaultConfig for the given sequence length.
func DefaultConfig(seqLength int) Config {
	return Config{
		SeqLength:        seqLength,
		Timesteps:        1000,
		Objective:        PredV,
		Schedule:         schedule.KindCosine,
		DDIMEta:          0,
		AutoNormalize:    false,
		ClipMin:          -5,
		ClipMax:          5,
		CFGDropProb:      0.1,
		CFGGuidanceScale: 1,
	}
}

// Sampling returns the effective number of sampling steps.
func (c Config) Sampling() int {
	if c.SamplingTimesteps <= 0 {
		return c.Timesteps
	}
	return c.SamplingTimesteps
}

// IsDDIM returns whether sampling uses DDIM (sampling steps < timesteps).
func (c Config) IsDDIM() bool {
	return c.Sampling() < c.Timesteps
}

// Validate returns an error wrapping ErrConfiguration if the configuration is invalid.
func (c Config) Validate() error {
	if c.SeqLength <= 0 {
		return errors.Wrapf(ErrConfiguration, "sequence length must be > 0, got %d", c.SeqLength)
	}
	if c.Timesteps <= 0 {
		return errors.Wrapf(ErrConfiguration, "timesteps must be > 0, got %d", c.Timesteps)
	}
	if c.Sampling() > c.Timesteps {
		return errors.Wrapf(ErrConfiguration, "sampling timesteps (%d) must be <= timesteps (%d)",
			c.Sampling(), c.Timesteps)
	}
	if !c.Objective.IsValid() {
		return errors.Wrapf(ErrConfiguration, "unknown objective %s", c.Objective)
	}
	if c.ClipMin > c.ClipMax {
		return errors.Wrapf(ErrConfiguration, "clip_min (%g) > clip_max (%g)", c.ClipMin, c.ClipMax)
	}
	if c.DDIMEta < 0 {
		return errors.Wrapf(ErrConfiguration, "ddim_sampling_eta must be >= 0, got %g", c.DDIMEta)
	}
	if c.CFGDropProb < 0 || c.CFGDropProb > 1 {
		return errors.Wrapf(ErrConfiguration, "cfg_drop_prob must be in [0, 1], got %g", c.CFGDropProb)
	}
	return nil
}

// String implements fmt.Stringer.
func (c Config) String() string {
	sampler := "ancestral"
	if c.IsDDIM() {
		sampler = fmt.Sprintf("ddim(steps=%d, eta=%g)", c.Sampling(), c.DDIMEta)
	}
	return fmt.Sprintf("T=%d, %s schedule, %s, %s sampler, seq_length=%d", c.Timesteps, c.Schedule,
		c.Objective, sampler, c.SeqLength)
}

// Hyperparameter keys used to store the configuration in a GoMLX context.
const (
	ParamSeqLength         = "seq_length"
	ParamTimesteps         = "timesteps"
	ParamSamplingTimesteps = "sampling_timesteps"
	ParamObjective         = "objective"
	ParamBetaSchedule      = "beta_schedule"
	ParamDDIMEta           = "ddim_sampling_eta"
	ParamAutoNormalize     = "auto_normalize"
	ParamClipMin           = "clip_min"
	ParamClipMax           = "clip_max"
	ParamCFG               = "classifier_free_guidance"
	ParamCFGDropProb       = "cfg_drop_prob"
	ParamCFGGuidanceScale  = "cfg_guidance_scale"
)

// SetParams writes the configuration as hyperparameters in the root scope of ctx,
// so they are saved along with the checkpoints.
func (c Config) SetParams(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		ParamSeqLength:         c.SeqLength,
		ParamTimesteps:         c.Timesteps,
		ParamSamplingTimesteps: c.SamplingTimesteps,
		ParamObjective:         c.Objective.String(),
		ParamBetaSchedule:      c.Schedule.String(),
		ParamDDIMEta:           c.DDIMEta,
		ParamAutoNormalize:     c.AutoNormalize,
		ParamClipMin:           c.ClipMin,
		ParamClipMax:           c.ClipMax,
		ParamCFG:               c.ClassifierFreeGuidance,
		ParamCFGDropProb:       c.CFGDropProb,
		ParamCFGGuidanceScale:  c.CFGGuidanceScale,
	})
}

// ConfigFromContext reads the configuration from the hyperparameters of ctx, using
// the values of DefaultConfig for those missing.
func ConfigFromContext(ctx *context.Context) (Config, error) {
	c := DefaultConfig(0)
	c.SeqLength = context.GetParamOr(ctx, ParamSeqLength, c.SeqLength)
	c.Timesteps = context.GetParamOr(ctx, ParamTimesteps, c.Timesteps)
	c.SamplingTimesteps = context.GetParamOr(ctx, ParamSamplingTimesteps, c.SamplingTimesteps)
	var err error
	c.Objective, err = ParseObjective(context.GetParamOr(ctx, ParamObjective, c.Objective.String()))
	if err != nil {
		return c, err
	}
	c.Schedule, err = schedule.ParseKind(context.GetParamOr(ctx, ParamBetaSchedule, c.Schedule.String()))
	if err != nil {
		return c, err
	}
	c.DDIMEta = context.GetParamOr(ctx, ParamDDIMEta, c.DDIMEta)
	c.AutoNormalize = context.GetParamOr(ctx, ParamAutoNormalize, c.AutoNormalize)
	c.ClipMin = context.GetParamOr(ctx, ParamClipMin, c.ClipMin)
	c.ClipMax = context.GetParamOr(ctx, ParamClipMax, c.ClipMax)
	c.ClassifierFreeGuidance = context.GetParamOr(ctx, ParamCFG, c.ClassifierFreeGuidance)
	c.CFGDropProb = context.GetParamOr(ctx, ParamCFGDropProb, c.CFGDropProb)
	c.CFGGuidanceScale = context.GetParamOr(ctx, ParamCFGGuidanceScale, c.CFGGuidanceScale)
	return c, c.Validate()
}
