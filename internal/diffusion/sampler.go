package diffusion

import (
	"github.com/JunWangStanford2026/Diffusion-Based-AV-Safety-Validation/internal/schedule"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
	"math/rand/v2"
	"sync"
)

// SampleDType is the dtype of the samples generated by the Sampler.
const SampleDType = dtypes.Float32

// Sampler runs the reverse (denoising) loops of an Engine.
//
// Each loop is strictly sequential: every step depends on the full output of the previous one.
// The sample being denoised is owned by the loop and reassigned on every step.
//
// A Sampler owns its random number generator, so it should not be used concurrently: create one
// Sampler per goroutine (they can share the Engine and the context with the network weights).
type Sampler struct {
	engine  *Engine
	backend backends.Backend
	ctx     *context.Context
	rng     *rand.Rand

	progressBar bool

	// NumCompilations of computation graphs.
	NumCompilations int

	muExecs                    sync.Mutex
	stepExecs                  map[stepExecsKey]*stepExecs
	diffuseExec, interpolateEx *context.Exec
}

type stepExecsKey struct {
	guide    Guidance
	hasInits bool
}

// stepExecs are the compiled steps of the sampling loops, for one guidance configuration.
// Their inputs are: x, t (scalar), cond, inits (if present) and then the step specific inputs.
type stepExecs struct {
	ancestral, ddim, denoise *context.Exec
}

// NewSampler creates a sampler for the engine. ctx holds the variables (weights) of the network,
// and it's used unchecked, so variables are created if they don't exist yet.
//
// The random number generator is seeded with seed: two samplers with the same seed,
// inputs and weights generate the same samples.
func NewSampler(backend backends.Backend, ctx *context.Context, engine *Engine, seed uint64) *Sampler {
	return &Sampler{
		engine:    engine,
		backend:   backend,
		ctx:       ctx.Checked(false),
		rng:       newRNG(seed),
		stepExecs: make(map[stepExecsKey]*stepExecs),
	}
}

// newRNG returns the host random number generator used for the noise of the sampling loops.
func newRNG(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x5DEECE66D))
}

// WithProgressBar enables a progress bar (on the terminal) for the sampling loops.
func (s *Sampler) WithProgressBar(enabled bool) *Sampler {
	s.progressBar = enabled
	return s
}

// Engine used by the sampler.
func (s *Sampler) Engine() *Engine { return s.engine }

// splitStepInputs splits the inputs of the step executors into x, t, cond, inits and the rest.
func splitStepInputs(inputs []*graph.Node, hasInits bool) (x, t, cond, inits *graph.Node, rest []*graph.Node) {
	x, t, cond, rest = inputs[0], inputs[1], inputs[2], inputs[3:]
	cond = graph.ConvertDType(cond, x.DType())
	if hasInits {
		inits, rest = graph.ConvertDType(rest[0], x.DType()), rest[1:]
	}
	return
}

// execsFor returns the step executors for the given guidance, creating them on the first call.
func (s *Sampler) execsFor(guide Guidance, hasInits bool) *stepExecs {
	s.muExecs.Lock()
	defer s.muExecs.Unlock()
	key := stepExecsKey{guide: guide, hasInits: hasInits}
	if execs, found := s.stepExecs[key]; found {
		return execs
	}
	e := s.engine
	execs := &stepExecs{}
	execs.ancestral = context.NewExec(s.backend, s.ctx, func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
		s.NumCompilations++
		x, t, cond, inits, rest := splitStepInputs(inputs, hasInits)
		xPrev, _ := e.AncestralStep(ctx, x, t, cond, inits, rest[0], guide)
		return xPrev
	})
	stochasticDDIM := e.config.DDIMEta > 0
	execs.ddim = context.NewExec(s.backend, s.ctx, func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
		s.NumCompilations++
		x, t, cond, inits, rest := splitStepInputs(inputs, hasInits)
		sqrtAlphaNext, noiseCoef := rest[0], rest[1]
		var sigma, noise *graph.Node
		if stochasticDDIM {
			sigma, noise = rest[2], rest[3]
		}
		xNext, _ := e.DDIMStep(ctx, x, t, cond, inits, noise, sqrtAlphaNext, noiseCoef, sigma, guide)
		return xNext
	})
	execs.denoise = context.NewExec(s.backend, s.ctx, func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
		s.NumCompilations++
		x, t, cond, inits, _ := splitStepInputs(inputs, hasInits)
		return e.DenoiseStep(ctx, x, t, cond, inits, guide)
	})
	s.stepExecs[key] = execs
	return execs
}

// loopState is the state of a sampling loop: the current sample, and whether it is owned
// by the loop (and can be donated to the next step).
type loopState struct {
	s     *Sampler
	x     *tensors.Tensor
	owned bool

	cond, inits *tensors.Tensor
	bar         *progressbar.ProgressBar
}

func (s *Sampler) newLoop(x *tensors.Tensor, owned bool, cond, inits *tensors.Tensor, numSteps int, description string) *loopState {
	l := &loopState{s: s, x: x, owned: owned, cond: cond, inits: inits}
	if s.progressBar {
		l.bar = progressbar.Default(int64(numSteps), description)
	}
	return l
}

// call the step executor with the current state, timestep t and the extra inputs, and replaces the
// current sample with its output.
func (l *loopState) call(exec *context.Exec, t int, extra ...any) {
	var x any = l.x
	if l.owned {
		x = graph.DonateTensorBuffer(l.x, l.s.backend)
	}
	args := []any{x, int32(t), l.cond}
	if l.inits != nil {
		args = append(args, l.inits)
	}
	args = append(args, extra...)
	l.x = exec.Call(args...)[0]
	l.owned = true
	if l.bar != nil {
		_ = l.bar.Add(1)
	}
}

func (l *loopState) finish() {
	if l.bar != nil {
		_ = l.bar.Finish()
	}
}

// randomNormal returns a new tensor of the given shape with values drawn from a standard normal
// distribution by the sampler's random number generator.
func (s *Sampler) randomNormal(shape shapes.Shape) *tensors.Tensor {
	t := tensors.FromShape(shape)
	tensors.MutableFlatData(t, func(flat []float32) {
		for ii := range flat {
			flat[ii] = float32(s.rng.NormFloat64())
		}
	})
	return t
}

// sampleShape returns the shape of the samples for the batch of conditions, after checking all shapes.
func (s *Sampler) sampleShape(cond, inits *tensors.Tensor) (shapes.Shape, error) {
	if cond == nil {
		return shapes.Shape{}, errors.Wrap(ErrShapeMismatch, "conditions (cond) must be given")
	}
	if cond.Rank() < 1 {
		return shapes.Shape{}, errors.Wrapf(ErrShapeMismatch, "conditions must be shaped [batch, cond_dim], got %s", cond.Shape())
	}
	shape := shapes.Make(SampleDType, cond.Shape().Dimensions[0], s.engine.model.Channels(), s.engine.config.SeqLength)
	return shape, s.checkShapes(shape, cond, inits)
}

func (s *Sampler) checkShapes(sampleShape shapes.Shape, cond, inits *tensors.Tensor) error {
	var initsShape shapes.Shape
	if inits != nil {
		initsShape = inits.Shape()
	}
	return s.engine.CheckShapes(sampleShape, cond.Shape(), initsShape)
}

// unnormalize the generated samples in place, if the engine is configured with AutoNormalize.
func (s *Sampler) unnormalize(x *tensors.Tensor) {
	if !s.engine.config.AutoNormalize {
		return
	}
	tensors.MutableFlatData(x, func(flat []float32) {
		for ii, v := range flat {
			flat[ii] = UnnormalizeToZeroToOne(v)
		}
	})
}

// Sample generates one sample per condition (cond is shaped [batch, cond_dim]), starting from
// pure noise. inits (shaped [batch, init_dim]) must be given only if the network takes initial states.
//
// It uses DDIM if the engine was configured with fewer sampling steps than timesteps, and the
// ancestral sampler otherwise. The result is shaped [batch, channels, seq_length] and is unnormalized
// if AutoNormalize is set.
func (s *Sampler) Sample(cond, inits *tensors.Tensor, guide Guidance) (*tensors.Tensor, error) {
	if s.engine.config.IsDDIM() {
		return s.DDIMSample(cond, inits, guide)
	}
	return s.AncestralSample(cond, inits, guide)
}

// AncestralSample runs the full ancestral chain, from pure noise at T-1 down to 0.
func (s *Sampler) AncestralSample(cond, inits *tensors.Tensor, guide Guidance) (*tensors.Tensor, error) {
	shape, err := s.sampleShape(cond, inits)
	if err != nil {
		return nil, err
	}
	x, err := s.ancestralLoop(s.randomNormal(shape), true, s.engine.config.Timesteps, cond, inits, guide,
		"sampling loop time step")
	if err != nil {
		return nil, err
	}
	s.unnormalize(x)
	return x, nil
}

// DDIMSample runs DDIM from pure noise, with the configured number of sampling steps and eta.
func (s *Sampler) DDIMSample(cond, inits *tensors.Tensor, guide Guidance) (*tensors.Tensor, error) {
	shape, err := s.sampleShape(cond, inits)
	if err != nil {
		return nil, err
	}
	cfg := s.engine.config
	x, err := s.ddimLoop(s.randomNormal(shape), true, cfg.Timesteps, cfg.Sampling(), cond, inits, guide)
	if err != nil {
		return nil, err
	}
	s.unnormalize(x)
	return x, nil
}

// Inference resumes the denoising of a partially noised startData (shaped [batch, channels, seq_length])
// at startTimestep, which must be in [1, T]:
//
//   - If startTimestep < T, it runs DDIM with startTimestep steps over the first startTimestep
//     timesteps of the chain.
//   - If startTimestep == T, it runs the ancestral chain from T-1 down to 0.
//
// startData is not modified. The result is unnormalized if AutoNormalize is set.
func (s *Sampler) Inference(cond, inits, startData *tensors.Tensor, startTimestep int, guide Guidance) (*tensors.Tensor, error) {
	if err := s.checkStart(cond, inits, startData, startTimestep); err != nil {
		return nil, err
	}
	var x *tensors.Tensor
	var err error
	if startTimestep < s.engine.config.Timesteps {
		x, err = s.ddimLoop(startData, false, startTimestep, startTimestep, cond, inits, guide)
	} else {
		x, err = s.ancestralLoop(startData, false, startTimestep, cond, inits, guide, "sampling loop time step")
	}
	if err != nil {
		return nil, err
	}
	s.unnormalize(x)
	return x, nil
}

func (s *Sampler) checkStart(cond, inits, startData *tensors.Tensor, startTimestep int) error {
	if startTimestep < 1 || startTimestep > s.engine.config.Timesteps {
		return errors.Wrapf(ErrConfiguration, "starting timestep must be in [1, %d], got %d",
			s.engine.config.Timesteps, startTimestep)
	}
	if startData == nil {
		return errors.Wrap(ErrShapeMismatch, "starting data must be given")
	}
	if startData.DType() != SampleDType {
		return errors.Wrapf(ErrShapeMismatch, "starting data must be %s, got %s", SampleDType, startData.Shape())
	}
	if cond == nil {
		return errors.Wrap(ErrShapeMismatch, "conditions (cond) must be given")
	}
	return s.checkShapes(startData.Shape(), cond, inits)
}

// ancestralLoop runs the ancestral steps from fromTimestep-1 down to 0.
func (s *Sampler) ancestralLoop(x *tensors.Tensor, owned bool, fromTimestep int, cond, inits *tensors.Tensor,
	guide Guidance, description string) (*tensors.Tensor, error) {
	execs := s.execsFor(guide, inits != nil)
	shape := x.Shape()
	klog.V(1).Infof("ancestral sampling: %d steps, samples shaped %s", fromTimestep, shape)
	loop := s.newLoop(x, owned, cond, inits, fromTimestep, description)
	defer loop.finish()
	err := exceptions.TryCatch[error](func() {
		for t := fromTimestep - 1; t >= 0; t-- {
			var noise *tensors.Tensor
			if t > 0 {
				noise = s.randomNormal(shape)
			} else {
				// Not used at t == 0: no noise is drawn.
				noise = tensors.FromShape(shape)
			}
			loop.call(execs.ancestral, t, graph.DonateTensorBuffer(noise, s.backend))
		}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "ancestral sampling failed")
	}
	return loop.x, nil
}

// ddimLoop runs DDIM with samplingSteps over the first totalTimesteps of the chain.
func (s *Sampler) ddimLoop(x *tensors.Tensor, owned bool, totalTimesteps, samplingSteps int, cond, inits *tensors.Tensor,
	guide Guidance) (*tensors.Tensor, error) {
	pairs, err := schedule.DDIMTimePairs(totalTimesteps, samplingSteps)
	if err != nil {
		return nil, err
	}
	execs := s.execsFor(guide, inits != nil)
	eta := s.engine.config.DDIMEta
	shape := x.Shape()
	klog.V(1).Infof("DDIM sampling: %d steps over %d timesteps (eta=%g), samples shaped %s",
		samplingSteps, totalTimesteps, eta, shape)
	loop := s.newLoop(x, owned, cond, inits, len(pairs), "sampling loop time step")
	defer loop.finish()
	err = exceptions.TryCatch[error](func() {
		for _, pair := range pairs {
			if pair.TimeNext < 0 {
				loop.call(execs.denoise, pair.Time)
				continue
			}
			sqrtAlphaNext, noiseCoef, sigma := s.engine.coefs.DDIMStep(pair.Time, pair.TimeNext, eta)
			extra := []any{float32(sqrtAlphaNext), float32(noiseCoef)}
			if eta > 0 {
				extra = append(extra, float32(sigma), graph.DonateTensorBuffer(s.randomNormal(shape), s.backend))
			}
			loop.call(execs.ddim, pair.Time, extra...)
		}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "DDIM sampling failed")
	}
	return loop.x, nil
}

// Diffuse jumps the clean data directly to targetTimestep (in [1, T]) in one step:
// sqrt(alpha)·data + sqrt(1 − alpha)·noise, where alpha is the per-step alpha at index
// targetTimestep-1, not the cumulative product used by QSample.
//
// data (shaped [batch, channels, seq_length]) is not modified.
func (s *Sampler) Diffuse(data *tensors.Tensor, targetTimestep int) (*tensors.Tensor, error) {
	sqrtAlpha, sqrtOneMinusAlpha, err := s.engine.DiffuseCoefficients(targetTimestep)
	if err != nil {
		return nil, err
	}
	if data == nil || data.DType() != SampleDType {
		return nil, errors.Wrapf(ErrShapeMismatch, "data to diffuse must be a %s tensor", SampleDType)
	}
	s.muExecs.Lock()
	if s.diffuseExec == nil {
		s.diffuseExec = context.NewExec(s.backend, s.ctx, func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
			s.NumCompilations++
			return DiffuseStep(inputs[0], inputs[1], inputs[2], inputs[3])
		})
	}
	exec := s.diffuseExec
	s.muExecs.Unlock()

	noise := s.randomNormal(data.Shape())
	var output *tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		output = exec.Call(data, graph.DonateTensorBuffer(noise, s.backend), float32(sqrtAlpha), float32(sqrtOneMinusAlpha))[0]
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to diffuse data to timestep %d", targetTimestep)
	}
	return output, nil
}

// Interpolate noises x1 and x2 (clean samples) to timestep t with independent noises, blends them
// as (1 − lambda)·xt1 + lambda·xt2, and denoises the blend with the ancestral chain from t-1 down to 0.
//
// If t < 0, T-1 is used. The result is not unnormalized.
func (s *Sampler) Interpolate(x1, x2, cond, inits *tensors.Tensor, t int, lambda float64, guide Guidance) (*tensors.Tensor, error) {
	if t < 0 {
		t = s.engine.config.Timesteps - 1
	}
	if t >= s.engine.config.Timesteps {
		return nil, errors.Wrapf(ErrConfiguration, "interpolation timestep must be in [0, %d), got %d",
			s.engine.config.Timesteps, t)
	}
	if x1 == nil || x2 == nil || !x1.Shape().Equal(x2.Shape()) {
		return nil, errors.Wrap(ErrShapeMismatch, "x1 and x2 must be given and have the same shape")
	}
	if err := s.checkStart(cond, inits, x1, max(t, 1)); err != nil {
		return nil, err
	}
	s.muExecs.Lock()
	if s.interpolateEx == nil {
		s.interpolateEx = context.NewExec(s.backend, s.ctx, func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
			s.NumCompilations++
			return s.engine.InterpolateStart(inputs[0], inputs[1], inputs[2], inputs[3], inputs[4], inputs[5])
		})
	}
	exec := s.interpolateEx
	s.muExecs.Unlock()

	var blended *tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		noise1, noise2 := s.randomNormal(x1.Shape()), s.randomNormal(x2.Shape())
		blended = exec.Call(x1, x2,
			graph.DonateTensorBuffer(noise1, s.backend), graph.DonateTensorBuffer(noise2, s.backend),
			int32(t), float32(lambda))[0]
	})
	if err != nil {
		return nil, errors.WithMessage(err, "interpolation failed")
	}
	return s.ancestralLoop(blended, true, t, cond, inits, guide, "interpolation sample time step")
}
