package diffusion

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Target returns what the network should output for the configured objective: the noise,
// the clean sample x0, or the velocity v.
func (e *Engine) Target(xStart, t, noise *Node) *Node {
	return e.config.Objective.rule().target(e, xStart, t, noise)
}

// DropConditioning zeroes each element of cond (and inits, if not nil) independently with
// probability CFGDropProb. It is the training counterpart of the classifier-free guidance.
func (e *Engine) DropConditioning(ctx *context.Context, cond, inits *Node) (*Node, *Node) {
	dropProb := e.config.CFGDropProb
	keep := func(x *Node) *Node {
		if x == nil {
			return nil
		}
		g := x.Graph()
		mask := GreaterThan(ctx.RandomUniform(g, x.Shape()), Scalar(g, x.DType(), dropProb))
		return Mul(x, ConvertDType(mask, x.DType()))
	}
	return keep(cond), keep(inits)
}

// PerExampleLosses noises xStart to the timesteps t (shaped [batch]) with the given noise, calls
// the network once and returns the mean squared error against the objective's target, averaged
// over all non-batch axes, and the same error scaled by the per-timestep loss weight. Both are
// shaped [batch].
//
// If classifier-free guidance is enabled, condition and initial state are randomly dropped first.
func (e *Engine) PerExampleLosses(ctx *context.Context, xStart, t, cond, inits, noise *Node) (mse, weighted *Node) {
	if e.config.ClassifierFreeGuidance {
		cond, inits = e.DropConditioning(ctx, cond, inits)
	}
	x := e.QSample(xStart, t, noise)
	output := e.model.ForwardGraph(ctx, x, t, cond, inits, e.model.CondDropProb())
	target := e.Target(xStart, t, noise)

	squaredErr := Square(Sub(output, target))
	axes := make([]int, squaredErr.Rank()-1)
	for ii := range axes {
		axes[ii] = ii + 1
	}
	mse = ReduceMean(squaredErr, axes...)
	weighted = Mul(mse, Extract(e.lossWeights, t, 1, mse.DType()))
	return
}

// Loss is the mean over the batch of the weighted per-example losses. See PerExampleLosses.
// If noise is nil, it's drawn from a standard normal distribution.
func (e *Engine) Loss(ctx *context.Context, xStart, t, cond, inits, noise *Node) *Node {
	if noise == nil {
		noise = ctx.RandomNormal(xStart.Graph(), xStart.Shape())
	}
	_, weighted := e.PerExampleLosses(ctx, xStart, t, cond, inits, noise)
	return ReduceAllMean(weighted)
}

// RandomTimesteps returns batchSize timesteps drawn uniformly from [0, T), shaped [batchSize] Int32.
func (e *Engine) RandomTimesteps(ctx *context.Context, g *Graph, batchSize int) *Node {
	maxT := float64(e.config.Timesteps)
	u := ctx.RandomUniform(g, shapes.Make(dtypes.Float32, batchSize))
	return ConvertDType(ClipScalar(Floor(MulScalar(u, maxT)), 0, maxT-1), dtypes.Int32)
}

// TrainingLoss is the full training objective for a batch of clean samples img (in the data
// range): it checks the shapes, draws random timesteps and noise, normalizes img if AutoNormalize
// is set, and returns the scalar Loss.
//
// It panics with an error wrapping ErrShapeMismatch if the shapes are not valid.
func (e *Engine) TrainingLoss(ctx *context.Context, img, cond, inits *Node) *Node {
	var initsShape shapes.Shape
	if inits != nil {
		initsShape = inits.Shape()
	}
	if err := e.CheckShapes(img.Shape(), cond.Shape(), initsShape); err != nil {
		panic(err)
	}
	g := img.Graph()
	cond = ConvertDType(cond, img.DType())
	if inits != nil {
		inits = ConvertDType(inits, img.DType())
	}
	t := e.RandomTimesteps(ctx, g, img.Shape().Dimensions[0])
	if e.config.AutoNormalize {
		img = NormalizeGraph(img)
	}
	return e.Loss(ctx, img, t, cond, inits, nil)
}

// CheckShapes of a batch of samples, conditions and initial states against the engine and the
// network configuration. initsShape must be invalid (shapes.Shape{}) if there are no initial states.
//
// It returns an error wrapping ErrShapeMismatch.
func (e *Engine) CheckShapes(sampleShape, condShape, initsShape shapes.Shape) error {
	if sampleShape.Rank() != 3 {
		return errors.Wrapf(ErrShapeMismatch, "samples must be shaped [batch, channels, seq_length], got %s", sampleShape)
	}
	batchSize := sampleShape.Dimensions[0]
	if sampleShape.Dimensions[1] != e.model.Channels() {
		return errors.Wrapf(ErrShapeMismatch, "samples shaped %s, but the network uses %d channels",
			sampleShape, e.model.Channels())
	}
	if sampleShape.Dimensions[2] != e.config.SeqLength {
		return errors.Wrapf(ErrShapeMismatch, "seq length must be %d, got samples shaped %s",
			e.config.SeqLength, sampleShape)
	}
	if condShape.Rank() != 2 || condShape.Dimensions[0] != batchSize || condShape.Dimensions[1] != e.model.CondDim() {
		return errors.Wrapf(ErrShapeMismatch, "conditions must be shaped [%d, %d], got %s",
			batchSize, e.model.CondDim(), condShape)
	}
	initDim := e.model.InitDim()
	switch {
	case initDim == 0 && initsShape.Ok():
		return errors.Wrapf(ErrShapeMismatch, "the network doesn't take initial states, but got initial states shaped %s",
			initsShape)
	case initDim > 0 && !initsShape.Ok():
		return errors.Wrapf(ErrShapeMismatch, "the network requires initial states shaped [%d, %d]", batchSize, initDim)
	case initDim > 0 && (initsShape.Rank() != 2 || initsShape.Dimensions[0] != batchSize || initsShape.Dimensions[1] != initDim):
		return errors.Wrapf(ErrShapeMismatch, "initial states must be shaped [%d, %d], got %s",
			batchSize, initDim, initsShape)
	}
	return nil
}
