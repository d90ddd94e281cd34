// Package trainer trains the conditional U-Net of a diffusion engine: it owns the GoMLX context
// with the weights and hyperparameters, the optimizer, the compiled train step and the
// checkpoints.
//
// The engine and network configurations are stored as hyperparameters of the context, so a
// checkpoint is enough to rebuild both.
package trainer

import (
	"bytes"
	"fmt"
	"github.com/JunWangStanford2026/Diffusion-Based-AV-Safety-Validation/internal/dataset"
	"github.com/JunWangStanford2026/Diffusion-Based-AV-Safety-Validation/internal/diffusion"
	"github.com/JunWangStanford2026/Diffusion-Based-AV-Safety-Validation/internal/generics"
	"github.com/JunWangStanford2026/Diffusion-Based-AV-Safety-Validation/internal/parameters"
	"github.com/JunWangStanford2026/Diffusion-Based-AV-Safety-Validation/internal/unet"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"slices"
	"sync"
)

// Hyperparameters of the trainer itself, besides those of the engine, the network and the optimizer.
const (
	ParamBatchSize = "batch_size"
	ParamKeep      = "keep"
)

// ErrHelpRequested is returned by New if the checkpoint directory is one of the help flags: in
// that case the hyperparameters are logged instead.
var ErrHelpRequested = errors.New("hyperparameters help requested")

// Trainer of a diffusion model.
type Trainer struct {
	backend backends.Backend
	ctx     *context.Context

	engine *diffusion.Engine
	net    *unet.Unet

	// Executors.
	lossExec, trainStepExec *context.Exec

	// checkpoint handler, if the model is being saved/loaded to/from disk.
	checkpoint *checkpoints.Handler

	// checkpointsToKeep is the number of copies of older checkpoints to keep around.
	checkpointsToKeep int

	// Hyperparameters cached values: they are also set in ctx.
	batchSize int

	// muLearning "write" for learning, and "read" for evaluating or sampling.
	muLearning sync.RWMutex

	optimizer optimizers.Interface

	// NumCompilations of computation graphs.
	NumCompilations int

	// muSave makes saving sequential.
	muSave sync.Mutex
}

// New creates a trainer.
//
// If dir is not empty, it's the checkpoint directory: if it holds a checkpoint, its weights and
// hyperparameters are loaded (and engineConfig and netConfig are ignored), otherwise it's created
// on the first Save.
//
// params overwrite the hyperparameters: any of the engine ("timesteps", "objective", ...), the
// network ("unet_dim", "unet_dim_mults", ...), the optimizer ("optimizer", "learning_rate", ...),
// "batch_size" and "keep" (number of checkpoints to keep). Unknown parameters are an error.
func New(backend backends.Backend, dir string, engineConfig diffusion.Config, netConfig unet.Config,
	params parameters.Params) (*Trainer, error) {
	t := &Trainer{backend: backend, ctx: context.New()}
	setDefaultParams(t.ctx, engineConfig, netConfig)

	// Help if requested.
	if slices.Index([]string{"help", "--help", "-help", "-h"}, dir) != -1 {
		t.writeHyperparametersHelp()
		return nil, ErrHelpRequested
	}

	var err error
	t.checkpointsToKeep, err = parameters.PopParamOr(params, ParamKeep, 10)
	if err != nil {
		return nil, err
	}
	if dir != "" {
		t.checkpoint, err = createCheckpoint(t.ctx, dir, t.checkpointsToKeep)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to build checkpoint in path %s", dir)
		}
	}

	// Overwrite hyperparameters from given params.
	if err = parameters.ToContext(params, t.ctx); err != nil {
		return nil, err
	}
	if err = parameters.CheckAllUsed(params); err != nil {
		return nil, err
	}
	if err = t.buildModel(); err != nil {
		return nil, err
	}
	t.batchSize = context.GetParamOr(t.ctx, ParamBatchSize, 64)

	// Create optimizer to be used in training.
	t.optimizer = optimizers.FromContext(t.ctx)
	t.createExecutors()
	klog.V(1).Infof("Created %s", t)
	return t, nil
}

// setDefaultParams sets all hyperparameters with their default values, so they can be
// overwritten by the user and saved with the checkpoints.
func setDefaultParams(ctx *context.Context, engineConfig diffusion.Config, netConfig unet.Config) {
	ctx.SetParams(map[string]any{
		ParamBatchSize:               64,
		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 8e-5,
	})
	engineConfig.SetParams(ctx)
	netConfig.SetParams(ctx)
}

// buildModel creates the network and the engine from the hyperparameters in the context.
func (t *Trainer) buildModel() error {
	netConfig, err := unet.ConfigFromContext(t.ctx)
	if err != nil {
		return err
	}
	t.net, err = unet.New(netConfig)
	if err != nil {
		return err
	}
	engineConfig, err := diffusion.ConfigFromContext(t.ctx)
	if err != nil {
		return err
	}
	if engineConfig.SeqLength%netConfig.SeqLengthMultiple() != 0 {
		return errors.Wrapf(diffusion.ErrConfiguration, "seq_length (%d) must be a multiple of %d for unet_dim_mults=%v",
			engineConfig.SeqLength, netConfig.SeqLengthMultiple(), netConfig.DimMults)
	}
	t.engine, err = diffusion.New(t.net, engineConfig)
	return err
}

func createCheckpoint(ctx *context.Context, dir string, keep int) (*checkpoints.Handler, error) {
	return checkpoints.
		Build(ctx).
		Immediate().
		Keep(keep).
		Dir(dir).
		Done()
}

func (t *Trainer) createExecutors() {
	// The network creates its variables on the first graph built.
	ctx := t.ctx.Checked(false)
	t.lossExec = context.NewExec(t.backend, ctx,
		func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
			t.NumCompilations++
			samples, cond, inits := splitBatchInputs(inputs)
			return t.engine.TrainingLoss(ctx, samples, cond, inits)
		})
	t.lossExec.SetMaxCache(100)
	t.trainStepExec = context.NewExec(t.backend, ctx,
		func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
			t.NumCompilations++
			g := inputs[0].Graph()
			ctx.SetTraining(g, true)
			samples, cond, inits := splitBatchInputs(inputs)
			loss := t.engine.TrainingLoss(ctx, samples, cond, inits)
			t.optimizer.UpdateGraph(ctx, g, loss)
			train.ExecPerStepUpdateGraphFn(ctx, g)
			return loss
		})
	t.trainStepExec.SetMaxCache(100)
}

// splitBatchInputs into samples, conditions and initial states (nil if not given).
func splitBatchInputs(inputs []*graph.Node) (samples, cond, inits *graph.Node) {
	samples, cond = inputs[0], inputs[1]
	if len(inputs) > 2 {
		inits = inputs[2]
	}
	return
}

// String implements fmt.Stringer.
func (t *Trainer) String() string {
	if t == nil {
		return "<nil>"
	}
	name := fmt.Sprintf("DiffusionTrainer[GoMLX/%s]", t.backend.Name())
	if t.checkpoint == nil || t.checkpoint.Dir() == "" {
		return name
	}
	return fmt.Sprintf("%s@%s", name, t.checkpoint.Dir())
}

// Engine returns the diffusion engine being trained.
func (t *Trainer) Engine() *diffusion.Engine { return t.engine }

// Net returns the denoising network being trained.
func (t *Trainer) Net() *unet.Unet { return t.net }

// Context holding the weights and hyperparameters.
func (t *Trainer) Context() *context.Context { return t.ctx }

// BatchSize returns the configured batch size.
func (t *Trainer) BatchSize() int { return t.batchSize }

// GlobalStep returns the number of training steps executed so far, including those loaded from
// the checkpoint.
func (t *Trainer) GlobalStep() int64 {
	t.muLearning.RLock()
	defer t.muLearning.RUnlock()
	return tensors.ToScalar[int64](optimizers.GetGlobalStepVar(t.ctx).Value())
}

// batchInputs checks the shapes of the batch and converts it to donated inputs for the executors.
func (t *Trainer) batchInputs(batch dataset.Batch) ([]any, error) {
	var initsShape shapes.Shape
	inputs := []*tensors.Tensor{batch.Samples, batch.Conds}
	if batch.Inits != nil {
		initsShape = batch.Inits.Shape()
		inputs = append(inputs, batch.Inits)
	}
	if err := t.engine.CheckShapes(batch.Samples.Shape(), batch.Conds.Shape(), initsShape); err != nil {
		return nil, err
	}
	return generics.SliceMap(inputs, func(tensor *tensors.Tensor) any {
		return graph.DonateTensorBuffer(tensor, t.backend)
	}), nil
}

// Learn executes one training step with the batch, and returns the loss before the update.
//
// The batch tensors are donated: they can't be used afterward.
func (t *Trainer) Learn(batch dataset.Batch) (loss float32, err error) {
	inputs, err := t.batchInputs(batch)
	if err != nil {
		return 0, err
	}
	t.muLearning.Lock()
	defer t.muLearning.Unlock()
	err = exceptions.TryCatch[error](func() {
		lossT := t.trainStepExec.Call(inputs...)[0]
		loss = tensors.ToScalar[float32](lossT)
	})
	return
}

// Loss returns the training loss of the batch, without updating the model. The timesteps and
// noise are random, so it's only meaningful averaged over many examples.
//
// The batch tensors are donated: they can't be used afterward.
func (t *Trainer) Loss(batch dataset.Batch) (loss float32, err error) {
	inputs, err := t.batchInputs(batch)
	if err != nil {
		return 0, err
	}
	t.muLearning.RLock()
	defer t.muLearning.RUnlock()
	err = exceptions.TryCatch[error](func() {
		lossT := t.lossExec.Call(inputs...)[0]
		loss = tensors.ToScalar[float32](lossT)
	})
	return
}

// ClearOptimizer variables and the global step.
func (t *Trainer) ClearOptimizer() {
	t.muLearning.Lock()
	defer t.muLearning.Unlock()
	optimizers.DeleteGlobalStep(t.ctx)
	t.optimizer.Clear(t.ctx)
}

// NewSampler returns a sampler using the weights being trained. Samplers should not be used
// concurrently with Learn.
func (t *Trainer) NewSampler(seed uint64) *diffusion.Sampler {
	return diffusion.NewSampler(t.backend, t.ctx, t.engine, seed)
}

// Save the model, if it is associated with a checkpoint directory.
func (t *Trainer) Save() error {
	t.muSave.Lock()
	defer t.muSave.Unlock()
	if t.checkpoint == nil {
		klog.Warningf("%s is not associated to a checkpoint directory, not saving", t)
		return nil
	}
	t.muLearning.RLock()
	defer t.muLearning.RUnlock()
	if err := t.checkpoint.Save(); err != nil {
		return errors.WithMessagef(err, "failed to save checkpoint of %s", t)
	}
	klog.V(1).Infof("Saved checkpoint of %s", t)
	return nil
}

// writeHyperparametersHelp enumerates all the hyperparameters set in the context.
func (t *Trainer) writeHyperparametersHelp() {
	buf := &bytes.Buffer{}
	_, _ = fmt.Fprintf(buf, "Diffusion model hyperparameters (set them with -params=\"key1=value1,key2=value2,...\"):\n")
	_, _ = fmt.Fprintf(buf, "\t%q: number of older checkpoints to keep, default value is 10\n", ParamKeep)
	t.ctx.EnumerateParams(func(scope, key string, value any) {
		if scope != context.RootScope {
			return
		}
		_, _ = fmt.Fprintf(buf, "\t%q: default value is %v\n", key, value)
	})
	klog.Info(buf)
}

// Finalize frees the compiled graphs and the weights immediately, and leaves the trainer in an
// invalid state.
func (t *Trainer) Finalize() {
	t.lossExec.Finalize()
	t.trainStepExec.Finalize()
	t.ctx.Finalize()
}
