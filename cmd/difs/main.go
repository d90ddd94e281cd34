// difs trains conditional diffusion models of trajectories (e.g. the states of an autonomous
// vehicle scenario), and samples from them.
//
// Modes (-mode):
//
//   - synth: generates a toy dataset of sinusoidal trajectories, saved to -output.
//   - train: trains the model in -model with the dataset -data, for -train_steps steps.
//   - sample: generates one sample for each condition (and initial state) of -data.
//   - inference: like sample, but starts the reverse chain from the samples of -data, diffused to
//     -start_timestep.
//   - diffuse: noises the samples of -data to -start_timestep.
//   - interpolate: blends consecutive pairs of samples of -data at -start_timestep, with -lambda.
//
// Model hyperparameters are given with -params="key1=value1,key2=value2,...": use -model=help
// to list them. They are saved with the model checkpoint.
//
// Example:
//
//	difs -mode=synth -output=/tmp/sin.bin -num_examples=2000
//	difs -mode=train -model=/tmp/sin_model -data=/tmp/sin.bin -train_steps=5000 \
//	  -params="timesteps=200,sampling_timesteps=50,auto_normalize,unet_dim=32,unet_dim_mults=1:2:4"
//	difs -mode=sample -model=/tmp/sin_model -data=/tmp/sin.bin -num_examples=100 -output=/tmp/samples.bin
package main

import (
	"context"
	"flag"
	"fmt"
	"github.com/JunWangStanford2026/Diffusion-Based-AV-Safety-Validation/internal/dataset"
	"github.com/JunWangStanford2026/Diffusion-Based-AV-Safety-Validation/internal/diffusion"
	"github.com/JunWangStanford2026/Diffusion-Based-AV-Safety-Validation/internal/generics"
	"github.com/JunWangStanford2026/Diffusion-Based-AV-Safety-Validation/internal/parameters"
	"github.com/JunWangStanford2026/Diffusion-Based-AV-Safety-Validation/internal/profilers"
	"github.com/JunWangStanford2026/Diffusion-Based-AV-Safety-Validation/internal/trainer"
	"github.com/JunWangStanford2026/Diffusion-Based-AV-Safety-Validation/internal/ui/cli"
	"github.com/JunWangStanford2026/Diffusion-Based-AV-Safety-Validation/internal/ui/spinning"
	"github.com/JunWangStanford2026/Diffusion-Based-AV-Safety-Validation/internal/unet"
	"github.com/gomlx/gomlx/backends"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"io/fs"
	"math/rand/v2"
	"os"
	"path"
	"time"
)

// Flags
var (
	flagMode   = flag.String("mode", "", "One of: synth, train, sample, inference, diffuse, interpolate.")
	flagModel  = flag.String("model", "", "Directory with the model checkpoints. Use -model=help to list the hyperparameters.")
	flagParams = flag.String("params", "", "Model hyperparameters, as \"key1=value1,key2=value2,...\". "+
		"They are only used when creating a new model, or to overwrite the ones saved.")
	flagData   = flag.String("data", "", "Dataset file: training data, or the conditions (and initial states) to sample from.")
	flagOutput = flag.String("output", "", "File where to save the generated dataset or samples.")

	flagNumExamples = flag.Int("num_examples", 0, "Number of examples to generate (synth) or to use from -data. "+
		"A value of 0 means all.")
	flagSeqLength = flag.Int("seq_length", 64, "Length of the sequences of the synthetic dataset.")
	flagChannels  = flag.Int("channels", 2, "Number of channels of the synthetic dataset.")
	flagWithInits = flag.Bool("with_inits", false, "Synthetic dataset includes initial states (the first value of each channel).")
	flagSeed      = flag.Uint64("seed", 42, "Seed for the random number generators.")

	flagScale = flag.Bool("scale", true, "Scale the samples of each channel to [0, 1] for training. "+
		"The scaler is saved with the model and used to map generated samples back. "+
		"Use it along the hyperparameter auto_normalize.")

	flagStartTimestep = flag.Int("start_timestep", 0, "Starting (inference, interpolate) or target (diffuse) timestep. "+
		"A value of 0 means the last timestep T (for interpolate, T-1).")
	flagLambda      = flag.Float64("lambda", 0.5, "Interpolation weight of the second sample of each pair.")
	flagCondScale   = flag.Float64("cond_scale", 1, "Conditioning scale: 1 uses only the conditioned network output.")
	flagRescaledPhi = flag.Float64("rescaled_phi", 0, "Blend of the conditioning-scaled output rescaled to the "+
		"standard deviation of the conditioned output, when -cond_scale != 1.")
	flagParallelism = flag.Int("parallelism", 1, "Number of concurrent samplers.")
	flagBatchSize   = flag.Int("sample_batch_size", 256, "Number of samples generated at once by each sampler.")
)

// Globals
var (
	// globalCtx used everywhere. It is cancelled when the program is about to exit either by
	// an interrupt (ctrl+C) or by reaching the end.
	globalCtx = context.Background()

	// backend is created on demand.
	backend backends.Backend
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	// Capture Control+C
	var globalCancel func()
	globalCtx, globalCancel = context.WithCancel(context.Background())
	spinning.SafeInterrupt(globalCancel, 5*time.Second)
	defer globalCancel()

	// Profilers: HTTP profiler server and CPU profile.
	profilers.Setup(globalCtx)
	defer profilers.OnQuit()

	switch *flagMode {
	case "synth":
		must.M(synth())
	case "train":
		must.M(runTrain())
	case "sample", "inference", "diffuse", "interpolate":
		must.M(runSampling(*flagMode))
	default:
		if *flagModel == "help" {
			_ = must.M1(createTrainer(nil))
			return
		}
		klog.Fatalf("Unknown -mode=%q, please select one of: synth, train, sample, inference, diffuse, interpolate", *flagMode)
	}
}

func synth() error {
	if *flagOutput == "" {
		return errors.New("please set -output with the file where to save the synthetic dataset")
	}
	numExamples := *flagNumExamples
	if numExamples <= 0 {
		numExamples = 1000
	}
	d := dataset.Synthetic(numExamples, *flagChannels, *flagSeqLength, *flagWithInits, rand.New(rand.NewPCG(*flagSeed, 0)))
	if err := d.Save(*flagOutput); err != nil {
		return err
	}
	fmt.Printf("Saved %s to %q\n", d, *flagOutput)
	fmt.Println(cli.StatsBox("Synthetic dataset", dataset.Stats(d)))
	return nil
}

// loadData loads the dataset in -data, limited to -num_examples.
func loadData() (*dataset.Dataset, error) {
	if *flagData == "" {
		return nil, errors.New("please set -data with the dataset file")
	}
	d, err := dataset.Load(*flagData)
	if err != nil {
		return nil, err
	}
	if *flagNumExamples > 0 && *flagNumExamples < d.Len() {
		d = d.Subset(generics.Iota(0, *flagNumExamples))
	}
	klog.V(1).Infof("Loaded %s", d)
	return d, nil
}

func scalerPath() string {
	return path.Join(*flagModel, "scaler.bin")
}

// loadScaler saved with the model, or nil if there is none.
func loadScaler() (*dataset.Scaler, error) {
	return loadScalerFrom(scalerPath())
}

// loadScalerFrom returns nil if filename doesn't exist. Any other failure to access it is an error.
func loadScalerFrom(filename string) (*dataset.Scaler, error) {
	if _, err := os.Stat(filename); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to access scaler file %q", filename)
	}
	return dataset.LoadScaler(filename)
}

// createTrainer for the model in -model, using the dimensions of data (if not nil) for new models.
func createTrainer(data *dataset.Dataset) (*trainer.Trainer, error) {
	if backend == nil {
		backend = backends.New()
	}
	var engineConfig diffusion.Config
	var netConfig unet.Config
	if data != nil {
		engineConfig = diffusion.DefaultConfig(data.SeqLength)
		netConfig = unet.DefaultConfig(data.Channels, data.CondDim)
		netConfig.InitDim = data.InitDim
	} else {
		engineConfig = diffusion.DefaultConfig(*flagSeqLength)
		netConfig = unet.DefaultConfig(*flagChannels, dataset.SyntheticCondDim)
	}
	spinner := spinning.New(globalCtx, "Loading model...")
	t, err := trainer.New(backend, *flagModel, engineConfig, netConfig, parameters.NewFromConfigString(*flagParams))
	spinner.Done()
	if errors.Is(err, trainer.ErrHelpRequested) {
		os.Exit(0)
	}
	return t, err
}
