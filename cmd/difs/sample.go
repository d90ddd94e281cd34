package main

import (
	"fmt"
	"github.com/JunWangStanford2026/Diffusion-Based-AV-Safety-Validation/internal/dataset"
	"github.com/JunWangStanford2026/Diffusion-Based-AV-Safety-Validation/internal/diffusion"
	"github.com/JunWangStanford2026/Diffusion-Based-AV-Safety-Validation/internal/generics"
	"github.com/JunWangStanford2026/Diffusion-Based-AV-Safety-Validation/internal/trainer"
	"github.com/JunWangStanford2026/Diffusion-Based-AV-Safety-Validation/internal/ui/cli"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
	"slices"
	"sync/atomic"
	"time"
)

// sampleFn generates the samples of one chunk of examples, with the chunk's own sampler.
type sampleFn func(s *diffusion.Sampler, batch dataset.Batch) (*tensors.Tensor, error)

func runSampling(mode string) error {
	if *flagModel == "" {
		return errors.New("please set -model with the directory of the trained model")
	}
	data, err := loadData()
	if err != nil {
		return err
	}
	reference := dataset.Stats(data)
	scaler, err := loadScaler()
	if err != nil {
		return err
	}
	if scaler != nil {
		if err = scaler.Transform(data); err != nil {
			return err
		}
	}
	t, err := createTrainer(data)
	if err != nil {
		return err
	}
	defer t.Finalize()
	config := t.Engine().Config()
	fmt.Printf("Model %s\n\t- %s\n\t- %s\n", t, config, t.Net().Config())

	fn, err := modeSampleFn(mode, config)
	if err != nil {
		return err
	}
	if mode != "sample" && config.AutoNormalize {
		// Starting data is given in the range of the network.
		for ii, v := range data.Samples {
			data.Samples[ii] = diffusion.NormalizeToNegOneToOne(v)
		}
	}
	output, err := sampleAll(t, data, fn)
	if err != nil {
		return err
	}
	if (mode == "diffuse" || mode == "interpolate") && config.AutoNormalize {
		for ii, v := range output.Samples {
			output.Samples[ii] = diffusion.UnnormalizeToZeroToOne(v)
		}
	}
	if scaler != nil {
		if err = scaler.Inverse(output); err != nil {
			return err
		}
	}
	fmt.Println(cli.Comparison(reference, dataset.Stats(output)))
	if *flagOutput == "" {
		klog.Warningf("No -output given, the %d generated samples are not saved", output.Len())
		return nil
	}
	if err = output.Save(*flagOutput); err != nil {
		return err
	}
	fmt.Printf("Saved %s to %q\n", output, *flagOutput)
	return nil
}

// modeSampleFn returns the function that generates the samples for the given mode.
func modeSampleFn(mode string, config diffusion.Config) (sampleFn, error) {
	guide := diffusion.Guidance{CondScale: *flagCondScale, RescaledPhi: *flagRescaledPhi}
	startTimestep := *flagStartTimestep
	switch mode {
	case "sample":
		return func(s *diffusion.Sampler, batch dataset.Batch) (*tensors.Tensor, error) {
			return s.Sample(batch.Conds, batch.Inits, guide)
		}, nil
	case "inference":
		if startTimestep == 0 {
			startTimestep = config.Timesteps
		}
		return func(s *diffusion.Sampler, batch dataset.Batch) (*tensors.Tensor, error) {
			noisy, err := s.Diffuse(batch.Samples, startTimestep)
			if err != nil {
				return nil, err
			}
			return s.Inference(batch.Conds, batch.Inits, noisy, startTimestep, guide)
		}, nil
	case "diffuse":
		if startTimestep == 0 {
			startTimestep = config.Timesteps
		}
		return func(s *diffusion.Sampler, batch dataset.Batch) (*tensors.Tensor, error) {
			return s.Diffuse(batch.Samples, startTimestep)
		}, nil
	case "interpolate":
		if startTimestep == 0 {
			startTimestep = -1
		}
		return func(s *diffusion.Sampler, batch dataset.Batch) (*tensors.Tensor, error) {
			// Pairs each example with the next one (the last with the first) of the chunk.
			samples := tensors.CopyFlatData[float32](batch.Samples)
			sampleSize := len(samples) / batch.Size()
			others := slices.Concat(samples[sampleSize:], samples[:sampleSize])
			return s.Interpolate(batch.Samples, tensors.FromFlatDataAndDimensions(others, batch.Samples.Shape().Dimensions...),
				batch.Conds, batch.Inits,
				startTimestep, *flagLambda, guide)
		}, nil
	}
	return nil, errors.Errorf("unknown sampling mode %q", mode)
}

// sampleAll runs fn over chunks of -sample_batch_size examples of data, with -parallelism
// concurrent samplers, and collects the results in a new dataset with the conditions and initial
// states of data.
func sampleAll(t *trainer.Trainer, data *dataset.Dataset, fn sampleFn) (*dataset.Dataset, error) {
	type chunk struct{ start, end int }
	chunks := make(chan chunk)
	output := dataset.New(data.Channels, data.SeqLength, data.CondDim, data.InitDim)
	output.Samples = make([]float32, len(data.Samples))
	output.Conds = append(output.Conds, data.Conds...)
	output.Inits = append(output.Inits, data.Inits...)

	parallelism := max(*flagParallelism, 1)
	var numDone atomic.Int64
	start := time.Now()
	printUpdate := func() {
		fmt.Printf("\r\tSampling (parallelism=%d): %5d of %d examples in %s\x1b[0K",
			parallelism, numDone.Load(), data.Len(), time.Since(start))
	}
	printUpdate()

	wg, wgCtx := errgroup.WithContext(globalCtx)
	for workerIdx := range parallelism {
		sampler := t.NewSampler(*flagSeed + uint64(workerIdx))
		wg.Go(func() error {
			for c := range chunks {
				if wgCtx.Err() != nil {
					// Drain the remaining chunks.
					continue
				}
				samples, err := fn(sampler, data.Batch(generics.Iota(c.start, c.end)))
				if err != nil {
					return errors.WithMessagef(err, "failed to sample examples [%d, %d)", c.start, c.end)
				}
				copy(output.Samples[c.start*data.SampleSize():], tensors.CopyFlatData[float32](samples))
				numDone.Add(int64(c.end - c.start))
				printUpdate()
			}
			klog.V(1).Infof("Sampler #%d compiled %d graphs", workerIdx, sampler.NumCompilations)
			return nil
		})
	}
	for from, to := range generics.Chunks(data.Len(), max(*flagBatchSize, 1)) {
		select {
		case chunks <- chunk{from, to}:
		case <-wgCtx.Done():
		}
		if wgCtx.Err() != nil {
			break
		}
	}
	close(chunks)
	err := wg.Wait()
	fmt.Println()
	if err != nil {
		return nil, err
	}
	if globalCtx.Err() != nil {
		return nil, errors.WithMessage(globalCtx.Err(), "sampling interrupted")
	}
	return output, nil
}
