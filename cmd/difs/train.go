package main

import (
	"context"
	"flag"
	"fmt"
	"github.com/JunWangStanford2026/Diffusion-Based-AV-Safety-Validation/internal/dataset"
	"github.com/JunWangStanford2026/Diffusion-Based-AV-Safety-Validation/internal/generics"
	"github.com/JunWangStanford2026/Diffusion-Based-AV-Safety-Validation/internal/trainer"
	"github.com/JunWangStanford2026/Diffusion-Based-AV-Safety-Validation/internal/ui/cli"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"math/rand/v2"
	"time"
)

var (
	flagTrainSteps = flag.Int("train_steps", 1000, "Number of training steps. "+
		"A value of <= 0 means to train indefinitely, until interrupted.")
	flagValidation = flag.Float64("validation", 0.1, "Fraction of the dataset held out to measure the validation loss.")
	flagEvalSteps  = flag.Int("eval_steps", 500, "Every these many training steps, the validation loss is "+
		"measured and the model is saved.")
	flagClearOptimizer = flag.Bool("clear_optimizer", false, "Clear the optimizer state and the global step "+
		"before training.")
)

func runTrain() error {
	if *flagModel == "" {
		klog.Warningf("No -model directory given, the trained model won't be saved")
	}
	data, err := loadData()
	if err != nil {
		return err
	}
	if *flagScale {
		scaler, err := dataset.FitScaler(data)
		if err != nil {
			return err
		}
		previous, err := loadScaler()
		if err != nil {
			return err
		}
		if previous != nil {
			// Continue training with the scaling used so far.
			scaler = previous
		} else if *flagModel != "" {
			if err = scaler.Save(scalerPath()); err != nil {
				return err
			}
		}
		if err = scaler.Transform(data); err != nil {
			return err
		}
	}
	t, err := createTrainer(data)
	if err != nil {
		return err
	}
	defer t.Finalize()
	fmt.Printf("Training %s\n\t- %s\n\t- %s\n", t, t.Engine().Config(), t.Net().Config())
	if *flagClearOptimizer {
		t.ClearOptimizer()
	}
	return trainLoop(globalCtx, t, data)
}

const averageLossDecay = float32(0.95)

func movingAverage(average, newValue, decay float32, count int) float32 {
	decay = min(1-1/float32(count), decay)
	return average*decay + (1-decay)*newValue
}

// trainLoop trains the model with examples of data, holding out -validation of them to evaluate.
// It saves the model every -eval_steps and at the end, also if interrupted.
func trainLoop(ctx context.Context, t *trainer.Trainer, data *dataset.Dataset) error {
	rng := rand.New(rand.NewPCG(*flagSeed, 1))
	trainData, validationData := data.Split(*flagValidation, rng)
	if trainData.Len() == 0 {
		return errors.Errorf("no training examples left in %s after holding out %g for validation", data, *flagValidation)
	}
	batcher := dataset.NewBatcher(trainData, t.BatchSize(), rng)
	fmt.Printf("\t- %d training examples, %d validation examples, batch size %d, starting at global step %d\n",
		trainData.Len(), validationData.Len(), t.BatchSize(), t.GlobalStep())

	var averageLoss, validationLoss float32
	var currentStep int
	start := time.Now()
	printUpdate := func() {
		elapsed := time.Since(start)
		fmt.Printf("\r\tTraining: %6d steps, ~loss=%.4f, validation loss=%.4f, epoch=%d, elapsed=%s\x1b[0K",
			currentStep, averageLoss, validationLoss, batcher.Epoch, elapsed)
	}
	printUpdate()

	for *flagTrainSteps <= 0 || currentStep < *flagTrainSteps {
		if ctx.Err() != nil {
			// Interrupted: save what was trained so far.
			break
		}
		loss, err := t.Learn(batcher.Next())
		if err != nil {
			return errors.WithMessagef(err, "training step %d failed", currentStep)
		}
		currentStep++
		averageLoss = movingAverage(averageLoss, loss, averageLossDecay, currentStep)
		if *flagEvalSteps > 0 && currentStep%*flagEvalSteps == 0 {
			if validationLoss, err = evaluate(t, validationData); err != nil {
				return err
			}
			if err = t.Save(); err != nil {
				return err
			}
		}
		printUpdate()
	}
	var err error
	if validationLoss, err = evaluate(t, validationData); err != nil {
		return err
	}
	printUpdate()
	fmt.Println()
	fmt.Printf("\t- Number of cached compiled graphs (for different shapes): %d\n", t.NumCompilations)
	fmt.Println(cli.StatsBox("Training data (scaled)", dataset.Stats(trainData)))
	return t.Save()
}

// evaluate returns the average loss over the data, or 0 if it's empty.
func evaluate(t *trainer.Trainer, data *dataset.Dataset) (float32, error) {
	var total float32
	for start, end := range generics.Chunks(data.Len(), t.BatchSize()) {
		loss, err := t.Loss(data.Batch(generics.Iota(start, end)))
		if err != nil {
			return 0, errors.WithMessage(err, "while evaluating the validation loss")
		}
		total += loss * float32(end-start)
	}
	if data.Len() == 0 {
		return 0, nil
	}
	return total / float32(data.Len()), nil
}
