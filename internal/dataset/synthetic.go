package dataset

import (
	"github.com/chewxy/math32"
	"math/rand/v2"
)

// SyntheticCondDim is the dimension of the conditions of Synthetic datasets: frequency,
// amplitude and phase.
const SyntheticCondDim = 3

// Synthetic generates a toy dataset of noisy sinusoidal trajectories, conditioned on their
// frequency, amplitude and phase. Channel ch is shifted in phase by ch*pi/2. If withInits is
// true, the initial state of each example is the value of each channel at position 0.
//
// It's used to try out training and sampling without a real dataset.
func Synthetic(numExamples, channels, seqLength int, withInits bool, rng *rand.Rand) *Dataset {
	initDim := 0
	if withInits {
		initDim = channels
	}
	d := New(channels, seqLength, SyntheticCondDim, initDim)
	sample := make([]float32, channels*seqLength)
	var inits []float32
	if withInits {
		inits = make([]float32, channels)
	}
	for range numExamples {
		freq := 0.5 + 2*rng.Float32()
		amplitude := 0.5 + rng.Float32()
		phase := 2 * math32.Pi * rng.Float32()
		for ch := range channels {
			for pos := range seqLength {
				x := float32(pos) / float32(seqLength)
				v := amplitude*math32.Sin(2*math32.Pi*freq*x+phase+float32(ch)*math32.Pi/2) +
					0.05*float32(rng.NormFloat64())
				sample[ch*seqLength+pos] = v
			}
			if withInits {
				inits[ch] = sample[ch*seqLength]
			}
		}
		// Sizes always match.
		_ = d.Add(sample, []float32{freq, amplitude, phase}, inits)
	}
	return d
}
