// Package dataset holds in-memory collections of examples to train and evaluate the diffusion
// model: each example is a sample (shaped [channels, seqLength]), its condition vector and,
// optionally, its initial-state vector.
package dataset

import (
	"fmt"
	"github.com/pkg/errors"
	"math/rand/v2"
)

// ErrInvalid is returned (wrapped) for inconsistent datasets or examples.
var ErrInvalid = errors.New("invalid dataset")

// Dataset of examples, stored as flat slices for cheap conversion to tensors.
type Dataset struct {
	Channels, SeqLength, CondDim, InitDim int

	// Samples is shaped [N, Channels, SeqLength], Conds is shaped [N, CondDim] and Inits is
	// shaped [N, InitDim] (empty if InitDim == 0).
	Samples, Conds, Inits []float32
}

// New creates an empty dataset.
func New(channels, seqLength, condDim, initDim int) *Dataset {
	return &Dataset{Channels: channels, SeqLength: seqLength, CondDim: condDim, InitDim: initDim}
}

// SampleSize is the number of values of each sample.
func (d *Dataset) SampleSize() int { return d.Channels * d.SeqLength }

// Len returns the number of examples.
func (d *Dataset) Len() int {
	if d.SampleSize() == 0 {
		return 0
	}
	return len(d.Samples) / d.SampleSize()
}

// String implements fmt.Stringer.
func (d *Dataset) String() string {
	return fmt.Sprintf("Dataset(%d examples, channels=%d, seq_length=%d, cond_dim=%d, init_dim=%d)",
		d.Len(), d.Channels, d.SeqLength, d.CondDim, d.InitDim)
}

// Add one example. inits must be nil if the dataset has no initial states.
func (d *Dataset) Add(sample, cond, inits []float32) error {
	if len(sample) != d.SampleSize() || len(cond) != d.CondDim || len(inits) != d.InitDim {
		return errors.Wrapf(ErrInvalid, "example with sizes (sample=%d, cond=%d, inits=%d) doesn't match %s",
			len(sample), len(cond), len(inits), d)
	}
	d.Samples = append(d.Samples, sample...)
	d.Conds = append(d.Conds, cond...)
	d.Inits = append(d.Inits, inits...)
	return nil
}

// Example returns slices (not copies) of the example idx.
func (d *Dataset) Example(idx int) (sample, cond, inits []float32) {
	sampleSize := d.SampleSize()
	sample = d.Samples[idx*sampleSize : (idx+1)*sampleSize]
	cond = d.Conds[idx*d.CondDim : (idx+1)*d.CondDim]
	if d.InitDim > 0 {
		inits = d.Inits[idx*d.InitDim : (idx+1)*d.InitDim]
	}
	return
}

// Validate checks that the dimensions and the sizes of the slices are consistent.
func (d *Dataset) Validate() error {
	if d.Channels <= 0 || d.SeqLength <= 0 || d.CondDim <= 0 || d.InitDim < 0 {
		return errors.Wrapf(ErrInvalid, "invalid dimensions in %s", d)
	}
	n := d.Len()
	if len(d.Samples) != n*d.SampleSize() || len(d.Conds) != n*d.CondDim || len(d.Inits) != n*d.InitDim {
		return errors.Wrapf(ErrInvalid, "%s has inconsistent sizes: samples=%d, conds=%d, inits=%d",
			d, len(d.Samples), len(d.Conds), len(d.Inits))
	}
	return nil
}

// Subset returns a new dataset with copies of the selected examples.
func (d *Dataset) Subset(indices []int) *Dataset {
	sub := New(d.Channels, d.SeqLength, d.CondDim, d.InitDim)
	for _, idx := range indices {
		sample, cond, inits := d.Example(idx)
		sub.Samples = append(sub.Samples, sample...)
		sub.Conds = append(sub.Conds, cond...)
		sub.Inits = append(sub.Inits, inits...)
	}
	return sub
}

// Split the examples randomly into a train and a validation dataset, with validationFraction of the
// examples going to the validation dataset.
func (d *Dataset) Split(validationFraction float64, rng *rand.Rand) (train, validation *Dataset) {
	perm := rng.Perm(d.Len())
	numValidation := int(validationFraction * float64(d.Len()))
	return d.Subset(perm[numValidation:]), d.Subset(perm[:numValidation])
}
