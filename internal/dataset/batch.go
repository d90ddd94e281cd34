package dataset

import (
	"github.com/JunWangStanford2026/Diffusion-Based-AV-Safety-Validation/internal/generics"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"math/rand/v2"
)

// Batch of examples as tensors. Inits is nil if the dataset has no initial states.
type Batch struct {
	// Samples shaped [batch, channels, seqLength], Conds shaped [batch, condDim] and
	// Inits shaped [batch, initDim].
	Samples, Conds, Inits *tensors.Tensor
}

// Size of the batch.
func (b Batch) Size() int {
	return b.Samples.Shape().Dimensions[0]
}

// Batch creates a Batch with copies of the examples at the given indices.
func (d *Dataset) Batch(indices []int) Batch {
	n := len(indices)
	b := Batch{
		Samples: tensors.FromShape(shapes.Make(dtypes.Float32, n, d.Channels, d.SeqLength)),
		Conds:   tensors.FromShape(shapes.Make(dtypes.Float32, n, d.CondDim)),
	}
	if d.InitDim > 0 {
		b.Inits = tensors.FromShape(shapes.Make(dtypes.Float32, n, d.InitDim))
	}
	sampleSize := d.SampleSize()
	tensors.MutableFlatData(b.Samples, func(flat []float32) {
		for ii, idx := range indices {
			sample, _, _ := d.Example(idx)
			copy(flat[ii*sampleSize:], sample)
		}
	})
	tensors.MutableFlatData(b.Conds, func(flat []float32) {
		for ii, idx := range indices {
			_, cond, _ := d.Example(idx)
			copy(flat[ii*d.CondDim:], cond)
		}
	})
	if b.Inits != nil {
		tensors.MutableFlatData(b.Inits, func(flat []float32) {
			for ii, idx := range indices {
				_, _, inits := d.Example(idx)
				copy(flat[ii*d.InitDim:], inits)
			}
		})
	}
	return b
}

// All returns all the examples in one batch.
func (d *Dataset) All() Batch {
	return d.Batch(generics.Iota(0, d.Len()))
}

// Batcher yields batches of fixed size, going over the dataset in random order. Every example
// is seen once per epoch, and the order is reshuffled at every epoch.
//
// The last incomplete batch of an epoch is completed with examples of the next one, so all
// batches have the same size (and the same shape).
type Batcher struct {
	dataset   *Dataset
	batchSize int
	rng       *rand.Rand

	perm []int
	pos  int

	// Epoch is the number of completed passes over the dataset.
	Epoch int
}

// NewBatcher creates a Batcher. The dataset must not be empty.
func NewBatcher(d *Dataset, batchSize int, rng *rand.Rand) *Batcher {
	b := &Batcher{dataset: d, batchSize: batchSize, rng: rng}
	b.perm = rng.Perm(d.Len())
	return b
}

// Next returns the next batch.
func (b *Batcher) Next() Batch {
	indices := make([]int, b.batchSize)
	for ii := range indices {
		if b.pos == len(b.perm) {
			b.Epoch++
			b.pos = 0
			b.rng.Shuffle(len(b.perm), func(i, j int) { b.perm[i], b.perm[j] = b.perm[j], b.perm[i] })
		}
		indices[ii] = b.perm[b.pos]
		b.pos++
	}
	return b.dataset.Batch(indices)
}
