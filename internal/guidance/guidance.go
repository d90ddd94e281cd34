// Package guidance combines conditioned and unconditioned network outputs.
//
// There are two independent mechanisms:
//
//   - ClassifierFree: the network is evaluated with the condition (and initial state) zeroed, and the
//     guided output extrapolates away from it. The network learns the "zeroed" case through the random
//     dropout of conditioning during training.
//   - CondScale: the network is evaluated with the condition replaced by its learned null embedding, and
//     the outputs are interpolated by cond_scale, optionally rescaling the variance back (rescaled_phi).
package guidance

import (
	. "github.com/gomlx/gomlx/graph"
)

// ClassifierFree returns unconditioned + guidanceScale·(conditioned − unconditioned).
func ClassifierFree(conditioned, unconditioned *Node, guidanceScale float64) *Node {
	return Add(unconditioned, MulScalar(Sub(conditioned, unconditioned), guidanceScale))
}

// CondScale blends the output of the network with full conditioning and with the null
// conditioning: scaled = null + (full − null)·condScale.
//
// If rescaledPhi > 0, scaled is also renormalized to the per-example standard deviation of full,
// and the result is rescaledPhi·rescaled + (1 − rescaledPhi)·scaled.
//
// If condScale == 1, full is returned unchanged.
func CondScale(full, null *Node, condScale, rescaledPhi float64) *Node {
	if condScale == 1 {
		return full
	}
	scaled := Add(null, MulScalar(Sub(full, null), condScale))
	if rescaledPhi == 0 {
		return scaled
	}
	rescaled := Mul(scaled, Div(StdPerExample(full), StdPerExample(scaled)))
	return Add(MulScalar(rescaled, rescaledPhi), MulScalar(scaled, 1-rescaledPhi))
}

// StdPerExample returns the (unbiased) standard deviation of x over all non-batch axes, with the
// reduced axes kept with dimension 1, so it broadcasts back to x.
func StdPerExample(x *Node) *Node {
	rank := x.Rank()
	if rank < 2 {
		return OnesLike(x)
	}
	axes := make([]int, rank-1)
	n := 1
	for ii := range axes {
		axes[ii] = ii + 1
		n *= x.Shape().Dimensions[ii+1]
	}
	mean := ReduceAndKeep(x, ReduceMean, axes...)
	variance := ReduceAndKeep(Square(Sub(x, mean)), ReduceMean, axes...)
	if n > 1 {
		// Bessel's correction.
		variance = MulScalar(variance, float64(n)/float64(n-1))
	}
	return Sqrt(variance)
}
