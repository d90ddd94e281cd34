package diffusion

import (
	. "github.com/gomlx/gomlx/graph"
)

// NormalizeToNegOneToOne maps [0, 1] to [-1, 1].
func NormalizeToNegOneToOne[T float32 | float64](x T) T {
	return x*2 - 1
}

// UnnormalizeToZeroToOne maps [-1, 1] back to [0, 1].
func UnnormalizeToZeroToOne[T float32 | float64](x T) T {
	return (x + 1) * 0.5
}

// NormalizeGraph is the graph version of NormalizeToNegOneToOne.
func NormalizeGraph(x *Node) *Node {
	return AddScalar(MulScalar(x, 2), -1)
}

// UnnormalizeGraph is the graph version of UnnormalizeToZeroToOne.
func UnnormalizeGraph(x *Node) *Node {
	return MulScalar(AddScalar(x, 1), 0.5)
}
