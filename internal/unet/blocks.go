package unet

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"math"
)

// All blocks work on channels-last sequences, shaped [batch, length, features].

// filledSlice returns a slice of n values.
func filledSlice(n int, value float32) []float32 {
	values := make([]float32, n)
	for ii := range values {
		values[ii] = value
	}
	return values
}

// learnedVector returns a trainable vector of dimension n (initialized with value), shaped [1, 1, n].
func learnedVector(ctx *context.Context, name string, x *Node, value float32) *Node {
	n := x.Shape().Dimensions[x.Rank()-1]
	v := ctx.VariableWithValue(name, filledSlice(n, value)).ValueGraph(x.Graph())
	return Reshape(ConvertDType(v, x.DType()), 1, 1, n)
}

// conv1D is a 1D convolution with "same" padding.
func conv1D(ctx *context.Context, x *Node, filters, kernelSize, stride int) *Node {
	return layers.Convolution(ctx, x).
		Filters(filters).
		KernelSize(kernelSize).
		Strides(stride).
		PadSame().
		Done()
}

// groupNorm normalizes x over the length and over groups of features, followed by a learned gain
// and offset per feature.
func groupNorm(ctx *context.Context, x *Node, groups int) *Node {
	dims := x.Shape().Dimensions
	batchSize, length, features := dims[0], dims[1], dims[2]
	grouped := Reshape(x, batchSize, length, groups, features/groups)
	mean := ReduceAndKeep(grouped, ReduceMean, 1, 3)
	centered := Sub(grouped, mean)
	variance := ReduceAndKeep(Square(centered), ReduceMean, 1, 3)
	normalized := Reshape(Div(centered, Sqrt(AddScalar(variance, 1e-5))), batchSize, length, features)
	return Add(Mul(normalized, learnedVector(ctx, "gain", x, 1)), learnedVector(ctx, "offset", x, 0))
}

// rmsNorm scales each position to unit L2 norm over the features (times sqrt(features)), followed
// by a learned gain.
func rmsNorm(ctx *context.Context, x *Node) *Node {
	features := x.Shape().Dimensions[x.Rank()-1]
	norm := Sqrt(ReduceAndKeep(Square(x), ReduceSum, -1))
	norm = Max(norm, Scalar(x.Graph(), x.DType(), 1e-12))
	normalized := MulScalar(Div(x, norm), math.Sqrt(float64(features)))
	return Mul(normalized, learnedVector(ctx, "gain", x, 1))
}

// block is a convolution, group normalization, optional FiLM modulation and a SiLU activation.
func block(ctx *context.Context, x *Node, features, groups int, scale, shift *Node) *Node {
	x = conv1D(ctx.In("proj"), x, features, 3, 1)
	x = groupNorm(ctx.In("norm"), x, groups)
	if scale != nil {
		x = Add(Mul(x, OnePlus(scale)), shift)
	}
	return activations.Swish(x)
}

// resnetBlock is two blocks with a residual connection. The first block is modulated by the
// conditioning embedding emb (shaped [batch, embDim]).
func resnetBlock(ctx *context.Context, x, emb *Node, features, groups int) *Node {
	var scale, shift *Node
	if emb != nil {
		batchSize := x.Shape().Dimensions[0]
		scaleShift := layers.Dense(ctx.In("mlp"), activations.Swish(emb), true, 2*features)
		scaleShift = ConvertDType(scaleShift, x.DType())
		scale = Reshape(Slice(scaleShift, AxisRange(), AxisRange(0, features)), batchSize, 1, features)
		shift = Reshape(Slice(scaleShift, AxisRange(), AxisRange(features, 2*features)), batchSize, 1, features)
	}
	h := block(ctx.In("block1"), x, features, groups, scale, shift)
	h = block(ctx.In("block2"), h, features, groups, nil, nil)
	residual := x
	if x.Shape().Dimensions[2] != features {
		residual = layers.Dense(ctx.In("res_conv"), x, true, features)
	}
	return Add(h, residual)
}

// splitHeads projects x to queries, keys and values, each shaped [batch, length, heads, dimHead].
func splitHeads(ctx *context.Context, x *Node, heads, dimHead int) (q, k, v *Node) {
	dims := x.Shape().Dimensions
	hidden := heads * dimHead
	qkv := layers.Dense(ctx.In("to_qkv"), x, false, 3*hidden)
	split := func(ii int) *Node {
		part := Slice(qkv, AxisRange(), AxisRange(), AxisRange(ii*hidden, (ii+1)*hidden))
		return Reshape(part, dims[0], dims[1], heads, dimHead)
	}
	return split(0), split(1), split(2)
}

// linearAttention has cost linear in the length: keys are normalized over the positions, queries
// over the features, and the values are aggregated into a per-head [dimHead, dimHead] context.
func linearAttention(ctx *context.Context, x *Node, heads, dimHead int) *Node {
	dims := x.Shape().Dimensions
	q, k, v := splitHeads(ctx, x, heads, dimHead)
	q = MulScalar(Softmax(q, -1), 1/math.Sqrt(float64(dimHead)))
	k = Softmax(k, 1)
	kv := Einsum("bnhd,bnhe->bhde", k, v)
	out := Einsum("bhde,bnhd->bnhe", kv, q)
	out = Reshape(out, dims[0], dims[1], heads*dimHead)
	out = layers.Dense(ctx.In("to_out"), out, true, dims[2])
	return rmsNorm(ctx.In("to_out_norm"), out)
}

// attention is the usual multi-head dot-product attention over all positions.
func attention(ctx *context.Context, x *Node, heads, dimHead int) *Node {
	dims := x.Shape().Dimensions
	q, k, v := splitHeads(ctx, x, heads, dimHead)
	q = MulScalar(q, 1/math.Sqrt(float64(dimHead)))
	weights := Softmax(Einsum("bihd,bjhd->bhij", q, k), -1)
	out := Einsum("bhij,bjhd->bihd", weights, v)
	out = Reshape(out, dims[0], dims[1], heads*dimHead)
	return layers.Dense(ctx.In("to_out"), out, true, dims[2])
}

// preNormResidual returns x + fn(rmsNorm(x)).
func preNormResidual(ctx *context.Context, x *Node, fn func(ctx *context.Context, x *Node) *Node) *Node {
	return Add(x, fn(ctx, rmsNorm(ctx.In("norm"), x)))
}

// upsample repeats each position twice (nearest neighbor) and applies a convolution.
func upsample(ctx *context.Context, x *Node, features int) *Node {
	dims := x.Shape().Dimensions
	x = BroadcastToDims(ExpandAxes(x, 2), dims[0], dims[1], 2, dims[2])
	x = Reshape(x, dims[0], 2*dims[1], dims[2])
	return conv1D(ctx, x, features, 3, 1)
}
