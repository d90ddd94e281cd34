// Package generics holds small generic helpers over slices, maps and ranges.
package generics

import (
	"cmp"
	"iter"
	"maps"
	"slices"
)

// SliceMap returns a new slice with fn applied to each element of in, in order.
func SliceMap[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// SortedKeys iterates over the keys of m in ascending order.
//
// The keys are collected and sorted upfront, so it's meant for small maps (configurations, reports).
func SortedKeys[M interface{ ~map[K]V }, K cmp.Ordered, V any](m M) iter.Seq[K] {
	keys := slices.Collect(maps.Keys(m))
	slices.Sort(keys)
	return slices.Values(keys)
}

// Chunks splits the range [0, total) into consecutive [start, end) intervals of at most size
// elements. The last chunk may be smaller.
func Chunks(total, size int) iter.Seq2[int, int] {
	return func(yield func(int, int) bool) {
		if size <= 0 {
			return
		}
		for start := 0; start < total; start += size {
			if !yield(start, min(start+size, total)) {
				return
			}
		}
	}
}

// Iota returns the slice [start, start+1, ..., end-1].
func Iota(start, end int) []int {
	if end <= start {
		return nil
	}
	values := make([]int, end-start)
	for ii := range values {
		values[ii] = start + ii
	}
	return values
}
