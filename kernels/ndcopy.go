// Package kernels provides the data-movement kernels of stagestream.
//
// The kernels operate on flat byte payloads with zero intermediate
// allocations: an index-space aware N-dimensional copy that moves the
// intersection of a published block and a requested region, and typed
// scalar encode/decode over the closed set of element types.
//
// Available operations:
//   - NdCopy: row-major strided copy between two boxes of one index space
//   - DecodeValue / EncodeValue: scalar conversion, exhaustive over core.DataType
//
// Contiguous inner dimensions are coalesced into single copy runs before the
// outer loop starts, so a request that covers whole rows degenerates into a
// handful of large copies.
package kernels

import (
	"errors"
	"fmt"

	"github.com/sbl8/stagestream/core"
)

var (
	// ErrShortBuffer is returned when a payload or destination is smaller
	// than its declared box.
	ErrShortBuffer = errors.New("kernels: buffer shorter than its box")
	// ErrDimMismatch is returned when source and destination boxes have
	// different dimensionality.
	ErrDimMismatch = errors.New("kernels: dimension mismatch")
)

// Box is a row-major region of a global index space.
type Box struct {
	Start core.Dims
	Count core.Dims
}

// NdCopy copies the intersection of the src box into the dst box. Both
// buffers hold their box in row-major order with elemSize-byte elements.
// It returns the number of elements copied; disjoint boxes copy nothing.
func NdCopy(dst []byte, dstBox Box, src []byte, srcBox Box, elemSize int) (uint64, error) {
	if elemSize <= 0 {
		return 0, fmt.Errorf("kernels: invalid element size %d", elemSize)
	}
	n := len(srcBox.Count)
	if len(dstBox.Count) != n {
		return 0, fmt.Errorf("%w: src %d dims, dst %d dims", ErrDimMismatch, n, len(dstBox.Count))
	}
	srcStart := startOrZero(srcBox.Start, n)
	dstStart := startOrZero(dstBox.Start, n)
	if srcStart == nil || dstStart == nil {
		return 0, fmt.Errorf("%w: start and count lengths differ", ErrDimMismatch)
	}

	if uint64(len(src)) < srcBox.Count.Product()*uint64(elemSize) {
		return 0, fmt.Errorf("%w: src %d bytes", ErrShortBuffer, len(src))
	}
	if uint64(len(dst)) < dstBox.Count.Product()*uint64(elemSize) {
		return 0, fmt.Errorf("%w: dst %d bytes", ErrShortBuffer, len(dst))
	}

	if n == 0 {
		copy(dst[:elemSize], src[:elemSize])
		return 1, nil
	}

	lo := make([]uint64, n)
	ext := make([]uint64, n)
	for d := 0; d < n; d++ {
		l := max(srcStart[d], dstStart[d])
		h := min(srcStart[d]+srcBox.Count[d], dstStart[d]+dstBox.Count[d])
		if h <= l {
			return 0, nil
		}
		lo[d], ext[d] = l, h-l
	}

	plan := planRuns(ext, srcBox.Count, dstBox.Count)
	srcStride := rowMajorStrides(srcBox.Count)
	dstStride := rowMajorStrides(dstBox.Count)
	runBytes := plan.run * uint64(elemSize)

	idx := make([]uint64, plan.split)
	var copied uint64
	for {
		var so, do uint64
		for d := 0; d < n; d++ {
			p := lo[d]
			if d < plan.split {
				p += idx[d]
			}
			so += (p - srcStart[d]) * srcStride[d]
			do += (p - dstStart[d]) * dstStride[d]
		}
		so *= uint64(elemSize)
		do *= uint64(elemSize)
		copy(dst[do:do+runBytes], src[so:so+runBytes])
		copied += plan.run

		// odometer over the outer dimensions
		d := plan.split - 1
		for ; d >= 0; d-- {
			idx[d]++
			if idx[d] < ext[d] {
				break
			}
			idx[d] = 0
		}
		if d < 0 {
			return copied, nil
		}
	}
}

// Intersects reports whether two boxes of the same dimensionality overlap in
// at least one element.
func Intersects(a, b Box) bool {
	n := len(a.Count)
	if len(b.Count) != n {
		return false
	}
	as := startOrZero(a.Start, n)
	bs := startOrZero(b.Start, n)
	if as == nil || bs == nil {
		return false
	}
	for d := 0; d < n; d++ {
		if as[d]+a.Count[d] <= bs[d] || bs[d]+b.Count[d] <= as[d] {
			return false
		}
	}
	return true
}

func startOrZero(start core.Dims, n int) core.Dims {
	if len(start) == 0 {
		return make(core.Dims, n)
	}
	if len(start) != n {
		return nil
	}
	return start
}

func rowMajorStrides(count core.Dims) []uint64 {
	stride := make([]uint64, len(count))
	s := uint64(1)
	for d := len(count) - 1; d >= 0; d-- {
		stride[d] = s
		s *= count[d]
	}
	return stride
}
