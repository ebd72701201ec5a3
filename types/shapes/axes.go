package shapes

import (
	"github.com/pkg/errors"
)

var (
	// ErrShapeMismatch is returned when two shapes cannot be broadcast
	// together, or when dimensions that must agree don't.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrAxisOutOfRange is returned for an axis outside [-rank, rank).
	ErrAxisOutOfRange = errors.New("axis out of range")
)

// Broadcast returns the bidirectional (NumPy/ONNX style) broadcast of the two
// dimension lists: they are right-aligned and for each aligned pair of
// dimensions one of them must be 1, or they must be the same. Missing leading
// dimensions are taken as 1.
//
// It returns ErrShapeMismatch if the dimensions are not broadcastable.
func Broadcast(a, b []int) ([]int, error) {
	rankA, rankB := len(a), len(b)
	rank := max(rankA, rankB)
	output := make([]int, rank)
	for i := range rank {
		dimA, dimB := 1, 1
		if i < rankA {
			dimA = a[rankA-1-i]
		}
		if i < rankB {
			dimB = b[rankB-1-i]
		}
		axis := rank - 1 - i
		switch {
		case dimA == dimB:
			output[axis] = dimA
		case dimA == 1:
			output[axis] = dimB
		case dimB == 1:
			output[axis] = dimA
		default:
			return nil, errors.Wrapf(ErrShapeMismatch,
				"cannot broadcast dimensions %v and %v: axis %d has %d vs %d",
				a, b, axis, dimA, dimB)
		}
	}
	return output, nil
}

// AdjustAxis converts a negative axis (counting from the end) to its
// concrete value for the given rank. Valid axes are in [-rank, rank).
func AdjustAxis(axis, rank int) (int, error) {
	if axis < -rank || axis >= rank {
		return 0, errors.Wrapf(ErrAxisOutOfRange,
			"axis %d must be in range [%d, %d) for rank %d", axis, -rank, rank, rank)
	}
	if axis < 0 {
		return rank + axis, nil
	}
	return axis, nil
}

// Strides returns the row-major strides of the given dimensions: the last
// axis has stride 1.
func Strides(dims []int) []int {
	strides := make([]int, len(dims))
	stride := 1
	for axis := len(dims) - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= dims[axis]
	}
	return strides
}

// IndicesFromFlat converts a flat (linear, row-major) index to the
// multidimensional indices for the given dimensions.
func IndicesFromFlat(flat int, dims []int) []int {
	indices := make([]int, len(dims))
	for axis := len(dims) - 1; axis >= 0; axis-- {
		indices[axis] = flat % dims[axis]
		flat /= dims[axis]
	}
	return indices
}

// FlatFromIndices converts multidimensional indices to a flat index, using
// the given strides. Each index is taken modulo the corresponding dimension,
// which makes broadcast addressing work: a broadcast axis has dimension 1,
// and every index maps to 0.
func FlatFromIndices(indices, dims, strides []int) int {
	flat := 0
	for axis, index := range indices {
		flat += (index % dims[axis]) * strides[axis]
	}
	return flat
}
