package graph

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"

	"github.com/gomlx/staticgraph/types/shapes"
)

// transposeParams holds the permutation of a Transpose operator: a bijection
// on [0, rank).
type transposeParams struct {
	perm []int
}

// checkPermutation validates that perm is a permutation of [0, rank).
func checkPermutation(perm []int, rank int) error {
	if len(perm) != rank {
		return errors.Wrapf(shapes.ErrShapeMismatch,
			"Transpose requires one permutation entry per axis: rank is %d, got %d entries", rank, len(perm))
	}
	sorted := slices.Clone(perm)
	slices.Sort(sorted)
	for i, axis := range sorted {
		if axis != i {
			return errors.Wrapf(shapes.ErrAxisOutOfRange,
				"Transpose permutation %v is not a permutation of [0, %d)", perm, rank)
		}
	}
	return nil
}

func (p *transposeParams) inferShapes(inputs []*Tensor) ([]shapes.Shape, error) {
	input := inputs[0].Shape()
	if err := checkPermutation(p.perm, input.Rank()); err != nil {
		return nil, err
	}
	output := input.Clone()
	for axis := range output.Dimensions {
		output.Dimensions[axis] = input.Dimensions[p.perm[axis]]
	}
	return []shapes.Shape{output}, nil
}

func (p *transposeParams) clone() opParams {
	return &transposeParams{perm: slices.Clone(p.perm)}
}

func (p *transposeParams) describe() string {
	return fmt.Sprintf("Transpose(perm=%v)", p.perm)
}

// isLastTwoSwap reports whether the permutation only swaps the last two
// axes, leaving every leading (batch) axis in place. This is the only
// transpose that can be absorbed into a MatMul trans flag.
func (p *transposeParams) isLastTwoSwap() bool {
	rank := len(p.perm)
	if rank < 2 {
		return false
	}
	if p.perm[rank-1] != rank-2 || p.perm[rank-2] != rank-1 {
		return false
	}
	for axis := 0; axis < rank-2; axis++ {
		if p.perm[axis] != axis {
			return false
		}
	}
	return true
}

// isInverseOf reports whether applying p after other is the identity:
// p.perm[other.perm[i]] == i for all i. Note the exact inverse property,
// not "same permutation twice": non-involutive pairs like [2 0 1] and
// [1 2 0] also cancel.
func (p *transposeParams) isInverseOf(other *transposeParams) bool {
	if len(p.perm) != len(other.perm) {
		return false
	}
	for i := range other.perm {
		if p.perm[other.perm[i]] != i {
			return false
		}
	}
	return true
}

// matMulParams holds the transposition flags of a batched matrix multiply.
// With transA the trailing two axes of the first operand are read swapped,
// same for transB and the second operand.
type matMulParams struct {
	transA, transB bool
}

func (p *matMulParams) inferShapes(inputs []*Tensor) ([]shapes.Shape, error) {
	shapeA, shapeB := inputs[0].Shape(), inputs[1].Shape()
	rankA, rankB := shapeA.Rank(), shapeB.Rank()
	if rankA < 2 || rankB < 2 {
		return nil, errors.Wrapf(ErrRankTooLow,
			"MatMul operands must have rank >= 2, got %s and %s", shapeA, shapeB)
	}
	if shapeA.DType != shapeB.DType {
		return nil, errors.Wrapf(shapes.ErrShapeMismatch,
			"MatMul operand dtypes must match, got %s and %s", shapeA, shapeB)
	}

	m, kA := shapeA.Dim(-2), shapeA.Dim(-1)
	if p.transA {
		m, kA = kA, m
	}
	kB, n := shapeB.Dim(-2), shapeB.Dim(-1)
	if p.transB {
		kB, n = n, kB
	}
	if kA != kB {
		return nil, errors.Wrapf(shapes.ErrShapeMismatch,
			"MatMul contracting dimensions disagree: %d (from %s) vs %d (from %s)", kA, shapeA, kB, shapeB)
	}

	batch, err := shapes.Broadcast(shapeA.Dimensions[:rankA-2], shapeB.Dimensions[:rankB-2])
	if err != nil {
		return nil, errors.WithMessagef(err, "MatMul batch dimensions of %s and %s", shapeA, shapeB)
	}
	output := shapes.Make(shapeA.DType, append(batch, m, n)...)
	return []shapes.Shape{output}, nil
}

func (p *matMulParams) clone() opParams {
	return &matMulParams{transA: p.transA, transB: p.transB}
}

func (p *matMulParams) describe() string {
	return fmt.Sprintf("MatMul(transA=%t, transB=%t)", p.transA, p.transB)
}

// concatParams holds the (already normalized) concatenation axis.
type concatParams struct {
	axis int
}

func (p *concatParams) inferShapes(inputs []*Tensor) ([]shapes.Shape, error) {
	first := inputs[0].Shape()
	rank := first.Rank()
	if p.axis < 0 || p.axis >= rank {
		return nil, errors.Wrapf(shapes.ErrAxisOutOfRange,
			"Concat axis %d for inputs of rank %d", p.axis, rank)
	}
	output := first.Clone()
	for i := 1; i < len(inputs); i++ {
		current := inputs[i].Shape()
		if current.DType != first.DType {
			return nil, errors.Wrapf(shapes.ErrShapeMismatch,
				"Concat input #%d dtype %s differs from input #0 dtype %s", i, current.DType, first.DType)
		}
		if current.Rank() != rank {
			return nil, errors.Wrapf(shapes.ErrShapeMismatch,
				"Concat input #%d has rank %d, input #0 has rank %d", i, current.Rank(), rank)
		}
		for d := 0; d < rank; d++ {
			if d == p.axis {
				output.Dimensions[d] += current.Dimensions[d]
			} else if current.Dimensions[d] != first.Dimensions[d] {
				return nil, errors.Wrapf(shapes.ErrShapeMismatch,
					"Concat inputs disagree on non-concatenation axis %d: input #0 has %d, input #%d has %d",
					d, first.Dimensions[d], i, current.Dimensions[d])
			}
		}
	}
	return []shapes.Shape{output}, nil
}

func (p *concatParams) clone() opParams {
	return &concatParams{axis: p.axis}
}

func (p *concatParams) describe() string {
	return fmt.Sprintf("Concat(axis=%d)", p.axis)
}

// reluParams: element-wise, shape preserving.
type reluParams struct{}

func (p *reluParams) inferShapes(inputs []*Tensor) ([]shapes.Shape, error) {
	return []shapes.Shape{inputs[0].Shape().Clone()}, nil
}

func (p *reluParams) clone() opParams  { return &reluParams{} }
func (p *reluParams) describe() string { return "Relu" }

// addParams: element-wise with bidirectional broadcasting.
type addParams struct{}

func (p *addParams) inferShapes(inputs []*Tensor) ([]shapes.Shape, error) {
	shapeA, shapeB := inputs[0].Shape(), inputs[1].Shape()
	if shapeA.DType != shapeB.DType {
		return nil, errors.Wrapf(shapes.ErrShapeMismatch,
			"Add operand dtypes must match, got %s and %s", shapeA, shapeB)
	}
	dims, err := shapes.Broadcast(shapeA.Dimensions, shapeB.Dimensions)
	if err != nil {
		return nil, errors.WithMessagef(err, "Add of %s and %s", shapeA, shapeB)
	}
	return []shapes.Shape{shapes.Make(shapeA.DType, dims...)}, nil
}

func (p *addParams) clone() opParams  { return &addParams{} }
func (p *addParams) describe() string { return "Add" }
