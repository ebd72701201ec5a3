package graph

import (
	"github.com/pkg/errors"
)

// Sentinel errors for the graph core. They are always returned wrapped with
// context, so match them with errors.Is.
var (
	// ErrRankTooLow is returned by operators that require a minimum rank,
	// e.g. MatMul with a rank < 2 operand.
	ErrRankTooLow = errors.New("operand rank too low")

	// ErrGraphHasCycle is returned when the topological sort cannot make
	// progress.
	ErrGraphHasCycle = errors.New("graph has a cycle")

	// ErrShapeInferFailed is returned when an operator cannot infer its
	// output shapes.
	ErrShapeInferFailed = errors.New("shape inference failed")

	// ErrBackendMismatch is returned when a tensor created on a different
	// backend is added to a graph.
	ErrBackendMismatch = errors.New("tensor backend does not match graph backend")

	// ErrAlreadyBound is returned by Tensor.BindBlob when the tensor already
	// holds a distinct blob.
	ErrAlreadyBound = errors.New("tensor already bound to a different blob")

	// ErrAllocAfterMaterialize is returned by Allocator.Alloc and
	// Allocator.Free after the backing buffer has been materialized.
	ErrAllocAfterMaterialize = errors.New("allocator already materialized its buffer")
)
