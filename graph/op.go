package graph

import (
	"github.com/gomlx/exceptions"

	"github.com/gomlx/staticgraph/types/shapes"
)

// opParams is the per-kind parameter variant of an operator. Each kind
// implements its own shape inference, pure over the input shapes.
type opParams interface {
	// inferShapes returns the output shapes given the current input shapes,
	// or an error when the operator is mis-configured for them.
	inferShapes(inputs []*Tensor) ([]shapes.Shape, error)

	// clone returns a deep copy of the parameters.
	clone() opParams

	// describe renders the parameters for Op.String.
	describe() string
}

// Op is an operator of a computation Graph: it consumes input tensors and
// produces output tensors. The kind tag plus the params variant determine
// its behavior; inputs/outputs/edges form the common header shared by all
// kinds.
//
// Ops are created through the Graph.Add* constructors, which also wire the
// tensor and operator edges. They are removed only by rewrite passes.
type Op struct {
	opType  OpType
	inputs  []*Tensor
	outputs []*Tensor

	// predecessors and successors are multisets derived from the tensor
	// edges: one entry per input produced by the predecessor, one entry per
	// consumer slot of an output.
	predecessors []*Op
	successors   []*Op

	params opParams
}

// Type returns the operator kind tag.
func (op *Op) Type() OpType { return op.opType }

// Inputs are the input tensors, in slot order.
func (op *Op) Inputs() []*Tensor { return op.inputs }

// Outputs are the output tensors, in slot order.
func (op *Op) Outputs() []*Tensor { return op.outputs }

// NumInputs returns the number of input slots.
func (op *Op) NumInputs() int { return len(op.inputs) }

// NumOutputs returns the number of output slots.
func (op *Op) NumOutputs() int { return len(op.outputs) }

// Predecessors returns a copy of the predecessor operators multiset.
func (op *Op) Predecessors() []*Op {
	preds := make([]*Op, len(op.predecessors))
	copy(preds, op.predecessors)
	return preds
}

// Successors returns a copy of the successor operators multiset.
func (op *Op) Successors() []*Op {
	succs := make([]*Op, len(op.successors))
	copy(succs, op.successors)
	return succs
}

// InferShapes computes the output shapes from the current input shapes. It
// is a pure function of the input shapes and the operator parameters.
func (op *Op) InferShapes() ([]shapes.Shape, error) {
	return op.params.inferShapes(op.inputs)
}

// Clone returns a structural copy of the operator preserving its
// parameters. The clone has no inputs, outputs or edges: it is meant to be
// re-wired into a graph.
func (op *Op) Clone() *Op {
	return &Op{opType: op.opType, params: op.params.clone()}
}

// String implements fmt.Stringer.
func (op *Op) String() string { return op.params.describe() }

// Perm returns the permutation of a Transpose operator. It panics for any
// other kind.
func (op *Op) Perm() []int {
	if op.opType != OpTypeTranspose {
		exceptions.Panicf("Op.Perm called on a %s operator", op.opType)
	}
	return op.params.(*transposeParams).perm
}

// TransA returns whether a MatMul operator transposes the trailing two axes
// of its first operand. It panics for any other kind.
func (op *Op) TransA() bool {
	if op.opType != OpTypeMatMul {
		exceptions.Panicf("Op.TransA called on a %s operator", op.opType)
	}
	return op.params.(*matMulParams).transA
}

// TransB is the TransA analog for the second operand.
func (op *Op) TransB() bool {
	if op.opType != OpTypeMatMul {
		exceptions.Panicf("Op.TransB called on a %s operator", op.opType)
	}
	return op.params.(*matMulParams).transB
}

// Axis returns the (normalized) concatenation axis of a Concat operator. It
// panics for any other kind.
func (op *Op) Axis() int {
	if op.opType != OpTypeConcat {
		exceptions.Panicf("Op.Axis called on a %s operator", op.opType)
	}
	return op.params.(*concatParams).axis
}

func (op *Op) addPredecessor(pred *Op) { op.predecessors = append(op.predecessors, pred) }
func (op *Op) addSuccessor(succ *Op)   { op.successors = append(op.successors, succ) }

// removePredecessor removes all entries matching pred.
func (op *Op) removePredecessor(pred *Op) {
	kept := op.predecessors[:0]
	for _, p := range op.predecessors {
		if p != pred {
			kept = append(kept, p)
		}
	}
	op.predecessors = kept
}

// removeSuccessor removes all entries matching succ.
func (op *Op) removeSuccessor(succ *Op) {
	kept := op.successors[:0]
	for _, s := range op.successors {
		if s != succ {
			kept = append(kept, s)
		}
	}
	op.successors = kept
}

// replaceInput replaces every input slot holding from with to, returning
// the number of slots replaced.
func (op *Op) replaceInput(from, to *Tensor) (replaced int) {
	for i, input := range op.inputs {
		if input == from {
			op.inputs[i] = to
			replaced++
		}
	}
	return
}
