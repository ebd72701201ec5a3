// Package graph implements the computation-graph core of staticgraph: a
// container of tensors and operators that can be topologically scheduled,
// shape-inferred, rewritten (transpose elimination and absorption) and
// statically memory-planned onto one contiguous device buffer.
//
// The expected lifecycle is:
//
//	g := graph.New(backend)
//	x := g.AddTensor(shapes.Make(dtypes.Float32, 2, 3, 4))
//	...build operators with g.AddTranspose, g.AddMatMul, ...
//	err := g.Compile()   // TopoSort -> ShapeInfer -> Optimize -> DataMalloc
//
// After Compile every tensor is bound to a window of the single backing
// buffer and the operator list is in execution order; an execution layer
// can walk Ops() and read/write tensor data through their blobs.
//
// The graph is single-threaded: all mutating operations require exclusive
// access, and no reference obtained from the graph may be mutated by
// callers.
package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/staticgraph/backends"
	"github.com/gomlx/staticgraph/types"
	"github.com/gomlx/staticgraph/types/shapes"
)

// Graph owns a set of tensors and operators and the pool allocator that
// plans their memory. Tensors and operators are kept in insertion order so
// scheduling, planning and validation are reproducible across runs.
type Graph struct {
	backend   backends.Backend
	allocator *Allocator

	tensors   []*Tensor
	ops       []*Op
	tensorSet types.Set[*Tensor]
	opSet     types.Set[*Op]

	sorted bool
}

// New creates an empty Graph on the given backend.
func New(backend backends.Backend) *Graph {
	return &Graph{
		backend:   backend,
		allocator: NewAllocator(backend),
		tensorSet: types.MakeSet[*Tensor](),
		opSet:     types.MakeSet[*Op](),
	}
}

// Backend the graph (and its tensors) live on.
func (g *Graph) Backend() backends.Backend { return g.backend }

// Allocator returns the graph's pool allocator.
func (g *Graph) Allocator() *Allocator { return g.allocator }

// Sorted returns whether the operator list is currently in topological
// order.
func (g *Graph) Sorted() bool { return g.sorted }

// AddTensor creates a tensor with the given shape on the graph's backend
// and adds it to the graph.
func (g *Graph) AddTensor(shape shapes.Shape) *Tensor {
	t := NewTensor(shape, g.backend)
	g.tensors = append(g.tensors, t)
	g.tensorSet.Insert(t)
	return t
}

// AttachTensor adds an existing standalone tensor to the graph. The tensor
// must have been created on the same backend, otherwise it fails with
// ErrBackendMismatch.
func (g *Graph) AttachTensor(t *Tensor) (*Tensor, error) {
	if t.backend != g.backend {
		return nil, errors.Wrapf(ErrBackendMismatch, "tensor fuid=%d", t.fuid)
	}
	if g.tensorSet.Has(t) {
		return t, nil
	}
	g.tensors = append(g.tensors, t)
	g.tensorSet.Insert(t)
	return t, nil
}

// Tensors returns a copy of the graph tensors, in insertion order.
func (g *Graph) Tensors() []*Tensor { return slices.Clone(g.tensors) }

// Ops returns a copy of the graph operators. After TopoSort the order is a
// valid execution order.
func (g *Graph) Ops() []*Op { return slices.Clone(g.ops) }

// TensorByFuid returns the tensor with the given functional unique id, or
// nil if the graph has none.
func (g *Graph) TensorByFuid(fuid Fuid) *Tensor {
	for _, t := range g.tensors {
		if t.fuid == fuid {
			return t
		}
	}
	return nil
}

// Inputs returns the graph inputs: tensors produced by no operator.
func (g *Graph) Inputs() (inputs []*Tensor) {
	for _, t := range g.tensors {
		if t.source == nil {
			inputs = append(inputs, t)
		}
	}
	return
}

// Outputs returns the graph outputs: tensors consumed by no operator.
func (g *Graph) Outputs() (outputs []*Tensor) {
	for _, t := range g.tensors {
		if len(t.targets) == 0 {
			outputs = append(outputs, t)
		}
	}
	return
}

// checkOwned panics if any of the tensors is not part of this graph. Op
// constructors take graph tensors only; anything else is an API misuse.
func (g *Graph) checkOwned(opType OpType, tensors ...*Tensor) {
	for i, t := range tensors {
		if t == nil {
			exceptions.Panicf("%s: input tensor #%d is nil", opType, i)
		}
		if !g.tensorSet.Has(t) {
			exceptions.Panicf("%s: input tensor #%d (fuid=%d) is not part of this graph", opType, i, t.fuid)
		}
	}
}

// addOpAndConnect registers the operator and wires the tensor<->operator
// and operator<->operator edges:
//
//   - each input gains op as a target; if the input has a source, a
//     predecessor/successor edge is added between the source and op;
//   - each output gets op as its source; any pre-existing consumer of the
//     output gains the corresponding predecessor/successor edge.
func (g *Graph) addOpAndConnect(op *Op) {
	g.sorted = false
	g.ops = append(g.ops, op)
	g.opSet.Insert(op)

	for _, input := range op.inputs {
		input.addTarget(op)
		if pred := input.source; pred != nil {
			pred.addSuccessor(op)
			op.addPredecessor(pred)
		}
	}
	for _, output := range op.outputs {
		output.setSource(op)
		for _, succ := range output.targets {
			succ.addPredecessor(op)
			op.addSuccessor(succ)
		}
	}
}

// newOp builds an operator of the given kind, infers its output shapes from
// the current input shapes (failing fast on mis-configuration), creates the
// output tensors and wires everything into the graph.
func (g *Graph) newOp(opType OpType, params opParams, inputs ...*Tensor) (*Op, error) {
	g.checkOwned(opType, inputs...)
	op := &Op{opType: opType, inputs: slices.Clone(inputs), params: params}
	outputShapes, err := op.InferShapes()
	if err != nil {
		return nil, errors.WithMessagef(err, "cannot add %s operator", opType)
	}
	op.outputs = make([]*Tensor, len(outputShapes))
	for i, shape := range outputShapes {
		op.outputs[i] = g.AddTensor(shape)
	}
	g.addOpAndConnect(op)
	return op, nil
}

// AddTranspose adds a Transpose operator permuting the axes of input with
// perm, a permutation of [0, input.Rank()).
func (g *Graph) AddTranspose(input *Tensor, perm []int) (*Op, error) {
	return g.newOp(OpTypeTranspose, &transposeParams{perm: slices.Clone(perm)}, input)
}

// AddMatMul adds a broadcasted batched matrix multiply of a and b. With
// transA (resp. transB) the trailing two axes of a (resp. b) are read
// swapped.
func (g *Graph) AddMatMul(a, b *Tensor, transA, transB bool) (*Op, error) {
	return g.newOp(OpTypeMatMul, &matMulParams{transA: transA, transB: transB}, a, b)
}

// AddConcat adds a Concat operator joining the inputs along axis, which may
// be negative (counting from the end) and is normalized against the first
// input's rank.
func (g *Graph) AddConcat(inputs []*Tensor, axis int) (*Op, error) {
	if len(inputs) == 0 {
		return nil, errors.Errorf("cannot add %s operator with no inputs", OpTypeConcat)
	}
	adjustedAxis, err := shapes.AdjustAxis(axis, inputs[0].Rank())
	if err != nil {
		return nil, errors.WithMessagef(err, "cannot add %s operator", OpTypeConcat)
	}
	return g.newOp(OpTypeConcat, &concatParams{axis: adjustedAxis}, inputs...)
}

// AddRelu adds an element-wise rectified linear unit.
func (g *Graph) AddRelu(input *Tensor) (*Op, error) {
	return g.newOp(OpTypeRelu, &reluParams{}, input)
}

// AddAdd adds an element-wise addition with bidirectional broadcasting.
func (g *Graph) AddAdd(a, b *Tensor) (*Op, error) {
	return g.newOp(OpTypeAdd, &addParams{}, a, b)
}

// removeTensor removes a tensor from the graph set. Back-references are the
// caller's responsibility: rewrite passes purge them before removal.
func (g *Graph) removeTensor(t *Tensor) {
	if i := slices.Index(g.tensors, t); i >= 0 {
		g.tensors = slices.Delete(g.tensors, i, i+1)
	}
	g.tensorSet.Discard(t)
}

// removeOp removes an operator from the graph set.
func (g *Graph) removeOp(op *Op) {
	if i := slices.Index(g.ops, op); i >= 0 {
		g.ops = slices.Delete(g.ops, i, i+1)
	}
	g.opSet.Discard(op)
}

// TopoSort reorders the operator list into a topological order of the data
// dependencies: every operator appears after the sources of all its inputs.
//
// It is a Kahn-style fixpoint: each pass over the remaining operators emits
// those whose inputs are all available, keeping the original insertion
// order among ready operators. A pass that emits nothing means a cycle, and
// the sort fails with ErrGraphHasCycle.
func (g *Graph) TopoSort() error {
	if g.sorted {
		return nil
	}
	sortedOps := make([]*Op, 0, len(g.ops))
	emitted := types.MakeSet[*Op](len(g.ops))
	for len(sortedOps) < len(g.ops) {
		modified := false
		for _, op := range g.ops {
			if emitted.Has(op) {
				continue
			}
			ready := true
			for _, input := range op.inputs {
				if src := input.source; src != nil && !emitted.Has(src) {
					ready = false
					break
				}
			}
			if ready {
				sortedOps = append(sortedOps, op)
				emitted.Insert(op)
				modified = true
			}
		}
		if !modified {
			return errors.Wrapf(ErrGraphHasCycle,
				"topological sort emitted %d of %d operators", len(sortedOps), len(g.ops))
		}
	}
	g.ops = sortedOps
	g.sorted = true
	return nil
}

// ShapeInfer propagates concrete shapes from the graph inputs through every
// operator, in topological order (sorting first if needed). Output tensor
// shapes are overwritten where they differ from the inferred ones.
//
// It fails with ErrShapeInferFailed when any operator cannot infer its
// output shapes.
func (g *Graph) ShapeInfer() error {
	if err := g.TopoSort(); err != nil {
		return err
	}
	for _, op := range g.ops {
		inferred, err := op.InferShapes()
		if err != nil {
			return errors.Wrapf(ErrShapeInferFailed, "operator %s: %v", op, err)
		}
		if len(inferred) != len(op.outputs) {
			exceptions.Panicf("operator %s inferred %d output shapes for %d outputs",
				op, len(inferred), len(op.outputs))
		}
		for i, shape := range inferred {
			if !shape.Equal(op.outputs[i].Shape()) {
				op.outputs[i].setShape(shape)
			}
		}
	}
	return nil
}

// DataMalloc statically plans the memory of every tensor: it simulates one
// allocation per tensor (in insertion order) to find their offsets, then
// materializes the single backing buffer at the discovered peak size and
// binds every tensor to its window.
//
// The current planner does not reuse memory across disjoint tensor
// lifetimes; the allocator's Free is available for a liveness-aware
// planner.
func (g *Graph) DataMalloc() error {
	if err := g.TopoSort(); err != nil {
		return err
	}
	offsets := make(map[Fuid]int, len(g.tensors))
	for _, t := range g.tensors {
		offset, err := g.allocator.Alloc(t.Bytes())
		if err != nil {
			return errors.WithMessagef(err, "planning tensor fuid=%d", t.fuid)
		}
		offsets[t.fuid] = offset
	}
	base := g.allocator.Ptr()
	for _, t := range g.tensors {
		offset := offsets[t.fuid]
		window := base[offset : offset+t.Bytes() : offset+t.Bytes()]
		if err := t.BindBlob(&Blob{backend: g.backend, data: window}); err != nil {
			return errors.WithMessagef(err, "binding tensor fuid=%d", t.fuid)
		}
	}
	klog.V(1).Infof("DataMalloc planned %d tensors: %s", len(g.tensors), g.allocator.Info())
	return nil
}

// Compile runs the full finalize pipeline: TopoSort, ShapeInfer, Optimize
// and DataMalloc (which re-sorts after the rewrites). After Compile the
// graph is laid out and ready for an execution layer.
func (g *Graph) Compile() error {
	if err := g.ShapeInfer(); err != nil {
		return err
	}
	g.Optimize()
	return g.DataMalloc()
}

// Finalize releases the device memory held by the graph's allocator. The
// graph is left unusable.
func (g *Graph) Finalize() {
	g.allocator.Finalize()
	g.tensors = nil
	g.ops = nil
	g.tensorSet = nil
	g.opSet = nil
}

// String renders the tensors and operators of the graph, one per line.
func (g *Graph) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Graph: %d tensors, %d operators (sorted=%t)\n", len(g.tensors), len(g.ops), g.sorted)
	for _, t := range g.tensors {
		fmt.Fprintf(&sb, "\t%s\n", t)
	}
	for i, op := range g.ops {
		fmt.Fprintf(&sb, "\t#%d\t%s -> %s\n", i, op, shapesOf(op.outputs))
	}
	return sb.String()
}

func shapesOf(tensors []*Tensor) string {
	parts := make([]string, len(tensors))
	for i, t := range tensors {
		parts[i] = t.Shape().String()
	}
	return strings.Join(parts, ", ")
}
