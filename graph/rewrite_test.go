package graph

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/staticgraph/types/shapes"
)

func TestEliminateInverseTransposes(t *testing.T) {
	g := newTestGraph()
	input := g.AddTensor(shapes.Make(dtypes.Float32, 2, 3, 4))
	t1, err := g.AddTranspose(input, []int{1, 0, 2})
	require.NoError(t, err)
	t2, err := g.AddTranspose(t1.Outputs()[0], []int{1, 0, 2})
	require.NoError(t, err)
	relu, err := g.AddRelu(t2.Outputs()[0])
	require.NoError(t, err)
	require.Len(t, g.Ops(), 3)
	require.Len(t, g.Tensors(), 4)

	g.Optimize()

	// Only the Relu remains, consuming the graph input directly.
	require.Equal(t, []*Op{relu}, g.Ops())
	require.Len(t, g.Tensors(), 2)
	require.Equal(t, []*Tensor{input}, relu.Inputs())
	require.Equal(t, []*Op{relu}, input.Targets())
	require.Empty(t, relu.Predecessors())
	require.NotPanics(t, g.CheckValid)
}

func TestEliminateNonInvolutiveInversePair(t *testing.T) {
	g := newTestGraph()
	input := g.AddTensor(shapes.Make(dtypes.Float32, 2, 3, 4))
	t1, err := g.AddTranspose(input, []int{2, 0, 1})
	require.NoError(t, err)
	t2, err := g.AddTranspose(t1.Outputs()[0], []int{1, 2, 0})
	require.NoError(t, err)
	relu, err := g.AddRelu(t2.Outputs()[0])
	require.NoError(t, err)

	// [1 2 0] is the inverse of [2 0 1] even though neither is involutive.
	g.Optimize()
	require.Equal(t, []*Op{relu}, g.Ops())
	require.Equal(t, []*Tensor{input}, relu.Inputs())
	require.NotPanics(t, g.CheckValid)
}

func TestSamePermutationTwiceIsNotInverse(t *testing.T) {
	g := newTestGraph()
	input := g.AddTensor(shapes.Make(dtypes.Float32, 2, 3, 4))
	t1, err := g.AddTranspose(input, []int{2, 0, 1})
	require.NoError(t, err)
	t2, err := g.AddTranspose(t1.Outputs()[0], []int{2, 0, 1})
	require.NoError(t, err)
	_, err = g.AddRelu(t2.Outputs()[0])
	require.NoError(t, err)

	// [2 0 1] twice is a rotation, not the identity: nothing to eliminate.
	g.Optimize()
	require.Len(t, g.Ops(), 3)
	require.NotPanics(t, g.CheckValid)
}

func TestEliminateSkipsSharedIntermediate(t *testing.T) {
	g := newTestGraph()
	input := g.AddTensor(shapes.Make(dtypes.Float32, 2, 3, 4))
	t1, err := g.AddTranspose(input, []int{1, 0, 2})
	require.NoError(t, err)
	_, err = g.AddTranspose(t1.Outputs()[0], []int{1, 0, 2})
	require.NoError(t, err)
	// A second consumer of the intermediate keeps the pair alive.
	_, err = g.AddRelu(t1.Outputs()[0])
	require.NoError(t, err)

	g.Optimize()
	require.Len(t, g.Ops(), 3)
	require.NotPanics(t, g.CheckValid)
}

func TestAbsorbTransposeIntoMatMulA(t *testing.T) {
	g := newTestGraph()
	x := g.AddTensor(shapes.Make(dtypes.Float32, 2, 3, 4))
	y := g.AddTensor(shapes.Make(dtypes.Float32, 2, 3, 5))
	transpose, err := g.AddTranspose(x, []int{0, 2, 1})
	require.NoError(t, err)
	matmul, err := g.AddMatMul(transpose.Outputs()[0], y, false, false)
	require.NoError(t, err)
	require.Equal(t, shapes.Make(dtypes.Float32, 2, 4, 5), matmul.Outputs()[0].Shape())

	g.Optimize()

	require.Equal(t, []*Op{matmul}, g.Ops())
	require.True(t, matmul.TransA())
	require.False(t, matmul.TransB())
	require.Equal(t, []*Tensor{x, y}, matmul.Inputs())
	require.Equal(t, []*Op{matmul}, x.Targets())
	require.NotPanics(t, g.CheckValid)

	// The rewritten MatMul still infers the same output shape.
	inferred, err := matmul.InferShapes()
	require.NoError(t, err)
	require.True(t, inferred[0].Equal(matmul.Outputs()[0].Shape()))
}

func TestAbsorbRequiresLastTwoSwap(t *testing.T) {
	g := newTestGraph()
	x := g.AddTensor(shapes.Make(dtypes.Float32, 2, 3, 4))
	y := g.AddTensor(shapes.Make(dtypes.Float32, 4, 2, 6))
	// [2 1 0] moves a batch axis: it cannot be absorbed.
	transpose, err := g.AddTranspose(x, []int{2, 1, 0})
	require.NoError(t, err)
	matmul, err := g.AddMatMul(transpose.Outputs()[0], y, false, false)
	require.NoError(t, err)

	g.Optimize()
	require.Len(t, g.Ops(), 2)
	require.False(t, matmul.TransA())
	require.NotPanics(t, g.CheckValid)
}

func TestAbsorbBothOperands(t *testing.T) {
	g := newTestGraph()
	a := g.AddTensor(shapes.Make(dtypes.Float32, 2, 3, 4))
	b := g.AddTensor(shapes.Make(dtypes.Float32, 2, 5, 4))
	transposeA, err := g.AddTranspose(a, []int{0, 2, 1})
	require.NoError(t, err)
	transposeB, err := g.AddTranspose(b, []int{0, 2, 1})
	require.NoError(t, err)
	matmul, err := g.AddMatMul(transposeA.Outputs()[0], transposeB.Outputs()[0], true, false)
	require.NoError(t, err)
	require.Equal(t, shapes.Make(dtypes.Float32, 2, 3, 5), matmul.Outputs()[0].Shape())

	// The A side is absorbed on the first sweep, the B side on the next.
	g.Optimize()
	require.Equal(t, []*Op{matmul}, g.Ops())
	require.False(t, matmul.TransA())
	require.True(t, matmul.TransB())
	require.Equal(t, []*Tensor{a, b}, matmul.Inputs())
	require.NotPanics(t, g.CheckValid)
}

func TestAbsorbSkipsSharedIntermediate(t *testing.T) {
	g := newTestGraph()
	x := g.AddTensor(shapes.Make(dtypes.Float32, 2, 3, 4))
	y := g.AddTensor(shapes.Make(dtypes.Float32, 2, 3, 5))
	transpose, err := g.AddTranspose(x, []int{0, 2, 1})
	require.NoError(t, err)
	matmul, err := g.AddMatMul(transpose.Outputs()[0], y, false, false)
	require.NoError(t, err)
	// The transposed tensor is also consumed elsewhere.
	_, err = g.AddRelu(transpose.Outputs()[0])
	require.NoError(t, err)

	g.Optimize()
	require.Len(t, g.Ops(), 3)
	require.False(t, matmul.TransA())
	require.NotPanics(t, g.CheckValid)
}

func TestOptimizeChainAfterRewrite(t *testing.T) {
	// An inverse transpose pair followed by a last-two-axis transpose that
	// feeds a MatMul: the fixed-point loop applies rules until nothing
	// changes.
	g := newTestGraph()
	input := g.AddTensor(shapes.Make(dtypes.Float32, 2, 3, 4))
	t1, err := g.AddTranspose(input, []int{1, 0, 2})
	require.NoError(t, err)
	t2, err := g.AddTranspose(t1.Outputs()[0], []int{1, 0, 2})
	require.NoError(t, err)
	t3, err := g.AddTranspose(t2.Outputs()[0], []int{0, 2, 1})
	require.NoError(t, err)
	y := g.AddTensor(shapes.Make(dtypes.Float32, 2, 3, 5))
	matmul, err := g.AddMatMul(t3.Outputs()[0], y, false, false)
	require.NoError(t, err)

	g.Optimize()

	// The inverse pair is gone and the remaining transpose was absorbed.
	require.Equal(t, []*Op{matmul}, g.Ops())
	require.True(t, matmul.TransA())
	require.Equal(t, []*Tensor{input, y}, matmul.Inputs())
	require.NotPanics(t, g.CheckValid)
}
