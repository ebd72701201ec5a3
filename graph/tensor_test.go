package graph

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/gomlx/staticgraph/backends"
	_ "github.com/gomlx/staticgraph/backends/simplego"
	"github.com/gomlx/staticgraph/types/shapes"
)

// bindFresh gives the tensor a blob of its own size, bypassing the planner.
func bindFresh(t *testing.T, tensor *Tensor) {
	t.Helper()
	blob := &Blob{backend: tensor.Backend(), data: make([]byte, tensor.Bytes())}
	require.NoError(t, tensor.BindBlob(blob))
}

func TestTensorAccessors(t *testing.T) {
	backend := backends.New()
	tensor := NewTensor(shapes.Make(dtypes.Float32, 2, 3), backend)
	require.Equal(t, 2, tensor.Rank())
	require.Equal(t, []int{2, 3}, tensor.Dims())
	require.Equal(t, 6, tensor.Size())
	require.Equal(t, 24, tensor.Bytes())
	require.Equal(t, dtypes.Float32, tensor.DType())
	require.NotZero(t, tensor.Fuid())

	other := NewTensor(shapes.Make(dtypes.Float32, 2, 3), backend)
	require.NotEqual(t, tensor.Fuid(), other.Fuid())
}

func TestBindBlob(t *testing.T) {
	tensor := NewTensor(shapes.Make(dtypes.Float32, 2), backends.New())
	blob := &Blob{data: make([]byte, tensor.Bytes())}
	require.NoError(t, tensor.BindBlob(blob))

	// Re-binding the same blob is a no-op.
	require.NoError(t, tensor.BindBlob(blob))

	// A second distinct blob is rejected.
	err := tensor.BindBlob(&Blob{data: make([]byte, tensor.Bytes())})
	require.ErrorIs(t, err, ErrAlreadyBound)
}

func TestSetData(t *testing.T) {
	tensor := NewTensor(shapes.Make(dtypes.Float32, 2, 2), backends.New())
	bindFresh(t, tensor)
	require.NoError(t, tensor.SetData([]float32{1, 2, 3, 4}))
	require.Equal(t, []float32{1, 2, 3, 4}, flatAs[float32](tensor.Data()))

	// Wrong dtype and wrong length are rejected.
	require.Error(t, tensor.SetData([]int32{1, 2, 3, 4}))
	require.Error(t, tensor.SetData([]float32{1, 2}))
}

func TestEqualDataFloat32(t *testing.T) {
	backend := backends.New()
	a := NewTensor(shapes.Make(dtypes.Float32, 3), backend)
	b := NewTensor(shapes.Make(dtypes.Float32, 3), backend)
	bindFresh(t, a)
	bindFresh(t, b)

	require.NoError(t, a.SetData([]float32{1, -2, 1e6}))
	require.NoError(t, b.SetData([]float32{1, -2, 1e6}))
	require.True(t, a.EqualData(b))

	// Within the relative tolerance against the larger magnitude.
	require.NoError(t, b.SetData([]float32{1, -2, 1e6 + 0.5}))
	require.True(t, a.EqualData(b))

	// Beyond it.
	require.NoError(t, b.SetData([]float32{1, -2, 1e6 + 100}))
	require.False(t, a.EqualData(b))

	// Zero values use the absolute fallback.
	require.NoError(t, a.SetData([]float32{0, 0, 0}))
	require.NoError(t, b.SetData([]float32{0, 1e-7, 0.5}))
	require.False(t, a.EqualData(b))
	require.NoError(t, b.SetData([]float32{0, 1e-7, 1e-8}))
	require.True(t, a.EqualData(b))
}

func TestEqualDataInt(t *testing.T) {
	backend := backends.New()
	a := NewTensor(shapes.Make(dtypes.Int32, 2), backend)
	b := NewTensor(shapes.Make(dtypes.Int32, 2), backend)
	bindFresh(t, a)
	bindFresh(t, b)
	require.NoError(t, a.SetData([]int32{7, -1}))
	require.NoError(t, b.SetData([]int32{7, -1}))
	require.True(t, a.EqualData(b))
	require.NoError(t, b.SetData([]int32{7, 0}))
	require.False(t, a.EqualData(b))
}

func TestEqualDataHalfPrecision(t *testing.T) {
	backend := backends.New()
	a := NewTensor(shapes.Make(dtypes.Float16, 2), backend)
	b := NewTensor(shapes.Make(dtypes.Float16, 2), backend)
	bindFresh(t, a)
	bindFresh(t, b)
	require.NoError(t, a.SetData([]float16.Float16{
		float16.Fromfloat32(1.5), float16.Fromfloat32(-3)}))
	require.NoError(t, b.SetData([]float16.Float16{
		float16.Fromfloat32(1.5), float16.Fromfloat32(-3)}))
	require.True(t, a.EqualData(b))
	require.NoError(t, b.SetData([]float16.Float16{
		float16.Fromfloat32(1.5), float16.Fromfloat32(-2)}))
	require.False(t, a.EqualData(b))

	c := NewTensor(shapes.Make(dtypes.BFloat16, 2), backend)
	d := NewTensor(shapes.Make(dtypes.BFloat16, 2), backend)
	bindFresh(t, c)
	bindFresh(t, d)
	require.NoError(t, c.SetData([]bfloat16.BFloat16{
		bfloat16.FromFloat32(0.25), bfloat16.FromFloat32(8)}))
	require.NoError(t, d.SetData([]bfloat16.BFloat16{
		bfloat16.FromFloat32(0.25), bfloat16.FromFloat32(8)}))
	require.True(t, c.EqualData(d))

	// A dtype mismatch is never equal, whatever the bits.
	require.False(t, a.EqualData(c))
}

func TestEqualDataShapeMismatch(t *testing.T) {
	backend := backends.New()
	a := NewTensor(shapes.Make(dtypes.Float32, 2), backend)
	b := NewTensor(shapes.Make(dtypes.Float32, 3), backend)
	bindFresh(t, a)
	bindFresh(t, b)
	require.False(t, a.EqualData(b))
}
