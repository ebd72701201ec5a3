package graph

import (
	"bytes"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/gomlx/staticgraph/backends"
	"github.com/gomlx/staticgraph/types/shapes"
)

// Fuid is a functional unique id of a tensor, taken from a process-wide
// counter when the tensor is constructed. The package has no tensor clone
// operation, so every tensor has an id of its own.
type Fuid int64

var fuidCounter atomic.Int64

func nextFuid() Fuid { return Fuid(fuidCounter.Add(1)) }

// Blob is an opaque handle to a region of device memory attached to a tensor
// after static planning. The execution layer uses it to read and write the
// tensor data.
type Blob struct {
	backend backends.Backend
	data    []byte
}

// Backend that owns the memory the blob points into.
func (b *Blob) Backend() backends.Backend { return b.backend }

// Data is the raw byte window of the blob.
func (b *Blob) Data() []byte { return b.data }

// Tensor is the data carrier of a computation Graph. It holds metadata --
// shape, dtype, its position in the graph (source and targets) -- and, after
// planning, a Blob pointing at its backing memory.
//
// Tensors are created through Graph.AddTensor or implicitly as operator
// outputs, and are owned by their Graph: the source and targets
// back-references are non-owning and only valid against the live graph.
type Tensor struct {
	backend backends.Backend
	shape   shapes.Shape
	fuid    Fuid

	// source is the operator that produces this tensor, nil for graph inputs.
	source *Op

	// targets are the consumer operators, in insertion order. An operator
	// taking this tensor in multiple input slots appears once per slot.
	targets []*Op

	blob *Blob
}

// NewTensor creates a standalone tensor with the given shape on the given
// backend. It is not part of any graph until added with Graph.AttachTensor.
func NewTensor(shape shapes.Shape, backend backends.Backend) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("NewTensor: invalid shape %s", shape)
	}
	return &Tensor{backend: backend, shape: shape, fuid: nextFuid()}
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor elements.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Dims returns the dimensions of the tensor.
func (t *Tensor) Dims() []int { return t.shape.Dimensions }

// Rank of the tensor shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size returns the number of elements, the product of the dimensions.
func (t *Tensor) Size() int { return t.shape.Size() }

// Bytes returns the storage size in bytes: Size() times the element size.
func (t *Tensor) Bytes() int { return int(t.shape.Memory()) }

// Fuid returns the functional unique id of the tensor.
func (t *Tensor) Fuid() Fuid { return t.fuid }

// Backend on which the tensor data lives.
func (t *Tensor) Backend() backends.Backend { return t.backend }

// Source returns the operator that produces this tensor, or nil for graph
// inputs.
func (t *Tensor) Source() *Op { return t.source }

// Targets returns a copy of the consumer operators of this tensor.
func (t *Tensor) Targets() []*Op {
	targets := make([]*Op, len(t.targets))
	copy(targets, t.targets)
	return targets
}

// setShape overwrites the tensor shape. Unchecked, called only by shape
// inference.
func (t *Tensor) setShape(shape shapes.Shape) { t.shape = shape }

func (t *Tensor) addTarget(op *Op) { t.targets = append(t.targets, op) }
func (t *Tensor) setSource(op *Op) { t.source = op }

// removeTarget removes all entries matching op from the targets.
func (t *Tensor) removeTarget(op *Op) {
	kept := t.targets[:0]
	for _, target := range t.targets {
		if target != op {
			kept = append(kept, target)
		}
	}
	t.targets = kept
}

// BindBlob attaches the device-memory region backing this tensor. Binding
// the same blob again is a no-op; a second distinct blob fails with
// ErrAlreadyBound.
func (t *Tensor) BindBlob(blob *Blob) error {
	if t.blob == blob {
		return nil
	}
	if t.blob != nil {
		return errors.Wrapf(ErrAlreadyBound, "tensor fuid=%d", t.fuid)
	}
	t.blob = blob
	return nil
}

// Blob returns the bound blob, or nil before planning.
func (t *Tensor) Blob() *Blob { return t.blob }

// Data returns the raw bytes of the bound blob. It panics if the tensor has
// no bound blob yet.
func (t *Tensor) Data() []byte {
	if t.blob == nil {
		exceptions.Panicf("Tensor.Data: tensor fuid=%d has no bound blob -- run Graph.DataMalloc first", t.fuid)
	}
	return t.blob.data
}

// flatAs reinterprets the data bytes as a flat slice of T.
func flatAs[T any](data []byte) []T {
	if len(data) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*T)(unsafe.Pointer(&data[0])), len(data)/int(unsafe.Sizeof(zero)))
}

// SetData copies a flat Go slice into the tensor's bound blob. The slice
// element type must match the tensor dtype and its length the tensor size.
func (t *Tensor) SetData(flat any) error {
	var (
		dtype  dtypes.DType
		length int
	)
	switch v := flat.(type) {
	case []bool:
		dtype, length = dtypes.Bool, len(v)
	case []int8:
		dtype, length = dtypes.Int8, len(v)
	case []int16:
		dtype, length = dtypes.Int16, len(v)
	case []int32:
		dtype, length = dtypes.Int32, len(v)
	case []int64:
		dtype, length = dtypes.Int64, len(v)
	case []uint8:
		dtype, length = dtypes.Uint8, len(v)
	case []uint16:
		dtype, length = dtypes.Uint16, len(v)
	case []uint32:
		dtype, length = dtypes.Uint32, len(v)
	case []uint64:
		dtype, length = dtypes.Uint64, len(v)
	case []float16.Float16:
		dtype, length = dtypes.Float16, len(v)
	case []bfloat16.BFloat16:
		dtype, length = dtypes.BFloat16, len(v)
	case []float32:
		dtype, length = dtypes.Float32, len(v)
	case []float64:
		dtype, length = dtypes.Float64, len(v)
	default:
		return errors.Errorf("Tensor.SetData: unsupported flat slice type %T", flat)
	}
	if dtype != t.DType() {
		return errors.Errorf("Tensor.SetData: flat slice is %s, tensor is %s", dtype, t.DType())
	}
	if length != t.Size() {
		return errors.Errorf("Tensor.SetData: flat slice has %d elements, tensor %s has %d", length, t.shape, t.Size())
	}
	data := t.Data()
	switch v := flat.(type) {
	case []bool:
		copy(flatAs[bool](data), v)
	case []int8:
		copy(flatAs[int8](data), v)
	case []int16:
		copy(flatAs[int16](data), v)
	case []int32:
		copy(flatAs[int32](data), v)
	case []int64:
		copy(flatAs[int64](data), v)
	case []uint8:
		copy(data, v)
	case []uint16:
		copy(flatAs[uint16](data), v)
	case []uint32:
		copy(flatAs[uint32](data), v)
	case []uint64:
		copy(flatAs[uint64](data), v)
	case []float16.Float16:
		copy(flatAs[float16.Float16](data), v)
	case []bfloat16.BFloat16:
		copy(flatAs[bfloat16.BFloat16](data), v)
	case []float32:
		copy(flatAs[float32](data), v)
	case []float64:
		copy(flatAs[float64](data), v)
	}
	return nil
}

// EqualData compares the data of two tensors elementwise. Integer and bool
// types must match exactly. Floating point values are compared with a
// relative error against the larger magnitude, falling back to an absolute
// comparison when either value is zero. relTol defaults to 1e-6.
//
// It returns false on shape or dtype mismatch. Both tensors must have bound
// blobs.
func (t *Tensor) EqualData(other *Tensor, relTol ...float64) bool {
	tol := 1e-6
	if len(relTol) > 0 {
		tol = relTol[0]
	}
	if !t.shape.Equal(other.shape) {
		return false
	}
	a, b := t.Data(), other.Data()
	switch t.DType() {
	case dtypes.Float16:
		return equalFloats(flatAs[float16.Float16](a), flatAs[float16.Float16](b),
			func(v float16.Float16) float64 { return float64(v.Float32()) }, tol)
	case dtypes.BFloat16:
		return equalFloats(flatAs[bfloat16.BFloat16](a), flatAs[bfloat16.BFloat16](b),
			func(v bfloat16.BFloat16) float64 { return float64(v.Float32()) }, tol)
	case dtypes.Float32:
		return equalFloats(flatAs[float32](a), flatAs[float32](b),
			func(v float32) float64 { return float64(v) }, tol)
	case dtypes.Float64:
		return equalFloats(flatAs[float64](a), flatAs[float64](b),
			func(v float64) float64 { return v }, tol)
	default:
		// Integer and bool types: exact comparison.
		return bytes.Equal(a, b)
	}
}

func equalFloats[T any](a, b []T, toFloat64 func(T) float64, tol float64) bool {
	for i := range a {
		va, vb := toFloat64(a[i]), toFloat64(b[i])
		absA, absB := math.Abs(va), math.Abs(vb)
		diff := math.Abs(va - vb)
		if min(absA, absB) == 0 {
			if diff > tol {
				return false
			}
		} else if diff/max(absA, absB) > tol {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Tensor#%d %s", t.fuid, t.shape)
	if t.source != nil {
		fmt.Fprintf(&sb, " source=%s", t.source.Type())
	}
	if len(t.targets) > 0 {
		names := make([]string, len(t.targets))
		for i, target := range t.targets {
			names[i] = target.Type().String()
		}
		fmt.Fprintf(&sb, " targets=[%s]", strings.Join(names, " "))
	}
	return sb.String()
}
