package simplego

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gomlx/staticgraph/backends"
)

func TestRegistry(t *testing.T) {
	backend := backends.NewWithConfig(BackendName)
	require.Equal(t, BackendName, backend.Name())
	require.NotEmpty(t, backend.Description())
	backend.Finalize()
}

func TestAllocateAndFree(t *testing.T) {
	backend := New("")
	buffer := backend.Allocate(64)
	require.Len(t, buffer, 64)
	for _, b := range buffer {
		require.Zero(t, b)
	}
	backend.Free(buffer)
	backend.Finalize()
}

func TestAllocateZeroBytes(t *testing.T) {
	backend := New("")
	buffer := backend.Allocate(0)
	require.Empty(t, buffer)
	backend.Free(buffer)
	backend.Finalize()
}
