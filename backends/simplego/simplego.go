// Package simplego implements a simple, very portable runtime for
// staticgraph: buffers are plain Go byte slices on the host.
package simplego

import (
	"sync"

	"k8s.io/klog/v2"

	"github.com/gomlx/staticgraph/backends"
)

// BackendName to be used in STATICGRAPH_BACKEND to specify this backend.
const BackendName = "go"

// Registers New() as the default constructor for the "go" backend.
func init() {
	backends.Register(BackendName, New)
}

// New constructs a new SimpleGo Backend.
// There are no configurations, the string is simply ignored.
func New(_ string) backends.Backend {
	return &Backend{}
}

// Backend implements the backends.Backend interface on host memory.
type Backend struct {
	mu   sync.Mutex
	live int
}

// Compile-time check that simplego.Backend implements backends.Backend.
var _ backends.Backend = &Backend{}

// Name returns the short name of the backend.
func (b *Backend) Name() string { return BackendName }

// Description is a longer description of the Backend that can be used to
// pretty-print.
func (b *Backend) Description() string {
	return "Simple Go Portable Runtime"
}

// Allocate returns a zero-initialized host buffer with nbytes bytes.
func (b *Backend) Allocate(nbytes int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.live++
	return make([]byte, nbytes)
}

// Free releases a buffer previously returned by Allocate. For a host backend
// the garbage collector does the actual reclaim, Free only does accounting.
func (b *Backend) Free(buffer []byte) {
	if buffer == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.live--
	if b.live < 0 {
		klog.Warningf("simplego: Free called more times than Allocate for backend %q", b.Name())
		b.live = 0
	}
}

// Finalize releases all the associated resources immediately, and makes the
// backend invalid.
func (b *Backend) Finalize() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.live > 0 {
		klog.Warningf("simplego: Finalize with %d buffer(s) still allocated", b.live)
	}
	b.live = 0
}
