// Package backends defines the interface a device runtime needs to implement
// to be used by staticgraph.
//
// The core only needs raw memory from the runtime: the static planner
// simulates every tensor allocation as an offset into one pool, and asks the
// backend for a single backing buffer once the pool size (peak) is known.
//
// To simplify error handling, runtime failures are expected to throw (panic)
// with a stack trace. See package github.com/gomlx/exceptions.
package backends

import (
	"os"
	"strings"

	"github.com/gomlx/exceptions"
)

// Backend is the API that needs to be implemented by a staticgraph runtime.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "go" for the pure Go
	// runtime.
	Name() string

	// Description is a longer description of the Backend that can be used to
	// pretty-print.
	Description() string

	// Allocate returns a zero-initialized device buffer with nbytes bytes.
	// It is synchronous and, from the caller's perspective, infallible.
	Allocate(nbytes int) []byte

	// Free releases a buffer previously returned by Allocate.
	Free(buffer []byte)

	// Finalize releases all the associated resources immediately, and makes
	// the backend invalid.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) Backend

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a default constructor that takes
// as input a configuration string that is passed along to the backend
// constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is the name of the default backend configuration to use if
// specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// STATICGRAPH_BACKEND is the environment variable with the default backend
// configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>".
const STATICGRAPH_BACKEND = "STATICGRAPH_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment STATICGRAPH_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
//
// It panics if no backend was registered.
func New() Backend {
	config, found := os.LookupEnv(STATICGRAPH_BACKEND)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig takes a configuration string formatted as
// "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "go") and
// "<backend_configuration>" is backend specific.
func NewWithConfig(config string) Backend {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered backends for staticgraph -- maybe import the default one with import _ "github.com/gomlx/staticgraph/backends/simplego"?`)
	}
	backendName := config
	backendConfig := ""
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	}
	if backendName == "" {
		backendName = firstRegistered
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		exceptions.Panicf("can't find backend %q for configuration %q given", backendName, config)
	}
	return constructor(backendConfig)
}
