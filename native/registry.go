package native

import (
	"path/filepath"
	"strings"
	"sync"

	verrors "github.com/osprey-lang/ovum/errors"
	"github.com/osprey-lang/ovum/vm"
)

// Registry is an in-process native library: a map from entry-point
// names to Go implementations. The standard library and embedders
// register their symbols here under the library name the module file
// declares.
type Registry struct {
	mu      sync.RWMutex
	symbols map[string]any
}

// NewRegistry creates an empty registry library.
func NewRegistry() *Registry {
	return &Registry{symbols: make(map[string]any)}
}

// Register binds a symbol. The value must be one of the types the VM
// consumes: vm.NativeMethod, vm.TypeIniter, vm.ListInitializer,
// vm.HashInitializer or vm.TypeTokenInitializer.
func (r *Registry) Register(name string, symbol any) *Registry {
	r.mu.Lock()
	r.symbols[name] = symbol
	r.mu.Unlock()
	return r
}

// RegisterMethod binds a native method entry point.
func (r *Registry) RegisterMethod(name string, fn vm.NativeMethod) *Registry {
	return r.Register(name, fn)
}

// RegisterTypeIniter binds a native type initialiser.
func (r *Registry) RegisterTypeIniter(name string, fn vm.TypeIniter) *Registry {
	return r.Register(name, fn)
}

// Symbol implements vm.NativeLibrary.
func (r *Registry) Symbol(name string) (any, bool) {
	r.mu.RLock()
	sym, ok := r.symbols[name]
	r.mu.RUnlock()
	return sym, ok
}

// Close implements vm.NativeLibrary.
func (r *Registry) Close() error {
	return nil
}

var (
	librariesMu sync.RWMutex
	libraries   = make(map[string]vm.NativeLibrary)
)

// RegisterLibrary makes a library resolvable under the given name,
// taking precedence over the filesystem.
func RegisterLibrary(name string, lib vm.NativeLibrary) {
	librariesMu.Lock()
	libraries[name] = lib
	librariesMu.Unlock()
}

// LookupLibrary returns a registered library.
func LookupLibrary(name string) (vm.NativeLibrary, bool) {
	librariesMu.RLock()
	lib, ok := libraries[name]
	librariesMu.RUnlock()
	return lib, ok
}

// Resolver returns the default native resolver: registered libraries
// first, then `.wasm` libraries next to the module file.
func Resolver() vm.NativeResolver {
	return func(name, dir string) (vm.NativeLibrary, error) {
		if lib, ok := LookupLibrary(name); ok {
			return lib, nil
		}
		if strings.HasSuffix(name, ".wasm") {
			return OpenWasmLibrary(filepath.Join(dir, filepath.Base(name)))
		}
		return nil, verrors.NotFound(verrors.PhaseLoad, "native library", name)
	}
}
