package database

import (
	"context"
	"fmt"
	"sync"
	"weak"
)

// Registry maps normalised database paths to live Managers.
//
// The registry holds only weak references, so it never keeps a Manager alive
// by itself. Entries whose Manager has been collected are replaced on the next
// Open of the same path.
//
// Registries are process-wide state. Tests should use unique paths (t.TempDir)
// or their own Registry to avoid interfering with each other.
type Registry struct {
	mu       sync.Mutex
	managers map[string]weak.Pointer[Manager]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{managers: make(map[string]weak.Pointer[Manager])}
}

// defaultRegistry is initialised on first use of the package and never torn down.
var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide registry used by Open and OpenMemory.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Open returns the Manager for path from the process-wide registry, creating
// it if needed. See (*Registry).Open.
func Open(ctx context.Context, path string, init Initializer, opts Options) (*Manager, error) {
	return defaultRegistry.Open(ctx, path, init, opts)
}

// OpenMemory returns the Manager for a named shared-memory database from the
// process-wide registry. See (*Registry).OpenMemory.
func OpenMemory(ctx context.Context, name string, init Initializer, opts Options) (*Manager, error) {
	return defaultRegistry.OpenMemory(ctx, name, init, opts)
}

// Open returns the Manager for path, creating it if no live Manager exists.
//
// The path is normalised first, so different spellings of the same file share
// one Manager. A new Manager opens its ReadWrite connection and runs init
// before it is registered; a failed construction leaves no entry behind.
//
// When a live Manager already exists, init and opts are ignored.
//
// Parameters:
//   - ctx: Context for timeout/cancellation of the initial open
//   - path: Filesystem path or file: URL
//   - init: Schema initializer for writable connections (may be nil)
//   - opts: Connection options
//
// Returns:
//   - *Manager: Shared manager for the path
//   - error: *IllegalPathError, or the failure of the initial open
func (r *Registry) Open(ctx context.Context, path string, init Initializer, opts Options) (*Manager, error) {
	key, err := NormalizePath(path)
	if err != nil {
		return nil, err
	}
	return r.getOrCreate(ctx, key, false, init, opts)
}

// OpenMemory returns the Manager for a named shared-memory database.
// The database lives as long as any of its connections is open.
func (r *Registry) OpenMemory(ctx context.Context, name string, init Initializer, opts Options) (*Manager, error) {
	if name == "" {
		return nil, &IllegalPathError{Path: name}
	}
	return r.getOrCreate(ctx, memoryKey(name), true, init, opts)
}

func (r *Registry) getOrCreate(ctx context.Context, key string, memory bool, init Initializer, opts Options) (*Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ref, ok := r.managers[key]; ok {
		if m := ref.Value(); m != nil {
			return m, nil
		}
	}

	path := key
	if memory {
		path = key[len(memoryKeyPrefix):]
	}

	m, err := newManager(ctx, path, memory, init, opts)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", key, err)
	}
	r.managers[key] = weak.Make(m)
	return m, nil
}

// Lookup returns the live Manager for an already-normalised key, or nil.
func (r *Registry) Lookup(key string) *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref, ok := r.managers[key]
	if !ok {
		return nil
	}
	return ref.Value()
}

// Len returns the number of entries whose Manager is still alive.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, ref := range r.managers {
		if ref.Value() != nil {
			n++
		}
	}
	return n
}
