// Package backend implements the uniform capability vtable every
// framework backend populates: a process-singleton registry, readable
// lock-free after a one-time load fence, keyed by objects.BackendKind.
package backend

import (
	"fmt"
	"sync"

	"github.com/tensorplane/aidag/internal/aierr"
	"github.com/tensorplane/aidag/internal/execctx"
	"github.com/tensorplane/aidag/internal/objects"
)

// Allocator lets a backend plug-in route its allocations through the
// engine so they are attributable.
type Allocator interface {
	Alloc(size int) []byte
}

type defaultAllocator struct{}

func (defaultAllocator) Alloc(size int) []byte { return make([]byte, size) }

// DefaultAllocator is the plain Go-heap allocator used when a backend
// plug-in does not need a custom arena.
var DefaultAllocator Allocator = defaultAllocator{}

// Capability is the function table a backend implements. Init receives
// the engine Allocator; ModelRun/ScriptRun batch over one or more
// execution contexts (see internal/worker's batching).
type Capability struct {
	ModelCreate    func(blob []byte, device string, alloc Allocator) (handle any, err error)
	ModelFree      func(handle any)
	ModelRun       func(handle any, ctxs []*execctx.ModelCtx) error
	ModelSerialize func(handle any) ([]byte, error)

	ScriptCreate func(source string, device string, alloc Allocator) (handle any, err error)
	ScriptFree   func(handle any)
	ScriptRun    func(handle any, ctx *execctx.ScriptCtx) error

	// Terminate is the cooperative-cancellation hook of backends that
	// support it. Backends that don't may leave this nil; the DAG-level
	// deadline still applies. internal/onnxtimeout does not read this
	// field: Registry.Scan calls the onnxtimeout.Terminator it is handed
	// (for ONNX, onnx.ProcessTerminator, which wraps the same function).
	Terminate func(runHandle any)

	// AddNewDeviceCB notifies the backend a new device string has come
	// into use so it can lazily initialize per-device state.
	AddNewDeviceCB func(device string)
}

// LoadFunc is the plug-in init entry point: given the engine's allocator,
// it returns the Capability it implements.
type LoadFunc func(alloc Allocator) (Capability, error)

// Table is the process-wide backend registry. The zero value is usable.
type Table struct {
	mu       sync.Mutex
	entries  sync.Map // objects.BackendKind -> Capability
	loaders  sync.Map // objects.BackendKind -> LoadFunc
	attempts sync.Map // objects.BackendKind -> *sync.Once
}

var global = &Table{}

// Global returns the process-wide backend table.
func Global() *Table { return global }

// RegisterLoader makes a backend plug-in available for lazy loading. It
// does not load the backend immediately; that happens on first Get miss.
func (t *Table) RegisterLoader(kind objects.BackendKind, load LoadFunc) {
	t.loaders.Store(kind, load)
}

// RegisterCapability installs an already-constructed Capability directly,
// bypassing lazy loading (used by in-process reference backends such as
// internal/backend/cpuref).
func (t *Table) RegisterCapability(kind objects.BackendKind, cap Capability) {
	t.entries.Store(kind, cap)
}

// Get returns the Capability for kind, lazily loading it exactly once via
// its registered LoadFunc if it has not been loaded yet. Once loaded, the
// table is read lock-free (sync.Map's read path needs no mutex once the
// entry is present).
func (t *Table) Get(kind objects.BackendKind) (Capability, error) {
	if v, ok := t.entries.Load(kind); ok {
		return v.(Capability), nil
	}

	onceVal, _ := t.attempts.LoadOrStore(kind, &sync.Once{})
	once := onceVal.(*sync.Once)

	var loadErr error
	once.Do(func() {
		loaderVal, ok := t.loaders.Load(kind)
		if !ok {
			loadErr = aierr.New(aierr.UnsupportedBackend, fmt.Sprintf("no loader registered for backend %v", kind))
			return
		}
		load := loaderVal.(LoadFunc)
		cap, err := load(DefaultAllocator)
		if err != nil {
			loadErr = aierr.Wrap(aierr.BackendNotLoaded, err)
			return
		}
		t.entries.Store(kind, cap)
	})

	if v, ok := t.entries.Load(kind); ok {
		return v.(Capability), nil
	}
	if loadErr != nil {
		return Capability{}, loadErr
	}
	return Capability{}, aierr.New(aierr.BackendNotLoaded, fmt.Sprintf("backend %v not loaded", kind))
}

// Retry clears a failed load attempt for kind so the next Get re-invokes
// the LoadFunc. Callers use this for a single retry on a
// BackendNotLoaded error; it must not be called in a loop.
func (t *Table) Retry(kind objects.BackendKind) {
	t.attempts.Delete(kind)
}

// GetWithRetry calls Get, and on a BackendNotLoaded failure clears the
// load attempt and tries exactly once more.
func (t *Table) GetWithRetry(kind objects.BackendKind) (Capability, error) {
	cap, err := t.Get(kind)
	if err == nil {
		return cap, nil
	}
	if !aierr.IsKind(err, aierr.BackendNotLoaded) {
		return Capability{}, err
	}
	t.Retry(kind)
	return t.Get(kind)
}
