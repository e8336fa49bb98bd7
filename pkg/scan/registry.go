package scan

import (
	"fmt"
	"sync"
)

// Registry holds the scan states the orchestrator owns. Implementations must
// synchronize internally: the owning scan goroutine writes while status
// readers take snapshots concurrently.
type Registry interface {
	// Create registers a new scan state. Fails when the id already exists.
	Create(state State) error

	// Get returns a snapshot of a scan's state.
	Get(scanID string) (State, bool)

	// Update applies fn to the stored state under the registry's lock.
	// Returns false when the scan is unknown.
	Update(scanID string, fn func(*State)) bool
}

// MemoryRegistry is the in-process Registry. Scan states live for the
// process lifetime; durable resume state is the checkpoint store's job.
type MemoryRegistry struct {
	mu    sync.RWMutex
	scans map[string]State
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		scans: make(map[string]State),
	}
}

// Create registers a new scan state.
func (r *MemoryRegistry) Create(state State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.scans[state.ScanID]; exists {
		return fmt.Errorf("scan %s already registered", state.ScanID)
	}
	r.scans[state.ScanID] = state
	return nil
}

// Get returns a consistent snapshot of the scan's state.
func (r *MemoryRegistry) Get(scanID string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.scans[scanID]
	return state, ok
}

// Update applies fn to the stored state while holding the write lock.
func (r *MemoryRegistry) Update(scanID string, fn func(*State)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.scans[scanID]
	if !ok {
		return false
	}
	fn(&state)
	r.scans[scanID] = state
	return true
}
