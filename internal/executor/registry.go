package executor

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrCapabilityUnknown indicates no executor is registered for a capability.
var ErrCapabilityUnknown = errors.New("unknown executor capability")

// Registry maps capability names to executor implementations. It is built
// explicitly at startup and injected into the orchestration core, so each
// plan run can carry its own isolated set of executors.
type Registry struct {
	// executors maps capability name to the serving executor.
	executors map[string]Executor
	// available tracks capabilities marked up or down by health probes.
	available map[string]bool
	// mu protects all fields.
	mu sync.RWMutex
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[string]Executor),
		available: make(map[string]bool),
	}
}

// Register adds an executor under its capability name. Registering the
// same capability twice is an error; resolution happens once at startup.
func (r *Registry) Register(e Executor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cap := e.Capability()
	if cap == "" {
		return fmt.Errorf("executor has empty capability name")
	}
	if _, exists := r.executors[cap]; exists {
		return fmt.Errorf("capability %s already registered", cap)
	}

	r.executors[cap] = e
	r.available[cap] = true
	return nil
}

// Resolve returns the executor serving the capability.
func (r *Registry) Resolve(capability string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.executors[capability]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCapabilityUnknown, capability)
	}
	return e, nil
}

// IsAvailable reports whether the capability is registered and marked up.
// Registry implements the Probe interface.
func (r *Registry) IsAvailable(capability string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.available[capability]
}

// SetAvailable marks a registered capability up or down. Unknown
// capabilities are ignored.
func (r *Registry) SetAvailable(capability string, up bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.executors[capability]; ok {
		r.available[capability] = up
	}
}

// Capabilities returns the registered capability names in sorted order.
func (r *Registry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	caps := make([]string, 0, len(r.executors))
	for c := range r.executors {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	return caps
}

// Count returns the number of registered executors.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.executors)
}

// Compile-time verification that Registry implements Probe.
var _ Probe = (*Registry)(nil)
