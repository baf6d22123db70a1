package fusion

import "sync"

// FusionAlgorithm is the pluggable contract a fusion algorithm
// implements. Implementations own a StateMachine and a TaskManager and
// drive both from Initialize/Update/ProcessMessage/HandleTrigger.
type FusionAlgorithm interface {
	// Initialize builds the state machine, seeds the typed store, and
	// registers any default devices.
	Initialize(ctx *AlgorithmContext)
	// ProcessMessage classifies and dispatches an inbound message.
	ProcessMessage(ctx *AlgorithmContext, msg InboundMessage)
	// Update runs one periodic tick: current state's OnUpdate, task
	// manager housekeeping, state-transition evaluation, periodic status.
	Update(ctx *AlgorithmContext)
	// HandleTrigger dispatches a named external event, optionally carrying
	// data (e.g. the node id for "node_timeout").
	HandleTrigger(ctx *AlgorithmContext, name string, data any)
	// Shutdown emits a SHUTDOWN control message and releases resources.
	Shutdown(ctx *AlgorithmContext)

	Name() string
	Version() string
	Description() string
}

// AlgorithmFactory constructs a fresh FusionAlgorithm instance.
type AlgorithmFactory func() FusionAlgorithm

// AlgorithmRegistry is a thread-safe name -> factory directory used by
// the manager to instantiate an algorithm by configured name.
type AlgorithmRegistry struct {
	mu        sync.RWMutex
	factories map[string]AlgorithmFactory
}

// NewAlgorithmRegistry returns an empty registry.
func NewAlgorithmRegistry() *AlgorithmRegistry {
	return &AlgorithmRegistry{factories: make(map[string]AlgorithmFactory)}
}

// Register adds factory under name. It returns ErrAlgorithmRegistered if
// the name is already taken.
func (r *AlgorithmRegistry) Register(name string, factory AlgorithmFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return ErrAlgorithmRegistered
	}
	r.factories[name] = factory
	return nil
}

// Create instantiates a new algorithm by name, or returns
// ErrUnknownAlgorithm.
func (r *AlgorithmRegistry) Create(name string) (FusionAlgorithm, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[name]
	if !ok {
		return nil, ErrUnknownAlgorithm
	}
	return factory(), nil
}

// Available returns the names of every registered algorithm.
func (r *AlgorithmRegistry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

// IsAvailable reports whether name is registered.
func (r *AlgorithmRegistry) IsAvailable(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}
