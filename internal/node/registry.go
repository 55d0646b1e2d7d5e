package node

import (
	"fmt"
	"sync"

	"github.com/flowkit/wfengine/internal/domain"
)

// Factory constructs a fresh WorkflowNode instance. The registry calls it
// once at registration time to read metadata, then again per instantiate()
// unless the registration is a singleton.
type Factory func() WorkflowNode

// RegisterOptions controls how a node class is registered.
type RegisterOptions struct {
	Singleton bool
	Source    domain.NodeSource
}

type registration struct {
	factory  Factory
	opts     RegisterOptions
	metadata domain.WorkflowNodeMetadata
	instance WorkflowNode // non-nil only when opts.Singleton
}

// Registry is the process-wide node-class table: it maps node type ids to
// factories and hands out instances on demand. A Registry is safe for
// concurrent use.
type Registry struct {
	mu  sync.RWMutex
	byID map[string]*registration
}

// StateSetterNodeID is the reserved id the registry pre-registers
// __state_setter__ under.
const StateSetterNodeID = "__state_setter__"

// NewRegistry returns a Registry with StateSetterNode already registered
// under StateSetterNodeID, source universal, so has(StateSetterNodeID) is
// true even before any caller registers anything.
func NewRegistry() *Registry {
	r := &Registry{byID: make(map[string]*registration)}
	if err := r.Register(NewStateSetterNode, RegisterOptions{Singleton: true, Source: domain.NodeSourceUniversal}); err != nil {
		panic(fmt.Sprintf("node: failed to self-register %s: %v", StateSetterNodeID, err))
	}
	return r
}

// Register instantiates factory once to read metadata, validates the
// (id, name, version) triple, and stores the class under its id.
//
// Re-registering the same id with a different version fails with
// NodeRegistrationError. Re-registering with the same id and version is a
// no-op.
func (r *Registry) Register(factory Factory, opts RegisterOptions) error {
	if factory == nil {
		return domain.NewEngineError(domain.ErrorKindRegistration, "factory is nil", nil)
	}
	if !opts.Source.IsValid() {
		opts.Source = domain.NodeSourceUniversal
	}

	probe := factory()
	if probe == nil {
		return domain.NewEngineError(domain.ErrorKindRegistration, "factory returned nil node", nil)
	}
	meta := probe.Metadata()
	if meta.ID == "" || meta.Name == "" || meta.Version == "" {
		return domain.NewEngineError(domain.ErrorKindRegistration,
			fmt.Sprintf("node metadata must have non-empty id, name and version, got %+v", meta), nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.byID[meta.ID]; exists {
		if existing.metadata.Version != meta.Version {
			return domain.NewEngineError(domain.ErrorKindRegistration,
				fmt.Sprintf("node %q already registered at version %s, cannot register version %s",
					meta.ID, existing.metadata.Version, meta.Version), nil)
		}
		return nil
	}

	reg := &registration{factory: factory, opts: opts, metadata: meta}
	if opts.Singleton {
		reg.instance = probe
	}
	r.byID[meta.ID] = reg
	return nil
}

// Has reports whether nodeId is registered and visible to env. Passing an
// empty env skips the visibility filter (used by internal callers that
// don't run in either environment, e.g. the parser's reference check).
func (r *Registry) Has(nodeID string, env domain.NodeSource) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, exists := r.byID[nodeID]
	if !exists {
		return false
	}
	return reg.opts.Source.VisibleTo(env)
}

// Instantiate returns a WorkflowNode for nodeId: the stored singleton if
// registered as one, otherwise a fresh instance from the factory.
func (r *Registry) Instantiate(nodeID string, env domain.NodeSource) (WorkflowNode, error) {
	r.mu.RLock()
	reg, exists := r.byID[nodeID]
	r.mu.RUnlock()

	if !exists || !reg.opts.Source.VisibleTo(env) {
		return nil, domain.NewEngineError(domain.ErrorKindNodeNotFound,
			fmt.Sprintf("node %q not found", nodeID), nil)
	}
	if reg.opts.Singleton {
		return reg.instance, nil
	}
	return reg.factory(), nil
}

// ValidateConfig instantiates nodeId purely to probe its config shape and,
// if the instance implements ConfigValidator, calls it. Nodes without a
// validator accept any config map; an unknown or invisible nodeId reports
// the same error Instantiate would.
func (r *Registry) ValidateConfig(nodeID string, env domain.NodeSource, config map[string]any) error {
	instance, err := r.Instantiate(nodeID, env)
	if err != nil {
		return err
	}
	if validator, ok := instance.(ConfigValidator); ok {
		return validator.ValidateConfig(config)
	}
	return nil
}

// Metadata returns the registered metadata for nodeId.
func (r *Registry) Metadata(nodeID string) (domain.WorkflowNodeMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, exists := r.byID[nodeID]
	if !exists {
		return domain.WorkflowNodeMetadata{}, false
	}
	return reg.metadata, true
}

// List returns metadata for every node visible to env, in no particular
// order. An empty env returns every registration regardless of source.
func (r *Registry) List(env domain.NodeSource) []domain.WorkflowNodeMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.WorkflowNodeMetadata, 0, len(r.byID))
	for _, reg := range r.byID {
		if reg.opts.Source.VisibleTo(env) {
			out = append(out, reg.metadata)
		}
	}
	return out
}

// Unregister removes a node class. Unregistering StateSetterNodeID is
// allowed but unusual; callers that do it lose state-setter sugar entirely.
func (r *Registry) Unregister(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, nodeID)
}

// Clear removes every registration, including the built-in state setter.
// Callers that need it back must Register it again or call NewRegistry.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID = make(map[string]*registration)
}
