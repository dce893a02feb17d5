// Package registry implements the Activity Entity Registry (spec.md §4.3):
// a process-wide, write-once-at-startup table of per-objectType behavior —
// producer, transformers, propagation, and named associations — plus a
// companion table of per-activityType routing metadata used by the Router
// and Aggregator. It follows the same shape as the teacher's config
// registries (AgentRegistry, ChainRegistry, MCPServerRegistry): a mutex-
// guarded map built once during startup and read concurrently afterward.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/oaeproject/activity-core/pkg/apperrors"
)

// PersistentEntity is the generic materialized form of a registered domain
// entity, as produced by a Producer.
type PersistentEntity struct {
	ObjectType string
	ID         string
	TenantID   string
	Data       map[string]any
}

// SeedResource is the minimal description of a posted activity's actor,
// object, or target, as handed to a Producer.
type SeedResource struct {
	ObjectType   string
	ResourceID   string
	ResourceData map[string]any
}

// PropagationKind enumerates the propagation rule shapes from spec §4.3.
type PropagationKind string

const (
	PropagationAll                PropagationKind = "all"
	PropagationAssociation        PropagationKind = "association"
	PropagationRoutes             PropagationKind = "routes"
	PropagationSelf               PropagationKind = "self"
	PropagationFollowers          PropagationKind = "followers"
	PropagationTenant             PropagationKind = "tenant"
	PropagationInteractingTenants PropagationKind = "interacting-tenants"
)

// Route is one explicit (recipientId, streamType) destination, used by the
// PropagationRoutes rule kind.
type Route struct {
	ResourceID string
	StreamType string
}

// PropagationRule is one entry of the slice returned by a PropagationFunc.
// Association is only meaningful when Kind == PropagationAssociation; Routes
// only when Kind == PropagationRoutes.
type PropagationRule struct {
	Kind        PropagationKind
	Association string
	Routes      []Route
}

// ProducerFunc materializes a PersistentEntity from a seed resource,
// consulting ResourceData when present or looking the entity up by id.
type ProducerFunc func(ctx context.Context, seed SeedResource) (*PersistentEntity, error)

// TransformerFunc renders a batch of entities into a wire or internal
// representation. The two transformers registered per objectType
// (activitystreams and internal) share this signature.
type TransformerFunc func(ctx context.Context, entities []*PersistentEntity) ([]map[string]any, error)

// PropagationFunc computes the propagation rules that gate delivery of
// activities referencing this entity.
type PropagationFunc func(ctx context.Context, entity *PersistentEntity) ([]PropagationRule, error)

// AssociationFunc resolves an entity to a set of related principal ids
// (e.g. "members", "managers", "message-contributors").
type AssociationFunc func(ctx context.Context, entity *PersistentEntity) ([]string, error)

// EntityType is the full vtable registered for one objectType.
type EntityType struct {
	ObjectType                 string
	Producer                   ProducerFunc
	ActivityStreamsTransformer TransformerFunc
	InternalTransformer        TransformerFunc
	Propagation                PropagationFunc
	Associations               map[string]AssociationFunc
}

// EntityRegistry is the per-process table of registered EntityTypes.
// Registration is expected to happen once, at startup, before any
// concurrent lookups begin; the mutex protects against that assumption
// being violated rather than expecting contention in steady state.
type EntityRegistry struct {
	mu    sync.RWMutex
	types map[string]*EntityType
}

// NewEntityRegistry returns an empty registry ready for RegisterEntityType
// calls.
func NewEntityRegistry() *EntityRegistry {
	return &EntityRegistry{types: make(map[string]*EntityType)}
}

// RegisterEntityType adds or replaces the vtable for an objectType.
func (r *EntityRegistry) RegisterEntityType(et EntityType) error {
	if et.ObjectType == "" {
		return apperrors.NewValidationError("objectType", "required")
	}
	if et.Producer == nil {
		return apperrors.NewValidationError("producer", "required")
	}
	if et.ActivityStreamsTransformer == nil || et.InternalTransformer == nil {
		return apperrors.NewValidationError("transformer", "both activitystreams and internal transformers are required")
	}
	if et.Propagation == nil {
		return apperrors.NewValidationError("propagation", "required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	copied := et
	copied.Associations = make(map[string]AssociationFunc, len(et.Associations))
	for name, fn := range et.Associations {
		copied.Associations[name] = fn
	}
	r.types[et.ObjectType] = &copied
	return nil
}

// Get returns the registered EntityType for objectType.
func (r *EntityRegistry) Get(objectType string) (*EntityType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	et, ok := r.types[objectType]
	if !ok {
		return nil, fmt.Errorf("%w: objectType %q is not registered", apperrors.ErrNotFound, objectType)
	}
	return et, nil
}

// Has reports whether objectType has a registered EntityType.
func (r *EntityRegistry) Has(objectType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[objectType]
	return ok
}

// Association resolves the named association function for objectType.
func (r *EntityRegistry) Association(objectType, name string) (AssociationFunc, error) {
	et, err := r.Get(objectType)
	if err != nil {
		return nil, err
	}
	fn, ok := et.Associations[name]
	if !ok {
		return nil, fmt.Errorf("%w: association %q is not registered for objectType %q", apperrors.ErrNotFound, name, objectType)
	}
	return fn, nil
}

// Len returns the number of registered entity types.
func (r *EntityRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.types)
}
