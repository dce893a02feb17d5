package registry

import (
	"fmt"
	"sync"

	"github.com/oaeproject/activity-core/pkg/apperrors"
)

// EntityRole names one of the three roles a posted activity may reference.
type EntityRole string

const (
	RoleActor  EntityRole = "actor"
	RoleObject EntityRole = "object"
	RoleTarget EntityRole = "target"
)

// GroupByTuple is one combination of truthy-keyed roles used to compute an
// aggregation grouping key (spec §4.5 step 1). An activity contributes
// independently to every registered tuple.
type GroupByTuple struct {
	Actor, Object, Target bool
}

// Roles returns the tuple's selected roles in canonical (actor, object,
// target) order, for deterministic grouping-key construction.
func (t GroupByTuple) Roles() []EntityRole {
	var roles []EntityRole
	if t.Actor {
		roles = append(roles, RoleActor)
	}
	if t.Object {
		roles = append(roles, RoleObject)
	}
	if t.Target {
		roles = append(roles, RoleTarget)
	}
	return roles
}

// StreamSpec is the per-stream router registered for one activityType: the
// roles it routes by and the associations consulted to expand those roles
// into recipient principal ids.
type StreamSpec struct {
	Roles        []EntityRole
	Associations []string
	Transient    bool
}

// Stream type names, per spec §4.3/§4.6.
const (
	StreamActivity     = "activity"
	StreamNotification = "notification"
	StreamEmail        = "email"
	StreamMessage      = "message"
)

// ActivityType is the routing/grouping metadata registered for one
// activityType.
type ActivityType struct {
	ActivityType string
	GroupBy      []GroupByTuple
	Streams      map[string]StreamSpec
}

// ActivityRegistry is the per-process table of registered ActivityTypes,
// consulted by the Router (route expansion) and Aggregator (grouping keys).
type ActivityRegistry struct {
	mu    sync.RWMutex
	types map[string]*ActivityType
}

// NewActivityRegistry returns an empty registry.
func NewActivityRegistry() *ActivityRegistry {
	return &ActivityRegistry{types: make(map[string]*ActivityType)}
}

// RegisterActivityType adds or replaces the routing metadata for an
// activityType.
func (r *ActivityRegistry) RegisterActivityType(at ActivityType) error {
	if at.ActivityType == "" {
		return apperrors.NewValidationError("activityType", "required")
	}
	if len(at.GroupBy) == 0 {
		return apperrors.NewValidationError("groupBy", "at least one tuple is required")
	}
	if len(at.Streams) == 0 {
		return apperrors.NewValidationError("streams", "at least one stream is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	copied := at
	copied.GroupBy = append([]GroupByTuple(nil), at.GroupBy...)
	copied.Streams = make(map[string]StreamSpec, len(at.Streams))
	for stream, spec := range at.Streams {
		spec.Roles = append([]EntityRole(nil), spec.Roles...)
		spec.Associations = append([]string(nil), spec.Associations...)
		copied.Streams[stream] = spec
	}
	r.types[at.ActivityType] = &copied
	return nil
}

// Get returns the registered ActivityType for activityType.
func (r *ActivityRegistry) Get(activityType string) (*ActivityType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	at, ok := r.types[activityType]
	if !ok {
		return nil, fmt.Errorf("%w: activityType %q is not registered", apperrors.ErrNotFound, activityType)
	}
	return at, nil
}

// Len returns the number of registered activity types.
func (r *ActivityRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.types)
}
