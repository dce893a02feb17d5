// Package router implements the Activity Router (spec.md §4.4, routing
// half): given a posted activity seed, it expands registered streams and
// associations into a deduplicated, bucketized multiset of
// (recipientId, streamType, format) routes. It follows the registry-lookup
// pattern from pkg/config's loader plus the query-then-filter shape of the
// teacher's pkg/services, built over pkg/registry instead of pkg/config.
package router

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/oaeproject/activity-core/pkg/registry"
)

// Formats are the transformer outputs a StreamEntry is materialized in.
// Format negotiation at subscribe time (spec §4.6) selects among these.
var Formats = []string{"activitystreams", "internal"}

// Seed is a posted activity, referencing up to three entities by role.
// A nil *registry.SeedResource means that role is absent from this
// activityType (e.g. many activities have no target).
type Seed struct {
	ActivityID   string
	ActivityType string
	TenantID     string
	Published    int64
	Actor        *registry.SeedResource
	Object       *registry.SeedResource
	Target       *registry.SeedResource
}

// Route is one expanded (recipientId, streamType, format) destination.
type Route struct {
	RecipientID string
	StreamType  string
	Format      string
	Bucket      int
}

// PermissionOracle resolves the authorization and tenancy facts the router
// needs to apply propagation filtering, without the router implementing
// any policy itself.
type PermissionOracle interface {
	// Tenant returns the tenant a principal or resource belongs to.
	Tenant(ctx context.Context, id string) (string, error)
	// InteractingTenants returns the tenants that may receive
	// interacting-tenants-gated activities originating in tenantID.
	InteractingTenants(ctx context.Context, tenantID string) ([]string, error)
	// CanView reports whether principalID may view resourceID, used to
	// enforce the {self}/{followers}/private propagation rules.
	CanView(ctx context.Context, principalID, resourceID string) (bool, error)
}

// Router expands seeds into routes.
type Router struct {
	entities   *registry.EntityRegistry
	activities *registry.ActivityRegistry
	oracle     PermissionOracle
	numBuckets int
	cache      *gocache.Cache
}

// New constructs a Router. numBuckets is the Collection Scheduler's bucket
// count (numberOfProcessingBuckets, default 5).
func New(entities *registry.EntityRegistry, activities *registry.ActivityRegistry, oracle PermissionOracle, numBuckets int) *Router {
	if numBuckets <= 0 {
		numBuckets = 5
	}
	return &Router{
		entities:   entities,
		activities: activities,
		oracle:     oracle,
		numBuckets: numBuckets,
		cache:      gocache.New(30*time.Second, time.Minute),
	}
}

// Expand implements the four-step algorithm of spec §4.4: per-stream
// association expansion, propagation filtering, deduplication, and
// bucketization by hash of recipientId.
func (r *Router) Expand(ctx context.Context, seed Seed) ([]Route, error) {
	at, err := r.activities.Get(seed.ActivityType)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve activity type %q: %w", seed.ActivityType, err)
	}

	seen := make(map[Route]struct{})
	var routes []Route

	for streamType, spec := range at.Streams {
		candidates, err := r.candidatesForStream(ctx, seed, spec)
		if err != nil {
			return nil, fmt.Errorf("failed to expand stream %q: %w", streamType, err)
		}
		for _, candidate := range candidates {
			allowed, err := r.propagationAllows(ctx, seed, candidate)
			if err != nil {
				return nil, fmt.Errorf("failed to evaluate propagation for recipient %q: %w", candidate, err)
			}
			if !allowed {
				continue
			}
			for _, format := range Formats {
				route := Route{
					RecipientID: candidate,
					StreamType:  streamType,
					Format:      format,
					Bucket:      r.bucketFor(candidate),
				}
				if _, ok := seen[route]; ok {
					continue
				}
				seen[route] = struct{}{}
				routes = append(routes, route)
			}
		}
	}
	return routes, nil
}

// candidatesForStream materializes the roles a stream spec references and
// calls each named association against them to collect candidate
// recipient principal ids.
func (r *Router) candidatesForStream(ctx context.Context, seed Seed, spec registry.StreamSpec) ([]string, error) {
	var candidates []string
	for _, role := range spec.Roles {
		seedResource := roleResource(seed, role)
		if seedResource == nil {
			continue
		}
		entity, err := r.materialize(ctx, *seedResource)
		if err != nil {
			return nil, err
		}
		for _, assocName := range spec.Associations {
			fn, err := r.entities.Association(seedResource.ObjectType, assocName)
			if err != nil {
				return nil, err
			}
			ids, err := fn(ctx, entity)
			if err != nil {
				return nil, fmt.Errorf("association %q failed: %w", assocName, err)
			}
			candidates = append(candidates, ids...)
		}
	}
	return candidates, nil
}

func (r *Router) materialize(ctx context.Context, seedResource registry.SeedResource) (*registry.PersistentEntity, error) {
	et, err := r.entities.Get(seedResource.ObjectType)
	if err != nil {
		return nil, err
	}
	return et.Producer(ctx, seedResource)
}

// propagationAllows applies the entity's propagation rules to one
// candidate recipient, per spec §4.4 step 2.
func (r *Router) propagationAllows(ctx context.Context, seed Seed, recipientID string) (bool, error) {
	// The propagation rules are keyed to the activity's primary subject,
	// which by convention is the object (or the target when no object is
	// registered for this activityType).
	subject := seed.Object
	if subject == nil {
		subject = seed.Target
	}
	if subject == nil {
		subject = seed.Actor
	}
	if subject == nil {
		return true, nil
	}

	entity, err := r.materialize(ctx, *subject)
	if err != nil {
		return false, err
	}
	et, err := r.entities.Get(subject.ObjectType)
	if err != nil {
		return false, err
	}
	rules, err := et.Propagation(ctx, entity)
	if err != nil {
		return false, fmt.Errorf("propagation evaluation failed: %w", err)
	}

	for _, rule := range rules {
		allowed, err := r.evaluateRule(ctx, rule, seed, entity, recipientID)
		if err != nil {
			return false, err
		}
		if allowed {
			return true, nil
		}
	}
	return false, nil
}

func (r *Router) evaluateRule(ctx context.Context, rule registry.PropagationRule, seed Seed, entity *registry.PersistentEntity, recipientID string) (bool, error) {
	switch rule.Kind {
	case registry.PropagationAll:
		return true, nil
	case registry.PropagationSelf:
		return recipientID == entity.ID, nil
	case registry.PropagationFollowers:
		return r.oracle.CanView(ctx, recipientID, entity.ID)
	case registry.PropagationTenant:
		recipientTenant, err := r.cachedTenant(ctx, recipientID)
		if err != nil {
			return false, err
		}
		return recipientTenant == seed.TenantID, nil
	case registry.PropagationInteractingTenants:
		recipientTenant, err := r.cachedTenant(ctx, recipientID)
		if err != nil {
			return false, err
		}
		if recipientTenant == seed.TenantID {
			return true, nil
		}
		interacting, err := r.oracle.InteractingTenants(ctx, seed.TenantID)
		if err != nil {
			return false, fmt.Errorf("failed to resolve interacting tenants: %w", err)
		}
		for _, tenantID := range interacting {
			if tenantID == recipientTenant {
				return true, nil
			}
		}
		return false, nil
	case registry.PropagationAssociation:
		fn, err := r.entities.Association(entity.ObjectType, rule.Association)
		if err != nil {
			return false, err
		}
		ids, err := fn(ctx, entity)
		if err != nil {
			return false, err
		}
		for _, id := range ids {
			if id == recipientID {
				return true, nil
			}
		}
		return false, nil
	case registry.PropagationRoutes:
		for _, route := range rule.Routes {
			if route.ResourceID == recipientID {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("unknown propagation rule kind %q", rule.Kind)
	}
}

func (r *Router) cachedTenant(ctx context.Context, principalID string) (string, error) {
	if cached, ok := r.cache.Get(principalID); ok {
		return cached.(string), nil
	}
	tenantID, err := r.oracle.Tenant(ctx, principalID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve tenant for %q: %w", principalID, err)
	}
	r.cache.SetDefault(principalID, tenantID)
	return tenantID, nil
}

// bucketFor hashes recipientID into one of numBuckets processing buckets
// (spec §4.4 step 3).
func (r *Router) bucketFor(recipientID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(recipientID))
	return int(h.Sum32() % uint32(r.numBuckets))
}

func roleResource(seed Seed, role registry.EntityRole) *registry.SeedResource {
	switch role {
	case registry.RoleActor:
		return seed.Actor
	case registry.RoleObject:
		return seed.Object
	case registry.RoleTarget:
		return seed.Target
	default:
		return nil
	}
}
