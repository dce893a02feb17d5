// Package aggregator implements the Activity Aggregator (spec.md §4.5): it
// is the Collection Scheduler's delegate (pkg/scheduler.Collector), turning
// a drained batch of routed entries into merged aggregates and persisted
// StreamEntry rows, then fanning out a materialized event consumed by push
// delivery and the notification/email routers. It follows the
// service-over-store shape of the teacher's pkg/services, built over
// pkg/store instead of a generated ent client; grouping-key computation
// follows spec.md §9's "Pre-aggregation grouping keys" design note
// directly.
package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oaeproject/activity-core/pkg/apperrors"
	"github.com/oaeproject/activity-core/pkg/emitter"
	"github.com/oaeproject/activity-core/pkg/registry"
	"github.com/oaeproject/activity-core/pkg/scheduler"
	"github.com/oaeproject/activity-core/pkg/store"
)

// EventMaterialized is the emitter event name fired each time Collect writes
// a non-transient StreamEntry row, once per groupBy tuple of the entry (spec
// §4.5 step 5). Handlers receive a single MaterializedEvent argument and
// filter by StreamType themselves; cmd/activityd registers push delivery
// with On.
const EventMaterialized = "activity.stream_entry_materialized"

// MaterializedEvent is the argument passed to EventMaterialized handlers.
type MaterializedEvent struct {
	RecipientID string
	StreamType  string
	Format      string
	Entry       store.StreamEntryRow
}

// Config holds the Aggregator's tunables, sourced from
// config.ActivityConfig's AggregateIdleExpiry, AggregateMaxExpiry, and
// ActivityTTL.
type Config struct {
	AggregateIdleExpiry time.Duration
	AggregateMaxExpiry  time.Duration
	ActivityTTL         time.Duration
}

// Aggregator implements scheduler.Collector.
type Aggregator struct {
	store      *store.Store
	activities *registry.ActivityRegistry
	emitter    *emitter.Emitter
	cfg        Config
	now        func() int64
}

// New constructs an Aggregator.
func New(s *store.Store, activities *registry.ActivityRegistry, em *emitter.Emitter, cfg Config) *Aggregator {
	return &Aggregator{
		store:      s,
		activities: activities,
		emitter:    em,
		cfg:        cfg,
		now:        func() int64 { return time.Now().UnixMilli() },
	}
}

// SetClock overrides the Aggregator's time source. Exposed for tests that
// need to control idle/max expiry boundaries deterministically.
func (a *Aggregator) SetClock(now func() int64) {
	a.now = now
}

// Collect processes one drained batch, per entry, per registered groupBy
// tuple of its activity type.
func (a *Aggregator) Collect(ctx context.Context, entries []scheduler.Entry) error {
	for _, e := range entries {
		if err := a.collectOne(ctx, e); err != nil {
			return fmt.Errorf("failed to collect entry (recipient=%q stream=%q activity=%q): %w",
				e.RecipientID, e.StreamType, e.ActivityID, err)
		}
	}
	return nil
}

func (a *Aggregator) collectOne(ctx context.Context, e scheduler.Entry) error {
	at, err := a.activities.Get(e.ActivityType)
	if err != nil {
		return err
	}

	now := a.now()
	for _, tuple := range at.GroupBy {
		key := groupingKey(e.ActivityType, tuple, e)
		numNew, collection, aggregateActivityID, err := a.mergeAggregate(ctx, e, tuple, key, now)
		if err != nil {
			return fmt.Errorf("failed to merge aggregate for key %q: %w", key, err)
		}

		row := store.StreamEntryRow{
			RecipientID:      e.RecipientID,
			StreamType:       e.StreamType,
			Format:           e.Format,
			ActivityID:       aggregateActivityID,
			ActivityType:     e.ActivityType,
			Verb:             e.Verb,
			Published:        e.Published,
			NumNewActivities: numNew,
			ExpiresAt:        now + a.cfg.ActivityTTL.Milliseconds(),
		}
		if ids := collection[string(registry.RoleActor)]; len(ids) > 0 {
			row.Actor = mustMarshal(ids)
		}
		if ids := collection[string(registry.RoleObject)]; len(ids) > 0 {
			row.Object = mustMarshal(ids)
		}
		if ids := collection[string(registry.RoleTarget)]; len(ids) > 0 {
			row.Target = mustMarshal(ids)
		}

		if err := a.store.PutStreamEntry(ctx, row); err != nil {
			return fmt.Errorf("failed to persist stream entry: %w", err)
		}

		if at.Streams[e.StreamType].Transient {
			continue
		}

		a.emitter.Emit(ctx, EventMaterialized, MaterializedEvent{
			RecipientID: e.RecipientID,
			StreamType:  e.StreamType,
			Format:      e.Format,
			Entry:       row,
		})
	}
	return nil
}

// mergeAggregate implements spec §4.5 step 2: create, merge, or restart the
// aggregate for one grouping key, returning the resulting numNewActivities,
// per-role collection, and the activity id of the aggregate's stream entry
// (the id of the activity that started the aggregate, so merges overwrite
// that one entry).
func (a *Aggregator) mergeAggregate(ctx context.Context, e scheduler.Entry, tuple registry.GroupByTuple, key string, now int64) (int, map[string][]string, string, error) {
	existing, err := a.store.GetAggregate(ctx, e.RecipientID, e.StreamType, key)
	if apperrors.IsNotFound(err) {
		return a.startAggregate(ctx, e, tuple, key, e.Published)
	}
	if err != nil {
		return 0, nil, "", err
	}

	idle := now - existing.LastPublished
	age := now - existing.FirstPublished
	if idle <= a.cfg.AggregateIdleExpiry.Milliseconds() && age <= a.cfg.AggregateMaxExpiry.Milliseconds() {
		collection := unmarshalCollection(existing.Collection)
		mergeNonKeyed(collection, tuple, e)
		if err := a.store.UpsertAggregate(ctx, store.AggregateRow{
			RecipientID:      e.RecipientID,
			StreamType:       e.StreamType,
			GroupingKey:      key,
			ActivityID:       existing.ActivityID,
			FirstPublished:   existing.FirstPublished,
			LastPublished:    e.Published,
			NumNewActivities: existing.NumNewActivities,
			Collection:       mustMarshal(collection),
		}); err != nil {
			return 0, nil, "", err
		}
		return existing.NumNewActivities, collection, existing.ActivityID, nil
	}

	// Idle or max expiry exceeded: the next matching activity starts fresh.
	return a.startAggregate(ctx, e, tuple, key, existing.FirstPublished)
}

func (a *Aggregator) startAggregate(ctx context.Context, e scheduler.Entry, tuple registry.GroupByTuple, key string, _ int64) (int, map[string][]string, string, error) {
	collection := newCollection(tuple, e)
	if err := a.store.UpsertAggregate(ctx, store.AggregateRow{
		RecipientID:      e.RecipientID,
		StreamType:       e.StreamType,
		GroupingKey:      key,
		ActivityID:       e.ActivityID,
		FirstPublished:   e.Published,
		LastPublished:    e.Published,
		NumNewActivities: 1,
		Collection:       mustMarshal(collection),
	}); err != nil {
		return 0, nil, "", err
	}
	return 1, collection, e.ActivityID, nil
}

// Ack implements spec §4.5 step 4: upon an acknowledgment event for a
// recipient's stream, reset the aggregate pointer so the next matching
// activity starts a new aggregate with numNewActivities == 1.
func (a *Aggregator) Ack(ctx context.Context, recipientID, streamType string) error {
	if err := a.store.ResetAggregate(ctx, recipientID, streamType); err != nil {
		return fmt.Errorf("failed to reset aggregate for recipient %q stream %q: %w", recipientID, streamType, err)
	}
	return nil
}

// groupingKey implements spec §9's grouping-key formula: the activityType
// concatenated with the canonical ids of the tuple's truthy-keyed roles.
func groupingKey(activityType string, tuple registry.GroupByTuple, e scheduler.Entry) string {
	var parts []string
	for _, role := range tuple.Roles() {
		parts = append(parts, roleID(e, role))
	}
	return activityType + "|" + strings.Join(parts, ",")
}

func roleID(e scheduler.Entry, role registry.EntityRole) string {
	switch role {
	case registry.RoleActor:
		return e.ActorID
	case registry.RoleObject:
		return e.ObjectID
	case registry.RoleTarget:
		return e.TargetID
	default:
		return ""
	}
}

// newCollection seeds a freshly created aggregate's collection with the
// non-keyed roles present on e ("collapse entities into a single-element
// collection structure", spec §4.5 step 2).
func newCollection(tuple registry.GroupByTuple, e scheduler.Entry) map[string][]string {
	collection := make(map[string][]string)
	mergeNonKeyed(collection, tuple, e)
	return collection
}

// mergeNonKeyed unions e's non-keyed role ids into collection in place,
// preserving insertion order and skipping ids already present ("for each
// non-keyed role, union the entity id into the aggregate's collection",
// spec §4.5 step 2).
func mergeNonKeyed(collection map[string][]string, tuple registry.GroupByTuple, e scheduler.Entry) {
	keyed := make(map[registry.EntityRole]struct{})
	for _, role := range tuple.Roles() {
		keyed[role] = struct{}{}
	}

	for _, role := range []registry.EntityRole{registry.RoleActor, registry.RoleObject, registry.RoleTarget} {
		if _, ok := keyed[role]; ok {
			continue
		}
		id := roleID(e, role)
		if id == "" {
			continue
		}
		appendUnique(collection, string(role), id)
	}
}

func appendUnique(collection map[string][]string, role, id string) {
	for _, existing := range collection[role] {
		if existing == id {
			return
		}
	}
	collection[role] = append(collection[role], id)
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// v is always a map[string][]string built internally; a marshal
		// failure here indicates a programming error, not bad input.
		panic(fmt.Sprintf("aggregator: failed to marshal collection: %v", err))
	}
	return b
}

func unmarshalCollection(raw json.RawMessage) map[string][]string {
	collection := make(map[string][]string)
	if len(raw) == 0 {
		return collection
	}
	_ = json.Unmarshal(raw, &collection)
	return collection
}
