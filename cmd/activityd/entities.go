package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/oaeproject/activity-core/pkg/registry"
	"github.com/oaeproject/activity-core/pkg/store"
)

// registerMessageEntity wires the "message" objectType end to end against
// the Message Box store, standing in for the full set of domain entities
// (discussions, documents, …) a deployment registers at startup. The
// resourceId convention for a message is "<messageBoxId>#<created>",
// matching the store's (boxId, created) primary key.
func registerMessageEntity(entities *registry.EntityRegistry, st *store.Store) error {
	return entities.RegisterEntityType(registry.EntityType{
		ObjectType:                 "message",
		Producer:                   messageProducer(st),
		ActivityStreamsTransformer: messageTransformer,
		InternalTransformer:        messageTransformer,
		Propagation:                messagePropagation,
		Associations:               map[string]registry.AssociationFunc{},
	})
}

func messageProducer(st *store.Store) registry.ProducerFunc {
	return func(ctx context.Context, seed registry.SeedResource) (*registry.PersistentEntity, error) {
		boxID, created, err := splitMessageResourceID(seed.ResourceID)
		if err != nil {
			return nil, err
		}
		row, err := st.GetMessageByCreated(ctx, boxID, created)
		if err != nil {
			return nil, fmt.Errorf("failed to produce message entity %q: %w", seed.ResourceID, err)
		}
		return &registry.PersistentEntity{
			ObjectType: "message",
			ID:         seed.ResourceID,
			Data: map[string]any{
				"body":      row.Body,
				"createdBy": row.CreatedBy,
				"threadKey": row.ThreadKey,
			},
		}, nil
	}
}

func messageTransformer(_ context.Context, entities []*registry.PersistentEntity) ([]map[string]any, error) {
	rendered := make([]map[string]any, 0, len(entities))
	for _, e := range entities {
		rendered = append(rendered, map[string]any{
			"objectType": e.ObjectType,
			"id":         e.ID,
			"body":       e.Data["body"],
		})
	}
	return rendered, nil
}

// messagePropagation admits only the recipient whose id equals the
// message's own resourceId ("<messageBoxId>#<created>"), since the self rule
// compares the recipient with the entity id; fanning out to thread
// participants is a resource-type-specific association a host application
// registers.
func messagePropagation(_ context.Context, _ *registry.PersistentEntity) ([]registry.PropagationRule, error) {
	return []registry.PropagationRule{{Kind: registry.PropagationSelf}}, nil
}

func splitMessageResourceID(resourceID string) (boxID string, created int64, err error) {
	boxID, createdStr, ok := strings.Cut(resourceID, "#")
	if !ok {
		return "", 0, fmt.Errorf("malformed message resourceId %q, want <boxId>#<created>", resourceID)
	}
	created, err = strconv.ParseInt(createdStr, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed message resourceId %q: %w", resourceID, err)
	}
	return boxID, created, nil
}

// registerMessageSentActivity registers the activityType driving aggregation
// and routing for message creation, grouping by (actor, object) so repeated
// posts from the same author into the same box collapse into one aggregate
// (spec.md §9's grouping-key design note).
func registerMessageSentActivity(activities *registry.ActivityRegistry) error {
	return activities.RegisterActivityType(registry.ActivityType{
		ActivityType: "message-sent",
		GroupBy: []registry.GroupByTuple{
			{Actor: true, Object: true},
			{Object: true},
		},
		Streams: map[string]registry.StreamSpec{
			registry.StreamActivity:     {Roles: []registry.EntityRole{registry.RoleActor}},
			registry.StreamMessage:      {Roles: []registry.EntityRole{registry.RoleActor}, Transient: true},
			registry.StreamNotification: {Roles: []registry.EntityRole{registry.RoleActor}},
		},
	})
}
