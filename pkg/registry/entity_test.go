package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oaeproject/activity-core/pkg/apperrors"
)

func discussionEntityType() EntityType {
	return EntityType{
		ObjectType: "discussion",
		Producer: func(_ context.Context, seed SeedResource) (*PersistentEntity, error) {
			return &PersistentEntity{ObjectType: "discussion", ID: seed.ResourceID}, nil
		},
		ActivityStreamsTransformer: func(_ context.Context, entities []*PersistentEntity) ([]map[string]any, error) {
			out := make([]map[string]any, len(entities))
			for i, e := range entities {
				out[i] = map[string]any{"objectType": e.ObjectType, "id": e.ID}
			}
			return out, nil
		},
		InternalTransformer: func(_ context.Context, entities []*PersistentEntity) ([]map[string]any, error) {
			return nil, nil
		},
		Propagation: func(_ context.Context, _ *PersistentEntity) ([]PropagationRule, error) {
			return []PropagationRule{{Kind: PropagationTenant}}, nil
		},
		Associations: map[string]AssociationFunc{
			"members": func(_ context.Context, e *PersistentEntity) ([]string, error) {
				return []string{"u1", "u2"}, nil
			},
		},
	}
}

func TestRegisterAndGetEntityType(t *testing.T) {
	r := NewEntityRegistry()
	require.NoError(t, r.RegisterEntityType(discussionEntityType()))

	et, err := r.Get("discussion")
	require.NoError(t, err)
	assert.Equal(t, "discussion", et.ObjectType)
	assert.True(t, r.Has("discussion"))
	assert.Equal(t, 1, r.Len())
}

func TestGetUnregisteredObjectTypeIsNotFound(t *testing.T) {
	r := NewEntityRegistry()
	_, err := r.Get("nonexistent")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestRegisterEntityTypeRejectsMissingFields(t *testing.T) {
	r := NewEntityRegistry()

	err := r.RegisterEntityType(EntityType{})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidationError(err))

	incomplete := discussionEntityType()
	incomplete.Propagation = nil
	err = r.RegisterEntityType(incomplete)
	require.Error(t, err)
	assert.True(t, apperrors.IsValidationError(err))
}

func TestAssociationResolvesRegisteredFunction(t *testing.T) {
	r := NewEntityRegistry()
	require.NoError(t, r.RegisterEntityType(discussionEntityType()))

	fn, err := r.Association("discussion", "members")
	require.NoError(t, err)
	members, err := fn(context.Background(), &PersistentEntity{ID: "d1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, members)
}

func TestAssociationNotFoundForUnregisteredName(t *testing.T) {
	r := NewEntityRegistry()
	require.NoError(t, r.RegisterEntityType(discussionEntityType()))

	_, err := r.Association("discussion", "managers")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestRegisteredAssociationsAreCopiedOnRegistration(t *testing.T) {
	r := NewEntityRegistry()
	et := discussionEntityType()
	require.NoError(t, r.RegisterEntityType(et))

	et.Associations["managers"] = func(_ context.Context, _ *PersistentEntity) ([]string, error) {
		return []string{"m1"}, nil
	}

	_, err := r.Association("discussion", "managers")
	require.Error(t, err, "mutating the caller's map after registration must not affect the registry")
}

func TestEntityRegistryConcurrentReadsAfterRegistration(_ *testing.T) {
	r := NewEntityRegistry()
	_ = r.RegisterEntityType(discussionEntityType())

	const goroutines = 50
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			_, _ = r.Get("discussion")
			_ = r.Has("discussion")
		}()
	}
	wg.Wait()
}
