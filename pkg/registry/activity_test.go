package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oaeproject/activity-core/pkg/apperrors"
)

func messageSentActivityType() ActivityType {
	return ActivityType{
		ActivityType: "message-sent",
		GroupBy: []GroupByTuple{
			{Actor: true, Target: true},
		},
		Streams: map[string]StreamSpec{
			StreamActivity: {
				Roles:        []EntityRole{RoleTarget},
				Associations: []string{"members"},
			},
			StreamNotification: {
				Roles:        []EntityRole{RoleTarget},
				Associations: []string{"message-contributors"},
			},
			StreamMessage: {
				Roles:     []EntityRole{RoleTarget},
				Transient: true,
			},
		},
	}
}

func TestRegisterAndGetActivityType(t *testing.T) {
	r := NewActivityRegistry()
	require.NoError(t, r.RegisterActivityType(messageSentActivityType()))

	at, err := r.Get("message-sent")
	require.NoError(t, err)
	assert.Equal(t, "message-sent", at.ActivityType)
	assert.Equal(t, []EntityRole{RoleActor, RoleTarget}, at.GroupBy[0].Roles())
	assert.True(t, at.Streams[StreamMessage].Transient)
	assert.Equal(t, 1, r.Len())
}

func TestGetUnregisteredActivityTypeIsNotFound(t *testing.T) {
	r := NewActivityRegistry()
	_, err := r.Get("nonexistent")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestRegisterActivityTypeRejectsMissingFields(t *testing.T) {
	r := NewActivityRegistry()

	err := r.RegisterActivityType(ActivityType{})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidationError(err))

	noStreams := messageSentActivityType()
	noStreams.Streams = nil
	err = r.RegisterActivityType(noStreams)
	require.Error(t, err)
	assert.True(t, apperrors.IsValidationError(err))
}

func TestGroupByTupleRolesOrderingIsCanonical(t *testing.T) {
	tuple := GroupByTuple{Target: true, Actor: true, Object: true}
	assert.Equal(t, []EntityRole{RoleActor, RoleObject, RoleTarget}, tuple.Roles())
}

func TestRegisteredActivityTypeIsDefensivelyCopied(t *testing.T) {
	r := NewActivityRegistry()
	at := messageSentActivityType()
	require.NoError(t, r.RegisterActivityType(at))

	at.GroupBy[0].Object = true

	stored, err := r.Get("message-sent")
	require.NoError(t, err)
	assert.False(t, stored.GroupBy[0].Object, "mutating the caller's slice after registration must not affect the registry")
}
