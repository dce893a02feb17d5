package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidationErrorFormatting(t *testing.T) {
	underlying := errors.New("must be >= 1")
	err := NewValidationError("activity", "collection_bucket_0", "max_concurrent_collections", underlying)
	require.Contains(t, err.Error(), "activity")
	require.Contains(t, err.Error(), "max_concurrent_collections")
	require.ErrorIs(t, err, underlying)
}

func TestLoadErrorWraps(t *testing.T) {
	underlying := errors.New("permission denied")
	err := NewLoadError("activity.yaml", underlying)
	require.ErrorIs(t, err, underlying)
	require.Contains(t, err.Error(), "activity.yaml")
}
