package featureflags

import (
	"context"
	"testing"

	"estate-credits/pkg/config"

	"github.com/stretchr/testify/require"
)

func TestStatic(t *testing.T) {
	ctx := context.Background()
	s := NewStatic(map[string]bool{"mobile_push": true})

	ok, err := s.IsEnabled(ctx, "mobile_push")
	require.NoError(t, err)
	require.True(t, ok)

	ok, _ = s.IsEnabled(ctx, "newsletter_feature")
	require.False(t, ok)

	s.Set("newsletter_feature", true)
	ok, _ = s.IsEnabled(ctx, "newsletter_feature")
	require.True(t, ok)
}

func TestProvideWithoutAPIKey(t *testing.T) {
	ff := ProvideFeatureFlag(FeatureParams{Config: &config.Config{}})
	require.IsType(t, &Static{}, ff)
}
