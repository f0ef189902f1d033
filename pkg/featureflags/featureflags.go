package featureflags

import (
	"context"
	"sync"

	"estate-credits/pkg/config"

	"github.com/Flagsmith/flagsmith-go-client/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("featureflags", fx.Provide(ProvideFeatureFlag))

type FeatureFlag interface {
	IsEnabled(ctx context.Context, feature string) (bool, error)
}

type FeatureParams struct {
	fx.In
	Config *config.Config
}

// ProvideFeatureFlag returns a Flagsmith backed provider, or a static one
// with every flag off when no API key is configured.
func ProvideFeatureFlag(p FeatureParams) FeatureFlag {
	if p.Config.Flagsmith.ApiKey == "" {
		zap.L().Info("[FeatureFlags] flagsmith not configured, all flags disabled")
		return NewStatic(nil)
	}

	opts := []flagsmith.Option{
		flagsmith.WithAnalytics(),
	}
	if p.Config.Flagsmith.Addr != "" {
		opts = append(opts, flagsmith.WithBaseURL(p.Config.Flagsmith.Addr))
	}

	return &featureflag{
		client: flagsmith.NewClient(p.Config.Flagsmith.ApiKey, opts...),
	}
}

type featureflag struct {
	client *flagsmith.Client
}

func (s *featureflag) IsEnabled(ctx context.Context, feature string) (bool, error) {
	flags, err := s.client.GetEnvironmentFlags()
	if err != nil {
		return false, err
	}
	return flags.IsFeatureEnabled(feature)
}

// Static serves flags from memory.
type Static struct {
	mu    sync.RWMutex
	flags map[string]bool
}

func NewStatic(flags map[string]bool) *Static {
	s := &Static{flags: make(map[string]bool, len(flags))}
	for k, v := range flags {
		s.flags[k] = v
	}
	return s
}

func (s *Static) IsEnabled(_ context.Context, feature string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flags[feature], nil
}

func (s *Static) Set(feature string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[feature] = enabled
}
