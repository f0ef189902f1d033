package directory

import (
	"estate-credits/pkg/httpapi"
	"estate-credits/services/credit"
	"estate-credits/services/distribution"
	"estate-credits/services/entitlement"
	"estate-credits/services/tier"

	"go.uber.org/fx"
)

var Module = fx.Module("directory.service",
	fx.Provide(
		NewService,
		func(s *Service) credit.OwnerResolver { return s },
		func(s *Service) entitlement.WindowActivator { return s },
		func(s *Service) entitlement.TierAssigner { return s },
		func(s *Service) tier.UsageReader { return s },
		func(s *Service) distribution.AgentLister { return s },
	),
)

var Gateway = fx.Module("directory.gateway",
	fx.Provide(NewHandler),
	fx.Invoke(registerRoutes),
)

func registerRoutes(v1 httpapi.V1, h *Handler) {
	h.Register(v1)
}
