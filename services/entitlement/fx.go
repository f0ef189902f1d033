package entitlement

import (
	"estate-credits/pkg/httpapi"
	"estate-credits/services/credit"

	"go.uber.org/fx"
)

var Module = fx.Module("entitlement.service",
	fx.Provide(
		NewService,
		func(s *credit.Service) Ledger { return s },
	),
)

var Gateway = fx.Module("entitlement.gateway",
	fx.Provide(NewHandler),
	fx.Invoke(registerRoutes),
)

func registerRoutes(v1 httpapi.V1, h *Handler) {
	h.Register(v1)
}
