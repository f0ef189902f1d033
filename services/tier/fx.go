package tier

import (
	"estate-credits/pkg/httpapi"

	"go.uber.org/fx"
)

var Module = fx.Module("tier.service",
	fx.Provide(NewService),
)

var Gateway = fx.Module("tier.gateway",
	fx.Provide(NewHandler),
	fx.Invoke(registerRoutes),
)

func registerRoutes(v1 httpapi.V1, h *Handler) {
	h.Register(v1)
}
