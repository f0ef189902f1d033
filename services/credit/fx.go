package credit

import (
	"estate-credits/pkg/httpapi"

	"go.uber.org/fx"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
)

var Module = fx.Module("credit.service",
	fx.Provide(NewService),
)

var Gateway = fx.Module("credit.gateway",
	fx.Provide(provideHandler),
	fx.Invoke(registerRoutes),
)

var GRPC = fx.Module("credit.grpc",
	fx.Invoke(registerHealthServer),
)

type handlerParams struct {
	fx.In

	Service  *Service
	Listener PurchaseListener `optional:"true"`
}

func provideHandler(p handlerParams) *Handler {
	return NewHandler(p.Service, p.Listener)
}

func registerRoutes(v1 httpapi.V1, h *Handler) {
	h.Register(v1)
}

func registerHealthServer(server *grpc.Server, service *Service) {
	grpc_health_v1.RegisterHealthServer(server, service)
}
