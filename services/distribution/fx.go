package distribution

import (
	"estate-credits/pkg/httpapi"
	"estate-credits/pkg/minio"
	"estate-credits/pkg/taskname"
	"estate-credits/services/credit"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("distribution.service",
	fx.Provide(
		NewService,
		provideArchiver,
		func(s *credit.Service) Ledger { return s },
		func(s *Service) credit.PurchaseListener { return s },
	),
)

var Gateway = fx.Module("distribution.gateway",
	fx.Provide(NewHandler),
	fx.Invoke(registerRoutes),
)

var Worker = fx.Module("distribution.worker",
	fx.Provide(NewScheduler),
	fx.Invoke(registerHandlers, StartScheduler),
)

type archiverParams struct {
	fx.In
	Bucket *minio.Bucket `optional:"true"`
}

func provideArchiver(p archiverParams) ReportArchiver {
	if p.Bucket == nil {
		return nil
	}
	return p.Bucket
}

func registerRoutes(v1 httpapi.V1, h *Handler) {
	h.Register(v1)
}

func registerHandlers(mux *asynq.ServeMux, svc *Service) {
	mux.HandleFunc(taskname.DistributionRun, svc.HandleRunTask)
}
