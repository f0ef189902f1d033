package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"estate-credits/pkg/config"
	"estate-credits/pkg/db"
	"estate-credits/pkg/events"
	"estate-credits/pkg/featureflags"
	"estate-credits/pkg/gen"
	"estate-credits/pkg/hashistack/servicediscover"
	"estate-credits/pkg/health"
	"estate-credits/pkg/httpapi"
	"estate-credits/pkg/logger"
	"estate-credits/pkg/minio"
	"estate-credits/pkg/otelcol"
	"estate-credits/pkg/profiling"
	"estate-credits/pkg/redis"
	"estate-credits/pkg/sequence"
	"estate-credits/pkg/server"
	"estate-credits/pkg/task"
	"estate-credits/services/credit"
	"estate-credits/services/directory"
	"estate-credits/services/distribution"
	"estate-credits/services/entitlement"
	"estate-credits/services/tier"
)

func main() {
	opts := []fx.Option{
		vaultModule(),
		config.Module,
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		redis.Module,
		task.Client,
		sequence.Module,
		events.Module,
		featureflags.Module,
		minio.Client,
		gen.Module,
		health.Module,
		httpapi.Module,
		credit.Module,
		credit.Gateway,
		credit.GRPC,
		tier.Module,
		tier.Gateway,
		entitlement.Module,
		entitlement.Gateway,
		directory.Module,
		directory.Gateway,
		distribution.Module,
		distribution.Gateway,
		server.ProvideGRPCServer,
		server.ProvideHTTPServer,
		servicediscover.Module,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})
