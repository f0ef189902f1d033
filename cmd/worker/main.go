package main

import (
	"log"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"estate-credits/pkg/config"
	"estate-credits/pkg/db"
	"estate-credits/pkg/events"
	"estate-credits/pkg/gen"
	"estate-credits/pkg/hashistack/secretmanager"
	"estate-credits/pkg/logger"
	"estate-credits/pkg/minio"
	"estate-credits/pkg/otelcol"
	"estate-credits/pkg/profiling"
	"estate-credits/pkg/redis"
	"estate-credits/pkg/sequence"
	"estate-credits/pkg/task"
	"estate-credits/services/credit"
	"estate-credits/services/directory"
	"estate-credits/services/distribution"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		redis.Module,
		task.Client,
		task.Server,
		sequence.Module,
		events.Module,
		minio.Client,
		gen.Module,
		credit.Module,
		directory.Module,
		distribution.Module,
		distribution.Worker,
		fxLogger,
	}
	if os.Getenv("VAULT_ADDR") != "" {
		opts = append(opts, secretmanager.Module)
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
