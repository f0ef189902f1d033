package main

import (
	"context"
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"estate-credits/pkg/config"
	"estate-credits/pkg/db"
	"estate-credits/pkg/logger"
	"estate-credits/services/credit"
	"estate-credits/services/directory"
	"estate-credits/services/distribution"
	"estate-credits/services/tier"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		fx.Invoke(migrate),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger { return fxevent.NopLogger }),
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)
	if err := app.Err(); err != nil {
		log.Fatalf("migration failed: %v", err)
	}
}

func migrate(gdb *gorm.DB) error {
	var models []any
	models = append(models, credit.Models()...)
	models = append(models, tier.Models()...)
	models = append(models, directory.Models()...)
	models = append(models, distribution.Models()...)

	if err := gdb.AutoMigrate(models...); err != nil {
		return err
	}
	zap.L().Info("schema migrated", zap.Int("models", len(models)))

	return tier.NewService(tier.ServiceParams{DB: gdb}).Seed(context.Background())
}
