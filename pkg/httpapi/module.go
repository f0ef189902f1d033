package httpapi

import (
	"net/http"

	"estate-credits/pkg/config"
	"estate-credits/pkg/health"
	"estate-credits/pkg/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

var Module = fx.Module("httpapi",
	fx.Provide(NewEngine),
	fx.Invoke(registerOperationalRoutes),
)

// V1 is the versioned API group that services mount their routes on.
type V1 struct {
	*gin.RouterGroup
}

func NewEngine(cfg *config.Config) (*gin.Engine, V1, http.Handler) {
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), middleware.AccessLog(), middleware.Error())

	return engine, V1{engine.Group("/v1")}, engine
}

func registerOperationalRoutes(engine *gin.Engine, h health.HealthService) {
	engine.GET("/healthz", h.Liveness)
	engine.GET("/readyz", h.Readiness)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
