package http

import (
	"github.com/gin-gonic/gin"
	"github.com/layer-3/lnauth/core"
	"github.com/layer-3/lnauth/service"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// SetupRouter sets up the Gin router
func SetupRouter(authService *service.AuthService, config Config, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(Recovery(logger), RequestLogger(logger))

	handlers := NewAuthHandlers(authService, config)

	for _, scheme := range []core.Scheme{core.SchemeLightning, core.SchemeNostr} {
		group := router.Group("/auth/"+string(scheme), withScheme(string(scheme)))
		group.POST("/challenge", handlers.Challenge)
		group.POST("/verify", handlers.Verify)
		group.GET("/status", handlers.Status)

		switch scheme {
		case core.SchemeLightning:
			group.GET("/callback", handlers.Callback)
		case core.SchemeNostr:
			group.POST("/connect", handlers.Connect)
		}
	}

	router.GET("/healthz", handlers.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router
}
