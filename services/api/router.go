package api

import (
	"net/http"

	"postpilot-engine/pkg/config"
	"postpilot-engine/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// NewRouter assembles the gin engine serving the engine entry points.
func NewRouter(cfg *config.Config, h *Handler) http.Handler {
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Error())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/v1")

	engine := v1.Group("/engine")
	engine.POST("/rules/run", h.RunRules)
	engine.POST("/loops/run", h.RunLoops)
	engine.POST("/queue/process", h.ProcessQueue)
	engine.POST("/credentials/refresh", h.RefreshCredentials)
	engine.POST("/unfollows/process", h.ProcessUnfollows)

	oauth := v1.Group("/oauth")
	oauth.GET("/authorize", h.Authorize)
	oauth.GET("/callback", h.Callback)

	return router
}
