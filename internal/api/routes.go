package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func SetupRoutes(router *gin.Engine, handler *Handler) {
	router.Use(cors.Default())

	api := router.Group("/api")
	{
		api.GET("/health", handler.GetHealth)
		api.GET("/checkpoints", handler.GetCheckpoints)
		api.GET("/runs/latest", handler.GetLatestRun)
		api.GET("/quality", handler.GetQuality)
		api.GET("/metrics", handler.GetMetrics)
		api.POST("/runs", handler.TriggerRun)
	}
}
