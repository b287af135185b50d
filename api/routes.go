package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/dicomtools/printnet/printq"
)

// NewRouter builds the admin API router. journal may be nil when no
// database is configured.
func NewRouter(queue *printq.Queue, printers *printq.Registry, journal Journal, log *logrus.Entry) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{"*"}
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	handler := NewHandler(queue, printers, journal, log)

	router.GET("/healthz", handler.HealthCheck)

	v1 := router.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			jobs.POST("", handler.SubmitJob)
			jobs.GET("", handler.ListJobs)
			jobs.GET("/history", handler.JobHistory)
			jobs.GET("/:id", handler.GetJob)
			jobs.DELETE("/:id", handler.CancelJob)
		}
		v1.GET("/printers", handler.ListPrinters)
	}
	return router
}
