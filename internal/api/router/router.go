package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/filipemelo-aux/agiliza-fiscal/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes.
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "fiscal-api-service",
		})
	})

	fiscalHandler := handler.NewFiscalHandler(deps)

	v1 := r.Group("/api/v1")
	{
		cte := v1.Group("/cte")
		{
			cte.POST("/:id/emit", fiscalHandler.EmitCte)
			cte.POST("/:id/cancel", fiscalHandler.CancelCte)
		}

		mdfe := v1.Group("/mdfe")
		{
			mdfe.POST("/:id/emit", fiscalHandler.EmitMdfe)
			mdfe.POST("/:id/close", fiscalHandler.CloseMdfe)
		}

		documents := v1.Group("/documents")
		{
			documents.GET("/:id/status", fiscalHandler.GetDocumentStatus)
			documents.GET("/:id/audit", fiscalHandler.GetDocumentAudit)
		}

		queue := v1.Group("/queue")
		{
			queue.GET("", fiscalHandler.ListJobs)
			queue.GET("/:job_id", fiscalHandler.GetJob)
		}
	}

	return r
}
