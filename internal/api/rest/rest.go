package rest

import (
	"github.com/gin-gonic/gin"

	"github.com/neuralcloud/deployd/internal/api/middleware"
)

// SetupRoutes configures all REST API routes.
// accountMiddleware runs after authentication on every account scoped route.
func SetupRoutes(router *gin.Engine, handler Handler, authCfg middleware.AuthConfig, accountMiddleware ...gin.HandlerFunc) {
	// Health check endpoint (no auth, no version prefix)
	router.GET("/health", handler.HealthCheck)

	v1 := router.Group("/api/v1")
	{
		// Catalogue and pricing (public)
		v1.GET("/regions", handler.ListRegions)
		v1.POST("/quotes", handler.Quote)

		// Payment outcomes from chain watchers (API key only)
		v1.POST("/payments/:id/confirm", middleware.APIKeyAuth(authCfg), handler.ConfirmPayment)

		// Account scoped endpoints (JWT subject or API key with X-Account)
		account := v1.Group("", append([]gin.HandlerFunc{middleware.Auth(authCfg)}, accountMiddleware...)...)
		{
			account.GET("/account/balance", handler.GetBalance)
			account.POST("/account/deposits", handler.Deposit)
			account.POST("/account/credits", handler.GrantCredits)
			account.GET("/account/stats", handler.GetStats)

			account.GET("/transactions", handler.ListTransactions)
			account.GET("/transactions/:id", handler.GetTransaction)

			account.GET("/servers", handler.ListServers)
			account.GET("/servers/:id", handler.GetServer)
			account.PATCH("/servers/:id", handler.UpdateServerStatus)

			account.POST("/deployments", handler.Deploy)
			account.GET("/deployments/:id", handler.GetDeployment)
			account.POST("/deployments/:id/cancel", handler.CancelDeployment)

			account.GET("/events", handler.StreamEvents)
		}
	}
}
