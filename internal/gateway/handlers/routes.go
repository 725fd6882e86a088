package handlers

import (
	"github.com/gin-gonic/gin"

	"canopy-ledger/internal/gateway/middleware"
	"canopy-ledger/internal/services/earnings/payout"
)

// Register mounts the earnings routes on an authenticated group.
func (h *EarningsHTTPHandler) Register(protected *gin.RouterGroup) {
	payouts := protected.Group("/payouts")
	{
		payouts.POST("", h.RequestPayout)
		payouts.GET("/:id", h.GetPayout)
	}

	earners := protected.Group("/earners")
	{
		earners.GET("/:id/stats", h.GetEarnerStats)
		earners.PUT("/:id/bank-details", h.SaveBankDetails)
	}

	admin := protected.Group("/admin")
	admin.Use(middleware.RequireRole(payout.RoleAdmin))
	{
		admin.POST("/payouts/:id/processing", h.StartProcessing)
		admin.POST("/payouts/:id/complete", h.CompletePayout)
		admin.POST("/payouts/:id/reject", h.RejectPayout)
		admin.POST("/earners/:id/adjustments", h.Adjust)
		admin.POST("/order-events", h.ReplayOrderEvent)
		admin.POST("/jobs/monthly-reset", h.RunMonthlyReset)
		admin.POST("/jobs/weekly-sweep", h.RunWeeklySweep)
	}
}
