package handler

import (
	"loyaltyledger/internal/service"

	"github.com/gin-gonic/gin"
)

// SetupRouter 配置路由
func SetupRouter(ledger *service.LedgerService, mode string) *gin.Engine {
	if mode == "" {
		mode = gin.ReleaseMode
	}
	gin.SetMode(mode)

	r := gin.New()

	r.Use(RecoveryMiddleware())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	h := NewHandler(ledger)

	api := r.Group("/api/v1")
	{
		loyalty := api.Group("/loyalty")
		{
			loyalty.GET("/points", h.GetPoints)
			loyalty.GET("/expirations", h.GetUpcomingExpirations)
			loyalty.GET("/transactions", h.ListTransactions)
			loyalty.GET("/reconcile", h.Reconcile)

			loyalty.POST("/earn", h.Earn)
			loyalty.POST("/deduct", h.Deduct)
			loyalty.POST("/adjust", h.Adjust)
			loyalty.POST("/add", h.AddPoints)

			conversion := loyalty.Group("/conversion")
			{
				conversion.GET("/points", h.PointsFromAmount)
				conversion.GET("/currency", h.CurrencyFromPoints)
			}
		}
	}

	// 健康检查
	r.GET("/health", h.Health)

	return r
}
