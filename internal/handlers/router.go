package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"settlement-core/internal/middleware"
	"settlement-core/internal/monitoring"
	"settlement-core/internal/services"
)

type Dependencies struct {
	Ledger      *services.Ledger
	Sessions    *services.SessionManager
	Monitor     *services.DepositMonitor
	JWT         *services.JWTService
	Hub         *WebSocketHub
	AdminSecret string

	// Optional.
	Redis    *services.RedisService
	Metrics  *monitoring.Metrics
	Gatherer prometheus.Gatherer

	Log *zap.Logger
}

func NewRouter(d Dependencies) *gin.Engine {
	log := d.Log.Named("http")

	gameHandler := NewGameHandler(d.Sessions, log)
	walletHandler := NewWalletHandler(d.Ledger, d.Monitor, log)
	userHandler := NewUserHandler(d.Ledger, d.Sessions, log)
	adminHandler := NewAdminHandler(d.Ledger, d.Monitor, d.JWT, log)
	wsHandler := NewWebSocketHandler(d.Hub, d.Ledger, log)

	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(log, d.Metrics), middleware.CORS())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if d.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	protected := router.Group("/")
	protected.Use(middleware.AuthMiddleware(d.JWT))
	if d.Redis != nil {
		protected.Use(middleware.RateLimitMiddleware(d.Redis, log))
	}
	{
		protected.GET("/me", userHandler.GetCurrentUser)
		protected.GET("/ws", wsHandler.HandleWebSocket)
		protected.GET("/sessions/active", gameHandler.ActiveSession)

		mines := protected.Group("/mines")
		{
			mines.POST("/start", gameHandler.StartMines)
			mines.POST("/move", gameHandler.MoveMines)
			mines.POST("/cashout", gameHandler.CashoutMines)
		}

		apex := protected.Group("/apex")
		{
			apex.POST("/start", gameHandler.StartApex)
			apex.POST("/choose", gameHandler.ChooseApex)
		}

		wallet := protected.Group("/wallet")
		{
			wallet.GET("/balance", walletHandler.GetBalance)
			wallet.POST("/deposit", walletHandler.SimulateDeposit)
			wallet.POST("/cashout", walletHandler.Cashout)
			wallet.GET("/transactions", walletHandler.GetTransactions)
		}
	}

	admin := router.Group("/admin")
	admin.Use(middleware.AdminGuard(d.AdminSecret))
	{
		admin.POST("/users", adminHandler.CreateUser)
		admin.POST("/tokens", adminHandler.IssueToken)
		admin.GET("/monitor/status", adminHandler.MonitorStatus)
		admin.POST("/monitor/scan", adminHandler.ScanNow)
		admin.POST("/deposits/simulate", adminHandler.ForceDeposit)
		admin.GET("/ledger/:user_id/reconcile", adminHandler.Reconcile)
		admin.POST("/ledger/:user_id/unfreeze", adminHandler.Unfreeze)
	}

	return router
}
