package web

import (
	"github.com/gin-gonic/gin"
	"github.com/macjediwizard/crmcalsync/internal/auth"
	"github.com/macjediwizard/crmcalsync/internal/metrics"
)

// RouteConfig holds the settings the router needs beyond the handlers.
type RouteConfig struct {
	CronSecret string
	RPS        float64
	Burst      int
}

// SetupRoutes configures all application routes.
func SetupRoutes(r *gin.Engine, h *Handlers, sm *auth.SessionManager, signer *auth.Signer, cfg RouteConfig) {
	// Health endpoints (no auth, no rate limit)
	r.GET("/healthz", h.Liveness)
	r.GET("/ready", h.Readiness)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	// Cron trigger, authenticated by the shared secret
	cronRateLimiter := RateLimiter(2, 10)
	r.POST("/api/cron/calendar-sync", cronRateLimiter, auth.RequireSecret(cfg.CronSecret), h.CronSync)

	apiRateLimiter := RateLimiter(cfg.RPS, cfg.Burst)
	api := r.Group("/api/calendar")
	api.Use(apiRateLimiter)
	api.Use(auth.RequireAuth(sm, signer))
	api.Use(auth.ValidateCSRF())
	api.Use(RequireJSONContentType())
	{
		api.GET("/sync", h.APISyncStatus)
		api.GET("/activity", h.APIActivity)
		api.GET("/accounts/:id/logs", h.APIGetAccountLogs)
		api.GET("/accounts/:id/calendars", h.APIListCalendars)
		api.DELETE("/accounts/:id", h.APIDisconnectAccount)
		api.PATCH("/calendars/:id", h.APIUpdateCalendar)
		api.GET("/connect", h.APIConnectGoogle)
		api.GET("/connect/callback", h.GoogleCallback)
	}

	// Operations that call the provider get a stricter limit
	expensiveRateLimiter := RateLimiter(2, 5)
	expensive := r.Group("/api/calendar")
	expensive.Use(expensiveRateLimiter)
	expensive.Use(auth.RequireAuth(sm, signer))
	expensive.Use(auth.ValidateCSRF())
	expensive.Use(RequireJSONContentType())
	{
		expensive.POST("/sync", h.APITriggerSync)
		expensive.POST("/accounts/:id/calendars/refresh", h.APIRefreshCalendars)
		expensive.POST("/connect/caldav", h.APIConnectCalDAV)
	}
}
