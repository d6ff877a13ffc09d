package main

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"call-service/internal/auth"
	"call-service/internal/calls"
	"call-service/internal/config"
	"call-service/internal/dispatch"
	"call-service/internal/history"
	"call-service/internal/httpapi"
	"call-service/internal/registry"
	"call-service/internal/signaling"
)

type routeDeps struct {
	Auth      *auth.Manager
	Lifecycle *calls.Lifecycle
	History   *history.Service
	Registry  *registry.Registry
	Channel   signaling.Channel
	Presence  *dispatch.RedisPresence
	Directory *dispatch.RedisDirectory
	Call      config.CallConfig
	ICE       config.ICEConfig
	Log       *slog.Logger
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, deps routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	h := httpapi.Handlers{
		Auth:      deps.Auth,
		Lifecycle: deps.Lifecycle,
		History:   deps.History,
		Registry:  deps.Registry,
		Profiles:  deps.Directory,
	}
	socket := &httpapi.SignalSocket{
		Lifecycle: deps.Lifecycle,
		Channel:   deps.Channel,
		Presence:  deps.Presence,
		Log:       deps.Log,
	}

	// AUTH routes (token issuance).
	// NOTE: This is a placeholder login route; real credential validation is not implemented.
	r.POST("/v1/auth/login", h.Login)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(deps.Auth))
	{
		v1.GET("/me", func(c *gin.Context) {
			uid, _ := auth.UserID(c.Request.Context())
			c.JSON(200, gin.H{"user_id": uid, "device": auth.Device(c.Request.Context())})
		})
		// Clients pull ICE servers and call timers from here instead of
		// shipping them baked into the app.
		v1.GET("/config/calls", func(c *gin.Context) {
			c.JSON(200, gin.H{
				"ice_servers":       deps.ICE.ServerURLs,
				"ring_timeout_ms":   deps.Call.RingTimeout.Milliseconds(),
				"watchdog_grace_ms": deps.Call.WatchdogGrace.Milliseconds(),
			})
		})

		v1.PUT("/me", h.UpdateProfile)
		v1.POST("/devices", h.RegisterDevice)

		// CALL lifecycle
		v1.POST("/calls", h.Dial)
		v1.GET("/calls/active", h.ActiveCall)
		v1.GET("/calls/:call_id", h.GetCall)
		v1.POST("/calls/:call_id/accept", h.Accept)
		v1.POST("/calls/:call_id/decline", h.Decline)
		v1.POST("/calls/:call_id/cancel", h.Cancel)
		v1.POST("/calls/:call_id/end", h.End)

		// SIGNALING: websocket stream plus HTTP backfill.
		v1.GET("/calls/:call_id/ws", socket.Handle)
		v1.GET("/calls/:call_id/signals", h.ListSignals)

		// HISTORY
		v1.GET("/history", h.ListHistory)
		v1.GET("/history/summary", h.HistorySummary)
	}
}
