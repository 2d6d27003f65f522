package main

import (
	"database/sql"
	"time"

	"crm-voice/internal/auth"
	"crm-voice/internal/httpapi"
	"crm-voice/internal/rbac"
	"crm-voice/internal/telephony"
	"crm-voice/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

type routeDeps struct {
	AuthMW   gin.HandlerFunc
	API      httpapi.Handlers
	Webhooks telephony.WebhookHandler

	DB    *sql.DB
	Redis *redis.Client
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, deps routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		if deps.DB != nil {
			if err := utils.HealthCheck(c.Request.Context(), deps.DB, 2*time.Second); err != nil {
				c.JSON(503, gin.H{"status": "degraded", "postgres": err.Error()})
				return
			}
		}
		if deps.Redis != nil {
			if err := deps.Redis.Ping(c.Request.Context()).Err(); err != nil {
				c.JSON(503, gin.H{"status": "degraded", "redis": err.Error()})
				return
			}
		}
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Provider webhooks (public). Authentication is the signed token embedded
	// in the URLs at call placement; the handler rejects everything else.
	webhooks := r.Group("/webhooks/voice")
	{
		webhooks.POST("/events", deps.Webhooks.HandleEvent)
		webhooks.GET("/answer/operator", deps.Webhooks.HandleOperatorAnswer)
		webhooks.POST("/answer/operator", deps.Webhooks.HandleOperatorAnswer)
		webhooks.GET("/answer/customer", deps.Webhooks.HandleCustomerAnswer)
		webhooks.POST("/answer/customer", deps.Webhooks.HandleCustomerAnswer)
	}

	// AUTH routes (token issuance).
	r.POST("/v1/auth/login", deps.API.Login)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(deps.AuthMW)
	{
		v1.GET("/me", func(c *gin.Context) {
			uid, _ := auth.UserID(c.Request.Context())
			oid, _ := auth.OperatorID(c.Request.Context())
			role, _ := auth.Role(c.Request.Context())
			c.JSON(200, gin.H{"user_id": uid, "operator_id": oid, "role": role})
		})

		// CALLS routes. Starting and hanging up calls requires an operator
		// binding; reading history does not (supervisors filter by query).
		calls := v1.Group("/calls")
		calls.Use(rbac.RequireAnyRole(rbac.RoleOperator, rbac.RoleSupervisor))
		{
			calls.POST("/start", rbac.RequireOperatorBinding(), deps.API.StartCall)
			calls.GET("", deps.API.ListCalls)
			calls.GET("/:conversation_id", deps.API.GetCall)
			calls.POST("/:conversation_id/legs/:leg_id/hangup", deps.API.HangUp)
		}

		// VOICE client routes (browser SDK support).
		voice := v1.Group("/voice")
		voice.Use(rbac.RequireAnyRole(rbac.RoleOperator, rbac.RoleSupervisor))
		voice.Use(rbac.RequireOperatorBinding())
		{
			voice.GET("/client-token", deps.API.ClientToken)
			voice.POST("/test-call", deps.API.TestCall)
		}
	}
}
