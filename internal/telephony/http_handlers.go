package telephony

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"crm-voice/internal/audit"
	"crm-voice/internal/calls"
	"crm-voice/pkg/logger"
)

// EventSink consumes normalized, already-authenticated provider events.
// Implemented by the call orchestrator.
type EventSink interface {
	HandleEvent(ctx context.Context, ev calls.Event) error
}

// TokenVerifier authenticates the signed webhook token echoed back by the
// provider. Implemented by internal/installs.
type TokenVerifier interface {
	Verify(ctx context.Context, installationID, token string) error
}

// WebhookHandler terminates the public provider webhooks: token auth first,
// then payload normalization and dispatch. No call-flow decisions are made
// here.
type WebhookHandler struct {
	Sink     EventSink
	Verifier TokenVerifier
	Audit    *audit.Service

	// MusicOnHoldURL plays to the held operator until the customer joins.
	MusicOnHoldURL string
}

// HandleEvent ingests one status webhook. A failed token check never touches
// the ledger; authenticated but inapplicable events are acknowledged so the
// provider stops retrying them.
func (h WebhookHandler) HandleEvent(c *gin.Context) {
	if !h.authenticate(c) {
		return
	}
	log := logger.FromGin(c)

	var payload EventPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		log.Warn("event webhook body unreadable", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	ev, err := payload.Normalize()
	if err != nil {
		// Unknown vocabulary is acknowledged: retrying cannot fix it.
		log.Warn("event ignored", "status", payload.Status, "err", err)
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	if ev.ConversationID == "" {
		ev.ConversationID = c.Query("conversation_uuid")
	}

	if err := h.Sink.HandleEvent(c.Request.Context(), ev); err != nil {
		if errors.Is(err, calls.ErrInvalidArgument) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid event"})
			return
		}
		log.Error("event dispatch failed", "leg_id", ev.LegID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "event not applied"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleOperatorAnswer serves the hold NCCO when the operator leg picks up.
func (h WebhookHandler) HandleOperatorAnswer(c *gin.Context) {
	if !h.authenticate(c) {
		return
	}
	conversationID := c.Query("conversation_uuid")
	if conversationID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "conversation_uuid is required"})
		return
	}
	c.JSON(http.StatusOK, OperatorNCCO(conversationID, h.MusicOnHoldURL))
}

// HandleCustomerAnswer serves the join NCCO when the customer leg picks up.
func (h WebhookHandler) HandleCustomerAnswer(c *gin.Context) {
	if !h.authenticate(c) {
		return
	}
	conversationID := c.Query("conversation_uuid")
	if conversationID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "conversation_uuid is required"})
		return
	}
	c.JSON(http.StatusOK, CustomerNCCO(conversationID))
}

func (h WebhookHandler) authenticate(c *gin.Context) bool {
	log := logger.FromGin(c)

	installationID := c.Query("installation_id")
	token := c.Query("token")
	if err := h.Verifier.Verify(c.Request.Context(), installationID, token); err != nil {
		log.Warn("webhook rejected", "installation_id", installationID, "path", c.FullPath(), "err", err)
		if h.Audit != nil {
			if aerr := h.Audit.LogWebhookAuthFailure(c.Request.Context(), installationID, c.ClientIP(), err.Error()); aerr != nil {
				log.Warn("audit append failed", "err", aerr)
			}
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return false
	}
	return true
}
