package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"crm-voice/internal/auth"
	"crm-voice/internal/calls"
	"crm-voice/internal/crm"
	"crm-voice/internal/rbac"
	"crm-voice/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Auth      *auth.Manager
	Calls     *calls.Orchestrator
	Directory crm.Directory

	// MintClientToken mints a browser SDK token for a provider-side user name.
	MintClientToken func(sub string, now time.Time) (string, error)
	ClientTokenTTL  time.Duration

	// TestCallNumber is the destination of the connectivity test call.
	TestCallNumber string
}

// --- Auth ---

type loginRequest struct {
	UserID     string `json:"user_id"`
	OperatorID string `json:"operator_id"`
	Role       string `json:"role"`
}

// Login issues a JWT token pair.
//
// NOTE: Credential validation lives in the surrounding CRM; this endpoint
// trusts the identity asserted by the CRM session layer in front of it.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id and role required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.OperatorID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Calls ---

type startCallRequest struct {
	ContactID  string `json:"contact_id"`
	CampaignID string `json:"campaign_id"`
}

// StartCall kicks off an operator-first call for the authenticated operator.
func (h Handlers) StartCall(c *gin.Context) {
	operatorID, err := auth.OperatorID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "operator_id required"})
		return
	}

	var req startCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.ContactID == "" || req.CampaignID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "contact_id and campaign_id required"})
		return
	}

	conversationID, err := h.Calls.StartCall(c.Request.Context(), operatorID, req.ContactID, req.CampaignID)
	if err != nil {
		h.writeCallError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"conversation_id": conversationID})
}

// GetCall returns every leg of a conversation.
func (h Handlers) GetCall(c *gin.Context) {
	conversationID := c.Param("conversation_id")
	legs, err := h.Calls.GetCallStatus(c.Request.Context(), conversationID)
	if err != nil {
		h.writeCallError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": conversationID, "legs": legs})
}

// ListCalls pages through call history by CRM correlation keys.
func (h Handlers) ListCalls(c *gin.Context) {
	filter := calls.CrmFilter{
		OperatorID: c.Query("operator_id"),
		CampaignID: c.Query("campaign_id"),
		ContactID:  c.Query("contact_id"),
	}
	// Operators only see their own history; supervisors and admins may query
	// any operator.
	role, _ := auth.Role(c.Request.Context())
	if role == rbac.RoleOperator {
		oid, err := auth.OperatorID(c.Request.Context())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "operator_id required"})
			return
		}
		filter.OperatorID = oid
	}
	if filter.Empty() {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "at least one of operator_id, campaign_id, contact_id required"})
		return
	}

	page := calls.Page{
		Limit:  atoiDefault(c.Query("limit"), 0),
		Offset: atoiDefault(c.Query("offset"), 0),
	}
	legs, err := h.Calls.ListCalls(c.Request.Context(), filter, page)
	if err != nil {
		h.writeCallError(c, err)
		return
	}
	if legs == nil {
		legs = []calls.CallLeg{}
	}
	c.JSON(http.StatusOK, gin.H{"legs": legs})
}

// HangUp tears down the leg's whole conversation at the provider.
func (h Handlers) HangUp(c *gin.Context) {
	legID := c.Param("leg_id")
	if err := h.Calls.HangUp(c.Request.Context(), legID); err != nil {
		if errors.Is(err, calls.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown leg"})
			return
		}
		logger.FromGin(c).Error("hangup failed", "leg_id", legID, "err", err)
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "hangup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// --- Voice client ---

// ClientToken issues the browser SDK token for the authenticated operator's
// WebRTC endpoint.
func (h Handlers) ClientToken(c *gin.Context) {
	if h.MintClientToken == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "client tokens not configured"})
		return
	}
	operatorID, err := auth.OperatorID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "operator_id required"})
		return
	}

	op, err := h.Directory.Operator(c.Request.Context(), operatorID)
	if err != nil {
		if errors.Is(err, crm.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown operator"})
			return
		}
		logger.FromGin(c).Error("operator lookup failed", "operator_id", operatorID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "operator lookup failed"})
		return
	}
	if op.EndpointType != "app" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "operator has no webrtc endpoint"})
		return
	}

	token, err := h.MintClientToken(op.Endpoint, time.Now())
	if err != nil {
		logger.FromGin(c).Error("client token mint failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	ttl := h.ClientTokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expires_in": int(ttl.Seconds())})
}

// TestCall places a connectivity check call to the configured test number.
func (h Handlers) TestCall(c *gin.Context) {
	if h.TestCallNumber == "" {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "test call number not configured"})
		return
	}
	operatorID, err := auth.OperatorID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "operator_id required"})
		return
	}

	conversationID, err := h.Calls.PlaceTestCall(c.Request.Context(), operatorID, h.TestCallNumber)
	if err != nil {
		h.writeCallError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"conversation_id": conversationID})
}

// --- helpers ---

func (h Handlers) writeCallError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, calls.ErrInvalidArgument):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
	case errors.Is(err, calls.ErrUnknownReference):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, calls.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, calls.ErrOperatorBusy):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "operator already on a call"})
	default:
		var rejected *calls.DialRejectedError
		if errors.As(err, &rejected) {
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": rejected.Title, "detail": rejected.Detail})
			return
		}
		logger.FromGin(c).Error("call operation failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// Convenience middleware bundles.

func RequireOperatorAndAnyRole(roles ...string) []gin.HandlerFunc {
	return []gin.HandlerFunc{rbac.RequireOperatorBinding(), rbac.RequireAnyRole(roles...)}
}
