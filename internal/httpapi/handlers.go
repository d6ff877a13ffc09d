package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"call-service/internal/auth"
	"call-service/internal/calls"
	"call-service/internal/history"
	"call-service/internal/registry"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

// ProfileStore persists the user facts incoming-call alerts need.
type ProfileStore interface {
	SetDisplayName(ctx context.Context, userID, name string) error
	SetPushToken(ctx context.Context, userID, token string) error
}

type Handlers struct {
	Auth      *auth.Manager
	Lifecycle *calls.Lifecycle
	History   *history.Service
	Registry  *registry.Registry
	Profiles  ProfileStore
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id"`
	Device string `json:"device"`
}

// Login issues a JWT token pair.
//
// NOTE: This is a skeleton-only endpoint. Real systems must validate credentials.
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
	if req.UserID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.Device)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Calls ---

type dialRequest struct {
	CalleeID string `json:"callee_id"`
}

// Dial creates an outgoing call. Dialing a pair that already has an active
// call returns that call with 200 instead of creating a duplicate.
func (h Handlers) Dial(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	var req dialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.CalleeID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "callee_id required"})
		return
	}

	call, err := h.Lifecycle.CreateOutgoing(c.Request.Context(), userID, req.CalleeID)
	if err != nil {
		writeCallError(c, err)
		return
	}
	// Dialing an already-active pair converges on the existing call, so
	// the response is the authoritative call either way.
	c.JSON(http.StatusOK, call)
}

// GetCall returns one call. Participants only.
func (h Handlers) GetCall(c *gin.Context) {
	_, call, ok := h.participantCall(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, call)
}

func (h Handlers) Accept(c *gin.Context) {
	h.transition(c, h.Lifecycle.Accept)
}

func (h Handlers) Decline(c *gin.Context) {
	h.transition(c, h.Lifecycle.Decline)
}

func (h Handlers) Cancel(c *gin.Context) {
	h.transition(c, h.Lifecycle.Cancel)
}

type endRequest struct {
	Reason string `json:"reason"`
}

func (h Handlers) End(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	var req endRequest
	_ = c.ShouldBindJSON(&req) // reason is optional, empty body is fine

	call, err := h.Lifecycle.End(c.Request.Context(), c.Param("call_id"), userID, req.Reason)
	if err != nil {
		writeCallError(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

func (h Handlers) transition(c *gin.Context, op func(ctx context.Context, callID, actorID string) (calls.Call, error)) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	call, err := op(c.Request.Context(), c.Param("call_id"), userID)
	if err != nil {
		writeCallError(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

// ActiveCall reports the authenticated user's in-progress call, if any.
func (h Handlers) ActiveCall(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	active, ok := h.Registry.Active(userID)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"active": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": true, "call": active})
}

// --- Signals ---

// ListSignals backfills persisted signals for a call, optionally after
// ?since=RFC3339. Participants only.
func (h Handlers) ListSignals(c *gin.Context) {
	_, call, ok := h.participantCall(c)
	if !ok {
		return
	}

	var since time.Time
	if raw := c.Query("since"); raw != "" {
		var err error
		since, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
	}

	sigs, err := h.Lifecycle.Signals(c.Request.Context(), call.ID, since)
	if err != nil {
		writeCallError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"signals": sigs})
}

// --- Profile / devices ---

type registerDeviceRequest struct {
	PushToken string `json:"push_token"`
}

// RegisterDevice stores the device push token used for ring delivery when
// the user has no live connection.
func (h Handlers) RegisterDevice(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	var req registerDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.PushToken == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "push_token required"})
		return
	}
	if err := h.Profiles.SetPushToken(c.Request.Context(), userID, req.PushToken); err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "device registration failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "registered"})
}

type updateProfileRequest struct {
	DisplayName string `json:"display_name"`
}

func (h Handlers) UpdateProfile(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	var req updateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.DisplayName == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "display_name required"})
		return
	}
	if err := h.Profiles.SetDisplayName(c.Request.Context(), userID, req.DisplayName); err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "profile update failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

// --- History ---

func (h Handlers) ListHistory(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	entries, err := h.History.ListRecent(c.Request.Context(), userID, limit)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "history lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h Handlers) HistorySummary(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	sum, err := h.History.Summarize(c.Request.Context(), userID, limit)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "history lookup failed"})
		return
	}
	c.JSON(http.StatusOK, sum)
}

// participantCall loads the call from the path and rejects non-participants.
func (h Handlers) participantCall(c *gin.Context) (string, calls.Call, bool) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return "", calls.Call{}, false
	}
	call, err := h.Lifecycle.Get(c.Request.Context(), c.Param("call_id"))
	if err != nil {
		writeCallError(c, err)
		return "", calls.Call{}, false
	}
	if !call.HasParticipant(userID) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "not a call participant"})
		return "", calls.Call{}, false
	}
	return userID, call, true
}

func writeCallError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, calls.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
	case errors.Is(err, calls.ErrInvalidArgument):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, calls.ErrConflict), errors.Is(err, calls.ErrInvalidTransition):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, calls.ErrNotParticipant), errors.Is(err, calls.ErrWrongParty):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": err.Error()})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
