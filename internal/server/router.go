package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/CandorWorksLab/entwine/backend/internal/auth"
	"github.com/CandorWorksLab/entwine/backend/internal/chat"
	"github.com/CandorWorksLab/entwine/backend/internal/overlap"
	"github.com/CandorWorksLab/entwine/backend/internal/profiles"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey    = "entwine_user_id"
	userEmailContextKey = "entwine_user_email"

	heartbeatInterval = 25 * time.Second
)

var (
	errMissingValidator      = errors.New("session validator dependency required")
	errMissingOverlapService = errors.New("overlap service dependency required")
	errMissingProfileService = errors.New("profile service dependency required")
	errMissingChatService    = errors.New("chat service dependency required")
)

// SessionVerifier validates the inbound request's identity token.
type SessionVerifier interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

type Dependencies struct {
	Validator SessionVerifier
	Overlap   *overlap.Service
	Profiles  *profiles.Service
	Chat      *chat.Service
	Realtime  *RealtimeDispatcher
	Logger    *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Validator == nil {
		return nil, errMissingValidator
	}
	if deps.Overlap == nil {
		return nil, errMissingOverlapService
	}
	if deps.Profiles == nil {
		return nil, errMissingProfileService
	}
	if deps.Chat == nil {
		return nil, errMissingChatService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		validator: deps.Validator,
		overlap:   deps.Overlap,
		profiles:  deps.Profiles,
		chat:      deps.Chat,
		realtime:  deps.Realtime,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealthz)
	router.GET("/stats", handler.handleGlobalStats)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/declare", handler.handleDeclare)
	protected.GET("/alerts", handler.handleListAlerts)
	protected.POST("/alerts/read", handler.handleMarkAlertsRead)
	protected.GET("/profile", handler.handleGetProfile)
	protected.POST("/profile", handler.handleUpdateProfile)
	protected.POST("/upgrade", handler.handleUpgrade)
	protected.GET("/rooms/:roomID/messages", handler.handleListMessages)
	protected.POST("/rooms/:roomID/messages", handler.handlePostMessage)
	protected.GET("/rooms/:roomID/stream", handler.handleRoomStream)

	return router, nil
}

type httpHandler struct {
	validator SessionVerifier
	overlap   *overlap.Service
	profiles  *profiles.Service
	chat      *chat.Service
	realtime  *RealtimeDispatcher
	logger    *zap.Logger
}

// authorizeRequest rejects unauthenticated callers uniformly and lazily
// ensures the caller's profile row on first sight.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	if err := h.profiles.Ensure(c.Request.Context(), claims.UserID()); err != nil {
		h.logger.Warn("profile ensure failed", zap.Error(err), zap.String("user_id", claims.UserID()))
	}

	c.Set(userIDContextKey, claims.UserID())
	c.Set(userEmailContextKey, claims.UserEmail)
	c.Next()
}

type declareRequestPayload struct {
	Partner string `json:"partner"`
	Intent  string `json:"intent"`
}

func (h *httpHandler) handleDeclare(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}

	var request declareRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if strings.TrimSpace(request.Partner) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "partner_required"})
		return
	}
	intent, err := overlap.ParseIntent(request.Intent)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_intent"})
		return
	}

	result, err := h.overlap.Declare(c.Request.Context(), userID, request.Partner, intent)
	if errors.Is(err, overlap.ErrPartnerRequired) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "partner_required"})
		return
	}
	if err != nil {
		h.logger.Error("declare failed", zap.Error(err))
		h.respondServiceError(c, "declare_failed", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "overlap": result.Overlap})
}

func (h *httpHandler) handleListAlerts(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}

	isPro, err := h.profiles.IsPro(c.Request.Context(), userID.String())
	if err != nil {
		h.logger.Error("profile lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "alerts_failed"})
		return
	}

	alerts, err := h.overlap.ListAlerts(c.Request.Context(), userID, isPro)
	if err != nil {
		h.logger.Error("alert listing failed", zap.Error(err))
		h.respondServiceError(c, "alerts_failed", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "is_pro": isPro})
}

func (h *httpHandler) handleMarkAlertsRead(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}

	if err := h.overlap.MarkAllRead(c.Request.Context(), userID); err != nil {
		h.logger.Error("mark alerts read failed", zap.Error(err))
		h.respondServiceError(c, "update_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type profilePayload struct {
	Nickname  string    `json:"nickname"`
	IsPro     bool      `json:"is_pro"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *httpHandler) handleGetProfile(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}

	profile, err := h.profiles.Get(c.Request.Context(), userID.String())
	if err != nil {
		h.logger.Error("profile lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "profile_failed"})
		return
	}

	var payload *profilePayload
	if profile != nil {
		payload = &profilePayload{
			Nickname:  profile.Nickname,
			IsPro:     profile.IsPro,
			CreatedAt: profile.CreatedAt,
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"profile": payload,
		"user": gin.H{
			"id":    userID.String(),
			"email": c.GetString(userEmailContextKey),
		},
	})
}

type updateProfileRequestPayload struct {
	Nickname string `json:"nickname"`
}

func (h *httpHandler) handleUpdateProfile(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}

	var request updateProfileRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	err := h.profiles.UpdateNickname(c.Request.Context(), userID.String(), request.Nickname)
	if errors.Is(err, profiles.ErrInvalidNickname) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_nickname"})
		return
	}
	if err != nil {
		h.logger.Error("profile update failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "profile_update_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *httpHandler) handleUpgrade(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}

	isPro, err := h.profiles.ToggleTier(c.Request.Context(), userID.String())
	if err != nil {
		h.logger.Error("tier toggle failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"is_pro": isPro})
}

func (h *httpHandler) handleGlobalStats(c *gin.Context) {
	stats, err := h.overlap.GlobalStatsCounts(c.Request.Context())
	if err != nil {
		h.logger.Error("global stats failed", zap.Error(err))
		h.respondServiceError(c, "stats_failed", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

type messagePayload struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *httpHandler) handleListMessages(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}

	messages, err := h.chat.ListMessages(c.Request.Context(), c.Param("roomID"), userID.String())
	if h.respondChatError(c, err) {
		return
	}

	payloads := make([]messagePayload, 0, len(messages))
	for _, message := range messages {
		payloads = append(payloads, messagePayload{
			ID:        message.ID,
			RoomID:    message.RoomID,
			UserID:    message.UserID,
			Content:   message.Content,
			CreatedAt: message.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"messages": payloads})
}

type postMessageRequestPayload struct {
	Content string `json:"content"`
}

func (h *httpHandler) handlePostMessage(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}

	var request postMessageRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	message, err := h.chat.Append(c.Request.Context(), c.Param("roomID"), userID.String(), request.Content)
	if h.respondChatError(c, err) {
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "message": messagePayload{
		ID:        message.ID,
		RoomID:    message.RoomID,
		UserID:    message.UserID,
		Content:   message.Content,
		CreatedAt: message.CreatedAt,
	}})
}

// handleRoomStream serves the room's realtime feed over server-sent events.
// Membership is checked once at subscription; the stream lives for the
// request's lifetime.
func (h *httpHandler) handleRoomStream(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	roomID := c.Param("roomID")

	if err := h.chat.Authorize(c.Request.Context(), roomID, userID.String()); err != nil {
		h.respondChatError(c, err)
		return
	}
	if h.realtime == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stream_unavailable"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	stream, cleanup := h.realtime.Subscribe(c.Request.Context(), roomID)
	defer cleanup()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case message, open := <-stream:
			if !open {
				return
			}
			c.SSEvent(RealtimeEventMessage, message)
			c.Writer.Flush()
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, time.Now().UTC().Unix())
			c.Writer.Flush()
		}
	}
}

func (h *httpHandler) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) requestUserID(c *gin.Context) (overlap.UserID, bool) {
	userID, err := overlap.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return userID, true
}

// respondChatError maps chat-layer sentinels onto HTTP codes. Returns true
// when a response was written.
func (h *httpHandler) respondChatError(c *gin.Context, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, chat.ErrRoomNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "room_not_found"})
	case errors.Is(err, chat.ErrNotRoomMember):
		c.JSON(http.StatusForbidden, gin.H{"error": "room_forbidden"})
	case errors.Is(err, chat.ErrEmptyContent):
		c.JSON(http.StatusBadRequest, gin.H{"error": "content_required"})
	case errors.Is(err, chat.ErrContentTooLong):
		c.JSON(http.StatusBadRequest, gin.H{"error": "content_too_long"})
	default:
		h.logger.Error("chat operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "chat_failed"})
	}
	return true
}

// respondServiceError surfaces the stable service error code without
// leaking internal detail.
func (h *httpHandler) respondServiceError(c *gin.Context, fallback string, err error) {
	var serviceErr *overlap.ServiceError
	if errors.As(err, &serviceErr) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback, "code": serviceErr.Code()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
}
