package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pocketledger/backend/internal/auth"
	"github.com/pocketledger/backend/internal/ledger"
)

const (
	userIDContextKey = "pocketledger_user_id"
	claimsContextKey = "pocketledger_claims"
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingLedgerService  = errors.New("ledger service dependency required")
)

// TokenValidator checks a bearer token and returns the caller's claims.
type TokenValidator interface {
	Validate(token string) (auth.Claims, error)
}

// AccessPolicy mirrors the operational sync switches: a kill switch and an
// optional premium-only mode.
type AccessPolicy struct {
	SyncEnabled bool
	PremiumOnly bool
}

// Dependencies wires the HTTP layer to its collaborators.
type Dependencies struct {
	TokenValidator TokenValidator
	LedgerService  *ledger.Service
	Dispatcher     *SyncDispatcher
	Access         AccessPolicy
	Logger         *zap.Logger
	Clock          func() time.Time
}

// NewHTTPHandler assembles the gin router for the sync API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.LedgerService == nil {
		return nil, errMissingLedgerService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = NewSyncDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		validator:  deps.TokenValidator,
		ledger:     deps.LedgerService,
		dispatcher: dispatcher,
		access:     deps.Access,
		logger:     logger,
		clock:      clock,
	}

	syncRoutes := router.Group("/sync")
	syncRoutes.Use(handler.authorizeRequest)
	syncRoutes.Use(handler.syncAccessGuard)
	syncRoutes.POST("/push", handler.handlePush)
	syncRoutes.POST("/pull", handler.handlePull)
	syncRoutes.GET("/initial", handler.handleInitialSync)
	syncRoutes.GET("/stream", handler.handleStream)

	return router, nil
}

type httpHandler struct {
	validator  TokenValidator
	ledger     *ledger.Service
	dispatcher *SyncDispatcher
	access     AccessPolicy
	logger     *zap.Logger
	clock      func() time.Time
}

// authorizeRequest resolves the caller identity from the Authorization header
// or, for EventSource clients that cannot set headers, the access_token query
// parameter.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if token == "" {
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	claims, err := h.validator.Validate(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.Subject)
	c.Set(claimsContextKey, claims)
	c.Next()
}

// syncAccessGuard enforces the operational switches: a global kill switch and
// the premium-only mode some deployments run with.
func (h *httpHandler) syncAccessGuard(c *gin.Context) {
	if !h.access.SyncEnabled {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "sync_disabled"})
		return
	}
	if h.access.PremiumOnly {
		value, exists := c.Get(claimsContextKey)
		claims, ok := value.(auth.Claims)
		if !exists || !ok || !claims.PremiumActive(h.clock().UTC()) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "premium_required"})
			return
		}
	}
	c.Next()
}

type pushRequestPayload struct {
	Items []ledger.PushItem `json:"items"`
}

func (h *httpHandler) handlePush(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request pushRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Items) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "items array is required"})
		return
	}

	result, err := h.ledger.Push(c.Request.Context(), userID, request.Items)
	if err != nil {
		if errors.Is(err, ledger.ErrMissingClientID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "client_id is required for every item"})
			return
		}
		h.logger.Error("push failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
		return
	}

	if len(result.Tables) > 0 {
		h.dispatcher.Publish(SyncMessage{
			UserID:    userID,
			EventType: SyncEventChange,
			Tables:    result.Tables,
			Timestamp: h.clock().UTC(),
		})
	}

	c.JSON(http.StatusOK, gin.H{"results": result.Results})
}

type pullRequestPayload struct {
	LastSyncAt *int64   `json:"lastSyncAt"`
	Tables     []string `json:"tables"`
}

func (h *httpHandler) handlePull(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request pullRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.LastSyncAt == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "lastSyncAt timestamp required"})
		return
	}

	result, err := h.ledger.Pull(c.Request.Context(), userID, *request.LastSyncAt, request.Tables)
	if err != nil {
		h.logger.Error("pull failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleInitialSync(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	result, err := h.ledger.InitialSync(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("initial sync failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
		return
	}

	c.JSON(http.StatusOK, result)
}

type streamEventPayload struct {
	Source    string   `json:"source"`
	Tables    []string `json:"tables,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

// handleStream serves the SSE feed of push notifications so a second online
// device can pull promptly instead of polling.
func (h *httpHandler) handleStream(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	messages, cleanup := h.dispatcher.Subscribe(c.Request.Context(), userID)
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			c.SSEvent(syncEventHeartbeat, streamEventPayload{
				Source:    syncEventSourceBackend,
				Timestamp: h.clock().UTC().UnixMilli(),
			})
			c.Writer.Flush()
		case message, ok := <-messages:
			if !ok {
				return
			}
			c.SSEvent(message.EventType, streamEventPayload{
				Source:    syncEventSourceBackend,
				Tables:    message.Tables,
				Timestamp: message.Timestamp.UnixMilli(),
			})
			c.Writer.Flush()
		}
	}
}

// requestLogger emits one structured line per request.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
