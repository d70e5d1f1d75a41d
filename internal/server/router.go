package server

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/erdsync/internal/auth"
	"github.com/MarcoPoloResearchLab/erdsync/internal/diagram"
	"github.com/MarcoPoloResearchLab/erdsync/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/erdsync/internal/storage"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const handshakeContextKey = "erdsync_handshake"

var (
	errMissingGatekeeper = errors.New("gatekeeper dependency required")
	errMissingEngine     = errors.New("realtime engine dependency required")
	errMissingDesigns    = errors.New("design store dependency required")
	errMissingLimiter    = errors.New("rate limiter dependency required")
)

// Gatekeeper admits or rejects incoming requests.
type Gatekeeper interface {
	Admit(ctx context.Context, request *http.Request) (*auth.Handshake, error)
}

// DesignCreator bootstraps the durable design of a project.
type DesignCreator interface {
	CreateEmptyDesign(ctx context.Context, projectID diagram.ProjectID) (storage.DesignObject, error)
}

// RateLimiter applies a policy to a subject.
type RateLimiter interface {
	Allow(ctx context.Context, policy ratelimit.Policy, subjectParts ...string) (ratelimit.Decision, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	// Context bounds the lifetime of upgraded connections; cancelling it
	// closes every open websocket.
	Context    context.Context
	Gatekeeper Gatekeeper
	Engine     RealtimeEngine
	Designs    DesignCreator
	Limiter    RateLimiter
	Mailer     Mailer
	Realtime   RealtimeConfig
	Clock      func() time.Time
	Logger     *zap.Logger
}

// NewHTTPHandler builds the gin router serving health, realtime, auth and project routes.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Gatekeeper == nil {
		return nil, errMissingGatekeeper
	}
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Designs == nil {
		return nil, errMissingDesigns
	}
	if deps.Limiter == nil {
		return nil, errMissingLimiter
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	lifetime := deps.Context
	if lifetime == nil {
		lifetime = context.Background()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	mailer := deps.Mailer
	if mailer == nil {
		mailer = NewLogMailer(logger)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		lifetime:   lifetime,
		gatekeeper: deps.Gatekeeper,
		engine:     deps.Engine,
		designs:    deps.Designs,
		limiter:    deps.Limiter,
		mailer:     mailer,
		realtime:   deps.Realtime.withDefaults(),
		clock:      clock,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/realtime", handler.handleRealtime)
	router.POST("/auth/password-reset", handler.handlePasswordReset)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/projects/:projectId/design", handler.handleCreateDesign)
	protected.POST("/projects/:projectId/invitations", handler.handleInvitation)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc: func(string) bool {
			return true
		},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	lifetime   context.Context
	gatekeeper Gatekeeper
	engine     RealtimeEngine
	designs    DesignCreator
	limiter    RateLimiter
	mailer     Mailer
	realtime   RealtimeConfig
	clock      func() time.Time
	logger     *zap.Logger
	upgrader   websocket.Upgrader
}

type emailRequestPayload struct {
	Email string `json:"email"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handlePasswordReset(c *gin.Context) {
	email, ok := bindEmail(c)
	if !ok {
		return
	}
	decision, err := h.limiter.Allow(c.Request.Context(), ratelimit.PasswordResetPolicy, email)
	if h.respondRateLimit(c, decision, err) {
		return
	}
	if err := h.mailer.SendPasswordReset(c.Request.Context(), email); err != nil {
		h.logger.Error("password reset delivery failed", zap.Error(err))
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (h *httpHandler) handleCreateDesign(c *gin.Context) {
	projectID, err := diagram.NewProjectID(c.Param("projectId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_project"})
		return
	}
	object, err := h.designs.CreateEmptyDesign(c.Request.Context(), projectID)
	if err != nil {
		h.logger.Error("failed to create design", zap.String("project_id", projectID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "design_create_failed"})
		return
	}
	c.JSON(http.StatusCreated, object)
}

func (h *httpHandler) handleInvitation(c *gin.Context) {
	handshake, ok := handshakeFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	projectID, err := diagram.NewProjectID(c.Param("projectId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_project"})
		return
	}
	email, ok := bindEmail(c)
	if !ok {
		return
	}
	decision, err := h.limiter.Allow(c.Request.Context(), ratelimit.InvitationPolicy, email, projectID.String())
	if h.respondRateLimit(c, decision, err) {
		return
	}
	if err := h.mailer.SendInvitation(c.Request.Context(), email, projectID, handshake.User); err != nil {
		h.logger.Error("invitation delivery failed", zap.String("project_id", projectID.String()), zap.Error(err))
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	handshake, err := h.gatekeeper.Admit(c.Request.Context(), c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": auth.RejectionReason(err)})
		return
	}
	c.Set(handshakeContextKey, handshake)
	c.Next()
}

// respondRateLimit writes the response for a rejected or invalid attempt and
// reports whether the request is finished.
func (h *httpHandler) respondRateLimit(c *gin.Context, decision ratelimit.Decision, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ratelimit.ErrTooManyRequests):
		retryAfter := decision.RetryAfter(h.clock())
		seconds := int(math.Ceil(retryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		c.Header("Retry-After", strconv.Itoa(seconds))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too_many_requests"})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	}
	return true
}

func bindEmail(c *gin.Context) (string, bool) {
	var request emailRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return "", false
	}
	email := strings.ToLower(strings.TrimSpace(request.Email))
	if email == "" || !strings.Contains(email, "@") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_email"})
		return "", false
	}
	return email, true
}

func handshakeFromContext(c *gin.Context) (*auth.Handshake, bool) {
	value, ok := c.Get(handshakeContextKey)
	if !ok {
		return nil, false
	}
	handshake, ok := value.(*auth.Handshake)
	return handshake, ok && handshake != nil
}
