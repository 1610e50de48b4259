package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/commands"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/domain"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/eventstore"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/notify"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/projection"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/query"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/reconcile"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	claimsContextKey         = "gravity_claims"
	defaultHeartbeatInterval = 15 * time.Second
)

var (
	errMissingCommands      = errors.New("command service dependency required")
	errMissingQueries       = errors.New("query service dependency required")
	errMissingReconciler    = errors.New("reconcile engine dependency required")
	errMissingProjections   = errors.New("projection orchestrator dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenValidator checks bearer tokens. A nil validator leaves the API open, which is how the
// core runs when only the local desktop shell talks to it.
type TokenValidator interface {
	ValidateToken(token string) (auth.Claims, error)
}

// ProjectionControl is the orchestrator surface exposed over HTTP.
type ProjectionControl interface {
	CatchUp(ctx context.Context) (projection.Result, error)
	RebuildAll(ctx context.Context) (projection.Result, error)
	Status(ctx context.Context) ([]projection.Checkpoint, error)
}

type Dependencies struct {
	Commands          *commands.Service
	Queries           *query.Service
	Reconciler        *reconcile.Engine
	Projections       ProjectionControl
	Updates           *notify.Dispatcher
	Tokens            TokenValidator
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Commands == nil {
		return nil, errMissingCommands
	}
	if deps.Queries == nil {
		return nil, errMissingQueries
	}
	if deps.Reconciler == nil {
		return nil, errMissingReconciler
	}
	if deps.Projections == nil {
		return nil, errMissingProjections
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		commands:    deps.Commands,
		queries:     deps.Queries,
		reconciler:  deps.Reconciler,
		projections: deps.Projections,
		updates:     deps.Updates,
		tokens:      deps.Tokens,
		heartbeat:   heartbeat,
		logger:      logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api/v1")
	api.Use(handler.authorizeRequest)

	read := api.Group("/")
	read.Use(handler.requireScope(auth.ScopeRead), handler.consistentRead)
	handler.registerQueries(read)
	read.GET("/projections/status", handler.handleProjectionStatus)
	read.GET("/stream", handler.handleStream)

	write := api.Group("/")
	write.Use(handler.requireScope(auth.ScopeWrite))
	write.POST("/documents/saved", handler.handleDocumentSaved)
	handler.registerCommands(write)
	write.POST("/projections/catch-up", handler.handleCatchUp)

	admin := api.Group("/")
	admin.Use(handler.requireScope(auth.ScopeAdmin))
	admin.POST("/projections/rebuild", handler.handleRebuild)

	return router, nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type", "Last-Event-ID"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

type httpHandler struct {
	commands    *commands.Service
	queries     *query.Service
	reconciler  *reconcile.Engine
	projections ProjectionControl
	updates     *notify.Dispatcher
	tokens      TokenValidator
	heartbeat   time.Duration
	logger      *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	if h.tokens == nil {
		c.Set(claimsContextKey, auth.Claims{Scopes: []string{auth.ScopeAdmin}})
		c.Next()
		return
	}
	token := ""
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	} else if c.Request.Method == http.MethodGet {
		// EventSource cannot set headers.
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(claimsContextKey, claims)
	c.Next()
}

func (h *httpHandler) requireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		value, _ := c.Get(claimsContextKey)
		claims, ok := value.(auth.Claims)
		if !ok || !claims.Allows(scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden", "required_scope": scope})
			return
		}
		c.Next()
	}
}

// consistentRead catches projections up before a read when the caller asks for it.
func (h *httpHandler) consistentRead(c *gin.Context) {
	if wantsConsistency(c) {
		if _, err := h.projections.CatchUp(c.Request.Context()); err != nil {
			h.writeError(c, err)
			c.Abort()
			return
		}
	}
	c.Next()
}

// respondCommand writes a command result. With consistent=true the projections reflect the
// command before the response is sent.
func (h *httpHandler) respondCommand(c *gin.Context, status int, payload any) {
	if wantsConsistency(c) {
		if _, err := h.projections.CatchUp(c.Request.Context()); err != nil {
			h.writeError(c, err)
			return
		}
	}
	c.JSON(status, payload)
}

func wantsConsistency(c *gin.Context) bool {
	consistent, _ := strconv.ParseBool(c.Query("consistent"))
	return consistent
}

// writeError maps the error taxonomy onto HTTP statuses.
func (h *httpHandler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	label := "internal_error"
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrInvalidEntityID):
		status, label = http.StatusBadRequest, "validation_failed"
	case errors.Is(err, commands.ErrNotFound),
		errors.Is(err, query.ErrNotFound),
		errors.Is(err, query.ErrUnknownList),
		errors.Is(err, reconcile.ErrUnknownDocument),
		errors.Is(err, eventstore.ErrStreamNotFound):
		status, label = http.StatusNotFound, "not_found"
	case errors.Is(err, commands.ErrAlreadyExists):
		status, label = http.StatusConflict, "already_exists"
	case errors.Is(err, eventstore.ErrConcurrencyConflict):
		status, label = http.StatusConflict, "conflict"
	case errors.Is(err, eventstore.ErrStorageUnavailable):
		status, label = http.StatusServiceUnavailable, "storage_unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, label = http.StatusServiceUnavailable, "canceled"
	}
	body := gin.H{"error": label, "message": err.Error()}
	var serviceErr *commands.ServiceError
	if errors.As(err, &serviceErr) {
		body["code"] = serviceErr.Code()
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": message})
}
