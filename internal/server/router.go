package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ilai-app/edge/internal/actor"
	"github.com/ilai-app/edge/internal/auth"
	"github.com/ilai-app/edge/internal/notes"
	"github.com/ilai-app/edge/internal/sessions"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const userIDContextKey = "ilai_user_id"

var (
	errMissingActorSystem    = errors.New("actor system dependency required")
	errMissingSessionChecker = errors.New("session validator dependency required")
	errMissingAllowedOrigins = errors.New("at least one allowed origin required")
)

// ActorSystem is the slice of the actor runtime the dispatcher needs.
type ActorSystem interface {
	Ask(ctx context.Context, kind actor.Kind, key string, message any) (any, error)
	Tell(ctx context.Context, kind actor.Kind, key string, message any) error
}

// SessionValidator resolves the caller of a request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// Dependencies wires the dispatcher.
type Dependencies struct {
	Actors         ActorSystem
	Sessions       SessionValidator
	AllowedOrigins []string
	Registerer     prometheus.Registerer
	Gatherer       prometheus.Gatherer
	Logger         *zap.Logger
}

// NewHTTPHandler builds the edge dispatcher: every route resolves one actor
// by key and forwards a typed message to it.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Actors == nil {
		return nil, errMissingActorSystem
	}
	if deps.Sessions == nil {
		return nil, errMissingSessionChecker
	}
	if len(deps.AllowedOrigins) == 0 {
		return nil, errMissingAllowedOrigins
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ilai_edge",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route, method and status.",
	}, []string{"route", "method", "status"})
	if deps.Registerer != nil {
		if err := deps.Registerer.Register(requests); err != nil {
			return nil, err
		}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))
	router.Use(countRequests(requests))

	handler := &httpHandler{
		actors:   deps.Actors,
		sessions: deps.Sessions,
		logger:   logger,
		upgrader: newUpgrader(deps.AllowedOrigins),
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.GET("/session", handler.handleGetSession)
	protected.POST("/session", handler.handleCreateSession)
	protected.PUT("/session", handler.handleUpdateSession)
	protected.DELETE("/session", handler.handleDeleteSession)

	protected.GET("/classrooms/:id/participants", handler.handleListParticipants)
	protected.POST("/classrooms/:id/join", handler.handleJoinClassroom)
	protected.POST("/classrooms/:id/leave", handler.handleLeaveClassroom)
	protected.GET("/classrooms/:id/signal", handler.handleClassroomSocket)

	protected.GET("/notes/:id/state", handler.handleGetNoteState)
	protected.POST("/notes/:id/init", handler.handleInitNote)
	protected.POST("/notes/:id/update", handler.handleUpdateNote)
	protected.DELETE("/notes/:id/cleanup", handler.handleCleanupNote)
	protected.GET("/notes/:id/sync", handler.handleNoteSocket)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
		MaxAge:           24 * time.Hour,
	})
}

func countRequests(requests *prometheus.CounterVec) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		requests.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, jwt.ErrTokenExpired) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, auth.CanonicalUserID(claims))
	c.Next()
}

type codedError interface {
	Code() string
}

// respondError maps runtime and grain errors onto an {error, code} body.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	status, label := classifyError(err)
	body := gin.H{"error": label}
	var coded codedError
	if errors.As(err, &coded) {
		body["code"] = coded.Code()
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("actor call failed",
			zap.String("route", c.FullPath()),
			zap.Int("status", status),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(status, body)
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, sessions.ErrNoSession):
		return http.StatusNotFound, "no_session"
	case errors.Is(err, notes.ErrInvalidNoteID),
		errors.Is(err, notes.ErrInvalidUserID),
		errors.Is(err, notes.ErrInvalidContent),
		errors.Is(err, actor.ErrEmptyKey):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, actor.ErrSystemClosed):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
