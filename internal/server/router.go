package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/corkboard/internal/activity"
	"github.com/MarcoPoloResearchLab/corkboard/internal/auth"
	"github.com/MarcoPoloResearchLab/corkboard/internal/boards"
	"github.com/MarcoPoloResearchLab/corkboard/internal/realtime"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey     = "corkboard_user_id"
	sessionIDHeader      = "X-Session-ID"
	defaultHeartbeat     = 25 * time.Second
	errorCodeInvalid     = "invalid_request"
	errorCodeUnauthorize = "unauthorized"
	errorCodeInternal    = "internal_error"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingUserResolver     = errors.New("user resolver dependency required")
	errMissingBoardsService    = errors.New("boards service dependency required")
	errMissingReadAuthorizer   = errors.New("read authorizer dependency required")
	errMissingRealtime         = errors.New("realtime hub and registry dependencies required")
	errMissingSessionIDs       = errors.New("session id provider dependency required")
)

// SessionValidator authenticates a request's session token.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// UserResolver maps validated claims to the canonical user id.
type UserResolver interface {
	ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error)
}

// ReadAuthorizer decides whether a user may view a board.
type ReadAuthorizer interface {
	CanReadBoard(ctx context.Context, userID, boardID string) (bool, error)
}

// ActivityReader returns a board's recent events, newest first.
type ActivityReader interface {
	Recent(ctx context.Context, boardID string, limit int) ([]activity.Entry, error)
}

// Dependencies wires the HTTP surface. Activity is optional; without it the
// activity route answers 404.
type Dependencies struct {
	Sessions          SessionValidator
	Users             UserResolver
	BoardsService     *boards.Service
	Access            ReadAuthorizer
	Hub               *realtime.Hub
	Registry          *realtime.Registry
	Activity          ActivityReader
	SessionIDs        boards.IDProvider
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// NewHTTPHandler builds the gin engine serving the board API and the realtime stream.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Users == nil {
		return nil, errMissingUserResolver
	}
	if deps.BoardsService == nil {
		return nil, errMissingBoardsService
	}
	if deps.Access == nil {
		return nil, errMissingReadAuthorizer
	}
	if deps.Hub == nil || deps.Registry == nil {
		return nil, errMissingRealtime
	}
	if deps.SessionIDs == nil {
		return nil, errMissingSessionIDs
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		sessions:   deps.Sessions,
		users:      deps.Users,
		boards:     deps.BoardsService,
		access:     deps.Access,
		hub:        deps.Hub,
		registry:   deps.Registry,
		activity:   deps.Activity,
		sessionIDs: deps.SessionIDs,
		heartbeat:  heartbeat,
		logger:     logger,
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.POST("/boards", handler.handleCreateBoard)
	protected.GET("/boards/:boardId", handler.handleGetBoard)
	protected.POST("/boards/:boardId/lists", handler.handleCreateList)
	protected.POST("/boards/:boardId/lists/reorder", handler.handleReorderLists)
	protected.POST("/boards/:boardId/rebalance", handler.handleRebalanceLists)
	protected.GET("/boards/:boardId/presence", handler.handlePresence)
	protected.GET("/boards/:boardId/activity", handler.handleActivity)

	protected.POST("/lists/:listId/cards", handler.handleCreateCard)
	protected.POST("/lists/:listId/move", handler.handleMoveList)
	protected.POST("/lists/:listId/cards/reorder", handler.handleReorderCards)
	protected.POST("/lists/:listId/rebalance", handler.handleRebalanceCards)
	protected.PATCH("/lists/:listId", handler.handleRenameList)
	protected.DELETE("/lists/:listId", handler.handleDeleteList)

	protected.POST("/cards/:cardId/move", handler.handleMoveCard)
	protected.PATCH("/cards/:cardId", handler.handleRenameCard)
	protected.DELETE("/cards/:cardId", handler.handleDeleteCard)

	protected.GET("/realtime/stream", handler.handleRealtimeStream)
	protected.POST("/realtime/sessions/:sessionId/join", handler.handleJoin)
	protected.POST("/realtime/sessions/:sessionId/leave", handler.handleLeave)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc: func(string) bool { return true },
		AllowMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPatch,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowHeaders:     []string{"Authorization", "Content-Type", sessionIDHeader},
		ExposeHeaders:    []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	sessions   SessionValidator
	users      UserResolver
	boards     *boards.Service
	access     ReadAuthorizer
	hub        *realtime.Hub
	registry   *realtime.Registry
	activity   ActivityReader
	sessionIDs boards.IDProvider
	heartbeat  time.Duration
	logger     *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorCodeUnauthorize})
		return
	}
	userID, err := h.users.ResolveCanonicalUserID(c.Request.Context(), claims)
	if err != nil {
		h.logger.Error("failed to resolve user identity", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorCodeUnauthorize})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

// actor builds the mutation actor. The session header only counts when the
// session belongs to the caller.
func (h *httpHandler) actor(c *gin.Context) boards.Actor {
	userID := c.GetString(userIDContextKey)
	sessionID := c.GetHeader(sessionIDHeader)
	if sessionID != "" {
		if owner, ok := h.registry.Owner(sessionID); !ok || owner != userID {
			sessionID = ""
		}
	}
	return boards.Actor{UserID: userID, SessionID: sessionID}
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	code := errorCodeInternal
	var serviceErr *boards.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}

	switch {
	case errors.Is(err, boards.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": code})
	case errors.Is(err, boards.ErrInvalidTarget):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": code})
	case errors.Is(err, boards.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": code})
	case errors.Is(err, boards.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": code})
	case errors.Is(err, boards.ErrOrderingExhausted):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": code})
	default:
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": code})
	}
}

func badRequest(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalid})
}
