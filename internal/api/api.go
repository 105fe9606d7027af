// Package api is the HTTP surface of the control plane: agent and
// runtime lifecycle verbs plus task-status queries. Handlers validate,
// enforce ownership and single-flight, and submit to the task engine;
// they never block on provisioning.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aidenhq/aiden/internal/agent"
	"github.com/aidenhq/aiden/internal/auth"
	"github.com/aidenhq/aiden/internal/common/config"
	apperrors "github.com/aidenhq/aiden/internal/common/errors"
	"github.com/aidenhq/aiden/internal/common/httpmw"
	"github.com/aidenhq/aiden/internal/common/logger"
	"github.com/aidenhq/aiden/internal/metrics"
	"github.com/aidenhq/aiden/internal/runtime"
	"github.com/aidenhq/aiden/internal/store"
	"github.com/aidenhq/aiden/internal/tasks"
)

// Handlers carries the services the HTTP surface exposes.
type Handlers struct {
	store    *store.Store
	agents   *agent.Service
	runtimes *runtime.Service
	engine   *tasks.Engine
	logger   *logger.Logger
}

// NewHandlers wires the handler set.
func NewHandlers(
	st *store.Store,
	agents *agent.Service,
	runtimes *runtime.Service,
	engine *tasks.Engine,
	log *logger.Logger,
) *Handlers {
	return &Handlers{
		store:    st,
		agents:   agents,
		runtimes: runtimes,
		engine:   engine,
		logger:   log.WithFields(zap.String("component", "api")),
	}
}

// NewRouter builds the gin engine with middleware and all routes.
func NewRouter(
	cfg *config.Config,
	h *Handlers,
	verifier *auth.Verifier,
	m *metrics.Metrics,
	log *logger.Logger,
) *gin.Engine {
	if cfg.Env == config.EnvProd || cfg.Env == config.EnvStaging {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestID())
	router.Use(httpmw.RequestLogger(log))

	corsCfg := cors.DefaultConfig()
	if origins := cfg.Environment().CORSOrigins; len(origins) > 0 {
		corsCfg.AllowOrigins = origins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization")
	router.Use(cors.New(corsCfg))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if m != nil {
		metricsHandler := gin.WrapH(m.Handler())
		if cfg.Metrics.Password != "" {
			accounts := gin.Accounts{cfg.Metrics.Username: cfg.Metrics.Password}
			router.GET("/metrics", gin.BasicAuth(accounts), metricsHandler)
		} else {
			router.GET("/metrics", metricsHandler)
		}
	}

	authed := router.Group("/", verifier.RequireAuth(), h.syncUser)

	agents := authed.Group("/agents")
	agents.POST("", h.createAgent)
	agents.GET("", h.listAgents)
	agents.GET("/:id", h.getAgent)
	agents.PATCH("/:id", h.updateAgent)
	agents.DELETE("/:id", h.deleteAgent)
	agents.POST("/:id/start", h.startAgent)
	agents.POST("/:id/start/:runtime_id", h.startAgentOn)
	agents.POST("/:id/stop", h.stopAgent)

	runtimes := authed.Group("/runtimes")
	runtimes.GET("", h.listRuntimes)
	runtimes.GET("/:id", h.getRuntime)
	runtimes.POST("", auth.RequireAdmin(), h.createRuntime)
	runtimes.PATCH("/:id", auth.RequireAdmin(), h.updateRuntime)
	runtimes.DELETE("/:id", auth.RequireAdmin(), h.deleteRuntime)

	taskRoutes := authed.Group("/tasks")
	taskRoutes.GET("/start-agent", h.latestAgentStartStatus)
	taskRoutes.GET("/:id", h.taskStatus)

	return router
}

// syncUser keeps the users table current with the verified caller so
// dynamic-id lookups resolve. Best effort; a write failure never blocks
// the request.
func (h *Handlers) syncUser(c *gin.Context) {
	if id, ok := auth.FromContext(c); ok && id.DynamicID != "" {
		role := store.RoleUser
		if id.Admin {
			role = store.RoleAdmin
		}
		err := h.store.UpsertUser(c.Request.Context(), &store.User{
			ID:        id.UserID,
			DynamicID: id.DynamicID,
			Role:      role,
		})
		if err != nil {
			h.logger.Warn("failed to sync user", zap.Error(err))
		}
	}
	c.Next()
}

// respondError maps any error onto the AppError HTTP contract.
func respondError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.Internal("internal error", err)
	}
	c.JSON(appErr.HTTPStatus, gin.H{
		"code":    appErr.Code,
		"message": appErr.Message,
	})
}

// identity returns the verified caller or aborts with 401.
func identity(c *gin.Context) (*auth.Identity, bool) {
	id, ok := auth.FromContext(c)
	if !ok {
		respondError(c, apperrors.Unauthorized("missing bearer token"))
	}
	return id, ok
}
