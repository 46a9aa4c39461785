package http

import (
	"context"
	"errors"
	"net/http"

	"tufd/internal/config"
	"tufd/internal/domain"
	"tufd/internal/infra/policy"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// TaskStore is the task bookkeeping the API needs: recording new tasks and
// reading their status back.
type TaskStore interface {
	Create(ctx context.Context, task domain.Task) error
	Get(ctx context.Context, id string) (domain.Task, error)
}

type SettingsStore interface {
	Bootstrapped(ctx context.Context) (bool, error)
	Load(ctx context.Context) (domain.RepositorySettings, error)
}

// PolicyGate decides which artifact paths the repository admits. A nil gate
// admits everything.
type PolicyGate interface {
	Evaluate(ctx context.Context, input policy.Input) (policy.Result, error)
}

type Server struct {
	cfg      config.Config
	r        *gin.Engine
	tasks    TaskStore
	settings SettingsStore
	queue    domain.TaskQueue
	gate     PolicyGate
}

type ServerDeps struct {
	Tasks    TaskStore
	Settings SettingsStore
	Queue    domain.TaskQueue
	Gate     PolicyGate
}

func NewServer(cfg config.Config, deps ServerDeps) *Server {
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{
		cfg:      cfg,
		r:        r,
		tasks:    deps.Tasks,
		settings: deps.Settings,
		queue:    deps.Queue,
		gate:     deps.Gate,
	}
	s.routes()
	return s
}

func (s *Server) Run() error {
	addr := s.cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	log.WithField("addr", addr).Info("api listening")
	return s.r.Run(addr)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.r
}

func (s *Server) routes() {
	s.r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := s.r.Group("/api/v1")
	{
		v1.POST("/bootstrap/", s.handleBootstrap)
		v1.GET("/bootstrap/", s.handleBootstrapStatus)
		v1.POST("/artifacts/", s.handleAddArtifacts)
		v1.POST("/artifacts/delete", s.handleRemoveArtifacts)
		v1.POST("/artifacts/publish", s.handlePublishArtifacts)
		v1.POST("/metadata/", s.handleMetadataUpdate)
		v1.POST("/metadata/online", s.handleMetadataOnline)
		v1.GET("/task/", s.handleTaskStatus)
	}
}

type ErrorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeErrorCode(c, http.StatusNotFound, "NOT_FOUND", "not found")
	case errors.Is(err, domain.ErrNotBootstrapped):
		writeErrorCode(c, http.StatusConflict, "NOT_BOOTSTRAPPED", "repository is not bootstrapped")
	case errors.Is(err, domain.ErrAlreadyBootstrapped):
		writeErrorCode(c, http.StatusConflict, "ALREADY_BOOTSTRAPPED", "repository is already bootstrapped")
	case errors.Is(err, domain.ErrConflict):
		writeErrorCode(c, http.StatusConflict, "CONFLICT", "conflict")
	case errors.Is(err, domain.ErrInvalidMutation):
		writeErrorCode(c, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid argument")
	default:
		log.WithError(err).Error("request failed")
		writeErrorCode(c, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func writeErrorCode(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Code: code, Message: message})
}
