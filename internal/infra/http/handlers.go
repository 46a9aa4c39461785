package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"tufd/internal/domain"
	"tufd/internal/infra/policy"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

type acceptedResponse struct {
	TaskID string `json:"task_id"`
}

type taskResponse struct {
	TaskID         string             `json:"task_id"`
	Type           string             `json:"type"`
	Status         string             `json:"status"`
	PublishPending bool               `json:"publish_pending"`
	Result         *domain.TaskResult `json:"result,omitempty"`
	Error          string             `json:"error,omitempty"`
	CreatedAt      string             `json:"created_at"`
	CompletedAt    *string            `json:"completed_at,omitempty"`
}

// accept records the task and hands it to the queue. The task row is the
// source of truth; the queue message only carries the id.
func (s *Server) accept(c *gin.Context, taskType domain.TaskType, payload any) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		writeError(c, err)
		return
	}
	task := domain.Task{
		ID:      uuid.NewString(),
		Type:    taskType,
		Payload: encoded,
	}
	if err := s.tasks.Create(c.Request.Context(), task); err != nil {
		writeError(c, err)
		return
	}
	if err := s.queue.Enqueue(c.Request.Context(), task.ID); err != nil {
		// The queued row survives; the operator can re-enqueue it.
		log.WithError(err).WithField("task_id", task.ID).Error("enqueue failed")
		writeErrorCode(c, http.StatusInternalServerError, "ENQUEUE_FAILED", "task recorded but not enqueued")
		return
	}
	log.WithFields(log.Fields{"task_id": task.ID, "type": taskType}).Info("task accepted")
	c.JSON(http.StatusAccepted, gin.H{
		"data":    acceptedResponse{TaskID: task.ID},
		"message": string(taskType) + " accepted",
	})
}

func (s *Server) requireBootstrapped(c *gin.Context) bool {
	ok, err := s.settings.Bootstrapped(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return false
	}
	if !ok {
		writeErrorCode(c, http.StatusConflict, "NOT_BOOTSTRAPPED", "repository is not bootstrapped")
		return false
	}
	return true
}

func (s *Server) handleBootstrap(c *gin.Context) {
	var payload domain.BootstrapPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return
	}
	if _, ok := payload.Metadata[domain.RoleRoot]; !ok {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_ARGUMENT", "metadata.root is required")
		return
	}
	if len(payload.Settings.Roles) == 0 {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_ARGUMENT", "settings.roles is required")
		return
	}

	ok, err := s.settings.Bootstrapped(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if ok {
		writeError(c, domain.ErrAlreadyBootstrapped)
		return
	}
	s.accept(c, domain.TaskBootstrap, payload)
}

func (s *Server) handleBootstrapStatus(c *gin.Context) {
	settings, err := s.settings.Load(c.Request.Context())
	if err != nil {
		if errors.Is(err, domain.ErrNotBootstrapped) {
			c.JSON(http.StatusOK, gin.H{"data": gin.H{"bootstrap": false}})
			return
		}
		writeError(c, err)
		return
	}
	data := gin.H{"bootstrap": true}
	if settings.TargetsBaseURL != "" {
		data["targets_base_url"] = settings.TargetsBaseURL
	}
	c.JSON(http.StatusOK, gin.H{"data": data})
}

func (s *Server) handleAddArtifacts(c *gin.Context) {
	var payload domain.AddTargetsPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return
	}
	if len(payload.Targets) == 0 {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_ARGUMENT", "targets is required")
		return
	}
	for _, target := range payload.Targets {
		if strings.TrimSpace(target.Path) == "" {
			writeErrorCode(c, http.StatusBadRequest, "INVALID_ARGUMENT", "every target needs a path")
			return
		}
	}
	if !s.requireBootstrapped(c) {
		return
	}
	if !s.admit(c, "add-targets", targetPaths(payload.Targets)) {
		return
	}
	s.accept(c, domain.TaskAddTargets, payload)
}

func (s *Server) handleRemoveArtifacts(c *gin.Context) {
	var payload domain.RemoveTargetsPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return
	}
	if len(payload.Paths) == 0 {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_ARGUMENT", "paths is required")
		return
	}
	if !s.requireBootstrapped(c) {
		return
	}
	if !s.admit(c, "remove-targets", payload.Paths) {
		return
	}
	s.accept(c, domain.TaskRemoveTargets, payload)
}

func (s *Server) handlePublishArtifacts(c *gin.Context) {
	if !s.requireBootstrapped(c) {
		return
	}
	s.accept(c, domain.TaskPublishSnapshot, struct{}{})
}

func (s *Server) handleMetadataUpdate(c *gin.Context) {
	var payload domain.RotateKeyPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return
	}
	if _, ok := payload.Metadata[domain.RoleRoot]; !ok {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_ARGUMENT", "metadata.root is required")
		return
	}
	if !s.requireBootstrapped(c) {
		return
	}
	s.accept(c, domain.TaskRotateKey, payload)
}

func (s *Server) handleMetadataOnline(c *gin.Context) {
	var payload domain.ForceResignPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return
	}
	for _, role := range payload.Roles {
		if role == domain.RoleRoot {
			writeErrorCode(c, http.StatusBadRequest, "INVALID_ARGUMENT", "root cannot be re-signed online")
			return
		}
	}
	if !s.requireBootstrapped(c) {
		return
	}
	s.accept(c, domain.TaskForceResign, payload)
}

func (s *Server) handleTaskStatus(c *gin.Context) {
	id := strings.TrimSpace(c.Query("task_id"))
	if id == "" {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_ARGUMENT", "task_id is required")
		return
	}
	if _, err := uuid.Parse(id); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_ARGUMENT", "task_id must be a UUID")
		return
	}
	task, err := s.tasks.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := taskResponse{
		TaskID:         task.ID,
		Type:           string(task.Type),
		Status:         string(task.Status),
		PublishPending: task.PublishPending,
		Result:         task.Result,
		Error:          task.Error,
		CreatedAt:      task.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if task.CompletedAt != nil {
		formatted := task.CompletedAt.UTC().Format(time.RFC3339Nano)
		resp.CompletedAt = &formatted
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// admit runs the artifact paths through the admission policy. Denials are
// surfaced with their reasons so the caller can fix the request.
func (s *Server) admit(c *gin.Context, action string, paths []string) bool {
	if s.gate == nil {
		return true
	}
	result, err := s.gate.Evaluate(c.Request.Context(), policy.Input{Action: action, Paths: paths})
	if err != nil {
		writeError(c, err)
		return false
	}
	if !result.Allow {
		c.AbortWithStatusJSON(http.StatusForbidden, ErrorResponse{
			Code:    "POLICY_DENIED",
			Message: "request denied by admission policy",
			Details: map[string]any{"deny": result.Deny},
		})
		return false
	}
	return true
}

func targetPaths(targets []domain.TargetFile) []string {
	paths := make([]string, 0, len(targets))
	for _, t := range targets {
		paths = append(paths, t.Path)
	}
	return paths
}
