// Package api exposes the control plane's REST surface: agent lifecycle,
// task submission, sandbox control, and read access to messages,
// checkpoints, and tasks.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/squadlite/squadlite/internal/common/apperr"
	"github.com/squadlite/squadlite/internal/common/logger"
	"github.com/squadlite/squadlite/internal/coordination"
	"github.com/squadlite/squadlite/internal/events"
	"github.com/squadlite/squadlite/internal/events/bus"
	"github.com/squadlite/squadlite/internal/runtime"
	"github.com/squadlite/squadlite/internal/sandbox"
	"github.com/squadlite/squadlite/internal/store"
)

// Version is reported by the health endpoint. Overridden at build time:
//
//	go build -ldflags "-X github.com/squadlite/squadlite/internal/api.Version=..."
var Version = "0.1.0"

const titleLimit = 80

// SandboxControl is the slice of the sandbox orchestrator the REST layer
// drives.
type SandboxControl interface {
	Register(ctx context.Context, agentID string, agentType store.AgentType, specialization store.Specialization) error
	RunAgent(ctx context.Context, agentID, task, parentID string) (*sandbox.RunHandle, error)
	Kill(ctx context.Context, agentID string) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	KillSandbox(ctx context.Context) error
	Status() *sandbox.Status
}

// Handler contains the HTTP handlers for the control plane API.
type Handler struct {
	svc       *coordination.Service
	repo      store.Repository
	sandboxes SandboxControl
	collector *runtime.OutputCollector
	bus       bus.EventBus
	logger    *logger.Logger
}

// NewHandler wires the handler set.
func NewHandler(svc *coordination.Service, repo store.Repository, sandboxes SandboxControl, collector *runtime.OutputCollector, eventBus bus.EventBus, log *logger.Logger) *Handler {
	return &Handler{
		svc:       svc,
		repo:      repo,
		sandboxes: sandboxes,
		collector: collector,
		bus:       eventBus,
		logger:    log.WithFields(zap.String("component", "api")),
	}
}

// SetupRoutes registers all REST routes.
func SetupRoutes(router *gin.Engine, h *Handler) {
	router.GET("/health", h.Health)

	api := router.Group("/api")
	{
		api.GET("/agents", h.ListAgents)
		api.POST("/agents", h.CreateAgent)
		api.GET("/agents/:id", h.GetAgent)
		api.GET("/agents/:id/status", h.GetAgentStatus)
		api.POST("/agents/:id/task", h.SubmitTask)
		api.DELETE("/agents/:id", h.KillAgent)
		api.POST("/agents/:id/restart", h.RestartAgent)
		api.GET("/agents/:id/checkpoints", h.ListCheckpoints)
		api.GET("/agents/:id/checkpoints/latest", h.LatestCheckpoint)
		api.GET("/agents/:id/resume-context", h.ResumeContext)
		api.GET("/agents/:id/messages", h.AgentInbox)

		api.GET("/checkpoints", h.CheckpointsByAgent)

		api.GET("/tasks", h.ListTasks)
		api.GET("/tasks/:id", h.GetTask)
		api.GET("/tasks/:id/subtasks", h.SubTasks)
		api.GET("/messages", h.ListMessages)

		api.GET("/sandboxes", h.ListSandboxes)
		api.GET("/sandboxes/:id", h.GetSandbox)
		api.POST("/sandboxes/:id/pause", h.PauseSandbox)
		api.POST("/sandboxes/:id/resume", h.ResumeSandbox)
		api.DELETE("/sandboxes/:id", h.KillSandboxByID)
		api.GET("/sandbox/status", h.SandboxStatus)
		api.DELETE("/sandbox", h.KillSandbox)
	}
}

func (h *Handler) respondError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{
		"error":      apperr.Code(err),
		"message":    err.Error(),
		"statusCode": status,
	})
}

func (h *Handler) publish(ctx context.Context, subject string, data map[string]any) {
	event := bus.NewEvent(events.WireType(subject), "api", data)
	if err := h.bus.Publish(ctx, subject, event); err != nil {
		h.logger.Warn("Failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

// Health reports liveness.
// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   Version,
	})
}

// ListAgents returns every agent record.
// GET /api/agents
func (h *Handler) ListAgents(c *gin.Context) {
	filter := store.AgentFilter{Type: store.AgentType(c.Query("type"))}
	if status := c.Query("status"); status != "" {
		filter.Statuses = []store.AgentStatus{store.AgentStatus(status)}
	}
	agents, err := h.svc.ListAgents(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agents)
}

// CreateAgentRequest is the POST /api/agents body.
type CreateAgentRequest struct {
	Type           string `json:"type" binding:"required"`
	ParentID       string `json:"parentId"`
	Specialization string `json:"specialization"`
}

// CreateAgent creates a director or specialist record.
// POST /api/agents
func (h *Handler) CreateAgent(c *gin.Context) {
	var req CreateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperr.Validation("invalid request body: %s", err.Error()))
		return
	}
	agent, err := h.svc.RegisterAgent(c.Request.Context(),
		store.AgentType(req.Type), req.ParentID, store.Specialization(req.Specialization))
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.publish(c.Request.Context(), events.AgentCreated, map[string]any{
		"agentId":        agent.AgentID,
		"type":           string(agent.Type),
		"specialization": string(agent.Specialization),
		"parentId":       agent.ParentID,
	})
	c.JSON(http.StatusCreated, agent)
}

// GetAgent returns one agent record.
// GET /api/agents/:id
func (h *Handler) GetAgent(c *gin.Context) {
	agent, err := h.svc.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// GetAgentStatus returns a compact status projection of one agent.
// GET /api/agents/:id/status
func (h *Handler) GetAgentStatus(c *gin.Context) {
	agent, err := h.svc.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"agentId":       agent.AgentID,
		"status":        string(agent.Status),
		"sandboxStatus": string(agent.SandboxStatus),
		"taskId":        agent.TaskID,
		"tokenUsage":    agent.TokenUsage,
		"lastHeartbeat": agent.LastHeartbeat,
	})
}

// SubmitTaskRequest is the POST /api/agents/:id/task body.
type SubmitTaskRequest struct {
	Task string `json:"task" binding:"required"`
}

// SubmitTask creates a task, assigns it to the agent, and launches the
// agent process asynchronously.
// POST /api/agents/:id/task
func (h *Handler) SubmitTask(c *gin.Context) {
	var req SubmitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperr.Validation("invalid request body: %s", err.Error()))
		return
	}
	ctx := c.Request.Context()
	agentID := c.Param("id")

	agent, err := h.svc.GetAgent(ctx, agentID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	task, err := h.svc.CreateTask(ctx, deriveTitle(req.Task), req.Task, "")
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.publish(ctx, events.TaskCreated, map[string]any{
		"taskId": task.TaskID,
		"title":  task.Title,
	})

	task, err = h.svc.AssignTask(ctx, task.TaskID, agentID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.publish(ctx, events.TaskStatus, map[string]any{
		"taskId":     task.TaskID,
		"status":     string(task.Status),
		"assignedTo": task.AssignedTo,
	})

	go h.launchAgent(agent, task, req.Task)

	c.JSON(http.StatusOK, gin.H{
		"taskId":  task.TaskID,
		"status":  "assigned",
		"agentId": agentID,
	})
}

// launchAgent runs the agent process for a submitted task and settles the
// task if the agent did not do so itself.
func (h *Handler) launchAgent(agent *store.Agent, task *store.Task, taskText string) {
	ctx := context.Background()
	log := h.logger.WithAgentID(agent.AgentID).WithTaskID(task.TaskID)

	fail := func(reason string) {
		failed, err := h.svc.FailTask(ctx, task.TaskID, "Error: "+reason)
		if err != nil {
			log.Warn("Failed to mark task failed", zap.Error(err))
			return
		}
		h.publish(ctx, events.TaskStatus, map[string]any{
			"taskId":     failed.TaskID,
			"status":     string(failed.Status),
			"assignedTo": failed.AssignedTo,
		})
	}

	if err := h.sandboxes.Register(ctx, agent.AgentID, agent.Type, agent.Specialization); err != nil {
		log.Error("Sandbox registration failed", zap.Error(err))
		fail(err.Error())
		return
	}
	h.collector.Reset(agent.AgentID)
	handle, err := h.sandboxes.RunAgent(ctx, agent.AgentID, taskText, agent.ParentID)
	if err != nil {
		log.Error("Agent launch failed", zap.Error(err))
		fail(err.Error())
		return
	}
	state := <-handle.Done()

	// The runtime settles its own root task; only settle here when the
	// process died before it could.
	current, err := h.svc.GetTask(ctx, task.TaskID)
	if err != nil || current.Status.IsTerminal() {
		return
	}
	if state == sandbox.ProcessCompleted {
		result := runtime.ExtractResult(agent.Type, h.collector.Snapshot(agent.AgentID))
		completed, err := h.svc.CompleteTask(ctx, task.TaskID, result)
		if err != nil {
			log.Warn("Failed to complete task", zap.Error(err))
			return
		}
		h.publish(ctx, events.TaskStatus, map[string]any{
			"taskId":     completed.TaskID,
			"status":     string(completed.Status),
			"assignedTo": completed.AssignedTo,
		})
		return
	}
	fail("agent process exited without completing the task")
}

// KillAgent terminates the agent's process. The task the agent was working
// is left to the watcher's failure handling.
// DELETE /api/agents/:id
func (h *Handler) KillAgent(c *gin.Context) {
	ctx := c.Request.Context()
	agentID := c.Param("id")

	if _, err := h.svc.GetAgent(ctx, agentID); err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.sandboxes.Kill(ctx, agentID); err != nil {
		h.respondError(c, err)
		return
	}
	if _, err := h.svc.UpdateAgentStatus(ctx, agentID, store.AgentCompleted, nil); err != nil {
		h.logger.Warn("Failed to settle killed agent status", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{
		"agentId":      agentID,
		"status":       "killed",
		"checkpointId": nil,
	})
}

// RestartAgent resets the agent to idle, keeping its session and
// checkpoints so the next run resumes.
// POST /api/agents/:id/restart
func (h *Handler) RestartAgent(c *gin.Context) {
	agent, err := h.svc.RestartAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.publish(c.Request.Context(), events.AgentStatus, map[string]any{
		"agentId": agent.AgentID,
		"status":  string(agent.Status),
	})
	c.JSON(http.StatusCreated, agent)
}

// ListCheckpoints returns an agent's checkpoints, newest first.
// GET /api/agents/:id/checkpoints
func (h *Handler) ListCheckpoints(c *gin.Context) {
	cps, err := h.svc.Checkpoints(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cps)
}

// LatestCheckpoint returns the agent's most recent checkpoint.
// GET /api/agents/:id/checkpoints/latest
func (h *Handler) LatestCheckpoint(c *gin.Context) {
	cp, err := h.svc.LatestCheckpoint(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cp)
}

// ResumeContext renders the agent's latest checkpoint as the text block
// injected into a restarted agent's prompt.
// GET /api/agents/:id/resume-context
func (h *Handler) ResumeContext(c *gin.Context) {
	agentID := c.Param("id")
	text, err := h.svc.BuildResumeContext(c.Request.Context(), agentID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"agentId":       agentID,
		"resumeContext": text,
	})
}

// CheckpointsByAgent is the flat checkpoint listing used by the UI.
// GET /api/checkpoints?agentId=
func (h *Handler) CheckpointsByAgent(c *gin.Context) {
	agentID := c.Query("agentId")
	if agentID == "" {
		h.respondError(c, apperr.Validation("agentId query parameter is required"))
		return
	}
	cps, err := h.svc.Checkpoints(c.Request.Context(), agentID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cps)
}

// AgentInbox returns the agent's unread messages.
// GET /api/agents/:id/messages
func (h *Handler) AgentInbox(c *gin.Context) {
	msgs, err := h.svc.Inbox(c.Request.Context(), c.Param("id"), queryLimit(c, 0))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

// ListTasks returns all tasks, newest first.
// GET /api/tasks
func (h *Handler) ListTasks(c *gin.Context) {
	tasks, err := h.svc.ListTasks(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

// GetTask returns one task.
// GET /api/tasks/:id
func (h *Handler) GetTask(c *gin.Context) {
	task, err := h.svc.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// SubTasks returns a task's children.
// GET /api/tasks/:id/subtasks
func (h *Handler) SubTasks(c *gin.Context) {
	tasks, err := h.svc.SubTasks(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

// ListMessages returns recent messages across all agents.
// GET /api/messages?limit=N
func (h *Handler) ListMessages(c *gin.Context) {
	msgs, err := h.svc.RecentMessages(c.Request.Context(), queryLimit(c, 50))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

// ListSandboxes returns all sandbox tracking records.
// GET /api/sandboxes
func (h *Handler) ListSandboxes(c *gin.Context) {
	recs, err := h.repo.ListSandboxRecords(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, recs)
}

// GetSandbox returns the per-agent records of one sandbox.
// GET /api/sandboxes/:id
func (h *Handler) GetSandbox(c *gin.Context) {
	recs, err := h.repo.SandboxRecords(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if len(recs) == 0 {
		h.respondError(c, apperr.NotFound("sandbox", c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, recs)
}

func (h *Handler) requireSharedSandbox(c *gin.Context) bool {
	status := h.sandboxes.Status()
	if status.SandboxID == "" || status.SandboxID != c.Param("id") {
		h.respondError(c, apperr.NotFound("sandbox", c.Param("id")))
		return false
	}
	return true
}

// PauseSandbox suspends every agent process in the sandbox.
// POST /api/sandboxes/:id/pause
func (h *Handler) PauseSandbox(c *gin.Context) {
	if !h.requireSharedSandbox(c) {
		return
	}
	if err := h.sandboxes.Pause(c.Request.Context()); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sandboxId": c.Param("id"), "status": "paused"})
}

// ResumeSandbox resumes every agent process in the sandbox.
// POST /api/sandboxes/:id/resume
func (h *Handler) ResumeSandbox(c *gin.Context) {
	if !h.requireSharedSandbox(c) {
		return
	}
	if err := h.sandboxes.Resume(c.Request.Context()); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sandboxId": c.Param("id"), "status": "active"})
}

// KillSandboxByID destroys the shared sandbox when addressed by name.
// DELETE /api/sandboxes/:id
func (h *Handler) KillSandboxByID(c *gin.Context) {
	if !h.requireSharedSandbox(c) {
		return
	}
	h.killSandbox(c)
}

// KillSandbox destroys the shared sandbox and detaches all agents.
// DELETE /api/sandbox
func (h *Handler) KillSandbox(c *gin.Context) {
	h.killSandbox(c)
}

func (h *Handler) killSandbox(c *gin.Context) {
	if err := h.sandboxes.KillSandbox(c.Request.Context()); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "killed"})
}

// SandboxStatus reports the orchestrator's view of the shared sandbox.
// GET /api/sandbox/status
func (h *Handler) SandboxStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.sandboxes.Status())
}

func deriveTitle(task string) string {
	runes := []rune(task)
	if len(runes) <= titleLimit {
		return task
	}
	return string(runes[:titleLimit])
}

func queryLimit(c *gin.Context, def int) int {
	raw := c.Query("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
