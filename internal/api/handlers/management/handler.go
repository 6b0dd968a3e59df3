// Package management provides the management API handlers and middleware
// for operating the node: backend detection and switching, backend process
// control, usage totals, recent tasks, and tunnel status.
package management

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/sight-ai/edge-node/internal/registry"
	"github.com/sight-ai/edge-node/internal/runtime"
	"github.com/sight-ai/edge-node/internal/supervisor"
	"github.com/sight-ai/edge-node/internal/tunnel"
	"github.com/sight-ai/edge-node/internal/usage"
)

// Handler aggregates the operational surfaces behind the management API.
// Any field except key and registry may be nil when the matching subsystem
// is disabled.
type Handler struct {
	mu         sync.RWMutex
	key        string
	registry   *registry.BackendRegistry
	processes  *supervisor.Manager
	usageStore *usage.BoltPlugin
	tasks      *runtime.TaskStore
	tunnel     *tunnel.Service
}

// NewHandler creates a management handler guarding its routes with key.
func NewHandler(key string, reg *registry.BackendRegistry, processes *supervisor.Manager, usageStore *usage.BoltPlugin, tasks *runtime.TaskStore, tun *tunnel.Service) *Handler {
	return &Handler{
		key:        key,
		registry:   reg,
		processes:  processes,
		usageStore: usageStore,
		tasks:      tasks,
		tunnel:     tun,
	}
}

// SetKey swaps the management key when the config hot-reloads.
func (h *Handler) SetKey(key string) {
	h.mu.Lock()
	h.key = key
	h.mu.Unlock()
}

// SetTunnel swaps the tunnel service behind the status endpoint after a
// gateway address change rebuilds the link.
func (h *Handler) SetTunnel(tun *tunnel.Service) {
	h.mu.Lock()
	h.tunnel = tun
	h.mu.Unlock()
}

func (h *Handler) currentKey() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.key
}

// Middleware enforces access control for management endpoints. The key is
// accepted either as Authorization: Bearer <key> or as X-Management-Key.
func (h *Handler) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.currentKey() == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "management key not configured"})
			return
		}

		var provided string
		if ah := c.GetHeader("Authorization"); ah != "" {
			parts := strings.SplitN(ah, " ", 2)
			if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
				provided = parts[1]
			} else {
				provided = ah
			}
		}
		if provided == "" {
			provided = c.GetHeader("X-Management-Key")
		}
		if provided == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing management key"})
			return
		}

		if !h.keyMatches(provided) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid management key"})
			return
		}

		c.Next()
	}
}

// keyMatches accepts a configured key that is either a bcrypt hash or the
// literal key.
func (h *Handler) keyMatches(provided string) bool {
	key := h.currentKey()
	if strings.HasPrefix(key, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(key), []byte(provided)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(provided)) == 1
}

// GetBackends handles GET /v0/management/backends. It probes every enabled
// backend and reports availability alongside the current selection.
// ?force=true bypasses the detection cache.
func (h *Handler) GetBackends(c *gin.Context) {
	force := c.Query("force") == "true"
	result := h.registry.DetectBackends(c.Request.Context(), force)
	c.JSON(http.StatusOK, gin.H{
		"current":     h.registry.CurrentFramework(),
		"available":   result.Available,
		"unavailable": result.Unavailable,
		"recommended": result.Recommended,
		"details":     result.Details,
	})
}

// SwitchBackend handles POST /v0/management/backends/switch.
func (h *Handler) SwitchBackend(c *gin.Context) {
	var body struct {
		Backend              string `json:"backend"`
		Force                bool   `json:"force"`
		ValidateAvailability *bool  `json:"validateAvailability"`
		Restart              bool   `json:"restart"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Backend == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must name a backend"})
		return
	}
	if _, ok := h.registry.Get(body.Backend); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("backend %q is not registered", body.Backend)})
		return
	}

	validate := true
	if body.ValidateAvailability != nil {
		validate = *body.ValidateAvailability
	}
	result, err := h.registry.SwitchBackend(c.Request.Context(), body.Backend, registry.SwitchOptions{
		Force:                body.Force,
		ValidateAvailability: validate,
		Restart:              body.Restart,
	})
	if err != nil {
		c.JSON(http.StatusConflict, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ListProcesses handles GET /v0/management/process.
func (h *Handler) ListProcesses(c *gin.Context) {
	if h.processes == nil {
		c.JSON(http.StatusOK, gin.H{"processes": []any{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"processes": h.processes.StatusAll(c.Request.Context())})
}

// ProcessStatus handles GET /v0/management/process/:backend/status.
func (h *Handler) ProcessStatus(c *gin.Context) {
	backend := c.Param("backend")
	if h.processes == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no supervisor for backend %q", backend)})
		return
	}
	status, ok := h.processes.Status(c.Request.Context(), backend)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no supervisor for backend %q", backend)})
		return
	}
	c.JSON(http.StatusOK, status)
}

// StartProcess handles POST /v0/management/process/:backend/start.
func (h *Handler) StartProcess(c *gin.Context) {
	h.processAction(c, func(ctx context.Context, backend string) *supervisor.StartResult {
		return h.processes.Start(ctx, backend)
	})
}

// StopProcess handles POST /v0/management/process/:backend/stop.
func (h *Handler) StopProcess(c *gin.Context) {
	h.processAction(c, func(ctx context.Context, backend string) *supervisor.StartResult {
		return h.processes.Stop(ctx, backend)
	})
}

// RestartProcess handles POST /v0/management/process/:backend/restart.
func (h *Handler) RestartProcess(c *gin.Context) {
	h.processAction(c, func(ctx context.Context, backend string) *supervisor.StartResult {
		return h.processes.Restart(ctx, backend)
	})
}

func (h *Handler) processAction(c *gin.Context, action func(ctx context.Context, backend string) *supervisor.StartResult) {
	backend := c.Param("backend")
	if h.processes == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no supervisor for backend %q", backend)})
		return
	}
	if _, ok := h.processes.Get(backend); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no supervisor for backend %q", backend)})
		return
	}
	result := action(c.Request.Context(), backend)
	if !result.Success {
		c.JSON(http.StatusConflict, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetUsage handles GET /v0/management/usage. Totals are keyed by
// "<backend>|<model>".
func (h *Handler) GetUsage(c *gin.Context) {
	if h.usageStore == nil {
		c.JSON(http.StatusOK, gin.H{"totals": gin.H{}})
		return
	}
	totals, err := h.usageStore.Snapshot()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to read usage totals: %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"totals": totals})
}

// GetTasks handles GET /v0/management/tasks. ?limit caps the result,
// defaulting to 50, newest first.
func (h *Handler) GetTasks(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}
	tasks := h.tasks.Recent(limit)
	if tasks == nil {
		tasks = []*runtime.Task{}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

// GetTask handles GET /v0/management/tasks/:id.
func (h *Handler) GetTask(c *gin.Context) {
	id := c.Param("id")
	task, ok := h.tasks.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("task %q not found", id)})
		return
	}
	c.JSON(http.StatusOK, task)
}

// GetTunnelStatus handles GET /v0/management/tunnel.
func (h *Handler) GetTunnelStatus(c *gin.Context) {
	h.mu.RLock()
	tun := h.tunnel
	h.mu.RUnlock()
	if tun == nil {
		c.JSON(http.StatusOK, tunnel.Status{})
		return
	}
	c.JSON(http.StatusOK, tun.Status())
}
