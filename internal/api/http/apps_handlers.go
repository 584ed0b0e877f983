package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/w200024212/pebbleos-sub001/internal/domain/app"
	"github.com/w200024212/pebbleos-sub001/internal/domain/registry"
	"github.com/w200024212/pebbleos-sub001/internal/shared/types"
	"github.com/w200024212/pebbleos-sub001/internal/shared/utils"
)

// ListApps lists registry installs. Query filters: watchface, worker, hidden.
func (h *Handlers) ListApps(c *gin.Context) {
	filter := registry.ListFilter{
		Watchfaces: queryBool(c, "watchface"),
		Workers:    queryBool(c, "worker"),
	}
	if hidden := queryBool(c, "hidden"); hidden != nil {
		filter.IncludeHidden = *hidden
	}

	apps := h.registry.List(filter)
	c.JSON(http.StatusOK, gin.H{
		"apps":  apps,
		"stats": h.registry.Stats(),
	})
}

// GetApp returns one install
func (h *Handlers) GetApp(c *gin.Context) {
	id, ok := h.installID(c)
	if !ok {
		return
	}
	entry, err := h.registry.Get(id)
	if err != nil {
		registryError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// SaveApp installs or replaces a flash app
func (h *Handlers) SaveApp(c *gin.Context) {
	var entry types.InstallEntry
	if !h.bindJSON(c, &entry) {
		return
	}
	if err := utils.ValidateInstallEntry(entry); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	saved, err := h.registry.Save(c.Request.Context(), entry)
	if err != nil {
		registryError(c, err)
		return
	}
	// A reinstalled watchface starts with a closed crash-loop breaker
	if h.breakers != nil && saved.Watchface {
		h.breakers.Reset(app.BreakerKey(saved.ID))
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "app": saved})
}

// DeleteApp removes a flash install that no process holds
func (h *Handlers) DeleteApp(c *gin.Context) {
	id, ok := h.installID(c)
	if !ok {
		return
	}
	if err := h.registry.Delete(c.Request.Context(), id); err != nil {
		registryError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "id": id})
}

// PrioritizeApp moves an install to the front of the app list
func (h *Handlers) PrioritizeApp(c *gin.Context) {
	id, ok := h.installID(c)
	if !ok {
		return
	}
	if err := h.registry.Prioritize(id); err != nil {
		registryError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "id": id})
}

// SetDefaultWatchface stores the watchface the system starts into
func (h *Handlers) SetDefaultWatchface(c *gin.Context) {
	var req struct {
		ID types.InstallID `json:"id"`
	}
	if !h.bindJSON(c, &req) {
		return
	}
	if req.ID == types.InstallIDInvalid {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "id is required"})
		return
	}
	if err := h.registry.SetDefaultWatchface(req.ID); err != nil {
		registryError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "default_watchface": h.registry.DefaultWatchface()})
}

// LaunchApp queues a foreground launch. The switch itself happens on kernel
// main; a 202 means the request was queued, not that the app is running.
func (h *Handlers) LaunchApp(c *gin.Context) {
	cfg, entry, ok := h.launchConfig(c)
	if !ok {
		return
	}
	if entry.Worker {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": entry.Name + " is a worker; use /workers/:id/launch"})
		return
	}

	if cfg.Reason == types.LaunchPhone {
		if err := h.registry.Prioritize(cfg.ID); err != nil {
			h.logger.Warn("failed to prioritize app", zap.Int32("install_id", int32(cfg.ID)), zap.Error(err))
		}
	}

	if err := h.kernel.Launch(c.Request.Context(), cfg); err != nil {
		h.kernelError(c, "launch", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"success":    true,
		"id":         cfg.ID,
		"name":       entry.Name,
		"reason":     cfg.Reason.String(),
		"forcefully": cfg.Forcefully,
	})
}

// LaunchWorker queues a background worker launch
func (h *Handlers) LaunchWorker(c *gin.Context) {
	cfg, entry, ok := h.launchConfig(c)
	if !ok {
		return
	}
	if !entry.Worker {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": entry.Name + " is not a worker"})
		return
	}
	cfg.Reason = types.LaunchWorker

	if err := h.kernel.LaunchWorker(c.Request.Context(), cfg); err != nil {
		h.kernelError(c, "launch_worker", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"id":      cfg.ID,
		"name":    entry.Name,
	})
}

func (h *Handlers) launchConfig(c *gin.Context) (types.LaunchConfig, types.InstallEntry, bool) {
	id, ok := h.installID(c)
	if !ok {
		return types.LaunchConfig{}, types.InstallEntry{}, false
	}

	var req types.LaunchRequest
	if !h.bindJSON(c, &req) {
		return types.LaunchConfig{}, types.InstallEntry{}, false
	}
	if err := utils.ValidateArgs(req.Args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return types.LaunchConfig{}, types.InstallEntry{}, false
	}

	entry, err := h.registry.Get(id)
	if err != nil {
		registryError(c, err)
		return types.LaunchConfig{}, types.InstallEntry{}, false
	}

	cfg := types.LaunchConfig{
		ID:         id,
		Reason:     types.ParseLaunchReason(req.Reason),
		Wakeup:     req.Wakeup,
		Forcefully: req.Forcefully,
	}
	if req.Args != "" {
		cfg.Args = []byte(req.Args)
	}
	if cfg.Wakeup != nil {
		cfg.Reason = types.LaunchWakeup
	}
	return cfg, entry, true
}
