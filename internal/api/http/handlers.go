package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/w200024212/pebbleos-sub001/internal/domain/crash"
	"github.com/w200024212/pebbleos-sub001/internal/domain/registry"
	"github.com/w200024212/pebbleos-sub001/internal/domain/sysapp"
	"github.com/w200024212/pebbleos-sub001/internal/infrastructure/monitoring"
	"github.com/w200024212/pebbleos-sub001/internal/infrastructure/resilience"
	"github.com/w200024212/pebbleos-sub001/internal/infrastructure/tracing"
	"github.com/w200024212/pebbleos-sub001/internal/kernel"
	"github.com/w200024212/pebbleos-sub001/internal/shared/types"
	"github.com/w200024212/pebbleos-sub001/internal/shared/utils"
)

// Version is reported by the root endpoint
const Version = "0.3.0"

// Kernel is the part of kernel main the control API drives
type Kernel interface {
	Snapshot(ctx context.Context) (types.Snapshot, error)
	Launch(ctx context.Context, cfg types.LaunchConfig) error
	LaunchWorker(ctx context.Context, cfg types.LaunchConfig) error
	CloseApp(ctx context.Context, gracefully bool) error
	CloseWorker(ctx context.Context, gracefully bool) error
	ForceQuit(ctx context.Context) error
	Button(ctx context.Context, button types.ButtonID) error
	BackHeld(ctx context.Context, held bool) error
	SetMinRunLevel(ctx context.Context, level types.RunLevel) error
}

// Handlers contains all HTTP handlers
type Handlers struct {
	kernel    Kernel
	registry  *registry.Manager
	crashes   *crash.Store
	power     *sysapp.Power
	breakers  *resilience.Group
	metrics   *monitoring.Metrics
	tracer    *tracing.Tracer
	validator *utils.JSONSizeValidator
	logger    *zap.Logger
}

// NewHandlers creates a new handler set. crashes, power, breakers, metrics
// and tracer may be nil; their endpoints then report empty results.
func NewHandlers(
	k Kernel,
	reg *registry.Manager,
	crashes *crash.Store,
	power *sysapp.Power,
	breakers *resilience.Group,
	metrics *monitoring.Metrics,
	tracer *tracing.Tracer,
	logger *zap.Logger,
) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		kernel:    k,
		registry:  reg,
		crashes:   crashes,
		power:     power,
		breakers:  breakers,
		metrics:   metrics,
		tracer:    tracer,
		validator: utils.DefaultJSONValidator(),
		logger:    logger,
	}
}

// Register mounts every route on r
func (h *Handlers) Register(r gin.IRouter) {
	r.GET("/", h.Root)
	r.GET("/health", h.Health)
	r.GET("/status", h.Status)

	// Registry
	r.GET("/apps", h.ListApps)
	r.POST("/apps", h.SaveApp)
	r.GET("/apps/:id", h.GetApp)
	r.DELETE("/apps/:id", h.DeleteApp)
	r.POST("/apps/:id/prioritize", h.PrioritizeApp)
	r.PUT("/watchface/default", h.SetDefaultWatchface)

	// Process slots
	r.POST("/apps/:id/launch", h.LaunchApp)
	r.POST("/workers/:id/launch", h.LaunchWorker)
	r.POST("/slots/app/close", h.CloseApp)
	r.POST("/slots/app/force-quit", h.ForceQuit)
	r.POST("/slots/worker/close", h.CloseWorker)
	r.POST("/buttons/:button", h.PressButton)

	// System state
	r.PUT("/runlevel", h.SetRunLevel)
	r.GET("/power", h.GetPower)
	r.PUT("/power", h.SetPower)

	// Diagnostics
	r.GET("/crashes", h.ListCrashes)
	r.GET("/crashes/:id", h.GetCrash)
	r.GET("/traces", h.ListTraces)
}

// Root handles health check
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "watchd",
		"version": Version,
	})
}

// Health handles detailed health check
func (h *Handlers) Health(c *gin.Context) {
	resp := gin.H{
		"status":   "healthy",
		"registry": h.registry.Stats(),
	}
	if h.breakers != nil {
		resp["breakers"] = breakerStates(h.breakers)
	}
	c.JSON(http.StatusOK, resp)
}

// Status returns kernel main's view of both process slots
func (h *Handlers) Status(c *gin.Context) {
	snap, err := h.kernel.Snapshot(c.Request.Context())
	if err != nil {
		h.kernelError(c, "status", err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// bindJSON decodes an optional request body into v. An empty body leaves v
// untouched.
func (h *Handlers) bindJSON(c *gin.Context, v interface{}) bool {
	data, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body: " + err.Error()})
		return false
	}
	if len(data) == 0 {
		return true
	}
	if err := h.validator.ValidateSize(data); err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
		return false
	}
	if err := sonic.Unmarshal(data, v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return false
	}
	return true
}

func (h *Handlers) installID(c *gin.Context) (types.InstallID, bool) {
	id, err := utils.ParseInstallID(c.Param("id"), "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return types.InstallIDInvalid, false
	}
	return id, true
}

// kernelError maps a failed kernel post to a response
func (h *Handlers) kernelError(c *gin.Context, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, kernel.ErrQueueFull), errors.Is(err, kernel.ErrStopped):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status = http.StatusGatewayTimeout
	}
	h.logger.Warn("kernel request failed", zap.String("op", op), zap.Error(err))
	c.JSON(status, gin.H{"success": false, "error": err.Error()})
}

// registryError maps a registry failure to a response
func registryError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, registry.ErrInUse):
		status = http.StatusConflict
	case errors.Is(err, registry.ErrInvalidEntry):
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"success": false, "error": err.Error()})
}

func queryLimit(c *gin.Context, def, max int) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func queryBool(c *gin.Context, key string) *bool {
	v, ok := c.GetQuery(key)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil
	}
	return &b
}

func breakerStates(g *resilience.Group) map[string]string {
	states := g.States()
	out := make(map[string]string, len(states))
	for key, state := range states {
		out[key] = state.String()
	}
	return out
}
