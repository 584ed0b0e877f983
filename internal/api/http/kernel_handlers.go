package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/w200024212/pebbleos-sub001/internal/shared/types"
)

var buttonNames = map[string]types.ButtonID{
	"back":   types.ButtonBack,
	"up":     types.ButtonUp,
	"select": types.ButtonSelect,
	"down":   types.ButtonDown,
}

// CloseApp closes the foreground app. Gracefully defaults to true.
func (h *Handlers) CloseApp(c *gin.Context) {
	gracefully, ok := h.closeRequest(c)
	if !ok {
		return
	}
	if err := h.kernel.CloseApp(c.Request.Context(), gracefully); err != nil {
		h.kernelError(c, "close_app", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true, "gracefully": gracefully})
}

// CloseWorker closes the background worker. Gracefully defaults to true.
func (h *Handlers) CloseWorker(c *gin.Context) {
	gracefully, ok := h.closeRequest(c)
	if !ok {
		return
	}
	if err := h.kernel.CloseWorker(c.Request.Context(), gracefully); err != nil {
		h.kernelError(c, "close_worker", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true, "gracefully": gracefully})
}

// ForceQuit returns to the system default app without waiting for the
// foreground app
func (h *Handlers) ForceQuit(c *gin.Context) {
	if err := h.kernel.ForceQuit(c.Request.Context()); err != nil {
		h.kernelError(c, "force_quit", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true})
}

// PressButton delivers a button action. Action is "press" (default), or for
// the back button "hold" and "release", which arm and cancel the force-quit
// timer.
func (h *Handlers) PressButton(c *gin.Context) {
	button, known := buttonNames[c.Param("button")]
	if !known {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "unknown button " + c.Param("button")})
		return
	}

	var req struct {
		Action string `json:"action"`
	}
	if !h.bindJSON(c, &req) {
		return
	}

	ctx := c.Request.Context()
	var err error
	switch req.Action {
	case "", "press":
		err = h.kernel.Button(ctx, button)
	case "hold", "release":
		if button != types.ButtonBack {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "only the back button can be held"})
			return
		}
		err = h.kernel.BackHeld(ctx, req.Action == "hold")
	default:
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "unknown action " + req.Action})
		return
	}
	if err != nil {
		h.kernelError(c, "button", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true, "button": c.Param("button"), "action": req.Action})
}

// SetRunLevel changes the minimum run level. Processes below it are closed.
func (h *Handlers) SetRunLevel(c *gin.Context) {
	var req types.RunLevelRequest
	if !h.bindJSON(c, &req) {
		return
	}
	if req.Level < types.RunLevelNormal || req.Level > types.RunLevelCritical {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "run level out of range"})
		return
	}
	if err := h.kernel.SetMinRunLevel(c.Request.Context(), req.Level); err != nil {
		h.kernelError(c, "run_level", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true, "level": req.Level})
}

type powerState struct {
	LowPower        *bool `json:"low_power,omitempty"`
	BatteryCritical *bool `json:"battery_critical,omitempty"`
}

// GetPower reports the power flags the system start app is chosen from
func (h *Handlers) GetPower(c *gin.Context) {
	if h.power == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "power state not available"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"low_power":        h.power.LowPower(),
		"battery_critical": h.power.BatteryCritical(),
	})
}

// SetPower updates the power flags. They take effect at the next switch to
// the system start app.
func (h *Handlers) SetPower(c *gin.Context) {
	if h.power == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "power state not available"})
		return
	}
	var req powerState
	if !h.bindJSON(c, &req) {
		return
	}
	if req.LowPower != nil {
		h.power.SetLowPower(*req.LowPower)
	}
	if req.BatteryCritical != nil {
		h.power.SetBatteryCritical(*req.BatteryCritical)
	}
	h.GetPower(c)
}

func (h *Handlers) closeRequest(c *gin.Context) (bool, bool) {
	var req types.CloseRequest
	if !h.bindJSON(c, &req) {
		return false, false
	}
	if req.Gracefully == nil {
		return true, true
	}
	return *req.Gracefully, true
}
