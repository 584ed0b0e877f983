package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/w200024212/pebbleos-sub001/internal/domain/crash"
	"github.com/w200024212/pebbleos-sub001/internal/infrastructure/tracing"
	"github.com/w200024212/pebbleos-sub001/internal/shared/id"
)

// ListCrashes returns the newest crash reports first
func (h *Handlers) ListCrashes(c *gin.Context) {
	reports := []crash.Report{}
	if h.crashes != nil {
		reports = h.crashes.Recent(queryLimit(c, 20, 100))
	}
	c.JSON(http.StatusOK, gin.H{"crashes": reports, "count": len(reports)})
}

// GetCrash returns one crash report
func (h *Handlers) GetCrash(c *gin.Context) {
	crashID, err := id.ParseCrashID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if h.crashes == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "crash not found"})
		return
	}
	report, ok := h.crashes.Get(crashID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "crash not found"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// ListTraces returns recently finished process switch spans
func (h *Handlers) ListTraces(c *gin.Context) {
	spans := []tracing.Span{}
	if h.tracer != nil {
		spans = h.tracer.Recent(queryLimit(c, 20, 200))
	}
	c.JSON(http.StatusOK, gin.H{"spans": spans, "count": len(spans)})
}
