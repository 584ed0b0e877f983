package tracing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/w200024212/pebbleos-sub001/internal/shared/clock"
)

func TestSpanInheritsTrace(t *testing.T) {
	tracer := New("test", zap.NewNop())

	parent, ctx := tracer.StartSpan(context.Background(), "app.switch")
	child, _ := tracer.StartSpan(ctx, "cleanup")

	assert.Equal(t, parent.TraceID, child.TraceID)
	assert.Equal(t, parent.SpanID, child.ParentID)
	assert.NotEqual(t, parent.SpanID, child.SpanID)
	assert.Equal(t, parent.TraceID, TraceIDFrom(ctx))
	assert.Equal(t, parent.SpanID, SpanIDFrom(ctx))
}

func TestEndRecordsDurationAndEvents(t *testing.T) {
	fake := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	tracer := New("test", zap.NewNop()).WithClock(fake)

	span, _ := tracer.StartSpan(context.Background(), "app.switch")
	fake.Advance(time.Second)
	span.Event("waiting for deinit_sent")
	fake.Advance(2 * time.Second)
	tracer.End(span)

	recent := tracer.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, 3*time.Second, recent[0].Duration)
	require.Len(t, recent[0].Events, 1)
	assert.Equal(t, fake.Now().Add(-2*time.Second), recent[0].Events[0].At)
}

func TestRecentKeepsNewestFirst(t *testing.T) {
	tracer := New("test", zap.NewNop())

	for _, name := range []string{"a", "b", "c"} {
		span, _ := tracer.StartSpan(context.Background(), name)
		if name == "b" {
			span.SetError(errors.New("load failed"))
		}
		tracer.End(span)
	}

	assert.Len(t, tracer.Recent(0), 3)
	recent := tracer.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].Name)
	assert.Equal(t, "b", recent[1].Name)
	assert.Equal(t, "load failed", recent[1].Error)
}

func TestRecentWrapsRing(t *testing.T) {
	tracer := New("test", zap.NewNop())

	for i := 0; i < defaultKeep+5; i++ {
		span, _ := tracer.StartSpan(context.Background(), fmt.Sprint(i))
		tracer.End(span)
	}

	recent := tracer.Recent(0)
	require.Len(t, recent, defaultKeep)
	assert.Equal(t, fmt.Sprint(defaultKeep+4), recent[0].Name)
	assert.Equal(t, "5", recent[defaultKeep-1].Name)
}

func TestClosedTracerDropsSpans(t *testing.T) {
	tracer := New("test", zap.NewNop())
	tracer.Close()

	span, _ := tracer.StartSpan(context.Background(), "late")
	tracer.End(span)
	assert.Empty(t, tracer.Recent(0))
}

func TestHTTPMiddlewareJoinsCallerTrace(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tracer := New("test", zap.NewNop())
	r := gin.New()
	r.Use(HTTPMiddleware(tracer))
	r.POST("/apps/:id/launch", func(c *gin.Context) {
		assert.Equal(t, TraceID("trace-1"), TraceIDFrom(c.Request.Context()))
		c.Status(http.StatusAccepted)
	})

	req := httptest.NewRequest(http.MethodPost, "/apps/7/launch", nil)
	req.Header.Set(HeaderTraceID, "trace-1")
	req.Header.Set(HeaderSpanID, "parent-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "trace-1", w.Header().Get(HeaderTraceID))
	recent := tracer.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, "POST /apps/:id/launch", recent[0].Name)
	assert.Equal(t, SpanID("parent-1"), recent[0].ParentID)
	assert.Equal(t, "202", recent[0].Tags["http.status"])
}
