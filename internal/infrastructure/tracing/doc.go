/*
Package tracing records spans for process switches and control API calls.

# Overview

A process switch can take several kernel main events to finish: a deinit is
sent, the process exits or a timer escalates, cleanup runs and the next
process starts. The app manager opens one span when a switch is requested
and ends it when the next process is running, recording every step as a
span event. Ended spans are logged through zap and the most recent ones are
kept in a ring for the /traces endpoint.

# Usage

	tracer := tracing.New("watchd", logger)
	defer tracer.Close()

	span, ctx := tracer.StartSpan(ctx, "app.switch")
	span.SetTag("from", "-2")
	span.Event("waiting for deinit_sent")
	tracer.End(span)

	// HTTP middleware
	router.Use(tracing.HTTPMiddleware(tracer))

Trace context is propagated through the X-Trace-ID and X-Span-ID headers.
*/
package tracing
