package process

import (
	"context"
	"errors"
	"time"

	"github.com/w200024212/pebbleos-sub001/internal/shared/types"
)

// ErrQueueTimeout is returned when an event cannot be delivered in time
var ErrQueueTimeout = errors.New("process event queue full")

// EventQueue is a process's bounded inbound queue
type EventQueue struct {
	ch chan types.ProcessEvent
}

// NewEventQueue creates a queue holding up to size events
func NewEventQueue(size int) *EventQueue {
	return &EventQueue{ch: make(chan types.ProcessEvent, size)}
}

// C returns the receive side of the queue
func (q *EventQueue) C() <-chan types.ProcessEvent { return q.ch }

// Len returns the number of queued events
func (q *EventQueue) Len() int { return len(q.ch) }

// Cap returns the queue capacity
func (q *EventQueue) Cap() int { return cap(q.ch) }

// Send delivers ev, blocking at most timeout
func (q *EventQueue) Send(ctx context.Context, ev types.ProcessEvent, timeout time.Duration) error {
	select {
	case q.ch <- ev:
		return nil
	default:
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case q.ch <- ev:
		return nil
	case <-t.C:
		return ErrQueueTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend delivers ev only if there is room right now
func (q *EventQueue) TrySend(ev types.ProcessEvent) bool {
	select {
	case q.ch <- ev:
		return true
	default:
		return false
	}
}

// Drain discards queued events, releasing their payloads, and returns how
// many were dropped.
func (q *EventQueue) Drain() int {
	n := 0
	for {
		select {
		case ev := <-q.ch:
			if ev.Release != nil {
				ev.Release()
			}
			n++
		default:
			return n
		}
	}
}
