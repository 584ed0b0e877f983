package process

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/w200024212/pebbleos-sub001/internal/shared/clock"
	"github.com/w200024212/pebbleos-sub001/internal/shared/types"
)

// TaskCleaner is a shared service holding per-task state that must be
// dropped when a process is torn down. It returns how many records it freed.
type TaskCleaner interface {
	Name() string
	CleanupTask(ctx context.Context, task TaskID) int
}

// Timers are process-owned single-shot timers. Callbacks are delivered to
// the owning process queue and run on its task.
type Timers struct {
	clock  clock.Clock
	logger *zap.Logger

	mu      sync.Mutex
	seq     uint64
	byTask  map[TaskID]map[uint64]clock.Timer
	dropped uint64
}

// NewTimers creates the timer service
func NewTimers(c clock.Clock) *Timers {
	return &Timers{clock: c, logger: zap.NewNop(), byTask: make(map[TaskID]map[uint64]clock.Timer)}
}

// WithLogger reports callbacks dropped on a full process queue
func (t *Timers) WithLogger(l *zap.Logger) *Timers {
	if l != nil {
		t.logger = l
	}
	return t
}

// Name implements TaskCleaner
func (t *Timers) Name() string { return "timers" }

// Schedule arms a timer for task and returns its handle
func (t *Timers) Schedule(task TaskID, q *EventQueue, d time.Duration, f func()) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	handle := t.seq
	timers, ok := t.byTask[task]
	if !ok {
		timers = make(map[uint64]clock.Timer)
		t.byTask[task] = timers
	}
	timers[handle] = t.clock.AfterFunc(d, func() {
		if !t.forget(task, handle) {
			return
		}
		if q.TrySend(types.ProcessEvent{Type: types.ProcessEventCallback, Callback: f}) {
			return
		}
		t.mu.Lock()
		t.dropped++
		t.mu.Unlock()
		t.logger.Warn("timer callback dropped, process queue full",
			zap.Uint32("task", uint32(task)),
			zap.Uint64("handle", handle),
			zap.Int("queue_cap", q.Cap()),
		)
	})
	return handle
}

// Dropped returns how many fired callbacks found their queue full
func (t *Timers) Dropped() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// Cancel stops a timer
func (t *Timers) Cancel(task TaskID, handle uint64) bool {
	t.mu.Lock()
	timer, ok := t.byTask[task][handle]
	if ok {
		delete(t.byTask[task], handle)
	}
	t.mu.Unlock()

	return ok && timer.Stop()
}

// Count returns the number of live timers for task
func (t *Timers) Count(task TaskID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byTask[task])
}

// CleanupTask implements TaskCleaner
func (t *Timers) CleanupTask(_ context.Context, task TaskID) int {
	t.mu.Lock()
	timers := t.byTask[task]
	delete(t.byTask, task)
	t.mu.Unlock()

	for _, timer := range timers {
		timer.Stop()
	}
	return len(timers)
}

func (t *Timers) forget(task TaskID, handle uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.byTask[task][handle]; !ok {
		return false
	}
	delete(t.byTask[task], handle)
	return true
}

// Subscriptions fan published events out to subscribed process queues
type Subscriptions struct {
	mu     sync.Mutex
	topics map[string]map[TaskID]*EventQueue
}

// NewSubscriptions creates the event subscription service
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{topics: make(map[string]map[TaskID]*EventQueue)}
}

// Name implements TaskCleaner
func (s *Subscriptions) Name() string { return "subscriptions" }

// Subscribe adds task's queue to topic
func (s *Subscriptions) Subscribe(topic string, task TaskID, q *EventQueue) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs, ok := s.topics[topic]
	if !ok {
		subs = make(map[TaskID]*EventQueue)
		s.topics[topic] = subs
	}
	subs[task] = q
}

// Unsubscribe removes task from topic
func (s *Subscriptions) Unsubscribe(topic string, task TaskID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.topics[topic], task)
}

// Publish delivers ev to every subscriber with room in its queue and
// returns how many received it.
func (s *Subscriptions) Publish(topic string, ev types.ProcessEvent) int {
	s.mu.Lock()
	queues := make([]*EventQueue, 0, len(s.topics[topic]))
	for _, q := range s.topics[topic] {
		queues = append(queues, q)
	}
	s.mu.Unlock()

	ev.Topic = topic
	delivered := 0
	for _, q := range queues {
		if q.TrySend(ev) {
			delivered++
		}
	}
	return delivered
}

// CleanupTask implements TaskCleaner
func (s *Subscriptions) CleanupTask(_ context.Context, task TaskID) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, subs := range s.topics {
		if _, ok := subs[task]; ok {
			delete(subs, task)
			n++
		}
	}
	return n
}
