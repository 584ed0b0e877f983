package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/w200024212/pebbleos-sub001/internal/shared/clock"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests")
)

// State is a breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

var stateNames = [...]string{
	StateClosed:   "closed",
	StateHalfOpen: "half-open",
	StateOpen:     "open",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Settings configures a breaker. Zero values take defaults.
type Settings struct {
	// MaxRequests is both the number of trial attempts admitted while
	// half-open and the successes needed to close again (default 1)
	MaxRequests uint32
	// Interval clears the closed-state counts periodically (default 60s)
	Interval time.Duration
	// Timeout is how long the breaker stays open (default 60s)
	Timeout time.Duration
	// ReadyToTrip decides from the closed-state counts whether a failure
	// opens the breaker (default: more than 5 consecutive failures)
	ReadyToTrip func(counts Counts) bool
	// OnStateChange observes every transition
	OnStateChange func(name string, from State, to State)
	Clock         clock.Clock
}

func (s Settings) withDefaults() Settings {
	if s.MaxRequests == 0 {
		s.MaxRequests = 1
	}
	if s.Interval == 0 {
		s.Interval = time.Minute
	}
	if s.Timeout == 0 {
		s.Timeout = time.Minute
	}
	if s.ReadyToTrip == nil {
		s.ReadyToTrip = func(c Counts) bool { return c.ConsecutiveFailures > 5 }
	}
	if s.Clock == nil {
		s.Clock = clock.Real{}
	}
	return s
}

// Counts are the outcomes seen in the current state
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) record(success bool) {
	if success {
		c.TotalSuccesses++
		c.ConsecutiveSuccesses++
		c.ConsecutiveFailures = 0
	} else {
		c.TotalFailures++
		c.ConsecutiveFailures++
		c.ConsecutiveSuccesses = 0
	}
}

// Breaker stops repeated attempts at something that keeps failing. Allow
// and the outcome are reported separately because a launched process
// succeeds or crashes long after its launch was allowed.
type Breaker struct {
	name string
	cfg  Settings

	mu       sync.Mutex
	state    State
	counts   Counts
	deadline time.Time // closed: next count reset; open: half-open time
}

// New creates a closed breaker
func New(name string, settings Settings) *Breaker {
	cfg := settings.withDefaults()
	return &Breaker{
		name:     name,
		cfg:      cfg,
		deadline: cfg.Clock.Now().Add(cfg.Interval),
	}
}

func (b *Breaker) Name() string { return b.name }

// State returns the state after applying any due timeout
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tick(b.cfg.Clock.Now())
}

// Counts returns a copy of the current counts
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Allow admits an attempt and counts it, or returns ErrCircuitOpen or, once
// the half-open trials are used up, ErrTooManyRequests
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.tick(b.cfg.Clock.Now()) {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		if b.counts.Requests >= b.cfg.MaxRequests {
			return ErrTooManyRequests
		}
	}
	b.counts.Requests++
	return nil
}

// Success records a good outcome
func (b *Breaker) Success() { b.outcome(true) }

// Failure records a bad outcome
func (b *Breaker) Failure() { b.outcome(false) }

// Reset closes the breaker and clears its counts
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.cfg.Clock.Now()
	b.moveTo(StateClosed, now)
	b.counts = Counts{}
	b.deadline = now.Add(b.cfg.Interval)
}

func (b *Breaker) outcome(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.Clock.Now()
	state := b.tick(now)
	if state == StateOpen {
		return
	}

	b.counts.record(success)
	switch {
	case state == StateHalfOpen && !success:
		b.moveTo(StateOpen, now)
	case state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.cfg.MaxRequests:
		b.moveTo(StateClosed, now)
	case state == StateClosed && !success && b.cfg.ReadyToTrip(b.counts):
		b.moveTo(StateOpen, now)
	}
}

// tick applies the time-based transitions
func (b *Breaker) tick(now time.Time) State {
	if b.deadline.IsZero() || !now.After(b.deadline) {
		return b.state
	}
	switch b.state {
	case StateClosed:
		b.counts = Counts{}
		b.deadline = now.Add(b.cfg.Interval)
	case StateOpen:
		b.moveTo(StateHalfOpen, now)
	}
	return b.state
}

func (b *Breaker) moveTo(to State, now time.Time) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.counts = Counts{}

	switch to {
	case StateClosed:
		b.deadline = now.Add(b.cfg.Interval)
	case StateOpen:
		b.deadline = now.Add(b.cfg.Timeout)
	case StateHalfOpen:
		b.deadline = time.Time{}
	}

	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}

// Group holds one breaker per key, created on first use with shared
// settings
type Group struct {
	settings Settings

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewGroup creates an empty breaker group
func NewGroup(settings Settings) *Group {
	return &Group{settings: settings, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for key
func (g *Group) Get(key string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.breakers[key]
	if !ok {
		b = New(key, g.settings)
		g.breakers[key] = b
	}
	return b
}

// Reset closes the breaker for key if one exists
func (g *Group) Reset(key string) {
	g.mu.Lock()
	b := g.breakers[key]
	g.mu.Unlock()
	if b != nil {
		b.Reset()
	}
}

// States returns the state of every breaker that is not closed
func (g *Group) States() map[string]State {
	g.mu.Lock()
	breakers := make([]*Breaker, 0, len(g.breakers))
	for _, b := range g.breakers {
		breakers = append(breakers, b)
	}
	g.mu.Unlock()

	out := make(map[string]State)
	for _, b := range breakers {
		if s := b.State(); s != StateClosed {
			out[b.Name()] = s
		}
	}
	return out
}
