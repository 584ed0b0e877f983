// Package id generates the prefixed ULIDs used for launches, spans, crash
// reports and notification clients, e.g. "crash_01HZX3J8Q6...".
//
// ULIDs from one generator are monotonic, so ids minted in the same
// millisecond still sort in creation order. Crash report files rely on this
// to load in time order. Kernel task ids are small integers and live in a
// different namespace.
package id

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Kind is the prefix naming what an id identifies
type Kind string

const (
	KindLaunch Kind = "launch"
	KindSpan   Kind = "span"
	KindCrash  Kind = "crash"
	KindClient Kind = "client"
)

// ErrMalformed is returned for strings that are not "<kind>_<ulid>"
var ErrMalformed = errors.New("malformed id")

type (
	// LaunchID identifies one launch of a process into a slot
	LaunchID string
	// SpanID identifies a traced operation
	SpanID string
	// CrashID identifies a crash report
	CrashID string
	// ClientID identifies a notification stream subscriber
	ClientID string
)

func (v LaunchID) String() string { return string(v) }
func (v SpanID) String() string   { return string(v) }
func (v CrashID) String() string  { return string(v) }
func (v ClientID) String() string { return string(v) }

// Generator mints monotonic ULIDs
type Generator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

// NewGenerator creates a generator reading entropy from r, or crypto/rand
// when r is nil
func NewGenerator(r io.Reader) *Generator {
	if r == nil {
		r = rand.Reader
	}
	return &Generator{entropy: ulid.Monotonic(r, 0), now: time.Now}
}

// ULID returns the next ULID
func (g *Generator) ULID() ulid.ULID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(g.now()), g.entropy)
}

// New returns the next id of the given kind
func (g *Generator) New(kind Kind) string {
	return string(kind) + "_" + g.ULID().String()
}

var std = NewGenerator(nil)

func NewLaunchID() LaunchID { return LaunchID(std.New(KindLaunch)) }
func NewSpanID() SpanID     { return SpanID(std.New(KindSpan)) }
func NewCrashID() CrashID   { return CrashID(std.New(KindCrash)) }
func NewClientID() ClientID { return ClientID(std.New(KindClient)) }

// Split separates a prefixed id into its kind and ULID
func Split(s string) (Kind, ulid.ULID, error) {
	prefix, rest, ok := strings.Cut(s, "_")
	if !ok || prefix == "" {
		return "", ulid.ULID{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	u, err := ulid.ParseStrict(rest)
	if err != nil {
		return "", ulid.ULID{}, fmt.Errorf("%w: %q: %v", ErrMalformed, s, err)
	}
	return Kind(prefix), u, nil
}

// ParseCrashID accepts only well-formed crash ids, so the result is safe to
// use as a file name
func ParseCrashID(s string) (CrashID, error) {
	kind, _, err := Split(s)
	if err != nil {
		return "", err
	}
	if kind != KindCrash {
		return "", fmt.Errorf("%w: %q is a %s id", ErrMalformed, s, kind)
	}
	return CrashID(s), nil
}

// Time returns the creation time encoded in a prefixed id
func Time(s string) (time.Time, error) {
	_, u, err := Split(s)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()), nil
}
