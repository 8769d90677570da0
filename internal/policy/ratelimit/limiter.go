// Package ratelimit implements the per-host request ceiling table shared by
// every campaign.
package ratelimit

import (
	"strings"
	"sync"
	"time"
)

// Limit caps requests to a host within a rolling window.
type Limit struct {
	Ceiling int           `mapstructure:"ceiling" json:"ceiling"`
	Window  time.Duration `mapstructure:"window" json:"window"`
}

// Unlimited reports whether the limit imposes no ceiling at all.
func (l Limit) Unlimited() bool {
	return l.Ceiling > 0 && l.Window <= 0
}

// entry is a sliding-window log of grant times for one host, oldest first.
type entry struct {
	grants   []time.Time
	lastUsed time.Time
}

// prune drops grants at or before cutoff.
func (e *entry) prune(cutoff time.Time) {
	i := 0
	for i < len(e.grants) && !e.grants[i].After(cutoff) {
		i++
	}
	if i > 0 {
		e.grants = append(e.grants[:0], e.grants[i:]...)
	}
}

// Table keeps one sliding-window log per host. A request is granted only when
// fewer than Ceiling grants fall inside the trailing Window.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

// Option configures a Table.
type Option func(*Table)

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Table) {
		if now != nil {
			t.now = now
		}
	}
}

// New creates an empty Table.
func New(opts ...Option) *Table {
	t := &Table{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// TryAcquire atomically checks and consumes one request for host. A
// non-positive ceiling denies every request.
func (t *Table) TryAcquire(host string, limit Limit) bool {
	if limit.Ceiling <= 0 {
		return false
	}
	key := strings.ToLower(host)

	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	e, ok := t.entries[key]
	if !ok {
		e = &entry{}
		t.entries[key] = e
	}
	e.lastUsed = now
	if limit.Unlimited() {
		e.grants = e.grants[:0]
		return true
	}
	e.prune(now.Add(-limit.Window))
	if len(e.grants) >= limit.Ceiling {
		return false
	}
	e.grants = append(e.grants, now)
	return true
}

// Sweep drops hosts that have not been seen for idle and returns how many
// entries were removed.
func (t *Table) Sweep(idle time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-idle)
	removed := 0
	for host, e := range t.entries {
		if e.lastUsed.Before(cutoff) {
			delete(t.entries, host)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked hosts.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
