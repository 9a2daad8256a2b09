package search

import (
	"strings"
	"sync"
	"time"

	"fleetwatch/internal/fleet"
)

// DefaultQuietPeriod is how long the raw query must stay unchanged before it
// becomes effective.
const DefaultQuietPeriod = 300 * time.Millisecond

// Filter returns the vessels whose name contains query, ignoring case. An
// empty query returns entities itself.
func Filter(entities []fleet.Entity, query string) []fleet.Entity {
	if query == "" {
		return entities
	}
	needle := strings.ToLower(query)
	out := make([]fleet.Entity, 0, len(entities))
	for _, e := range entities {
		if strings.Contains(strings.ToLower(e.Name), needle) {
			out = append(out, e)
		}
	}
	return out
}

// Engine debounces raw query input into an effective query.
type Engine struct {
	quiet   time.Duration
	onApply func(query string)

	mu        sync.Mutex
	raw       string
	effective string
	gen       uint64
	timer     *time.Timer
	closed    bool
}

// NewEngine builds an engine; onApply, if set, runs once per effective query
// change on the timer goroutine.
func NewEngine(quiet time.Duration, onApply func(query string)) *Engine {
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}
	return &Engine{quiet: quiet, onApply: onApply}
}

// SetQuery records a keystroke. Any pending timer is superseded.
func (e *Engine) SetQuery(q string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.raw = q
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
	}
	gen := e.gen
	e.timer = time.AfterFunc(e.quiet, func() { e.fire(gen) })
}

// Flush makes the raw query effective immediately.
func (e *Engine) Flush() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.apply()
}

// Cancel discards any pending timer. The raw query stays pending until the
// next keystroke or Flush.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// Close discards any pending timer; later input is ignored.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Engine) Raw() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.raw
}

func (e *Engine) Effective() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.effective
}

// Pending reports whether the raw query has not yet become effective.
func (e *Engine) Pending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.raw != e.effective
}

// View filters set by the effective query.
func (e *Engine) View(set fleet.Set) []fleet.Entity {
	return Filter(set.Entities(), e.Effective())
}

func (e *Engine) fire(gen uint64) {
	e.mu.Lock()
	if e.closed || gen != e.gen {
		e.mu.Unlock()
		return
	}
	e.timer = nil
	e.apply()
}

// apply must be called with e.mu held and releases it.
func (e *Engine) apply() {
	changed := e.effective != e.raw
	e.effective = e.raw
	q := e.effective
	e.mu.Unlock()
	if changed && e.onApply != nil {
		e.onApply(q)
	}
}
