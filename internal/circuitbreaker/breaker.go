// Package circuitbreaker guards the origin with an error-rate circuit breaker.
// While the origin is failing, requests are rejected locally instead of
// waiting out a timeout on every fetch.
package circuitbreaker

import (
	"sync"
	"time"
)

// State is the breaker state.
type State int

const (
	// StateClosed lets every request through.
	StateClosed State = iota
	// StateOpen rejects every request until the cool-down elapses.
	StateOpen
	// StateHalfOpen lets a single trial request through.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds breaker parameters.
type Config struct {
	ErrorThreshold float64       // weighted error rate that trips the breaker
	MinSamples     int           // requests in the window before it may trip
	Window         time.Duration // sliding window, one-second resolution
	OpenTimeout    time.Duration // time spent open before a trial request is allowed
}

// DefaultConfig returns the defaults used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		ErrorThreshold: 0.5,
		MinSamples:     20,
		Window:         30 * time.Second,
		OpenTimeout:    15 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = d.ErrorThreshold
	}
	if c.MinSamples <= 0 {
		c.MinSamples = d.MinSamples
	}
	if c.Window < time.Second {
		c.Window = d.Window
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	return c
}

type slot struct {
	sec    int64
	weight float64
	count  int
}

// window is a ring of one-second slots. A slot whose second has fallen out of
// the window is treated as empty.
type window struct {
	slots []slot
}

func newWindow(d time.Duration) window {
	return window{slots: make([]slot, int(d/time.Second))}
}

func (w *window) add(weight float64, now time.Time) {
	sec := now.Unix()
	s := &w.slots[int(sec%int64(len(w.slots)))]
	if s.sec != sec {
		*s = slot{sec: sec}
	}
	s.weight += weight
	s.count++
}

func (w *window) rate(now time.Time) (float64, int) {
	oldest := now.Unix() - int64(len(w.slots)) + 1
	var weight float64
	var count int
	for _, s := range w.slots {
		if s.sec >= oldest {
			weight += s.weight
			count += s.count
		}
	}
	if count == 0 {
		return 0, 0
	}
	return weight / float64(count), count
}

func (w *window) reset() {
	clear(w.slots)
}

// Ticket identifies the breaker state a request was allowed in. Outcomes
// recorded with a ticket from an earlier state are discarded.
type Ticket uint64

// Breaker is a closed/open/half-open state machine over a sliding window of
// weighted request outcomes. It is safe for concurrent use.
type Breaker struct {
	cfg Config
	now func() time.Time

	// OnStateChange, when set, is called with the lock held on every
	// transition. It must not call back into the breaker.
	OnStateChange func(from, to State)

	mu       sync.Mutex
	state    State
	gen      Ticket // bumped on every transition
	win      window
	openedAt time.Time
	trial    bool // half-open trial request in flight
}

// New returns a closed breaker. Zero fields in cfg take their defaults.
func New(cfg Config) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{cfg: cfg, now: time.Now, win: newWindow(cfg.Window)}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a request may proceed and returns the ticket its
// outcome must be recorded with. In the open state the first call after the
// cool-down moves the breaker to half-open and becomes its trial request.
func (b *Breaker) Allow() (Ticket, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return b.gen, true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.OpenTimeout {
			return 0, false
		}
		b.transition(StateHalfOpen)
		b.trial = true
		return b.gen, true
	default:
		if b.trial {
			return 0, false
		}
		b.trial = true
		return b.gen, true
	}
}

// Record feeds the outcome of a request allowed with ticket t. A weight of
// zero is a success. Requests that were still in flight when the breaker
// changed state do not count: in particular a slow request admitted while
// closed cannot settle the half-open trial.
func (b *Breaker) Record(t Ticket, weight float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t != b.gen {
		return
	}
	now := b.now()
	if b.state == StateHalfOpen {
		b.trial = false
		if weight > 0 {
			b.open(now)
			return
		}
		b.win.reset()
		b.transition(StateClosed)
		return
	}

	b.win.add(weight, now)
	if weight == 0 {
		return
	}
	if rate, n := b.win.rate(now); n >= b.cfg.MinSamples && rate >= b.cfg.ErrorThreshold {
		b.open(now)
	}
}

func (b *Breaker) open(now time.Time) {
	b.openedAt = now
	b.transition(StateOpen)
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	b.gen++
	if from != to && b.OnStateChange != nil {
		b.OnStateChange(from, to)
	}
}
