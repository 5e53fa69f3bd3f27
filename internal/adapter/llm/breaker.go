package llm

import (
	"log/slog"
	"sync"
	"time"
)

// State is the circuit breaker's position. The numeric values feed the
// breaker state gauge directly.
type State int

const (
	StateClosed State = iota
	StateOpen
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

// BreakerConfig tunes the circuit breaker. Zero fields take the defaults
// noted per field.
type BreakerConfig struct {
	FailureRatio    float64       // trip when failures/total exceeds this (default 0.5)
	MinSamples      int           // ratio only counts with at least this many samples (default 20)
	ConsecutiveTrip int           // or trip on this many consecutive failures (default 5)
	Window          time.Duration // rolling sample window (default 30s)
	Cooldown        time.Duration // open duration before probing (default 15s)
	CooldownMax     time.Duration // ceiling for the doubled cooldown (default 4x Cooldown)
	ProbeMax        int           // concurrent half-open probes (default 3)

	// OnStateChange is invoked with the new state on every transition.
	// It runs under the breaker lock and must not call back in.
	OnStateChange func(State)

	Logger *slog.Logger
}

type breakerSample struct {
	at time.Time
	ok bool
}

// Breaker is a circuit breaker for the upstream completion API. Closed
// counts request outcomes over a rolling window and trips on a failure
// ratio or a consecutive-failure run. Open rejects until the cooldown
// elapses, then HalfOpen admits a bounded number of probes: all probes
// succeeding closes the circuit, any probe failing reopens it with a
// doubled cooldown up to the ceiling.
type Breaker struct {
	cfg BreakerConfig

	mu                  sync.Mutex
	state               State
	samples             []breakerSample
	consecutiveFailures int
	openedAt            time.Time
	cooldown            time.Duration
	probeInflight       int
	probeFailed         bool

	now func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureRatio <= 0 {
		cfg.FailureRatio = 0.5
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 20
	}
	if cfg.ConsecutiveTrip <= 0 {
		cfg.ConsecutiveTrip = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 30 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 15 * time.Second
	}
	if cfg.CooldownMax <= 0 {
		cfg.CooldownMax = 4 * cfg.Cooldown
	}
	if cfg.ProbeMax <= 0 {
		cfg.ProbeMax = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Breaker{
		cfg:      cfg,
		state:    StateClosed,
		cooldown: cfg.Cooldown,
		now:      time.Now,
	}
}

// Allow reports whether a request may proceed. Every allowed request
// must be matched by exactly one RecordSuccess or RecordFailure call.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		// Cooldown over: move to half-open and admit the first probe.
		b.transition(StateHalfOpen)
		b.probeInflight = 1
		b.probeFailed = false
		return true
	case StateHalfOpen:
		if b.probeFailed || b.probeInflight >= b.cfg.ProbeMax {
			return false
		}
		b.probeInflight++
		return true
	}
	return false
}

// RecordSuccess records a successful request outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.addSample(true)
	b.consecutiveFailures = 0

	if b.state == StateHalfOpen {
		b.probeInflight--
		if b.probeInflight <= 0 && !b.probeFailed {
			// Every admitted probe came back clean.
			b.cooldown = b.cfg.Cooldown
			b.transition(StateClosed)
		}
	}
}

// RecordFailure records a failed request outcome and trips the breaker
// when the window says so.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.addSample(false)
	b.consecutiveFailures++

	switch b.state {
	case StateHalfOpen:
		// One bad probe is enough; back off harder than last time.
		b.probeFailed = true
		b.cooldown = min(b.cooldown*2, b.cfg.CooldownMax)
		b.open()
	case StateClosed:
		if b.shouldTrip() {
			b.open()
		}
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) open() {
	b.openedAt = b.now()
	b.probeInflight = 0
	b.transition(StateOpen)
}

func (b *Breaker) transition(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	b.cfg.Logger.Info("circuit breaker state change",
		"from", prev.String(), "to", next.String(), "cooldown", b.cooldown)
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(next)
	}
}

func (b *Breaker) addSample(ok bool) {
	now := b.now()
	b.samples = append(b.samples, breakerSample{at: now, ok: ok})
	b.prune(now)
}

func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	firstLive := len(b.samples)
	for i, s := range b.samples {
		if s.at.After(cutoff) {
			firstLive = i
			break
		}
	}
	b.samples = b.samples[firstLive:]
}

// shouldTrip assumes the lock is held and the newest sample is recorded.
func (b *Breaker) shouldTrip() bool {
	if b.consecutiveFailures >= b.cfg.ConsecutiveTrip {
		return true
	}
	if len(b.samples) < b.cfg.MinSamples {
		return false
	}
	failures := 0
	for _, s := range b.samples {
		if !s.ok {
			failures++
		}
	}
	return float64(failures)/float64(len(b.samples)) > b.cfg.FailureRatio
}
