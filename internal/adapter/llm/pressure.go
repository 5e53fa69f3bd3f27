package llm

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// pendingMarker is the prefix some overloaded model servers put in the
// completion body instead of returning a non-2xx status.
const pendingMarker = "Pending:"

// OverloadConfig tunes the upstream pressure tracker. Zero fields take
// the defaults noted per field.
type OverloadConfig struct {
	Window       time.Duration // latency sample window (default 30s)
	SlowP95      time.Duration // p95 above this signals pressure (default 5s)
	MinSamples   int           // p95 only counts with this many samples (default 8)
	StatusBurst  int           // 429/503 responses in the window that signal pressure (default 3)
	BaseDelay    time.Duration // delay at pressure level 1 (default 250ms)
	MaxDelay     time.Duration // delay ceiling (default 2s)
	HealthyAfter time.Duration // quiet time before pressure decays to zero (default 10s)

	Logger *slog.Logger
}

// OverloadTracker infers upstream saturation from response latencies,
// throttling status codes and in-band "Pending:" bodies, and converts
// it into an admission delay that grows with repeated signals.
type OverloadTracker struct {
	cfg OverloadConfig

	mu         sync.Mutex
	latencies  []latencySample
	statusAt   []time.Time
	level      int
	lastSignal time.Time

	now func() time.Time
}

type latencySample struct {
	at time.Time
	d  time.Duration
}

// NewOverloadTracker creates an idle tracker.
func NewOverloadTracker(cfg OverloadConfig) *OverloadTracker {
	if cfg.Window <= 0 {
		cfg.Window = 30 * time.Second
	}
	if cfg.SlowP95 <= 0 {
		cfg.SlowP95 = 5 * time.Second
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 8
	}
	if cfg.StatusBurst <= 0 {
		cfg.StatusBurst = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 250 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if cfg.HealthyAfter <= 0 {
		cfg.HealthyAfter = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &OverloadTracker{cfg: cfg, now: time.Now}
}

// ObserveLatency records a successful request's duration.
func (t *OverloadTracker) ObserveLatency(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.latencies = append(t.latencies, latencySample{at: now, d: d})
	t.pruneLocked(now)

	if len(t.latencies) >= t.cfg.MinSamples && t.p95Locked() > t.cfg.SlowP95 {
		t.signalLocked(now, "slow_p95")
	}
}

// ObserveStatus records a response status code.
func (t *OverloadTracker) ObserveStatus(code int) {
	if code != 429 && code != 503 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.statusAt = append(t.statusAt, now)
	t.pruneLocked(now)

	if len(t.statusAt) >= t.cfg.StatusBurst {
		t.signalLocked(now, "status_burst")
	}
}

// ObserveBody inspects a completion body for the in-band overload marker.
func (t *OverloadTracker) ObserveBody(body string) {
	if !strings.Contains(body, pendingMarker) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.signalLocked(t.now(), "pending_body")
}

// Pressured reports whether the upstream currently looks saturated.
func (t *OverloadTracker) Pressured() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.decayLocked(t.now())
	return t.level > 0
}

// Delay returns how long the caller should hold off before issuing the
// next request. Zero when the upstream is healthy.
func (t *OverloadTracker) Delay() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.decayLocked(t.now())
	if t.level == 0 {
		return 0
	}
	d := t.cfg.BaseDelay << (t.level - 1)
	return min(d, t.cfg.MaxDelay)
}

func (t *OverloadTracker) signalLocked(now time.Time, reason string) {
	t.decayLocked(now)
	if t.level < 4 {
		t.level++
	}
	t.lastSignal = now
	t.cfg.Logger.Warn("upstream pressure signal", "reason", reason, "level", t.level)
}

func (t *OverloadTracker) decayLocked(now time.Time) {
	if t.level > 0 && now.Sub(t.lastSignal) >= t.cfg.HealthyAfter {
		t.level = 0
	}
}

func (t *OverloadTracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.cfg.Window)

	firstLive := len(t.latencies)
	for i, s := range t.latencies {
		if s.at.After(cutoff) {
			firstLive = i
			break
		}
	}
	t.latencies = t.latencies[firstLive:]

	firstLive = len(t.statusAt)
	for i, at := range t.statusAt {
		if at.After(cutoff) {
			firstLive = i
			break
		}
	}
	t.statusAt = t.statusAt[firstLive:]
}

// p95Locked assumes the lock is held and at least one sample exists.
func (t *OverloadTracker) p95Locked() time.Duration {
	ds := make([]time.Duration, len(t.latencies))
	for i, s := range t.latencies {
		ds[i] = s.d
	}
	sort.Slice(ds, func(i, j int) bool { return ds[i] < ds[j] })
	idx := (len(ds)*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	return ds[idx]
}
