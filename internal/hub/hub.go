package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/V4T54L/mod-gate/internal/adapter/metrics"
	"github.com/V4T54L/mod-gate/internal/domain"
)

// ChannelAll subscribes a session to every channel's events.
const ChannelAll = "all"

// Hub fans processed events out to per-channel subscriber queues.
// Publishing never blocks: a full subscriber queue drops its oldest
// event to make room, so one stalled reader cannot hold up the pipeline.
type Hub struct {
	queueSize int
	logger    *slog.Logger
	metrics   *metrics.PipelineMetrics

	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

// New creates an empty hub. queueSize bounds each subscription's queue.
func New(queueSize int, logger *slog.Logger, m *metrics.PipelineMetrics) *Hub {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Hub{
		queueSize: queueSize,
		logger:    logger.With("component", "session_hub"),
		metrics:   m,
		subs:      make(map[string]map[*Subscription]struct{}),
	}
}

var _ domain.EventPublisher = (*Hub)(nil)

// Subscription is one session's bounded event queue.
type Subscription struct {
	channelID string
	hub       *Hub

	mu       sync.Mutex
	ch       chan domain.ProcessedEvent
	closed   bool
	lagged   uint64
	sweepLag uint64
	strikes  int
}

// Subscribe registers a new subscription for channelID (or ChannelAll).
func (h *Hub) Subscribe(channelID string) *Subscription {
	s := &Subscription{
		channelID: channelID,
		hub:       h,
		ch:        make(chan domain.ProcessedEvent, h.queueSize),
	}

	h.mu.Lock()
	set, ok := h.subs[channelID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[channelID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()

	h.metrics.HubSubscribers.Inc()
	h.logger.Debug("session subscribed", "channel_id", channelID)
	return s
}

// Publish delivers event to every subscriber of channelID plus the
// all-channel bus. Subscriptions found closed are dropped from the
// table here rather than waiting for their owner.
func (h *Hub) Publish(channelID string, event domain.ProcessedEvent) {
	h.mu.RLock()
	targets := make([]*Subscription, 0, len(h.subs[channelID])+len(h.subs[ChannelAll]))
	for s := range h.subs[channelID] {
		targets = append(targets, s)
	}
	if channelID != ChannelAll {
		for s := range h.subs[ChannelAll] {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	h.metrics.HubPublished.Inc()
	var dead []*Subscription
	for _, s := range targets {
		if !s.offer(event) {
			dead = append(dead, s)
		}
	}
	for _, s := range dead {
		h.remove(s)
	}
}

// Subscribers returns the number of active subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}

// Sweep closes subscriptions whose reader has stopped draining. A
// subscription is considered stalled once its queue is full and its lag
// counter grew over two consecutive sweeps; closing it ends the owner's
// range loop over Events. Returns the number of subscriptions reaped.
func (h *Hub) Sweep() int {
	h.mu.RLock()
	all := make([]*Subscription, 0, len(h.subs))
	for _, set := range h.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	h.mu.RUnlock()

	reaped := 0
	for _, s := range all {
		if !s.stalled() {
			continue
		}
		h.logger.Warn("reaping stalled subscription",
			"channel_id", s.channelID, "lagged", s.Lagged())
		s.Close()
		reaped++
	}
	return reaped
}

// StartSweep runs Sweep every interval until ctx is cancelled. Call in
// its own goroutine.
func (h *Hub) StartSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Sweep()
		}
	}
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	set, ok := h.subs[s.channelID]
	if ok {
		if _, member := set[s]; member {
			delete(set, s)
			if len(set) == 0 {
				delete(h.subs, s.channelID)
			}
			h.metrics.HubSubscribers.Dec()
		}
	}
	h.mu.Unlock()
}

// Events is the subscription's receive channel. It is closed by Close.
func (s *Subscription) Events() <-chan domain.ProcessedEvent {
	return s.ch
}

// ChannelID returns the channel this subscription follows.
func (s *Subscription) ChannelID() string {
	return s.channelID
}

// Lagged returns how many events were dropped because the queue was full.
func (s *Subscription) Lagged() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lagged
}

// Close unregisters the subscription and closes its event channel. Safe
// to call more than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	s.hub.remove(s)
}

// stalled records one sweep observation and reports whether the reader
// has been absent for two consecutive sweeps (queue full, lag still
// growing). Any sign of drain resets the count.
func (s *Subscription) stalled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if len(s.ch) == cap(s.ch) && s.lagged > s.sweepLag {
		s.strikes++
	} else {
		s.strikes = 0
	}
	s.sweepLag = s.lagged
	return s.strikes >= 2
}

// offer enqueues the event, evicting the oldest entry when full. All
// sends go through the subscription mutex, so the drop-then-send pair is
// atomic with respect to other publishers.
func (s *Subscription) offer(event domain.ProcessedEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	for {
		select {
		case s.ch <- event:
			return true
		default:
		}
		select {
		case <-s.ch:
			s.lagged++
			s.hub.metrics.HubDropped.Inc()
		default:
		}
	}
}
