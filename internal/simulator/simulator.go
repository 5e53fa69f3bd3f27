package simulator

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/V4T54L/mod-gate/internal/domain"
)

// Moderator is the slice of the pipeline the simulator drives.
type Moderator interface {
	Process(ctx context.Context, msg domain.IncomingMessage, templateName string) domain.ProcessedEvent
}

// Sample is one corpus entry with a selection weight.
type Sample struct {
	Body   string
	Weight int
}

// DefaultCorpus is the built-in message mix, weighted roughly like live
// chat traffic: mostly clean, with a tail of toxic, spam, and PII
// content so every pipeline path gets exercised.
var DefaultCorpus = []Sample{
	{Body: "anyone up for a quick match tonight?", Weight: 10},
	{Body: "gg everyone, that was close", Weight: 10},
	{Body: "has anyone tried the new patch yet?", Weight: 10},
	{Body: "lol that was actually hilarious", Weight: 10},
	{Body: "thanks for the help earlier, saved me hours", Weight: 10},
	{Body: "what time does the event start?", Weight: 10},
	{Body: "brb grabbing coffee", Weight: 10},

	{Body: "you are garbage at this game, uninstall", Weight: 5},
	{Body: "nobody wants you here, just leave", Weight: 5},
	{Body: "keep talking and see what happens to you", Weight: 5},

	{Body: "FREE COINS!!! click totally-legit-coins.example now!!!", Weight: 5},
	{Body: "buy cheap followers at followz.example, limited offer", Weight: 5},

	{Body: "my email is sam.atkins@example.com if you want the files", Weight: 3},
	{Body: "call me at 555-0142 after 6", Weight: 2},
}

var channels = []string{"general", "gaming", "tech-talk", "random", "support"}

var usernames = []string{
	"alice", "bob", "carol", "dave", "erin",
	"frank", "grace", "heidi", "ivan", "judy",
	"mallory", "niaj", "olivia", "peggy", "quentin",
	"rupert", "sybil", "trent", "uma", "victor",
}

// Simulator feeds synthetic chat traffic through the moderation
// pipeline. Start and Stop may be called from any goroutine; at most
// one traffic loop runs at a time.
type Simulator struct {
	moderator Moderator
	logger    *slog.Logger
	interval  time.Duration
	corpus    []Sample
	total     int

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool
	sent    atomic.Int64
}

// NewSimulator creates a simulator emitting one message per interval
// from DefaultCorpus.
func NewSimulator(moderator Moderator, logger *slog.Logger, interval time.Duration) *Simulator {
	s := &Simulator{
		moderator: moderator,
		logger:    logger.With("component", "simulator"),
		interval:  interval,
		corpus:    DefaultCorpus,
	}
	for _, sample := range s.corpus {
		s.total += sample.Weight
	}
	return s
}

// Start launches the traffic loop. It reports false when the simulator
// is already running.
func (s *Simulator) Start(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running.Load() {
		return false
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)
	s.logger.Info("simulation started", "interval", s.interval)
	go s.run(runCtx, s.done)
	return true
}

// Stop halts the traffic loop and waits for it to wind down. Stopping
// a stopped simulator is a no-op.
func (s *Simulator) Stop() {
	s.mu.Lock()
	if !s.running.Load() {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("simulation stopped", "messages", s.sent.Load())
}

// Running reports whether the traffic loop is active.
func (s *Simulator) Running() bool { return s.running.Load() }

// Sent returns how many messages have been emitted since creation.
func (s *Simulator) Sent() int64 { return s.sent.Load() }

func (s *Simulator) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.running.Store(false)

	limiter := rate.NewLimiter(rate.Every(s.interval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		msg := s.nextMessage()
		event := s.moderator.Process(ctx, msg, "")
		s.sent.Add(1)
		s.logger.Debug("simulated message processed",
			"message_id", event.MessageID, "channel", msg.ChannelID,
			"decision", event.Verdict.Decision, "action", event.Action.Kind)
	}
}

func (s *Simulator) nextMessage() domain.IncomingMessage {
	name := usernames[rand.IntN(len(usernames))]
	return domain.IncomingMessage{
		UserID:    "sim-" + name,
		Username:  name,
		ChannelID: channels[rand.IntN(len(channels))],
		Body:      s.pick(),
		Timestamp: time.Now(),
	}
}

// pick draws one corpus body by weight.
func (s *Simulator) pick() string {
	n := rand.IntN(s.total)
	for _, sample := range s.corpus {
		n -= sample.Weight
		if n < 0 {
			return sample.Body
		}
	}
	return s.corpus[len(s.corpus)-1].Body
}
