package simulator

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/V4T54L/mod-gate/internal/domain"
)

type recordingModerator struct {
	mu   sync.Mutex
	msgs []domain.IncomingMessage
}

func (m *recordingModerator) Process(ctx context.Context, msg domain.IncomingMessage, templateName string) domain.ProcessedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
	return domain.ProcessedEvent{MessageID: msg.ID, ChannelID: msg.ChannelID, Message: msg}
}

func (m *recordingModerator) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.msgs)
}

func (m *recordingModerator) snapshot() []domain.IncomingMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.IncomingMessage(nil), m.msgs...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached within 2s")
}

func TestSimulatorEmitsTraffic(t *testing.T) {
	mod := &recordingModerator{}
	sim := NewSimulator(mod, testLogger(), time.Millisecond)

	if !sim.Start(context.Background()) {
		t.Fatal("Start() = false, want true")
	}
	waitFor(t, func() bool { return mod.count() >= 5 })
	sim.Stop()

	if sim.Running() {
		t.Error("Running() = true after Stop")
	}
	if sim.Sent() < 5 {
		t.Errorf("Sent() = %d, want >= 5", sim.Sent())
	}

	bodies := make(map[string]struct{}, len(DefaultCorpus))
	for _, s := range DefaultCorpus {
		bodies[s.Body] = struct{}{}
	}
	chans := make(map[string]struct{}, len(channels))
	for _, c := range channels {
		chans[c] = struct{}{}
	}
	for _, msg := range mod.snapshot() {
		if _, ok := bodies[msg.Body]; !ok {
			t.Errorf("body %q not from the corpus", msg.Body)
		}
		if _, ok := chans[msg.ChannelID]; !ok {
			t.Errorf("channel %q not from the channel set", msg.ChannelID)
		}
		if !strings.HasPrefix(msg.UserID, "sim-") {
			t.Errorf("UserID = %q, want sim- prefix", msg.UserID)
		}
		if msg.Username == "" || msg.Timestamp.IsZero() {
			t.Errorf("message missing username or timestamp: %+v", msg)
		}
	}
}

func TestSimulatorStartWhileRunning(t *testing.T) {
	mod := &recordingModerator{}
	sim := NewSimulator(mod, testLogger(), time.Millisecond)

	if !sim.Start(context.Background()) {
		t.Fatal("first Start() = false, want true")
	}
	defer sim.Stop()

	if sim.Start(context.Background()) {
		t.Error("second Start() = true, want false while running")
	}
}

func TestSimulatorStopIdempotent(t *testing.T) {
	mod := &recordingModerator{}
	sim := NewSimulator(mod, testLogger(), time.Millisecond)

	sim.Stop() // never started

	sim.Start(context.Background())
	sim.Stop()
	sim.Stop()

	if sim.Running() {
		t.Error("Running() = true after Stop")
	}
}

func TestSimulatorParentContextCancel(t *testing.T) {
	mod := &recordingModerator{}
	sim := NewSimulator(mod, testLogger(), time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	sim.Start(ctx)
	cancel()

	waitFor(t, func() bool { return !sim.Running() })
}

func TestSimulatorRestart(t *testing.T) {
	mod := &recordingModerator{}
	sim := NewSimulator(mod, testLogger(), time.Millisecond)

	sim.Start(context.Background())
	waitFor(t, func() bool { return mod.count() >= 1 })
	sim.Stop()

	if !sim.Start(context.Background()) {
		t.Fatal("restart Start() = false, want true")
	}
	before := mod.count()
	waitFor(t, func() bool { return mod.count() > before })
	sim.Stop()
}
