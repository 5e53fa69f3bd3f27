package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/V4T54L/mod-gate/internal/domain"
)

// MockRateLimitStore is a mock implementation of domain.RateLimitStore.
type MockRateLimitStore struct {
	mu      sync.Mutex
	Result  domain.RateLimitResult
	Err     error
	Calls   []string
	PerUser map[string]domain.RateLimitResult
}

func (m *MockRateLimitStore) CheckAndRecord(ctx context.Context, userID string, now time.Time) (domain.RateLimitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, userID)
	if m.Err != nil {
		return domain.RateLimitResult{}, m.Err
	}
	if m.PerUser != nil {
		if r, ok := m.PerUser[userID]; ok {
			return r, nil
		}
	}
	if m.Result == (domain.RateLimitResult{}) {
		return domain.RateLimitResult{Allowed: true}, nil
	}
	return m.Result, nil
}

// MockPatternMatcher is a mock implementation of domain.PatternMatcher.
type MockPatternMatcher struct {
	mu     sync.Mutex
	Result domain.PatternResult
	Err    error
	Bodies []string
}

func (m *MockPatternMatcher) Match(body string) (domain.PatternResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Bodies = append(m.Bodies, body)
	if m.Err != nil {
		return domain.PatternResult{}, m.Err
	}
	return m.Result, nil
}

// MockViolationRepository is a mock implementation of domain.ViolationRepository.
type MockViolationRepository struct {
	mu            sync.Mutex
	Recorded      []domain.UserViolation
	Batches       [][]domain.UserViolation
	RecentResult  []domain.UserViolation
	CountsResult  map[time.Duration]domain.ViolationCounts
	PurgedCount   int64
	RecordErr     error
	BatchErr      error
	RecentErr     error
	CountsErr     error
	PurgeErr      error
	CountsCalls   []time.Duration
}

func (m *MockViolationRepository) Record(ctx context.Context, v domain.UserViolation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RecordErr != nil {
		return m.RecordErr
	}
	m.Recorded = append(m.Recorded, v)
	return nil
}

func (m *MockViolationRepository) RecordBatch(ctx context.Context, vs []domain.UserViolation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BatchErr != nil {
		return m.BatchErr
	}
	m.Batches = append(m.Batches, vs)
	return nil
}

func (m *MockViolationRepository) Recent(ctx context.Context, userID string, window time.Duration) ([]domain.UserViolation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RecentErr != nil {
		return nil, m.RecentErr
	}
	return m.RecentResult, nil
}

func (m *MockViolationRepository) Counts(ctx context.Context, userID string, window time.Duration) (domain.ViolationCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CountsCalls = append(m.CountsCalls, window)
	if m.CountsErr != nil {
		return domain.ViolationCounts{}, m.CountsErr
	}
	if m.CountsResult != nil {
		if c, ok := m.CountsResult[window]; ok {
			return c, nil
		}
	}
	return domain.ViolationCounts{}, nil
}

func (m *MockViolationRepository) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PurgeErr != nil {
		return 0, m.PurgeErr
	}
	return m.PurgedCount, nil
}

// MockViolationWAL is a mock implementation of domain.ViolationWAL.
type MockViolationWAL struct {
	mu        sync.Mutex
	Written   []domain.UserViolation
	Truncated int
	WriteErr  error
	ReplayErr error
}

func (m *MockViolationWAL) Write(ctx context.Context, v domain.UserViolation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.WriteErr != nil {
		return m.WriteErr
	}
	m.Written = append(m.Written, v)
	return nil
}

func (m *MockViolationWAL) Replay(ctx context.Context, handler func(v domain.UserViolation) error) error {
	m.mu.Lock()
	written := append([]domain.UserViolation(nil), m.Written...)
	err := m.ReplayErr
	m.mu.Unlock()
	if err != nil {
		return err
	}
	for _, v := range written {
		if err := handler(v); err != nil {
			return err
		}
	}
	return nil
}

func (m *MockViolationWAL) Truncate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Truncated++
	m.Written = nil
	return nil
}

// MockEventPublisher is a mock implementation of domain.EventPublisher.
type MockEventPublisher struct {
	mu        sync.Mutex
	Published []domain.ProcessedEvent
	Channels  []string
}

func (m *MockEventPublisher) Publish(channelID string, event domain.ProcessedEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Channels = append(m.Channels, channelID)
	m.Published = append(m.Published, event)
}

func (m *MockEventPublisher) Events() []domain.ProcessedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.ProcessedEvent(nil), m.Published...)
}

// MockEventCache is a mock implementation of domain.EventCache.
type MockEventCache struct {
	mu     sync.Mutex
	events map[string]domain.ProcessedEvent
}

func (m *MockEventCache) Get(messageID string) (domain.ProcessedEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[messageID]
	return e, ok
}

func (m *MockEventCache) Put(event domain.ProcessedEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.events == nil {
		m.events = make(map[string]domain.ProcessedEvent)
	}
	m.events[event.MessageID] = event
}

// MockNotificationSink is a mock implementation of domain.NotificationSink.
type MockNotificationSink struct {
	mu       sync.Mutex
	Notified []domain.Notification
	Err      error
}

func (m *MockNotificationSink) Notify(ctx context.Context, n domain.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Notified = append(m.Notified, n)
	return nil
}

// MockCompletionClient is a scriptable mock of domain.CompletionClient.
// Responses are consumed in order; the last one repeats. A non-zero
// Delay makes the call wait, honoring context cancellation the way the
// real client does.
type MockCompletionClient struct {
	mu        sync.Mutex
	Responses []MockCompletion
	Delay     time.Duration
	Prompts   []string
	calls     int
}

type MockCompletion struct {
	Text string
	Err  error
}

func (m *MockCompletionClient) Complete(ctx context.Context, prompt string, opts domain.CompletionOptions) (domain.Completion, error) {
	m.mu.Lock()
	m.Prompts = append(m.Prompts, prompt)
	idx := m.calls
	m.calls++
	delay := m.Delay
	var resp MockCompletion
	if len(m.Responses) > 0 {
		if idx >= len(m.Responses) {
			idx = len(m.Responses) - 1
		}
		resp = m.Responses[idx]
	}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return domain.Completion{}, domain.NewLLMError(domain.LLMDeadlineExceeded, 0, ctx.Err())
		}
	}
	if resp.Err != nil {
		return domain.Completion{}, resp.Err
	}
	return domain.Completion{Text: resp.Text, Duration: delay}, nil
}

func (m *MockCompletionClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
