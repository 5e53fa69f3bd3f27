package memory

import (
	"context"
	"testing"
	"time"

	"github.com/V4T54L/mod-gate/internal/domain"
)

func testViolation(id, userID, messageID string, decision domain.Decision, severity domain.Severity, createdAt time.Time) domain.UserViolation {
	return domain.UserViolation{
		ID:          id,
		UserID:      userID,
		MessageID:   messageID,
		ChannelID:   "general",
		Decision:    decision,
		Severity:    severity,
		ActionTaken: domain.ActionFlag,
		CreatedAt:   createdAt,
	}
}

func TestViolationStoreRecentOrder(t *testing.T) {
	ctx := context.Background()
	store := NewViolationStore()
	now := time.Now()

	old := testViolation("v1", "alice", "m1", domain.DecisionToxic, domain.SeverityMedium, now.Add(-2*time.Hour))
	mid := testViolation("v2", "alice", "m2", domain.DecisionSpam, domain.SeverityLow, now.Add(-30*time.Minute))
	recent := testViolation("v3", "alice", "m3", domain.DecisionToxic, domain.SeverityHigh, now.Add(-time.Minute))
	for _, v := range []domain.UserViolation{old, mid, recent} {
		if err := store.Record(ctx, v); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	got, err := store.Recent(ctx, "alice", time.Hour)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent() returned %d rows, want 2", len(got))
	}
	if got[0].ID != "v3" || got[1].ID != "v2" {
		t.Errorf("Recent() order got [%s %s], want [v3 v2]", got[0].ID, got[1].ID)
	}
}

func TestViolationStoreMessageIDIdempotency(t *testing.T) {
	ctx := context.Background()
	store := NewViolationStore()
	now := time.Now()

	v := testViolation("v1", "alice", "m1", domain.DecisionToxic, domain.SeverityMedium, now)
	dup := testViolation("v2", "alice", "m1", domain.DecisionToxic, domain.SeverityMedium, now)

	if err := store.Record(ctx, v); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := store.Record(ctx, dup); err != nil {
		t.Fatalf("Record() duplicate error = %v", err)
	}
	if err := store.RecordBatch(ctx, []domain.UserViolation{dup, v}); err != nil {
		t.Fatalf("RecordBatch() error = %v", err)
	}

	got, _ := store.Recent(ctx, "alice", time.Hour)
	if len(got) != 1 {
		t.Errorf("got %d rows after duplicate writes, want 1", len(got))
	}
	if got[0].ID != "v1" {
		t.Errorf("surviving row ID got %s, want v1 (first write wins)", got[0].ID)
	}
}

func TestViolationStoreCounts(t *testing.T) {
	ctx := context.Background()
	store := NewViolationStore()
	now := time.Now()

	rows := []domain.UserViolation{
		testViolation("v1", "alice", "m1", domain.DecisionSpam, domain.SeverityLow, now.Add(-10*time.Minute)),
		testViolation("v2", "alice", "m2", domain.DecisionSpam, domain.SeverityLow, now.Add(-20*time.Minute)),
		testViolation("v3", "alice", "m3", domain.DecisionToxic, domain.SeverityCritical, now.Add(-40*time.Minute)),
		// Outside the queried window.
		testViolation("v4", "alice", "m4", domain.DecisionToxic, domain.SeverityCritical, now.Add(-3*time.Hour)),
		// Different user.
		testViolation("v5", "bob", "m5", domain.DecisionSpam, domain.SeverityLow, now.Add(-10*time.Minute)),
	}
	if err := store.RecordBatch(ctx, rows); err != nil {
		t.Fatalf("RecordBatch() error = %v", err)
	}

	counts, err := store.Counts(ctx, "alice", time.Hour)
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	if counts.Total != 3 {
		t.Errorf("Total got %d, want 3", counts.Total)
	}
	if got := counts.ByDecision[domain.DecisionSpam]; got != 2 {
		t.Errorf("ByDecision[spam] got %d, want 2", got)
	}
	if got := counts.BySeverity[domain.SeverityCritical]; got != 1 {
		t.Errorf("BySeverity[critical] got %d, want 1", got)
	}
}

func TestViolationStorePurgeExpired(t *testing.T) {
	ctx := context.Background()
	store := NewViolationStore()
	now := time.Now()

	if err := store.RecordBatch(ctx, []domain.UserViolation{
		testViolation("v1", "alice", "m1", domain.DecisionToxic, domain.SeverityMedium, now.Add(-48*time.Hour)),
		testViolation("v2", "alice", "m2", domain.DecisionToxic, domain.SeverityMedium, now.Add(-time.Minute)),
		testViolation("v3", "bob", "m3", domain.DecisionSpam, domain.SeverityLow, now.Add(-72*time.Hour)),
	}); err != nil {
		t.Fatalf("RecordBatch() error = %v", err)
	}

	purged, err := store.PurgeExpired(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeExpired() error = %v", err)
	}
	if purged != 2 {
		t.Errorf("purged got %d, want 2", purged)
	}

	remaining, _ := store.Recent(ctx, "alice", 100*time.Hour)
	if len(remaining) != 1 || remaining[0].ID != "v2" {
		t.Errorf("after purge got %+v, want only v2", remaining)
	}

	// Purging a message frees its dedup slot.
	if err := store.Record(ctx, testViolation("v6", "bob", "m3", domain.DecisionSpam, domain.SeverityLow, now)); err != nil {
		t.Fatalf("Record() after purge error = %v", err)
	}
	counts, _ := store.Counts(ctx, "bob", time.Hour)
	if counts.Total != 1 {
		t.Errorf("bob total after re-record got %d, want 1", counts.Total)
	}
}
