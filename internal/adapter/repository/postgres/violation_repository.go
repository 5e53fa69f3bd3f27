package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/V4T54L/mod-gate/internal/domain"
)

// ViolationRepository is the durable per-user violation log backed by
// PostgreSQL. Reads serve the policy engine's history lookups, so the
// table is indexed on (user_id, created_at DESC); message_id carries a
// unique index for idempotent writes.
type ViolationRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewViolationRepository creates a new PostgreSQL violation repository.
func NewViolationRepository(db *sql.DB, logger *slog.Logger) *ViolationRepository {
	return &ViolationRepository{db: db, logger: logger}
}

// EnsureSchema creates the violations table and its indexes if they do
// not exist yet. Called once at startup.
func (r *ViolationRepository) EnsureSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS violations (
			id           UUID PRIMARY KEY,
			user_id      TEXT NOT NULL,
			message_id   TEXT NOT NULL,
			channel_id   TEXT NOT NULL,
			decision     TEXT NOT NULL,
			severity     TEXT NOT NULL,
			action_taken TEXT NOT NULL,
			reason       TEXT,
			created_at   TIMESTAMPTZ NOT NULL,
			expires_at   TIMESTAMPTZ
		);
		CREATE UNIQUE INDEX IF NOT EXISTS violations_message_id_idx ON violations (message_id);
		CREATE INDEX IF NOT EXISTS violations_user_created_idx ON violations (user_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS violations_created_idx ON violations (created_at);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensuring violations schema: %w", err)
	}
	return nil
}

// Record persists a single violation. A row for the same message_id
// already present wins; the duplicate is dropped.
func (r *ViolationRepository) Record(ctx context.Context, v domain.UserViolation) error {
	query := `
		INSERT INTO violations (id, user_id, message_id, channel_id, decision, severity, action_taken, reason, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (message_id) DO NOTHING;
	`
	_, err := r.db.ExecContext(ctx, query,
		v.ID, v.UserID, v.MessageID, v.ChannelID,
		string(v.Decision), string(v.Severity), string(v.ActionTaken),
		v.Reason, v.CreatedAt, v.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("inserting violation %s: %w", v.ID, err)
	}
	return nil
}

// RecordBatch writes a batch of violations using the COPY protocol into
// a temp table, then merges into the main table. The WAL replay path
// funnels through here, so the merge must stay idempotent on message_id.
func (r *ViolationRepository) RecordBatch(ctx context.Context, vs []domain.UserViolation) error {
	if len(vs) == 0 {
		return nil
	}

	txn, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer txn.Rollback() // Rollback is a no-op if Commit() is called

	tempTableName := "violations_temp_import"
	_, err = txn.ExecContext(ctx, `CREATE TEMP TABLE `+tempTableName+` (LIKE violations INCLUDING DEFAULTS) ON COMMIT DROP;`)
	if err != nil {
		return err
	}

	stmt, err := txn.Prepare(pq.CopyIn(tempTableName,
		"id", "user_id", "message_id", "channel_id", "decision", "severity", "action_taken", "reason", "created_at", "expires_at"))
	if err != nil {
		return err
	}

	for _, v := range vs {
		_, err = stmt.ExecContext(ctx,
			v.ID, v.UserID, v.MessageID, v.ChannelID,
			string(v.Decision), string(v.Severity), string(v.ActionTaken),
			v.Reason, v.CreatedAt, v.ExpiresAt,
		)
		if err != nil {
			_ = stmt.Close()
			return err
		}
	}

	if err := stmt.Close(); err != nil {
		return err
	}

	mergeQuery := `
		INSERT INTO violations (id, user_id, message_id, channel_id, decision, severity, action_taken, reason, created_at, expires_at)
		SELECT id, user_id, message_id, channel_id, decision, severity, action_taken, reason, created_at, expires_at FROM ` + tempTableName + `
		ON CONFLICT (message_id) DO NOTHING;
	`
	if _, err = txn.ExecContext(ctx, mergeQuery); err != nil {
		return err
	}

	return txn.Commit()
}

// Recent returns the user's violations inside the window, newest first.
func (r *ViolationRepository) Recent(ctx context.Context, userID string, window time.Duration) ([]domain.UserViolation, error) {
	query := `
		SELECT id, user_id, message_id, channel_id, decision, severity, action_taken, reason, created_at, expires_at
		FROM violations
		WHERE user_id = $1 AND created_at > $2
		ORDER BY created_at DESC;
	`
	rows, err := r.db.QueryContext(ctx, query, userID, time.Now().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("querying recent violations for %s: %w", userID, err)
	}
	defer rows.Close()

	var out []domain.UserViolation
	for rows.Next() {
		var v domain.UserViolation
		var reason sql.NullString
		var expiresAt sql.NullTime
		if err := rows.Scan(&v.ID, &v.UserID, &v.MessageID, &v.ChannelID,
			&v.Decision, &v.Severity, &v.ActionTaken, &reason, &v.CreatedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scanning violation row: %w", err)
		}
		v.Reason = reason.String
		if expiresAt.Valid {
			t := expiresAt.Time
			v.ExpiresAt = &t
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Counts aggregates the user's violations inside the window in a single
// grouped query.
func (r *ViolationRepository) Counts(ctx context.Context, userID string, window time.Duration) (domain.ViolationCounts, error) {
	counts := domain.ViolationCounts{
		BySeverity: make(map[domain.Severity]int),
		ByDecision: make(map[domain.Decision]int),
	}

	query := `
		SELECT decision, severity, COUNT(*)
		FROM violations
		WHERE user_id = $1 AND created_at > $2
		GROUP BY decision, severity;
	`
	rows, err := r.db.QueryContext(ctx, query, userID, time.Now().Add(-window))
	if err != nil {
		return counts, fmt.Errorf("counting violations for %s: %w", userID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var decision domain.Decision
		var severity domain.Severity
		var n int
		if err := rows.Scan(&decision, &severity, &n); err != nil {
			return counts, fmt.Errorf("scanning count row: %w", err)
		}
		counts.Total += n
		counts.BySeverity[severity] += n
		counts.ByDecision[decision] += n
	}
	return counts, rows.Err()
}

// PurgeExpired deletes violations created before the cutoff and returns
// how many rows were removed. Called by the retention sweeper.
func (r *ViolationRepository) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM violations WHERE created_at < $1;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging violations before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	purged, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		r.logger.Info("purged expired violations", "count", purged, "cutoff", cutoff)
	}
	return purged, nil
}
