package cockroach

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"callsignal-backend/internal/domain"
)

const callLogSchema = `
	CREATE TABLE IF NOT EXISTS call_logs (
		session_id       UUID NOT NULL,
		reported_by      UUID NOT NULL,
		peer_id          UUID NOT NULL,
		kind             STRING NOT NULL,
		outcome          STRING NOT NULL,
		reason           STRING NOT NULL DEFAULT '',
		started_at       TIMESTAMPTZ,
		ended_at         TIMESTAMPTZ NOT NULL,
		duration_seconds INT NOT NULL DEFAULT 0,
		PRIMARY KEY (session_id, reported_by, peer_id)
	)
`

// CallLogRepository stores terminated sessions
type CallLogRepository struct {
	pool *pgxpool.Pool
}

// NewCallLogRepository creates a new call log repository
func NewCallLogRepository(pool *pgxpool.Pool) *CallLogRepository {
	return &CallLogRepository{pool: pool}
}

// EnsureSchema creates the call_logs table if it does not exist
func (r *CallLogRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, callLogSchema); err != nil {
		return fmt.Errorf("failed to create call_logs table: %w", err)
	}
	return nil
}

// Create inserts a call log. A repeated report of the same termination is ignored.
func (r *CallLogRepository) Create(ctx context.Context, log *domain.CallLog) error {
	query := `
		INSERT INTO call_logs (
			session_id, reported_by, peer_id, kind, outcome, reason,
			started_at, ended_at, duration_seconds
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_id, reported_by, peer_id) DO NOTHING
	`

	_, err := r.pool.Exec(ctx, query,
		log.SessionID,
		log.ReportedBy,
		log.PeerID,
		string(log.Kind),
		string(log.Outcome),
		string(log.Reason),
		log.StartedAt,
		log.EndedAt,
		log.DurationSeconds,
	)
	if err != nil {
		return fmt.Errorf("failed to create call log: %w", err)
	}

	return nil
}

// GetUserCallLogs retrieves the calls a user took part in, newest first
func (r *CallLogRepository) GetUserCallLogs(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallLog, error) {
	query := `
		SELECT session_id, reported_by, peer_id, kind, outcome, reason,
		       started_at, ended_at, duration_seconds
		FROM call_logs
		WHERE reported_by = $1 OR peer_id = $1
		ORDER BY ended_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get call logs: %w", err)
	}
	defer rows.Close()

	var logs []*domain.CallLog
	for rows.Next() {
		var (
			log                   domain.CallLog
			kind, outcome, reason string
		)
		err := rows.Scan(
			&log.SessionID,
			&log.ReportedBy,
			&log.PeerID,
			&kind,
			&outcome,
			&reason,
			&log.StartedAt,
			&log.EndedAt,
			&log.DurationSeconds,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call log: %w", err)
		}
		log.Kind = domain.CallKind(kind)
		log.Outcome = domain.CallOutcome(outcome)
		log.Reason = domain.EndReason(reason)
		logs = append(logs, &log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate call logs: %w", err)
	}

	return logs, nil
}

// CountUserCallLogs counts the calls a user took part in
func (r *CallLogRepository) CountUserCallLogs(ctx context.Context, userID uuid.UUID) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx,
		`SELECT count(*) FROM call_logs WHERE reported_by = $1 OR peer_id = $1`,
		userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count call logs: %w", err)
	}
	return count, nil
}
