package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/stats"
)

const statisticsColumns = `client, total_requests, successful_requests, failed_requests, blocked_count,
    risk_score, suspicious, user_agent, first_seen_at, last_request_at, blocked_until,
    permanently_blocked, block_reason, blocked_by, block_notes`

// StatisticsStore implements stats.Store on the ip_statistics table.
type StatisticsStore struct {
	*DB
}

// Statistics returns the stats.Store view of d.
func (d *DB) Statistics() *StatisticsStore {
	return &StatisticsStore{DB: d}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStatistics(row rowScanner) (*stats.Statistics, error) {
	var (
		st           stats.Statistics
		userAgent    sql.NullString
		blockedUntil sql.NullTime
		blockReason  sql.NullString
		blockedBy    sql.NullString
		blockNotes   sql.NullString
	)
	if err := row.Scan(
		&st.Client, &st.TotalRequests, &st.SuccessfulRequests, &st.FailedRequests, &st.BlockedCount,
		&st.RiskScore, &st.Suspicious, &userAgent, &st.FirstSeenAt, &st.LastRequestAt, &blockedUntil,
		&st.PermanentlyBlocked, &blockReason, &blockedBy, &blockNotes,
	); err != nil {
		return nil, err
	}

	st.UserAgent = userAgent.String
	st.BlockReason = blockReason.String
	st.BlockedBy = blockedBy.String
	st.BlockNotes = blockNotes.String
	if blockedUntil.Valid {
		st.BlockedUntil = blockedUntil.Time
	}
	return &st, nil
}

// FindByClient implements stats.Store.
func (s *StatisticsStore) FindByClient(ctx context.Context, client string) (*stats.Statistics, error) {
	query := s.rebind(`SELECT ` + statisticsColumns + ` FROM ip_statistics WHERE client = ?`)
	st, err := scanStatistics(s.db.QueryRowContext(ctx, query, client))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, stats.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query statistics: %w", err)
	}
	return st, nil
}

// List implements stats.Store.
func (s *StatisticsStore) List(ctx context.Context) ([]*stats.Statistics, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+statisticsColumns+` FROM ip_statistics`)
	if err != nil {
		return nil, fmt.Errorf("failed to list statistics: %w", err)
	}
	defer rows.Close()

	var out []*stats.Statistics
	for rows.Next() {
		st, err := scanStatistics(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan statistics: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list statistics: %w", err)
	}
	return out, nil
}

// Save implements stats.Store.
func (s *StatisticsStore) Save(ctx context.Context, st *stats.Statistics) error {
	if st == nil {
		return errors.New("sqlstore: nil statistics")
	}

	var query string
	switch s.dialect {
	case DialectPostgres:
		query = `INSERT INTO ip_statistics (` + statisticsColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (client) DO UPDATE SET
    total_requests = EXCLUDED.total_requests,
    successful_requests = EXCLUDED.successful_requests,
    failed_requests = EXCLUDED.failed_requests,
    blocked_count = EXCLUDED.blocked_count,
    risk_score = EXCLUDED.risk_score,
    suspicious = EXCLUDED.suspicious,
    user_agent = EXCLUDED.user_agent,
    last_request_at = EXCLUDED.last_request_at,
    blocked_until = EXCLUDED.blocked_until,
    permanently_blocked = EXCLUDED.permanently_blocked,
    block_reason = EXCLUDED.block_reason,
    blocked_by = EXCLUDED.blocked_by,
    block_notes = EXCLUDED.block_notes`
	case DialectMySQL:
		query = `INSERT INTO ip_statistics (` + statisticsColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
    total_requests = VALUES(total_requests),
    successful_requests = VALUES(successful_requests),
    failed_requests = VALUES(failed_requests),
    blocked_count = VALUES(blocked_count),
    risk_score = VALUES(risk_score),
    suspicious = VALUES(suspicious),
    user_agent = VALUES(user_agent),
    last_request_at = VALUES(last_request_at),
    blocked_until = VALUES(blocked_until),
    permanently_blocked = VALUES(permanently_blocked),
    block_reason = VALUES(block_reason),
    blocked_by = VALUES(blocked_by),
    block_notes = VALUES(block_notes)`
	default:
		query = `INSERT OR REPLACE INTO ip_statistics (` + statisticsColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	}

	blockedUntil := sql.NullTime{Time: st.BlockedUntil, Valid: !st.BlockedUntil.IsZero()}
	_, err := s.db.ExecContext(ctx, s.rebind(query),
		st.Client, st.TotalRequests, st.SuccessfulRequests, st.FailedRequests, st.BlockedCount,
		st.RiskScore, st.Suspicious, st.UserAgent, st.FirstSeenAt, st.LastRequestAt, blockedUntil,
		st.PermanentlyBlocked, st.BlockReason, st.BlockedBy, st.BlockNotes,
	)
	if err != nil {
		return fmt.Errorf("failed to save statistics: %w", err)
	}
	return nil
}

// Delete implements stats.Store.
func (s *StatisticsStore) Delete(ctx context.Context, client string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM ip_statistics WHERE client = ?`), client); err != nil {
		return fmt.Errorf("failed to delete statistics: %w", err)
	}
	return nil
}

// DeleteBefore implements stats.Store.
func (s *StatisticsStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := s.rebind(`DELETE FROM ip_statistics WHERE last_request_at < ? AND permanently_blocked = ?`)
	res, err := s.db.ExecContext(ctx, query, cutoff, false)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale statistics: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

var _ stats.Store = (*StatisticsStore)(nil)
