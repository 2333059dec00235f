package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/audit"
)

// BlockLog implements audit.Sink on the block_log table.
type BlockLog struct {
	*DB
}

// BlockLog returns the audit.Sink view of d.
func (d *DB) BlockLog() *BlockLog {
	return &BlockLog{DB: d}
}

// Emit implements audit.Sink.
func (b *BlockLog) Emit(ctx context.Context, rec audit.Record) error {
	query := b.rebind(`INSERT INTO block_log (id, client, path, user_agent, category, reason, blocked_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if _, err := b.db.ExecContext(ctx, query,
		rec.ID, rec.Client, rec.Path, rec.UserAgent, rec.Category, rec.Reason, rec.At,
	); err != nil {
		return fmt.Errorf("failed to insert block log entry: %w", err)
	}
	return nil
}

// Recent returns up to limit of the newest entries for client, or for
// every client when client is empty.
func (b *BlockLog) Recent(ctx context.Context, client string, limit int) ([]audit.Record, error) {
	if limit <= 0 {
		return nil, nil
	}

	var (
		rows *sql.Rows
		err  error
	)
	const cols = `SELECT id, client, path, user_agent, category, reason, blocked_at FROM block_log`
	if client == "" {
		rows, err = b.db.QueryContext(ctx, b.rebind(cols+` ORDER BY blocked_at DESC LIMIT ?`), limit)
	} else {
		rows, err = b.db.QueryContext(ctx, b.rebind(cols+` WHERE client = ? ORDER BY blocked_at DESC LIMIT ?`), client, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query block log: %w", err)
	}
	defer rows.Close()

	var out []audit.Record
	for rows.Next() {
		var (
			rec             audit.Record
			path, userAgent sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.Client, &path, &userAgent, &rec.Category, &rec.Reason, &rec.At); err != nil {
			return nil, fmt.Errorf("failed to scan block log entry: %w", err)
		}
		rec.Path = path.String
		rec.UserAgent = userAgent.String
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read block log: %w", err)
	}
	return out, nil
}

// Purge deletes entries older than cutoff.
func (b *BlockLog) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := b.db.ExecContext(ctx, b.rebind(`DELETE FROM block_log WHERE blocked_at < ?`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge block log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

var _ audit.Sink = (*BlockLog)(nil)
