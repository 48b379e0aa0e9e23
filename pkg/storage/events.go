package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresEventStore reads the append-only analysis_events log. Inserts
// happen in the event publisher, transactionally paired with the Postgres
// notification.
type PostgresEventStore struct {
	db *sql.DB
}

// NewPostgresEventStore wraps an open database handle.
func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

const eventColumns = "id, request_id, session_id, channel, event_type, payload, created_at"

func (s *PostgresEventStore) queryEvents(ctx context.Context, query string, args ...any) ([]EventRow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var r EventRow
		if err := rows.Scan(&r.ID, &r.RequestID, &r.SessionID, &r.Channel, &r.EventType, &r.Payload, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListSince returns events on a channel with id greater than afterID, in
// ascending id order. Used for missed-event catchup after a reconnect.
func (s *PostgresEventStore) ListSince(ctx context.Context, channel string, afterID int64, limit int) ([]EventRow, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM analysis_events
		WHERE channel = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3`
	return s.queryEvents(ctx, query, channel, afterID, limit)
}

// ListByRequest returns a request's full event trail in ascending order.
func (s *PostgresEventStore) ListByRequest(ctx context.Context, requestID string, limit int) ([]EventRow, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM analysis_events
		WHERE request_id = $1
		ORDER BY id ASC
		LIMIT $2`
	return s.queryEvents(ctx, query, requestID, limit)
}

// MaxID returns the highest event id, or 0 for an empty log.
func (s *PostgresEventStore) MaxID(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM analysis_events`).Scan(&max); err != nil {
		return 0, fmt.Errorf("max event id: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}

// DeleteOlderThan prunes events created before the cutoff.
func (s *PostgresEventStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM analysis_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old events: %w", err)
	}
	return res.RowsAffected()
}
