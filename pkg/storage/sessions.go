package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quarrylab/quarry/pkg/model"
)

// PostgresSessionStore persists session digests as opaque JSON blobs in the
// session_state table.
type PostgresSessionStore struct {
	db *sql.DB
}

// NewPostgresSessionStore wraps an open database handle.
func NewPostgresSessionStore(db *sql.DB) *PostgresSessionStore {
	return &PostgresSessionStore{db: db}
}

// Load returns the digest for a session, or ErrNotFound.
func (s *PostgresSessionStore) Load(ctx context.Context, sessionID string) (*model.SessionDigest, error) {
	var state []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM session_state WHERE session_id = $1`, sessionID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}

	var digest model.SessionDigest
	if err := json.Unmarshal(state, &digest); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return &digest, nil
}

// Save upserts the digest.
func (s *PostgresSessionStore) Save(ctx context.Context, digest *model.SessionDigest) error {
	if digest.SessionID == "" {
		return fmt.Errorf("session digest has no session id")
	}
	digest.UpdatedAt = time.Now().UTC()
	state, err := json.Marshal(digest)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", digest.SessionID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_state (session_id, state, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (session_id) DO UPDATE SET state = EXCLUDED.state, updated_at = NOW()`,
		digest.SessionID, state)
	if err != nil {
		return fmt.Errorf("save session %s: %w", digest.SessionID, err)
	}
	return nil
}

// Delete removes one session's digest. Deleting a missing session is not
// an error.
func (s *PostgresSessionStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM session_state WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

// DeleteIdleSince removes sessions not updated since the cutoff.
func (s *PostgresSessionStore) DeleteIdleSince(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM session_state WHERE updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete idle sessions: %w", err)
	}
	return res.RowsAffected()
}
