package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresExplanationCache stores generated code explanations keyed by
// content fingerprint. Entries carry their own expiry; an expired row is
// indistinguishable from a missing one.
type PostgresExplanationCache struct {
	db *sql.DB
}

// NewPostgresExplanationCache wraps an open database handle.
func NewPostgresExplanationCache(db *sql.DB) *PostgresExplanationCache {
	return &PostgresExplanationCache{db: db}
}

// Get returns the live cache entry for a fingerprint, or ErrNotFound.
func (c *PostgresExplanationCache) Get(ctx context.Context, fingerprint string) (*ExplanationEntry, error) {
	entry := ExplanationEntry{Fingerprint: fingerprint}
	err := c.db.QueryRowContext(ctx, `
		SELECT path, explanation, created_at, expires_at
		FROM code_understanding
		WHERE fingerprint = $1 AND expires_at > NOW()`,
		fingerprint).Scan(&entry.Path, &entry.Explanation, &entry.CreatedAt, &entry.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: explanation %s", ErrNotFound, fingerprint)
	}
	if err != nil {
		return nil, fmt.Errorf("load explanation %s: %w", fingerprint, err)
	}
	return &entry, nil
}

// Put upserts an entry. The expiry must be in the future.
func (c *PostgresExplanationCache) Put(ctx context.Context, entry *ExplanationEntry) error {
	if entry.Fingerprint == "" {
		return fmt.Errorf("explanation entry has no fingerprint")
	}
	if !entry.ExpiresAt.After(time.Now()) {
		return fmt.Errorf("explanation entry for %s is already expired", entry.Path)
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO code_understanding (fingerprint, path, explanation, created_at, expires_at)
		VALUES ($1, $2, $3, NOW(), $4)
		ON CONFLICT (fingerprint) DO UPDATE
		SET path = EXCLUDED.path, explanation = EXCLUDED.explanation, expires_at = EXCLUDED.expires_at`,
		entry.Fingerprint, entry.Path, entry.Explanation, entry.ExpiresAt)
	if err != nil {
		return fmt.Errorf("save explanation for %s: %w", entry.Path, err)
	}
	return nil
}

// DeleteExpired prunes entries past their expiry.
func (c *PostgresExplanationCache) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM code_understanding WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("delete expired explanations: %w", err)
	}
	return res.RowsAffected()
}
