package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// notifyLimit keeps NOTIFY payloads under PostgreSQL's 8000-byte ceiling,
// with headroom for the injected db_event_id.
const notifyLimit = 7900

// Publisher writes pipeline events for WebSocket delivery. Persistent
// events land in the analysis_events table and fire NOTIFY in the same
// transaction; transient events (answer chunks) are NOTIFY only.
type Publisher struct {
	db *sql.DB
}

// NewPublisher wraps the pooled database handle.
func NewPublisher(db *sql.DB) *Publisher {
	return &Publisher{db: db}
}

// PublishStage persists and broadcasts one stage lifecycle event on the
// request channel.
func (p *Publisher) PublishStage(ctx context.Context, payload StagePayload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal stage payload: %w", err)
	}
	return p.persistAndNotify(ctx, payload.RequestID, payload.SessionID,
		RequestChannel(payload.RequestID), EventTypeStage, raw)
}

// PublishTerminal persists the closing event on the request channel and
// broadcasts a transient copy on the global channel for request-list
// observers. The transient copy is attempted even if persistence fails;
// the first error wins.
func (p *Publisher) PublishTerminal(ctx context.Context, payload TerminalPayload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal terminal payload: %w", err)
	}

	var firstErr error
	if err := p.persistAndNotify(ctx, payload.RequestID, payload.SessionID,
		RequestChannel(payload.RequestID), EventTypeTerminal, raw); err != nil {
		slog.Warn("Failed to publish terminal event to request channel",
			"request_id", payload.RequestID, "error", err)
		firstErr = err
	}
	if err := p.notifyOnly(ctx, GlobalRequestsChannel, raw); err != nil {
		slog.Warn("Failed to publish terminal event to global channel",
			"request_id", payload.RequestID, "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PublishAnswerChunk broadcasts one transient answer fragment. Chunks are
// ephemeral: a reconnecting client gets the full text from the terminal
// event instead.
func (p *Publisher) PublishAnswerChunk(ctx context.Context, payload AnswerChunkPayload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal answer chunk: %w", err)
	}
	return p.notifyOnly(ctx, RequestChannel(payload.RequestID), raw)
}

// persistAndNotify inserts the event and fires pg_notify in one
// transaction, so the notification never outruns the row it refers to.
func (p *Publisher) persistAndNotify(ctx context.Context, requestID, sessionID, channel, eventType string, raw []byte) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin event transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var eventID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO analysis_events (request_id, session_id, channel, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		requestID, sessionID, channel, eventType, raw, time.Now().UTC(),
	).Scan(&eventID)
	if err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}

	notifyPayload, err := injectDBEventID(raw, eventID)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event transaction: %w", err)
	}
	return nil
}

func (p *Publisher) notifyOnly(ctx context.Context, channel string, raw []byte) error {
	notifyPayload, err := truncateIfNeeded(string(raw))
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	return nil
}

// injectDBEventID adds the row id to the NOTIFY copy so clients can track
// their catchup position, then applies the size limit.
func injectDBEventID(raw []byte, eventID int64) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", fmt.Errorf("failed to decode payload for id injection: %w", err)
	}
	m["db_event_id"] = eventID

	enriched, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal enriched payload: %w", err)
	}
	return truncateIfNeeded(string(enriched))
}

// truncateIfNeeded replaces an oversized payload with a minimal envelope
// holding only the routing fields; the client fetches the full event from
// the log by id.
func truncateIfNeeded(payload string) (string, error) {
	if len(payload) <= notifyLimit {
		return payload, nil
	}

	var routing struct {
		Type      string `json:"type"`
		RequestID string `json:"request_id"`
		SessionID string `json:"session_id"`
		DBEventID *int64 `json:"db_event_id,omitempty"`
	}
	if err := json.Unmarshal([]byte(payload), &routing); err != nil {
		return "", fmt.Errorf("failed to extract routing fields for truncation: %w", err)
	}

	truncated := map[string]any{
		"type":       routing.Type,
		"request_id": routing.RequestID,
		"session_id": routing.SessionID,
		"truncated":  true,
	}
	if routing.DBEventID != nil {
		truncated["db_event_id"] = *routing.DBEventID
	}
	out, err := json.Marshal(truncated)
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncated payload: %w", err)
	}
	return string(out), nil
}
