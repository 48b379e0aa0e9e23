package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/quarrylab/quarry/pkg/storage"
)

// StoreCatchup adapts the persisted event log to the CatchupQuerier the
// connection manager replays missed events from.
type StoreCatchup struct {
	store storage.EventStore
}

// NewStoreCatchup wraps an event store.
func NewStoreCatchup(store storage.EventStore) *StoreCatchup {
	return &StoreCatchup{store: store}
}

// GetCatchupEvents returns events on a channel with id greater than
// sinceID, decoded back into the payload maps clients expect.
func (s *StoreCatchup) GetCatchupEvents(ctx context.Context, channel string, sinceID, limit int) ([]CatchupEvent, error) {
	rows, err := s.store.ListSince(ctx, channel, int64(sinceID), limit)
	if err != nil {
		return nil, err
	}

	out := make([]CatchupEvent, 0, len(rows))
	for _, row := range rows {
		var payload map[string]any
		if err := json.Unmarshal(row.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", row.ID, err)
		}
		out = append(out, CatchupEvent{ID: int(row.ID), Payload: payload})
	}
	return out, nil
}
