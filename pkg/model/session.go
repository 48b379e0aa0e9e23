package model

import "time"

// SessionDigestQueries caps how many recent queries a session digest keeps.
const SessionDigestQueries = 5

// SessionDigest is the compact cross-request memory for a session. It is
// persisted as an opaque blob between requests and summarized into the
// perception output of the next request in the same session.
type SessionDigest struct {
	SessionID     string    `json:"session_id"`
	RecentQueries []string  `json:"recent_queries,omitempty"`
	ExploredFiles []string  `json:"explored_files,omitempty"`
	LastResponse  string    `json:"last_response,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// RecordQuery appends a query, keeping only the most recent entries.
func (d *SessionDigest) RecordQuery(q string) {
	if q == "" {
		return
	}
	d.RecentQueries = append(d.RecentQueries, q)
	if n := len(d.RecentQueries); n > SessionDigestQueries {
		d.RecentQueries = d.RecentQueries[n-SessionDigestQueries:]
	}
}

// MergeExplored folds a request's explored files into the session memory,
// de-duplicating and respecting the working-memory cap.
func (d *SessionDigest) MergeExplored(paths []string) {
	seen := make(map[string]struct{}, len(d.ExploredFiles))
	for _, p := range d.ExploredFiles {
		seen[p] = struct{}{}
	}
	for _, p := range paths {
		if _, ok := seen[p]; ok {
			continue
		}
		if len(d.ExploredFiles) >= MaxExploredFiles {
			break
		}
		seen[p] = struct{}{}
		d.ExploredFiles = append(d.ExploredFiles, p)
	}
}
