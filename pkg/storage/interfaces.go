// Package storage defines the capability ports the analysis core reads
// code and state through, plus their local-filesystem, git, Postgres and
// vector-index implementations. Everything here is strictly read-only with
// respect to the analyzed repository.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/quarrylab/quarry/pkg/model"
)

var (
	// ErrNotFound signals a missing file, row or cache entry. Callers
	// treat it as a normal outcome, not a failure.
	ErrNotFound = errors.New("not found")

	// ErrOutsideWorkspace signals a path that escapes the workspace root.
	ErrOutsideWorkspace = errors.New("path outside workspace")

	// ErrVectorIndexEmpty signals that semantic search has nothing to
	// search over yet.
	ErrVectorIndexEmpty = errors.New("vector index is empty")
)

// FileSlice is a bounded view into one file.
type FileSlice struct {
	Path       string
	Content    string
	StartLine  int
	EndLine    int
	TotalLines int
	Truncated  bool
}

// TreeEntry is one node of a bounded directory listing.
type TreeEntry struct {
	Path  string
	IsDir bool
	Depth int
}

// GrepQuery describes a regex search over workspace code files.
type GrepQuery struct {
	Pattern         string
	Scope           string
	CaseInsensitive bool
	MaxResults      int
}

// GrepMatch is one matching line.
type GrepMatch struct {
	Path string
	Line int
	Text string
}

// Workspace is read-only file access rooted at the analysis target. Paths
// are always relative to the root, forward-slashed, and may never escape
// it.
type Workspace interface {
	Root() string
	Exists(ctx context.Context, path string) (bool, error)
	ReadFile(ctx context.Context, path string) (string, error)
	ReadFileRange(ctx context.Context, path string, startLine, endLine int) (*FileSlice, error)
	Glob(ctx context.Context, pattern string) ([]string, error)
	Tree(ctx context.Context, dir string, maxDepth, maxEntries int) ([]TreeEntry, error)
	Grep(ctx context.Context, q GrepQuery) ([]GrepMatch, error)
	Walk(ctx context.Context, fn func(path string) error) error
}

// SymbolRow is one indexed definition or import.
type SymbolRow struct {
	Path      string
	Symbol    string
	Kind      string
	LineStart int
	LineEnd   int
	Language  string
}

// SymbolIndex is the relational symbol lookup over indexed code.
type SymbolIndex interface {
	LookupExact(ctx context.Context, name, scope string, limit int) ([]SymbolRow, error)
	LookupPartial(ctx context.Context, name, scope string, limit int) ([]SymbolRow, error)
	SymbolsInFile(ctx context.Context, path string, limit int) ([]SymbolRow, error)
	ImportsOf(ctx context.Context, path string, limit int) ([]SymbolRow, error)
	ImportersOf(ctx context.Context, module string, limit int) ([]SymbolRow, error)

	ReplaceFile(ctx context.Context, path, language, fingerprint string, rows []SymbolRow) error
	DeleteFile(ctx context.Context, path string) error
	FileFingerprint(ctx context.Context, path string) (string, error)
	IndexedPaths(ctx context.Context) ([]string, error)
	Count(ctx context.Context) (int64, error)
}

// VectorDoc is one embedded code chunk.
type VectorDoc struct {
	ID        string
	Path      string
	Symbol    string
	Line      int
	Content   string
	Embedding []float32
}

// VectorHit is one semantic search result.
type VectorHit struct {
	ID         string
	Path       string
	Symbol     string
	Line       int
	Similarity float32
	Snippet    string
}

// VectorIndex is approximate semantic lookup over embedded code chunks.
type VectorIndex interface {
	Upsert(ctx context.Context, docs []VectorDoc) error
	DeleteByPath(ctx context.Context, path string) error
	Search(ctx context.Context, embedding []float32, limit int, scope string) ([]VectorHit, error)
	Count() int
}

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Commit is one parsed git log entry.
type Commit struct {
	Hash    string
	Author  string
	When    time.Time
	Subject string
}

// BlameLine attributes one line to its last modifying commit.
type BlameLine struct {
	Line   int
	Hash   string
	Author string
	When   time.Time
	Text   string
}

// FileChange is one entry of git status.
type FileChange struct {
	Status string
	Path   string
}

// GitReader exposes repository history through read-only git queries.
type GitReader interface {
	Available(ctx context.Context) bool
	Log(ctx context.Context, path string, limit int) ([]Commit, error)
	Blame(ctx context.Context, path string, startLine, endLine int) ([]BlameLine, error)
	Diff(ctx context.Context, base, head, path string) (string, error)
	Status(ctx context.Context) ([]FileChange, error)
}

// SessionStore persists the cross-request session digest.
type SessionStore interface {
	Load(ctx context.Context, sessionID string) (*model.SessionDigest, error)
	Save(ctx context.Context, digest *model.SessionDigest) error
	Delete(ctx context.Context, sessionID string) error
	DeleteIdleSince(ctx context.Context, cutoff time.Time) (int64, error)
}

// EventRow is one persisted event from the append-only request log.
type EventRow struct {
	ID        int64
	RequestID string
	SessionID string
	Channel   string
	EventType string
	Payload   []byte
	CreatedAt time.Time
}

// EventStore reads the append-only event log. Writes go through the event
// publisher, which pairs each insert with a notification in one
// transaction.
type EventStore interface {
	ListSince(ctx context.Context, channel string, afterID int64, limit int) ([]EventRow, error)
	ListByRequest(ctx context.Context, requestID string, limit int) ([]EventRow, error)
	MaxID(ctx context.Context) (int64, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// ExplanationEntry is one cached code explanation, keyed by content
// fingerprint so a stale file never serves its old explanation.
type ExplanationEntry struct {
	Fingerprint string
	Path        string
	Explanation string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// ExplanationCache stores code explanations between requests.
type ExplanationCache interface {
	Get(ctx context.Context, fingerprint string) (*ExplanationEntry, error)
	Put(ctx context.Context, entry *ExplanationEntry) error
	DeleteExpired(ctx context.Context) (int64, error)
}

// Fingerprint derives the cache key for a file's content. Path is part of
// the hash so renamed copies do not collide.
func Fingerprint(path, content string) string {
	h := sha256.New()
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil))
}
