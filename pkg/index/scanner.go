// Package index builds the symbol and vector indexes the search tools run
// against. The scanner walks the workspace, extracts definitions and
// imports per language, embeds definition chunks and upserts both stores.
// Unchanged files are skipped by content fingerprint.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quarrylab/quarry/pkg/lang"
	"github.com/quarrylab/quarry/pkg/storage"
)

// Scanner indexes one workspace. Safe for repeated runs; each run
// reconciles the index with the current workspace state.
type Scanner struct {
	workspace storage.Workspace
	symbols   storage.SymbolIndex
	vectors   storage.VectorIndex
	embedder  storage.Embedder
	langs     *lang.Registry
}

// New wires a scanner. Embedder may be nil, which skips vector indexing.
func New(workspace storage.Workspace, symbols storage.SymbolIndex, vectors storage.VectorIndex, embedder storage.Embedder, langs *lang.Registry) *Scanner {
	return &Scanner{
		workspace: workspace,
		symbols:   symbols,
		vectors:   vectors,
		embedder:  embedder,
		langs:     langs,
	}
}

// Report summarizes one indexing run.
type Report struct {
	Scanned  int
	Indexed  int
	Skipped  int
	Removed  int
	Symbols  int
	Duration time.Duration
}

// Run reconciles both indexes with the workspace: new and changed files are
// re-extracted and re-embedded, unchanged files are skipped, files gone
// from the workspace are dropped from the indexes.
func (s *Scanner) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{}

	stale, err := s.indexedSet(ctx)
	if err != nil {
		return nil, err
	}

	err = s.workspace.Walk(ctx, func(path string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		spec, ok := s.langs.ForFile(path)
		if !ok {
			return nil
		}
		report.Scanned++
		delete(stale, path)

		indexed, symbols, err := s.indexFile(ctx, spec, path)
		if err != nil {
			return err
		}
		if indexed {
			report.Indexed++
			report.Symbols += symbols
		} else {
			report.Skipped++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("index walk: %w", err)
	}

	for path := range stale {
		if err := s.removeFile(ctx, path); err != nil {
			return nil, err
		}
		report.Removed++
	}

	report.Duration = time.Since(start)
	slog.Info("Index run finished",
		"scanned", report.Scanned,
		"indexed", report.Indexed,
		"skipped", report.Skipped,
		"removed", report.Removed,
		"symbols", report.Symbols,
		"duration", report.Duration)
	return report, nil
}

// Empty reports whether the symbol index has no rows yet.
func (s *Scanner) Empty(ctx context.Context) (bool, error) {
	n, err := s.symbols.Count(ctx)
	if err != nil {
		return false, fmt.Errorf("count indexed symbols: %w", err)
	}
	return n == 0, nil
}

func (s *Scanner) indexedSet(ctx context.Context) (map[string]struct{}, error) {
	paths, err := s.symbols.IndexedPaths(ctx)
	if err != nil {
		return nil, fmt.Errorf("list indexed paths: %w", err)
	}
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[p] = struct{}{}
	}
	return set, nil
}

// indexFile re-indexes one file unless its fingerprint is unchanged.
func (s *Scanner) indexFile(ctx context.Context, spec *lang.Spec, path string) (bool, int, error) {
	content, err := s.workspace.ReadFile(ctx, path)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, 0, nil // removed between listing and read
		}
		return false, 0, fmt.Errorf("read %s: %w", path, err)
	}

	fingerprint := storage.Fingerprint(path, content)
	existing, err := s.symbols.FileFingerprint(ctx, path)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return false, 0, fmt.Errorf("fingerprint lookup %s: %w", path, err)
	}
	if existing == fingerprint {
		return false, 0, nil
	}

	rows := extractSymbols(spec, path, content)
	if err := s.symbols.ReplaceFile(ctx, path, string(spec.ID), fingerprint, rows); err != nil {
		return false, 0, fmt.Errorf("replace symbols for %s: %w", path, err)
	}

	if err := s.embedFile(ctx, path, content, rows); err != nil {
		// The symbol index is already consistent; a missing embedding only
		// degrades semantic search.
		slog.Warn("Embedding failed, file indexed without vectors", "path", path, "error", err)
	}
	return true, len(rows), nil
}

// embedFile replaces the file's vector chunks with one embedding per
// definition. Imports are not embedded.
func (s *Scanner) embedFile(ctx context.Context, path, content string, rows []storage.SymbolRow) error {
	if s.embedder == nil || s.vectors == nil {
		return nil
	}
	if err := s.vectors.DeleteByPath(ctx, path); err != nil {
		return err
	}

	var docs []storage.VectorDoc
	for _, row := range rows {
		if row.Kind == KindImport {
			continue
		}
		chunk := chunkFor(content, row)
		if chunk == "" {
			continue
		}
		embedding, err := s.embedder.Embed(ctx, chunk)
		if err != nil {
			return fmt.Errorf("embed %s:%s: %w", path, row.Symbol, err)
		}
		docs = append(docs, storage.VectorDoc{
			ID:        fmt.Sprintf("%s:%s:%d", path, row.Symbol, row.LineStart),
			Path:      path,
			Symbol:    row.Symbol,
			Line:      row.LineStart,
			Content:   chunk,
			Embedding: embedding,
		})
	}
	return s.vectors.Upsert(ctx, docs)
}

func (s *Scanner) removeFile(ctx context.Context, path string) error {
	if err := s.symbols.DeleteFile(ctx, path); err != nil {
		return fmt.Errorf("drop symbols for %s: %w", path, err)
	}
	if s.vectors != nil {
		if err := s.vectors.DeleteByPath(ctx, path); err != nil {
			return fmt.Errorf("drop vectors for %s: %w", path, err)
		}
	}
	return nil
}
