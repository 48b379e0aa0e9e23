package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/philippgille/chromem-go"
)

const vectorCollection = "code_chunks"

// ChromemIndex implements VectorIndex on an embedded chromem-go database.
// Vectors are computed upstream by an Embedder; chromem only stores and
// ranks them by cosine similarity.
type ChromemIndex struct {
	db          *chromem.DB
	col         *chromem.Collection
	dims        int
	persistPath string
	compress    bool
	mu          sync.Mutex
}

// NewChromemIndex opens the code-chunk collection. With an empty path the
// index lives in memory only; otherwise it is loaded from and exported to
// a gzip-compressed gob file under dir.
func NewChromemIndex(dir string, dims int) (*ChromemIndex, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("vector dimensions must be positive, got %d", dims)
	}

	idx := &ChromemIndex{dims: dims, compress: true}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create vector dir: %w", err)
		}
		idx.persistPath = filepath.Join(dir, "vectors.gob.gz")
		if _, err := os.Stat(idx.persistPath); err == nil {
			db, err := chromem.NewPersistentDB(idx.persistPath, idx.compress)
			if err != nil {
				return nil, fmt.Errorf("load vector db: %w", err)
			}
			idx.db = db
		}
	}
	if idx.db == nil {
		idx.db = chromem.NewDB()
	}

	// Embeddings always arrive pre-computed, so the collection's own
	// embedding function must never run.
	noEmbed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("vectors are computed upstream")
	}
	col, err := idx.db.GetOrCreateCollection(vectorCollection, nil, noEmbed)
	if err != nil {
		return nil, fmt.Errorf("open collection %s: %w", vectorCollection, err)
	}
	idx.col = col
	return idx, nil
}

// Upsert stores documents with their pre-computed embeddings.
func (i *ChromemIndex) Upsert(ctx context.Context, docs []VectorDoc) error {
	if len(docs) == 0 {
		return nil
	}
	converted := make([]chromem.Document, 0, len(docs))
	for _, d := range docs {
		if len(d.Embedding) != i.dims {
			return fmt.Errorf("document %s has %d dimensions, index expects %d", d.ID, len(d.Embedding), i.dims)
		}
		converted = append(converted, chromem.Document{
			ID:        d.ID,
			Content:   d.Content,
			Embedding: d.Embedding,
			Metadata: map[string]string{
				"path":   d.Path,
				"symbol": d.Symbol,
				"line":   strconv.Itoa(d.Line),
			},
		})
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.col.AddDocuments(ctx, converted, runtime.NumCPU()); err != nil {
		return fmt.Errorf("upsert %d vectors: %w", len(converted), err)
	}
	return i.persistLocked()
}

// DeleteByPath removes every chunk of one file.
func (i *ChromemIndex) DeleteByPath(ctx context.Context, path string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.col.Delete(ctx, map[string]string{"path": path}, nil); err != nil {
		return fmt.Errorf("delete vectors for %s: %w", path, err)
	}
	return i.persistLocked()
}

// Search returns the chunks nearest to the embedding, best first. A scope
// restricts results to paths under that prefix; chromem only filters on
// exact metadata matches, so scoping over-fetches and trims.
func (i *ChromemIndex) Search(ctx context.Context, embedding []float32, limit int, scope string) ([]VectorHit, error) {
	if len(embedding) != i.dims {
		return nil, fmt.Errorf("query has %d dimensions, index expects %d", len(embedding), i.dims)
	}
	if limit <= 0 {
		limit = 10
	}
	total := i.col.Count()
	if total == 0 {
		return nil, ErrVectorIndexEmpty
	}

	fetch := limit
	if scope != "" {
		fetch = limit * 5
	}
	if fetch > total {
		fetch = total
	}

	results, err := i.col.QueryEmbedding(ctx, embedding, fetch, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}

	hits := make([]VectorHit, 0, limit)
	for _, r := range results {
		path := r.Metadata["path"]
		if scope != "" && !strings.HasPrefix(path, scope) {
			continue
		}
		line, _ := strconv.Atoi(r.Metadata["line"])
		hits = append(hits, VectorHit{
			ID:         r.ID,
			Path:       path,
			Symbol:     r.Metadata["symbol"],
			Line:       line,
			Similarity: r.Similarity,
			Snippet:    r.Content,
		})
		if len(hits) >= limit {
			break
		}
	}
	return hits, nil
}

// Count returns the number of stored chunks.
func (i *ChromemIndex) Count() int {
	return i.col.Count()
}

// Close exports the index when persistence is enabled.
func (i *ChromemIndex) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.persistLocked()
}

func (i *ChromemIndex) persistLocked() error {
	if i.persistPath == "" {
		return nil
	}
	if err := i.db.Export(i.persistPath, i.compress, ""); err != nil {
		return fmt.Errorf("persist vector db: %w", err)
	}
	return nil
}
