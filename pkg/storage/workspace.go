package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/quarrylab/quarry/pkg/lang"
)

// maxReadBytes guards against pathological single files. Slicing and token
// budgets bound what actually reaches a prompt.
const maxReadBytes = 4 << 20

// LocalWorkspace is the filesystem implementation of Workspace. All access
// happens through a rooted fs.FS, so returned paths are root-relative and
// forward-slashed on every platform.
type LocalWorkspace struct {
	root  string
	fsys  fs.FS
	langs *lang.Registry
}

// NewLocalWorkspace opens a workspace rooted at dir.
func NewLocalWorkspace(dir string, langs *lang.Registry) (*LocalWorkspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", abs)
	}
	if langs == nil {
		langs = lang.NewRegistry()
	}
	return &LocalWorkspace{root: abs, fsys: os.DirFS(abs), langs: langs}, nil
}

// Root returns the absolute workspace root.
func (w *LocalWorkspace) Root() string { return w.root }

// Languages returns the language registry the workspace filters with.
func (w *LocalWorkspace) Languages() *lang.Registry { return w.langs }

// normalize validates a user-supplied path and converts it to the rooted
// fs form. Absolute paths and any form of parent traversal are rejected.
func (w *LocalWorkspace) normalize(path string) (string, error) {
	p := filepath.ToSlash(strings.TrimSpace(path))
	p = strings.TrimPrefix(p, "./")
	if p == "" || p == "." {
		return ".", nil
	}
	if strings.HasPrefix(p, "/") || filepath.IsAbs(path) {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, path)
	}
	clean := filepath.ToSlash(filepath.Clean(p))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, path)
	}
	return clean, nil
}

// Exists reports whether a file or directory exists at the path.
func (w *LocalWorkspace) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p, err := w.normalize(path)
	if err != nil {
		return false, err
	}
	if _, err := fs.Stat(w.fsys, p); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ReadFile returns a file's full content.
func (w *LocalWorkspace) ReadFile(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p, err := w.normalize(path)
	if err != nil {
		return "", err
	}
	info, err := fs.Stat(w.fsys, p)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > maxReadBytes {
		return "", fmt.Errorf("%s exceeds the %d byte read limit", path, maxReadBytes)
	}
	data, err := fs.ReadFile(w.fsys, p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ReadFileRange returns the 1-based inclusive line range of a file.
// Out-of-range bounds are clamped rather than rejected.
func (w *LocalWorkspace) ReadFileRange(ctx context.Context, path string, startLine, endLine int) (*FileSlice, error) {
	content, err := w.ReadFile(ctx, path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(content, "\n")
	total := len(lines)

	if startLine < 1 {
		startLine = 1
	}
	if endLine <= 0 || endLine > total {
		endLine = total
	}
	if startLine > total {
		startLine = total
	}
	if endLine < startLine {
		endLine = startLine
	}

	p, _ := w.normalize(path)
	return &FileSlice{
		Path:       p,
		Content:    strings.Join(lines[startLine-1:endLine], "\n"),
		StartLine:  startLine,
		EndLine:    endLine,
		TotalLines: total,
		Truncated:  startLine > 1 || endLine < total,
	}, nil
}

// Glob matches code files against a doublestar pattern, skipping excluded
// directories. Results are sorted.
func (w *LocalWorkspace) Glob(ctx context.Context, pattern string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid glob pattern %q", pattern)
	}
	matches, err := doublestar.Glob(w.fsys, pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %q: %w", pattern, err)
	}
	var out []string
	for _, m := range matches {
		if w.excluded(m) {
			continue
		}
		if info, err := fs.Stat(w.fsys, m); err != nil || info.IsDir() {
			continue
		}
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

// Tree lists directories and code files under dir, bounded by depth
// (relative to dir) and entry count. Entries come back in walk order.
func (w *LocalWorkspace) Tree(ctx context.Context, dir string, maxDepth, maxEntries int) ([]TreeEntry, error) {
	start, err := w.normalize(dir)
	if err != nil {
		return nil, err
	}
	if info, err := fs.Stat(w.fsys, start); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, dir)
		}
		return nil, err
	} else if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	baseDepth := pathDepth(start)
	var out []TreeEntry
	err = fs.WalkDir(w.fsys, start, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if path == start {
			return nil
		}
		depth := pathDepth(path) - baseDepth
		if d.IsDir() {
			if w.langs.ShouldExcludeDir(d.Name()) || depth > maxDepth {
				return fs.SkipDir
			}
			out = append(out, TreeEntry{Path: path, IsDir: true, Depth: depth})
		} else {
			if depth > maxDepth || !w.langs.Supports(path) {
				return nil
			}
			out = append(out, TreeEntry{Path: path, IsDir: false, Depth: depth})
		}
		if maxEntries > 0 && len(out) >= maxEntries {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Grep runs a regex over workspace code files, returning at most
// MaxResults matches in walk order.
func (w *LocalWorkspace) Grep(ctx context.Context, q GrepQuery) ([]GrepMatch, error) {
	pattern := q.Pattern
	if q.CaseInsensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	limit := q.MaxResults
	if limit <= 0 {
		limit = 50
	}

	var out []GrepMatch
	err = w.walkScope(ctx, q.Scope, func(path string) error {
		data, err := fs.ReadFile(w.fsys, path)
		if err != nil || isBinary(data) {
			return nil
		}
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				out = append(out, GrepMatch{Path: path, Line: i + 1, Text: strings.TrimRight(line, "\r")})
				if len(out) >= limit {
					return fs.SkipAll
				}
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.SkipAll) {
		return nil, err
	}
	return out, nil
}

// Walk visits every code file under the root.
func (w *LocalWorkspace) Walk(ctx context.Context, fn func(path string) error) error {
	return w.walkScope(ctx, "", fn)
}

func (w *LocalWorkspace) walkScope(ctx context.Context, scope string, fn func(path string) error) error {
	start := "."
	if scope != "" {
		s, err := w.normalize(scope)
		if err != nil {
			return err
		}
		start = s
	}
	if info, err := fs.Stat(w.fsys, start); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, scope)
		}
		return err
	} else if !info.IsDir() {
		// A file scope narrows the walk to that single file.
		if w.langs.Supports(start) {
			return fn(start)
		}
		return nil
	}

	return fs.WalkDir(w.fsys, start, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() {
			if path != start && w.langs.ShouldExcludeDir(d.Name()) {
				return fs.SkipDir
			}
			return nil
		}
		if !w.langs.Supports(path) {
			return nil
		}
		return fn(path)
	})
}

func (w *LocalWorkspace) excluded(path string) bool {
	for _, seg := range strings.Split(path, "/") {
		if w.langs.ShouldExcludeDir(seg) {
			return true
		}
	}
	return false
}

func pathDepth(p string) int {
	if p == "." {
		return 0
	}
	return strings.Count(p, "/") + 1
}

// isBinary applies the NUL-byte heuristic over the head of a file.
func isBinary(data []byte) bool {
	head := data
	if len(head) > 8000 {
		head = head[:8000]
	}
	return bytes.IndexByte(head, 0) >= 0
}
