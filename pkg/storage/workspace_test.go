package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylab/quarry/pkg/lang"
)

func newTestWorkspace(t *testing.T) *LocalWorkspace {
	t.Helper()
	root := t.TempDir()

	files := map[string]string{
		"app/loader.py":        "import os\n\nclass Loader:\n    def parse_config(self):\n        return None\n",
		"app/util.py":          "def helper():\n    return 1\n",
		"pkg/server.go":        "package pkg\n\nfunc Serve() error {\n\treturn nil\n}\n",
		"node_modules/dep.js":  "function hidden() {}\n",
		"README.md":            "# readme\n",
		"app/sub/deep/more.py": "def deep():\n    pass\n",
	}
	for path, content := range files {
		full := filepath.Join(root, filepath.FromSlash(path))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}

	ws, err := NewLocalWorkspace(root, lang.NewRegistry())
	require.NoError(t, err)
	return ws
}

func TestLocalWorkspace_RejectsEscapes(t *testing.T) {
	ws := newTestWorkspace(t)
	ctx := context.Background()

	for _, path := range []string{"/etc/passwd", "../outside.py", "app/../../outside.py"} {
		t.Run(path, func(t *testing.T) {
			_, err := ws.ReadFile(ctx, path)
			assert.ErrorIs(t, err, ErrOutsideWorkspace)
		})
	}
}

func TestLocalWorkspace_ReadFile(t *testing.T) {
	ws := newTestWorkspace(t)
	ctx := context.Background()

	content, err := ws.ReadFile(ctx, "app/util.py")
	require.NoError(t, err)
	assert.Contains(t, content, "def helper()")

	_, err = ws.ReadFile(ctx, "app/missing.py")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalWorkspace_ReadFileRangeClamps(t *testing.T) {
	ws := newTestWorkspace(t)
	ctx := context.Background()

	slice, err := ws.ReadFileRange(ctx, "app/loader.py", 3, 99)
	require.NoError(t, err)
	assert.Equal(t, 3, slice.StartLine)
	assert.Equal(t, slice.TotalLines, slice.EndLine)
	assert.Contains(t, slice.Content, "class Loader")
	assert.True(t, slice.Truncated)

	full, err := ws.ReadFileRange(ctx, "app/loader.py", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, full.StartLine)
	assert.False(t, full.Truncated)
}

func TestLocalWorkspace_Glob(t *testing.T) {
	ws := newTestWorkspace(t)
	ctx := context.Background()

	matches, err := ws.Glob(ctx, "**/*.py")
	require.NoError(t, err)
	assert.Equal(t, []string{"app/loader.py", "app/sub/deep/more.py", "app/util.py"}, matches)

	none, err := ws.Glob(ctx, "**/*.rs")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestLocalWorkspace_GlobSkipsExcludedDirs(t *testing.T) {
	ws := newTestWorkspace(t)

	matches, err := ws.Glob(context.Background(), "**/*.js")
	require.NoError(t, err)
	assert.Empty(t, matches, "node_modules content must not leak into results")
}

func TestLocalWorkspace_Tree(t *testing.T) {
	ws := newTestWorkspace(t)
	ctx := context.Background()

	entries, err := ws.Tree(ctx, "app", 1, 0)
	require.NoError(t, err)

	var paths []string
	for _, e := range entries {
		paths = append(paths, e.Path)
	}
	assert.Contains(t, paths, "app/loader.py")
	assert.Contains(t, paths, "app/sub")
	assert.NotContains(t, paths, "app/sub/deep", "depth 2 exceeds the bound")

	limited, err := ws.Tree(ctx, ".", 10, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestLocalWorkspace_TreeMissingDir(t *testing.T) {
	ws := newTestWorkspace(t)
	_, err := ws.Tree(context.Background(), "nope", 3, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalWorkspace_Grep(t *testing.T) {
	ws := newTestWorkspace(t)
	ctx := context.Background()

	matches, err := ws.Grep(ctx, GrepQuery{Pattern: `def\s+\w+`, MaxResults: 50})
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	for _, m := range matches {
		assert.Greater(t, m.Line, 0)
		assert.Contains(t, m.Text, "def ")
	}
}

func TestLocalWorkspace_GrepCaseInsensitive(t *testing.T) {
	ws := newTestWorkspace(t)
	ctx := context.Background()

	sensitive, err := ws.Grep(ctx, GrepQuery{Pattern: "LOADER", MaxResults: 10})
	require.NoError(t, err)
	assert.Empty(t, sensitive)

	insensitive, err := ws.Grep(ctx, GrepQuery{Pattern: "LOADER", CaseInsensitive: true, MaxResults: 10})
	require.NoError(t, err)
	assert.NotEmpty(t, insensitive)
}

func TestLocalWorkspace_GrepScopeAndLimit(t *testing.T) {
	ws := newTestWorkspace(t)
	ctx := context.Background()

	scoped, err := ws.Grep(ctx, GrepQuery{Pattern: `def`, Scope: "app/sub", MaxResults: 10})
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "app/sub/deep/more.py", scoped[0].Path)

	limited, err := ws.Grep(ctx, GrepQuery{Pattern: `.`, MaxResults: 3})
	require.NoError(t, err)
	assert.Len(t, limited, 3)
}

func TestLocalWorkspace_GrepInvalidPattern(t *testing.T) {
	ws := newTestWorkspace(t)
	_, err := ws.Grep(context.Background(), GrepQuery{Pattern: "def("})
	assert.Error(t, err)
}

func TestLocalWorkspace_WalkVisitsCodeOnly(t *testing.T) {
	ws := newTestWorkspace(t)

	var visited []string
	err := ws.Walk(context.Background(), func(path string) error {
		visited = append(visited, path)
		return nil
	})
	require.NoError(t, err)

	assert.Contains(t, visited, "pkg/server.go")
	assert.NotContains(t, visited, "README.md")
	assert.NotContains(t, visited, "node_modules/dep.js")
}

func TestLocalWorkspace_Exists(t *testing.T) {
	ws := newTestWorkspace(t)
	ctx := context.Background()

	ok, err := ws.Exists(ctx, "pkg/server.go")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ws.Exists(ctx, "pkg/missing.go")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFingerprint_Distinguishes(t *testing.T) {
	a := Fingerprint("a.py", "content")
	b := Fingerprint("b.py", "content")
	c := Fingerprint("a.py", "changed")

	assert.NotEqual(t, a, b, "same content under another path")
	assert.NotEqual(t, a, c, "changed content under the same path")
	assert.Equal(t, a, Fingerprint("a.py", "content"))
}
