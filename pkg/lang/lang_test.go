package lang

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_ForFile(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		path string
		want ID
	}{
		{"pkg/api/server.go", Go},
		{"src/app.py", Python},
		{"src/app.PYI", Python},
		{"web/index.tsx", TypeScript},
		{"lib/util.rs", Rust},
		{"include/list.h", C},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			spec, ok := r.ForFile(tt.path)
			require.True(t, ok)
			assert.Equal(t, tt.want, spec.ID)
		})
	}

	_, ok := r.ForFile("README.md")
	assert.False(t, ok)
}

func TestRegistry_SharedExtensionIsDeterministic(t *testing.T) {
	// ".h" is declared by both C and C++; C wins by declaration order.
	for i := 0; i < 20; i++ {
		spec, ok := NewRegistry().ForFile("a.h")
		require.True(t, ok)
		assert.Equal(t, C, spec.ID)
	}
}

func TestRegistry_SubsetOnly(t *testing.T) {
	r := NewRegistry(Go, Python)

	assert.Equal(t, []ID{Python, Go}, r.IDs(), "declaration order, not argument order")
	assert.True(t, r.Supports("main.go"))
	assert.False(t, r.Supports("main.rs"))
}

func TestRegistry_ExcludeDirs(t *testing.T) {
	r := NewRegistry(Python)

	assert.True(t, r.ShouldExcludeDir(".git"))
	assert.True(t, r.ShouldExcludeDir("__pycache__"))
	assert.False(t, r.ShouldExcludeDir("node_modules"), "typescript not enabled")
	assert.False(t, r.ShouldExcludeDir("src"))
}

func TestExtensionSwaps(t *testing.T) {
	assert.Equal(t, []string{".pyi"}, ExtensionSwaps("pkg/mod.py"))
	assert.Equal(t, []string{".ts"}, ExtensionSwaps("web/App.tsx"))
	assert.Empty(t, ExtensionSwaps("doc.md"))
}

func TestExtractSymbols_Python(t *testing.T) {
	src := `import os
from collections import defaultdict

class Loader:
    def parse(self):
        pass

async def run_all():
    pass
`
	spec := specs[Python]
	syms := spec.ExtractSymbols(src, 0)

	require.Len(t, syms, 5)
	assert.Equal(t, Symbol{Name: "os", Kind: KindImport, Line: 1}, syms[0])
	assert.Equal(t, Symbol{Name: "collections", Kind: KindImport, Line: 2}, syms[1])
	assert.Equal(t, Symbol{Name: "Loader", Kind: KindClass, Line: 4}, syms[2])
	assert.Equal(t, Symbol{Name: "parse", Kind: KindFunction, Line: 5}, syms[3])
	assert.Equal(t, Symbol{Name: "run_all", Kind: KindFunction, Line: 8}, syms[4])
}

func TestExtractSymbols_GoImportBlock(t *testing.T) {
	src := `package api

import (
	"fmt"
	nethttp "net/http"
)

type Server struct {
	addr string
}

func (s *Server) Start() error {
	return nil
}
`
	spec := specs[Go]
	syms := spec.ExtractSymbols(src, 0)

	var imports, classes, funcs []Symbol
	for _, s := range syms {
		switch s.Kind {
		case KindImport:
			imports = append(imports, s)
		case KindClass:
			classes = append(classes, s)
		case KindFunction:
			funcs = append(funcs, s)
		}
	}

	require.Len(t, imports, 2)
	assert.Equal(t, "fmt", imports[0].Name)
	assert.Equal(t, "net/http", imports[1].Name)
	require.Len(t, classes, 1)
	assert.Equal(t, "Server", classes[0].Name)
	require.Len(t, funcs, 1)
	assert.Equal(t, Symbol{Name: "Start", Kind: KindFunction, Line: 12}, funcs[0])
}

func TestExtractSymbols_Max(t *testing.T) {
	src := "def a():\n    pass\ndef b():\n    pass\ndef c():\n    pass\n"
	syms := specs[Python].ExtractSymbols(src, 2)
	assert.Len(t, syms, 2)
}

func TestExtractImports(t *testing.T) {
	src := "import os\nimport sys\n\ndef main():\n    pass\n"
	imports := specs[Python].ExtractImports(src, 1)
	require.Len(t, imports, 1)
	assert.Equal(t, "os", imports[0].Name)
}

func TestDetectRepoLanguages(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "go.mod"), []byte("module x\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "setup.py"), []byte(""), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.rs"), []byte("fn main() {}\n"), 0o644))

	ids := DetectRepoLanguages(root)
	assert.Equal(t, []ID{Python, Go, Rust}, ids)
}

func TestDetectRepoLanguages_DefaultsToPython(t *testing.T) {
	assert.Equal(t, []ID{Python}, DetectRepoLanguages(t.TempDir()))
}
