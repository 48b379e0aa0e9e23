// Package lang defines the supported source languages and how to recognize
// their files, excluded build directories and extractable symbols. Every
// tool that walks or inspects the workspace goes through a Registry so all
// of them agree on what counts as code.
package lang

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ID identifies a supported language.
type ID string

const (
	Python     ID = "python"
	TypeScript ID = "typescript"
	JavaScript ID = "javascript"
	Go         ID = "go"
	Rust       ID = "rust"
	Java       ID = "java"
	C          ID = "c"
	CPP        ID = "cpp"
	Ruby       ID = "ruby"
	PHP        ID = "php"
)

// allIDs holds the declaration order, which decides extension ownership
// when languages share an extension (".h" belongs to C, not C++).
var allIDs = []ID{Python, TypeScript, JavaScript, Go, Rust, Java, C, CPP, Ruby, PHP}

// Spec describes how to treat one language's source files.
type Spec struct {
	ID            ID
	Name          string
	Extensions    []string
	ExcludeDirs   []string
	CommentSingle string

	ClassPattern    *regexp.Regexp
	FunctionPattern *regexp.Regexp
	ImportPattern   *regexp.Regexp
}

// commonExcludeDirs are skipped regardless of language.
var commonExcludeDirs = []string{".git", ".svn", ".hg", ".idea", ".vscode", ".DS_Store"}

var specs = map[ID]*Spec{
	Python: {
		ID:              Python,
		Name:            "Python",
		Extensions:      []string{".py", ".pyi", ".pyw"},
		ExcludeDirs:     []string{"__pycache__", ".venv", "venv", ".pytest_cache", ".mypy_cache", ".tox", "egg-info"},
		CommentSingle:   "#",
		ClassPattern:    regexp.MustCompile(`^\s*class\s+(\w+)`),
		FunctionPattern: regexp.MustCompile(`^\s*(?:async\s+)?def\s+(\w+)`),
		ImportPattern:   regexp.MustCompile(`^\s*(?:from\s+(\S+)\s+import|import\s+([\w.]+))`),
	},
	TypeScript: {
		ID:              TypeScript,
		Name:            "TypeScript",
		Extensions:      []string{".ts", ".tsx", ".mts", ".cts"},
		ExcludeDirs:     []string{"node_modules", "dist", "build", ".next", ".nuxt"},
		CommentSingle:   "//",
		ClassPattern:    regexp.MustCompile(`^\s*(?:export\s+)?(?:abstract\s+)?class\s+(\w+)`),
		FunctionPattern: regexp.MustCompile(`^\s*(?:export\s+)?(?:async\s+)?function\s+(\w+)`),
		ImportPattern:   regexp.MustCompile(`^\s*import\s+.*?from\s+['"]([^'"]+)['"]`),
	},
	JavaScript: {
		ID:              JavaScript,
		Name:            "JavaScript",
		Extensions:      []string{".js", ".jsx", ".mjs", ".cjs"},
		ExcludeDirs:     []string{"node_modules", "dist", "build", ".next"},
		CommentSingle:   "//",
		ClassPattern:    regexp.MustCompile(`^\s*(?:export\s+)?class\s+(\w+)`),
		FunctionPattern: regexp.MustCompile(`^\s*(?:export\s+)?(?:async\s+)?function\s+(\w+)`),
		ImportPattern:   regexp.MustCompile(`^\s*import\s+.*?from\s+['"]([^'"]+)['"]`),
	},
	Go: {
		ID:              Go,
		Name:            "Go",
		Extensions:      []string{".go"},
		ExcludeDirs:     []string{"vendor", "bin"},
		CommentSingle:   "//",
		ClassPattern:    regexp.MustCompile(`^\s*type\s+(\w+)\s+(?:struct|interface)`),
		FunctionPattern: regexp.MustCompile(`^\s*func\s+(?:\([^)]+\)\s+)?(\w+)`),
		ImportPattern:   regexp.MustCompile(`^\s*import\s+(?:\w+\s+)?"([^"]+)"`),
	},
	Rust: {
		ID:              Rust,
		Name:            "Rust",
		Extensions:      []string{".rs"},
		ExcludeDirs:     []string{"target", "debug", "release"},
		CommentSingle:   "//",
		ClassPattern:    regexp.MustCompile(`^\s*(?:pub\s+)?struct\s+(\w+)`),
		FunctionPattern: regexp.MustCompile(`^\s*(?:pub\s+)?(?:async\s+)?fn\s+(\w+)`),
		ImportPattern:   regexp.MustCompile(`^\s*use\s+([^;]+)`),
	},
	Java: {
		ID:              Java,
		Name:            "Java",
		Extensions:      []string{".java"},
		ExcludeDirs:     []string{"target", "build", ".gradle", "out"},
		CommentSingle:   "//",
		ClassPattern:    regexp.MustCompile(`^\s*(?:public\s+)?(?:abstract\s+)?class\s+(\w+)`),
		FunctionPattern: regexp.MustCompile(`^\s*(?:public|private|protected)?\s*(?:static\s+)?(?:\w+\s+)+(\w+)\s*\(`),
		ImportPattern:   regexp.MustCompile(`^\s*import\s+([^;]+)`),
	},
	C: {
		ID:              C,
		Name:            "C",
		Extensions:      []string{".c", ".h"},
		ExcludeDirs:     []string{"build", "obj", "bin"},
		CommentSingle:   "//",
		ClassPattern:    regexp.MustCompile(`^\s*(?:typedef\s+)?struct\s+(\w+)`),
		FunctionPattern: regexp.MustCompile(`^\s*(?:\w+\s+)+(\w+)\s*\([^)]*\)\s*\{`),
		ImportPattern:   regexp.MustCompile(`^\s*#include\s+[<"]([^>"]+)[>"]`),
	},
	CPP: {
		ID:              CPP,
		Name:            "C++",
		Extensions:      []string{".cpp", ".cc", ".cxx", ".hpp", ".hh", ".hxx", ".h"},
		ExcludeDirs:     []string{"build", "obj", "bin", "cmake-build-debug", "cmake-build-release"},
		CommentSingle:   "//",
		ClassPattern:    regexp.MustCompile(`^\s*(?:template\s*<[^>]*>\s*)?class\s+(\w+)`),
		FunctionPattern: regexp.MustCompile(`^\s*(?:\w+\s+)+(\w+)\s*\([^)]*\)\s*(?:const\s*)?\{`),
		ImportPattern:   regexp.MustCompile(`^\s*#include\s+[<"]([^>"]+)[>"]`),
	},
	Ruby: {
		ID:              Ruby,
		Name:            "Ruby",
		Extensions:      []string{".rb", ".rake", ".gemspec"},
		ExcludeDirs:     []string{"vendor", "bundle", ".bundle"},
		CommentSingle:   "#",
		ClassPattern:    regexp.MustCompile(`^\s*class\s+(\w+)`),
		FunctionPattern: regexp.MustCompile(`^\s*def\s+(\w+)`),
		ImportPattern:   regexp.MustCompile(`^\s*require\s+['"]([^'"]+)['"]`),
	},
	PHP: {
		ID:              PHP,
		Name:            "PHP",
		Extensions:      []string{".php", ".phtml"},
		ExcludeDirs:     []string{"vendor", "cache"},
		CommentSingle:   "//",
		ClassPattern:    regexp.MustCompile(`^\s*(?:abstract\s+)?class\s+(\w+)`),
		FunctionPattern: regexp.MustCompile(`^\s*(?:public|private|protected)?\s*function\s+(\w+)`),
		ImportPattern:   regexp.MustCompile(`^\s*(?:use|require|include)\s+([^;]+)`),
	},
}

// Known reports whether id names a supported language.
func Known(id ID) bool {
	_, ok := specs[id]
	return ok
}

// extensionSwaps lists sibling extensions a file lookup may try when the
// exact path misses.
var extensionSwaps = map[string][]string{
	".py":  {".pyi"},
	".pyi": {".py"},
	".ts":  {".tsx"},
	".tsx": {".ts"},
	".js":  {".jsx"},
	".jsx": {".js"},
	".c":   {".h"},
	".h":   {".c", ".cpp"},
	".cpp": {".hpp"},
	".hpp": {".cpp"},
}

// ExtensionSwaps returns alternate extensions to try for a path, in a fixed
// order. The result is empty for unknown extensions.
func ExtensionSwaps(path string) []string {
	ext := strings.ToLower(filepath.Ext(path))
	swaps, ok := extensionSwaps[ext]
	if !ok {
		return nil
	}
	out := make([]string, len(swaps))
	copy(out, swaps)
	return out
}

// Registry is the set of languages enabled for a workspace. The zero value
// is unusable; build one with NewRegistry.
type Registry struct {
	ids      []ID
	extIndex map[string]*Spec
	excludes map[string]struct{}
}

// NewRegistry builds a registry for the given languages. With no arguments
// every supported language is enabled. Unknown IDs are ignored.
func NewRegistry(ids ...ID) *Registry {
	if len(ids) == 0 {
		ids = allIDs
	}
	r := &Registry{
		extIndex: make(map[string]*Spec),
		excludes: make(map[string]struct{}),
	}
	for _, d := range commonExcludeDirs {
		r.excludes[d] = struct{}{}
	}
	enabled := make(map[ID]bool, len(ids))
	for _, id := range ids {
		if _, ok := specs[id]; ok {
			enabled[id] = true
		}
	}
	// Walk declaration order so shared extensions resolve the same way
	// on every run.
	for _, id := range allIDs {
		if !enabled[id] {
			continue
		}
		spec := specs[id]
		r.ids = append(r.ids, id)
		for _, ext := range spec.Extensions {
			if _, taken := r.extIndex[ext]; !taken {
				r.extIndex[ext] = spec
			}
		}
		for _, d := range spec.ExcludeDirs {
			r.excludes[d] = struct{}{}
		}
	}
	return r
}

// IDs returns the enabled languages in declaration order.
func (r *Registry) IDs() []ID {
	out := make([]ID, len(r.ids))
	copy(out, r.ids)
	return out
}

// ForFile returns the spec owning the file's extension.
func (r *Registry) ForFile(path string) (*Spec, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	spec, ok := r.extIndex[ext]
	return spec, ok
}

// Supports reports whether the file belongs to an enabled language.
func (r *Registry) Supports(path string) bool {
	_, ok := r.ForFile(path)
	return ok
}

// ShouldExcludeDir reports whether a directory name is a known build or
// metadata directory that tools must not descend into.
func (r *Registry) ShouldExcludeDir(name string) bool {
	_, ok := r.excludes[name]
	return ok
}

// Extensions returns every enabled extension, ordered by language.
func (r *Registry) Extensions() []string {
	var out []string
	seen := make(map[string]struct{})
	for _, id := range r.ids {
		for _, ext := range specs[id].Extensions {
			if _, ok := seen[ext]; ok {
				continue
			}
			seen[ext] = struct{}{}
			out = append(out, ext)
		}
	}
	return out
}

// markerFiles map repository marker files to the language they indicate.
var markerFiles = map[ID][]string{
	Python:     {"pyproject.toml", "setup.py", "requirements.txt", "Pipfile"},
	TypeScript: {"tsconfig.json"},
	JavaScript: {"package.json", ".npmrc"},
	Go:         {"go.mod", "go.sum"},
	Rust:       {"Cargo.toml", "Cargo.lock"},
	Java:       {"pom.xml", "build.gradle", "build.gradle.kts"},
	Ruby:       {"Gemfile", "Rakefile", ".ruby-version"},
	PHP:        {"composer.json", "composer.lock"},
	C:          {"Makefile", "CMakeLists.txt"},
	CPP:        {"CMakeLists.txt"},
}

// DetectRepoLanguages inspects a repository root for marker files and
// top-level source files and returns the languages found, in declaration
// order. An empty result defaults to Python.
func DetectRepoLanguages(root string) []ID {
	detected := make(map[ID]bool)

	for id, markers := range markerFiles {
		for _, m := range markers {
			if _, err := os.Stat(filepath.Join(root, m)); err == nil {
				detected[id] = true
				break
			}
		}
	}

	entries, err := os.ReadDir(root)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			ext := strings.ToLower(filepath.Ext(e.Name()))
			for _, id := range allIDs {
				for _, se := range specs[id].Extensions {
					if se == ext {
						detected[id] = true
					}
				}
			}
		}
	}

	var out []ID
	for _, id := range allIDs {
		if detected[id] {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		out = []ID{Python}
	}
	return out
}
