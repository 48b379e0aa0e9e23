package lang

import (
	"regexp"
	"strings"
)

// SymbolKind classifies an extracted symbol.
type SymbolKind string

const (
	KindClass    SymbolKind = "class"
	KindFunction SymbolKind = "function"
	KindImport   SymbolKind = "import"
)

// Symbol is one regex-extracted definition or import with its 1-based line.
type Symbol struct {
	Name string
	Kind SymbolKind
	Line int
}

var goImportBlockStart = regexp.MustCompile(`^\s*import\s*\(`)
var goImportBlockEntry = regexp.MustCompile(`^\s*(?:\w+\s+)?"([^"]+)"`)

// ExtractSymbols scans content line by line and returns class, function and
// import symbols up to max (0 means unlimited). Extraction is regex-based
// on purpose: it is language-tolerant, line-accurate and fast enough to
// run over whole repositories.
func (s *Spec) ExtractSymbols(content string, max int) []Symbol {
	var out []Symbol
	full := func() bool { return max > 0 && len(out) >= max }

	inGoImports := false
	for i, line := range strings.Split(content, "\n") {
		if full() {
			break
		}
		lineNo := i + 1

		// Go import blocks span lines, which a per-line pattern misses.
		if s.ID == Go {
			if inGoImports {
				if strings.HasPrefix(strings.TrimSpace(line), ")") {
					inGoImports = false
					continue
				}
				if m := goImportBlockEntry.FindStringSubmatch(line); m != nil {
					out = append(out, Symbol{Name: m[1], Kind: KindImport, Line: lineNo})
				}
				continue
			}
			if goImportBlockStart.MatchString(line) {
				inGoImports = true
				continue
			}
		}

		if s.ClassPattern != nil {
			if m := s.ClassPattern.FindStringSubmatch(line); m != nil {
				out = append(out, Symbol{Name: firstGroup(m), Kind: KindClass, Line: lineNo})
				continue
			}
		}
		if s.FunctionPattern != nil {
			if m := s.FunctionPattern.FindStringSubmatch(line); m != nil {
				out = append(out, Symbol{Name: firstGroup(m), Kind: KindFunction, Line: lineNo})
				continue
			}
		}
		if s.ImportPattern != nil {
			if m := s.ImportPattern.FindStringSubmatch(line); m != nil {
				if name := firstGroup(m); name != "" {
					out = append(out, Symbol{Name: strings.TrimSpace(name), Kind: KindImport, Line: lineNo})
				}
			}
		}
	}
	return out
}

// ExtractImports returns just the import symbols.
func (s *Spec) ExtractImports(content string, max int) []Symbol {
	var out []Symbol
	for _, sym := range s.ExtractSymbols(content, 0) {
		if sym.Kind != KindImport {
			continue
		}
		out = append(out, sym)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out
}

// firstGroup returns the first non-empty capture group of a regex match.
// Import patterns with alternations capture into different groups
// depending on the branch taken.
func firstGroup(m []string) string {
	for _, g := range m[1:] {
		if g != "" {
			return g
		}
	}
	return ""
}
