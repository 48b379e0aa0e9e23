package index

import (
	"strings"

	"github.com/quarrylab/quarry/pkg/lang"
	"github.com/quarrylab/quarry/pkg/storage"
)

// Symbol kinds recorded in the index.
const (
	KindClass    = "class"
	KindFunction = "function"
	KindImport   = "import"
)

// extractSymbols scans file content line by line with the language's
// patterns. Line numbers are 1-based. A definition's LineEnd is the line
// before the next definition, the best a regex extractor can do.
func extractSymbols(spec *lang.Spec, path, content string) []storage.SymbolRow {
	lines := strings.Split(content, "\n")
	var rows []storage.SymbolRow

	for i, line := range lines {
		lineNo := i + 1
		if m := spec.ClassPattern.FindStringSubmatch(line); m != nil {
			rows = append(rows, storage.SymbolRow{
				Path: path, Symbol: m[1], Kind: KindClass,
				LineStart: lineNo, LineEnd: lineNo,
				Language: string(spec.ID),
			})
			continue
		}
		if m := spec.FunctionPattern.FindStringSubmatch(line); m != nil {
			rows = append(rows, storage.SymbolRow{
				Path: path, Symbol: m[1], Kind: KindFunction,
				LineStart: lineNo, LineEnd: lineNo,
				Language: string(spec.ID),
			})
			continue
		}
		if m := spec.ImportPattern.FindStringSubmatch(line); m != nil {
			rows = append(rows, storage.SymbolRow{
				Path: path, Symbol: firstGroup(m), Kind: KindImport,
				LineStart: lineNo, LineEnd: lineNo,
				Language: string(spec.ID),
			})
		}
	}

	closeDefinitionRanges(rows, len(lines))
	return rows
}

// firstGroup returns the first non-empty capture; import patterns with
// alternations leave all but one group empty.
func firstGroup(m []string) string {
	for _, g := range m[1:] {
		if g != "" {
			return strings.TrimSpace(g)
		}
	}
	return ""
}

// closeDefinitionRanges extends each class and function to just before the
// next definition in the file, or to the end of the file for the last one.
func closeDefinitionRanges(rows []storage.SymbolRow, totalLines int) {
	var defs []int
	for i, r := range rows {
		if r.Kind == KindClass || r.Kind == KindFunction {
			defs = append(defs, i)
		}
	}
	for n, i := range defs {
		if n+1 < len(defs) {
			rows[i].LineEnd = rows[defs[n+1]].LineStart - 1
		} else {
			rows[i].LineEnd = totalLines
		}
	}
}

// chunkFor returns the slice of content embedded for one definition,
// bounded so a huge function does not dominate the embedding.
func chunkFor(content string, row storage.SymbolRow) string {
	const maxChunkLines = 40

	lines := strings.Split(content, "\n")
	start := row.LineStart - 1
	if start < 0 || start >= len(lines) {
		return ""
	}
	end := row.LineEnd
	if end > len(lines) {
		end = len(lines)
	}
	if end-start > maxChunkLines {
		end = start + maxChunkLines
	}
	return strings.Join(lines[start:end], "\n")
}
