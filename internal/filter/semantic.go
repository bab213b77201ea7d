package filter

import (
	"sort"
	"strings"
)

// IsSemanticChange reports whether the difference between two file versions
// is worth a review round. Whitespace-only edits, full-line comment edits,
// and trivially reordered imports are not.
//
// The comparison is conservative: anything it cannot classify as cosmetic
// counts as semantic, so false positives cost an unnecessary review rather
// than a missed one.
func IsSemanticChange(oldContent, newContent, filename string) bool {
	if oldContent == newContent {
		return false
	}

	oldCode, oldImports := normalize(oldContent, filename)
	newCode, newImports := normalize(newContent, filename)

	if !equalLines(oldCode, newCode) {
		return true
	}

	// Code bodies match; the change is non-semantic if the import sets
	// match regardless of order.
	sort.Strings(oldImports)
	sort.Strings(newImports)
	return !equalLines(oldImports, newImports)
}

// normalize strips the cosmetic dimensions out of a file: surrounding
// whitespace, blank lines, and full-line comments. Import-like lines are
// split out so callers can compare them order-insensitively.
func normalize(content, filename string) (code, imports []string) {
	for _, raw := range strings.Split(content, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if isComment(line, filename) {
			continue
		}
		if isImport(line) {
			imports = append(imports, line)
			continue
		}
		code = append(code, line)
	}
	return code, imports
}

// isComment recognizes full-line comments for the comment style the file's
// extension implies. Inline trailing comments are left alone; stripping
// them risks mangling string literals.
func isComment(line, filename string) bool {
	switch {
	case hashCommented(filename):
		return strings.HasPrefix(line, "#")
	case slashCommented(filename):
		return strings.HasPrefix(line, "//") ||
			strings.HasPrefix(line, "/*") ||
			strings.HasPrefix(line, "*")
	default:
		return strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//")
	}
}

func hashCommented(filename string) bool {
	for _, ext := range []string{".py", ".rb", ".sh", ".pl", ".r"} {
		if strings.HasSuffix(strings.ToLower(filename), ext) {
			return true
		}
	}
	return false
}

func slashCommented(filename string) bool {
	for _, ext := range []string{".go", ".js", ".jsx", ".ts", ".tsx", ".java", ".c", ".h", ".cpp", ".cs", ".rs", ".swift", ".kt", ".scala", ".php"} {
		if strings.HasSuffix(strings.ToLower(filename), ext) {
			return true
		}
	}
	return false
}

// isImport recognizes the common import statement shapes across the
// languages the pipeline reviews.
func isImport(line string) bool {
	return strings.HasPrefix(line, "import ") ||
		strings.HasPrefix(line, "from ") ||
		strings.HasPrefix(line, "use ") ||
		strings.HasPrefix(line, "require ")
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
