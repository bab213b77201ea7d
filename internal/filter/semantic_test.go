package filter_test

import (
	"testing"

	"github.com/bkyoung/review-pipeline/internal/filter"
)

func TestIsSemanticChange(t *testing.T) {
	tests := []struct {
		name     string
		old      string
		new      string
		filename string
		semantic bool
	}{
		{
			name:     "identical content",
			old:      "def f():\n    return 1\n",
			new:      "def f():\n    return 1\n",
			filename: "app.py",
			semantic: false,
		},
		{
			name:     "whitespace only",
			old:      "def f():\n    return 1\n",
			new:      "def f():\n\n        return 1   \n",
			filename: "app.py",
			semantic: false,
		},
		{
			name:     "comment edit python",
			old:      "# old comment\ndef f():\n    return 1\n",
			new:      "# new comment, rewritten\ndef f():\n    return 1\n",
			filename: "app.py",
			semantic: false,
		},
		{
			name:     "comment edit go",
			old:      "// returns one\nfunc f() int { return 1 }\n",
			new:      "// returns the number one\nfunc f() int { return 1 }\n",
			filename: "f.go",
			semantic: false,
		},
		{
			name:     "reordered imports",
			old:      "import os\nimport sys\n\ndef f():\n    return 1\n",
			new:      "import sys\nimport os\n\ndef f():\n    return 1\n",
			filename: "app.py",
			semantic: false,
		},
		{
			name:     "added import",
			old:      "import os\n\ndef f():\n    return 1\n",
			new:      "import os\nimport sys\n\ndef f():\n    return 1\n",
			filename: "app.py",
			semantic: true,
		},
		{
			name:     "logic change",
			old:      "def f():\n    return 1\n",
			new:      "def f():\n    return 2\n",
			filename: "app.py",
			semantic: true,
		},
		{
			name:     "added function",
			old:      "def f():\n    return 1\n",
			new:      "def f():\n    return 1\n\ndef g():\n    return 2\n",
			filename: "app.py",
			semantic: true,
		},
		{
			name:     "hash is code in go",
			old:      "s := \"x\"\n",
			new:      "# looks like a comment but isn't one in Go\ns := \"x\"\n",
			filename: "f.go",
			semantic: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := filter.IsSemanticChange(tt.old, tt.new, tt.filename)
			if got != tt.semantic {
				t.Errorf("IsSemanticChange() = %v, want %v", got, tt.semantic)
			}
		})
	}
}
