package diff_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/bkyoung/review-pipeline/internal/diff"
)

// multiHunkPatch builds a patch with n single-addition hunks.
func multiHunkPatch(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		start := 10 * (i + 1)
		fmt.Fprintf(&b, "@@ -%d,1 +%d,2 @@\n context\n+added %d\n", start, start, i)
	}
	return b.String()
}

func TestChunkPatch_EmptyPatch(t *testing.T) {
	chunks, err := diff.ChunkPatch("", 10)
	if err != nil {
		t.Fatalf("ChunkPatch() error = %v", err)
	}
	if len(chunks) != 0 {
		t.Errorf("expected 0 chunks for empty patch, got %d", len(chunks))
	}
}

func TestChunkPatch_OneChunkPerHunk(t *testing.T) {
	chunks, err := diff.ChunkPatch(multiHunkPatch(3), 10)
	if err != nil {
		t.Fatalf("ChunkPatch() error = %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}

	// Source order preserved
	for i, chunk := range chunks {
		if !strings.Contains(chunk.Content, fmt.Sprintf("added %d", i)) {
			t.Errorf("chunk %d out of order: %q", i, chunk.Content)
		}
	}
}

func TestChunkPatch_TruncatesAtBound(t *testing.T) {
	chunks, err := diff.ChunkPatch(multiHunkPatch(15), 10)
	if err != nil {
		t.Fatalf("ChunkPatch() error = %v", err)
	}
	if len(chunks) != 10 {
		t.Errorf("expected truncation at 10 chunks, got %d", len(chunks))
	}
}

func TestChunkPatch_DefaultBound(t *testing.T) {
	chunks, err := diff.ChunkPatch(multiHunkPatch(15), 0)
	if err != nil {
		t.Fatalf("ChunkPatch() error = %v", err)
	}
	if len(chunks) != diff.DefaultMaxHunkChanges {
		t.Errorf("expected default bound %d, got %d", diff.DefaultMaxHunkChanges, len(chunks))
	}
}

func TestChunkPatch_LineRange(t *testing.T) {
	patch := `@@ -10,3 +10,3 @@
 context
+added
 trailing
`
	chunks, err := diff.ChunkPatch(patch, 10)
	if err != nil {
		t.Fatalf("ChunkPatch() error = %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}

	if chunks[0].StartLine != 10 {
		t.Errorf("expected StartLine=10, got %d", chunks[0].StartLine)
	}
	if chunks[0].EndLine != 12 {
		t.Errorf("expected EndLine=12, got %d", chunks[0].EndLine)
	}
}

func TestChunkPatch_ContentVerbatim(t *testing.T) {
	patch := `@@ -1,1 +1,2 @@
 import os
+import sys`

	chunks, err := diff.ChunkPatch(patch, 10)
	if err != nil {
		t.Fatalf("ChunkPatch() error = %v", err)
	}
	if chunks[0].Content != patch {
		t.Errorf("expected verbatim hunk text:\ngot:\n%s\nwant:\n%s", chunks[0].Content, patch)
	}
}

func TestChunkPatch_Idempotent(t *testing.T) {
	patch := multiHunkPatch(4)

	first, err := diff.ChunkPatch(patch, 10)
	if err != nil {
		t.Fatalf("ChunkPatch() error = %v", err)
	}
	second, err := diff.ChunkPatch(patch, 10)
	if err != nil {
		t.Fatalf("ChunkPatch() error = %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("chunk counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("chunk %d differs across runs", i)
		}
	}
}
