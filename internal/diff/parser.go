// Package diff parses unified diff patches and splits them into
// reviewable hunks.
package diff

import (
	"strconv"
	"strings"
)

// LineType represents the type of a line in a diff.
type LineType int

const (
	// LineContext represents an unchanged context line (starts with ' ').
	LineContext LineType = iota
	// LineAddition represents an added line (starts with '+').
	LineAddition
	// LineDeletion represents a deleted line (starts with '-').
	LineDeletion
)

// Line represents a single line in a diff hunk.
type Line struct {
	Type    LineType // The type of change
	Content string   // The line content (without the prefix)
	NewLine *int     // Line number in new file (nil for deletions)
}

// Hunk represents a single @@ hunk in a unified diff.
type Hunk struct {
	OldStart int    // Starting line in old file
	OldLines int    // Number of lines from old file
	NewStart int    // Starting line in new file
	NewLines int    // Number of lines in new file
	Header   string // The raw @@ header line
	Lines    []Line // The lines in this hunk
}

// Text reconstructs the hunk as unified diff text, header included.
func (h Hunk) Text() string {
	var b strings.Builder
	b.WriteString(h.Header)
	for _, line := range h.Lines {
		b.WriteByte('\n')
		switch line.Type {
		case LineAddition:
			b.WriteByte('+')
		case LineDeletion:
			b.WriteByte('-')
		default:
			b.WriteByte(' ')
		}
		b.WriteString(line.Content)
	}
	return b.String()
}

// NewEnd returns the last new-file line number covered by the hunk.
func (h Hunk) NewEnd() int {
	if h.NewLines == 0 {
		return h.NewStart
	}
	return h.NewStart + h.NewLines - 1
}

// ParsedDiff represents a parsed unified diff for a single file.
type ParsedDiff struct {
	Hunks []Hunk
}

// Parse parses a unified diff string into a ParsedDiff.
// It handles standard git diff output including file headers.
func Parse(patch string) (ParsedDiff, error) {
	if patch == "" {
		return ParsedDiff{}, nil
	}

	lines := strings.Split(patch, "\n")
	result := ParsedDiff{}

	var currentHunk *Hunk
	currentNewLine := 0

	for _, line := range lines {
		// Skip empty lines, including the one a trailing newline leaves
		if line == "" {
			continue
		}

		// Skip file headers (diff --git, index, ---, +++)
		if strings.HasPrefix(line, "diff --git") ||
			strings.HasPrefix(line, "index ") ||
			strings.HasPrefix(line, "--- ") ||
			strings.HasPrefix(line, "+++ ") {
			continue
		}

		// Skip "\ No newline at end of file" markers
		if strings.HasPrefix(line, "\\ ") {
			continue
		}

		// Parse hunk header
		if strings.HasPrefix(line, "@@") {
			if currentHunk != nil {
				result.Hunks = append(result.Hunks, *currentHunk)
			}

			hunk := parseHunkHeader(line)
			currentHunk = &hunk
			currentNewLine = hunk.NewStart
			continue
		}

		// Skip if not in a hunk yet
		if currentHunk == nil {
			continue
		}

		diffLine := Line{}
		switch line[0] {
		case '+':
			diffLine.Type = LineAddition
			diffLine.Content = line[1:]
			diffLine.NewLine = intPtr(currentNewLine)
			currentNewLine++
		case '-':
			diffLine.Type = LineDeletion
			diffLine.Content = line[1:]
			// Deletions don't have new-side line numbers
			diffLine.NewLine = nil
		case ' ':
			diffLine.Type = LineContext
			diffLine.Content = line[1:]
			diffLine.NewLine = intPtr(currentNewLine)
			currentNewLine++
		default:
			// Treat unknown as context (handles edge cases)
			diffLine.Type = LineContext
			diffLine.Content = line
			diffLine.NewLine = intPtr(currentNewLine)
			currentNewLine++
		}

		currentHunk.Lines = append(currentHunk.Lines, diffLine)
	}

	// Don't forget the last hunk
	if currentHunk != nil {
		result.Hunks = append(result.Hunks, *currentHunk)
	}

	return result, nil
}

// parseHunkHeader parses a hunk header line like "@@ -10,7 +10,8 @@ optional context".
func parseHunkHeader(line string) Hunk {
	hunk := Hunk{Header: line}

	parts := strings.Split(line, "@@")
	if len(parts) < 2 {
		return hunk
	}

	rangeInfo := strings.TrimSpace(parts[1])
	for _, part := range strings.Fields(rangeInfo) {
		if strings.HasPrefix(part, "-") {
			// Old file range: -start,count or -start
			hunk.OldStart, hunk.OldLines = parseRange(strings.TrimPrefix(part, "-"))
		} else if strings.HasPrefix(part, "+") {
			// New file range: +start,count or +start
			hunk.NewStart, hunk.NewLines = parseRange(strings.TrimPrefix(part, "+"))
		}
	}

	return hunk
}

// parseRange parses "start,count" or "start" format.
func parseRange(s string) (start, count int) {
	if idx := strings.Index(s, ","); idx >= 0 {
		start, _ = strconv.Atoi(s[:idx])
		count, _ = strconv.Atoi(s[idx+1:])
	} else {
		start, _ = strconv.Atoi(s)
		count = 1
	}
	return
}

func intPtr(n int) *int {
	return &n
}
