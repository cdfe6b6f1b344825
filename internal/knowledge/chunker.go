package knowledge

import "strings"

// piece is one pre-embedding chunk of a source file.
type piece struct {
	Heading string
	Text    string
}

// isHeading reports whether a line starts a new logical section. Markdown
// headings and top-level Python definitions both act as section boundaries so
// chunks do not straddle unrelated code or prose.
func isHeading(line string) bool {
	if strings.HasPrefix(line, "#") && !strings.HasPrefix(line, "#!") {
		return true
	}
	return strings.HasPrefix(line, "def ") || strings.HasPrefix(line, "class ")
}

// splitChunks splits text into heading-aware chunks of at most maxChars
// characters, carrying an overlap tail between adjacent chunks so context at
// chunk boundaries is not lost. Whitespace-only chunks are dropped.
func splitChunks(text string, maxChars, overlap int) []piece {
	if maxChars <= 0 {
		maxChars = 1200
	}
	if overlap < 0 || overlap >= maxChars {
		overlap = 0
	}

	var (
		chunks  []piece
		buf     strings.Builder
		heading string
	)

	flush := func(carryOverlap bool) {
		body := buf.String()
		if strings.TrimSpace(body) != "" {
			chunks = append(chunks, piece{Heading: heading, Text: body})
		}
		buf.Reset()
		if carryOverlap && overlap > 0 && len(body) > overlap {
			// Carry the tail of the previous chunk so boundary context
			// survives the split.
			buf.WriteString(body[len(body)-overlap:])
		}
	}

	for _, line := range strings.SplitAfter(text, "\n") {
		trimmed := strings.TrimRight(line, "\n")
		if isHeading(trimmed) {
			if buf.Len() > 0 {
				flush(false)
			}
			heading = trimmed
		}
		if buf.Len()+len(line) > maxChars && buf.Len() > 0 {
			flush(true)
		}
		buf.WriteString(line)
	}
	flush(false)

	return chunks
}
