package pipeline

import (
	"strings"
	"unicode"
)

// CleanText normalises extracted text for narration. It never fails:
// unrecognised glyphs are dropped rather than reported, since a partially
// cleaned document still narrates better than a failed job.
//
// Transformations: line endings normalised, hyphenated line breaks rejoined,
// control and non-printable runes dropped, horizontal whitespace collapsed,
// runs of blank lines reduced to one paragraph break.
func CleanText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	// Rejoin words hyphenated across line breaks ("exam-\nple" -> "example").
	text = strings.ReplaceAll(text, "-\n", "")

	var b strings.Builder
	b.Grow(len(text))
	lastSpace := false
	for _, r := range text {
		switch {
		case r == '\n':
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		case unicode.IsPrint(r):
			b.WriteRune(r)
			lastSpace = false
		}
		// Everything else (controls, replacement noise) is dropped.
	}

	lines := strings.Split(b.String(), "\n")
	out := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			blank++
			if blank == 1 && len(out) > 0 {
				out = append(out, "")
			}
			continue
		}
		blank = 0
		out = append(out, line)
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}

	return strings.Join(out, "\n")
}
