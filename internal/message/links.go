package message

import (
	"strings"
	"unicode"
)

// duplicateLinksMarker is matched case-insensitively anywhere in a line.
const duplicateLinksMarker = "download any one link"

// CollapseDuplicateLinks keeps only the first link following a
// "duplicate links" marker line and drops the links after it up to the
// next non-link line. Applying it twice yields the same result.
func CollapseDuplicateLinks(body string) string {
	if !strings.Contains(strings.ToLower(body), duplicateLinksMarker) {
		return body
	}
	lines := strings.Split(body, "\n")
	out := make([]string, 0, len(lines))
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		out = append(out, line)
		if !isMarkerLine(line) {
			continue
		}
		if i+1 >= len(lines) || !isLinkLine(lines[i+1]) {
			continue
		}
		i++
		out = append(out, lines[i])
		for i+1 < len(lines) && isLinkLine(lines[i+1]) {
			i++
		}
	}
	return strings.Join(out, "\n")
}

func isMarkerLine(line string) bool {
	return strings.Contains(strings.ToLower(line), duplicateLinksMarker)
}

// isLinkLine reports whether the line is a single whitespace-free token.
func isLinkLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || isMarkerLine(trimmed) {
		return false
	}
	return strings.IndexFunc(trimmed, unicode.IsSpace) < 0
}
