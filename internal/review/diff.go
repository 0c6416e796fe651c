package review

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// hunkHeader matches a unified-diff hunk header, e.g. "@@ -12,5 +14,6 @@".
// Only the new-file start line is needed (§4.6 step 4).
var hunkHeader = regexp.MustCompile(`^@@ -\d+(?:,\d+)? \+(\d+)(?:,\d+)? @@`)

// renderedLine is one kept (non-removed) line of a diff hunk, paired with
// its line number in the new file.
type renderedLine struct {
	lineNumber int
	text       string
}

// commenters maps a file extension (including the leading dot) to the
// single-line comment prefix used when annotating codeWithLines. Unknown
// extensions fall back to no comment (§4.6 step 4: "fallback: no comment").
var commenters = map[string]string{
	".go":    "//",
	".js":    "//",
	".jsx":   "//",
	".ts":    "//",
	".tsx":   "//",
	".java":  "//",
	".c":     "//",
	".h":     "//",
	".cpp":   "//",
	".cs":    "//",
	".rs":    "//",
	".kt":    "//",
	".swift": "//",
	".py":    "#",
	".rb":    "#",
	".sh":    "#",
	".yaml":  "#",
	".yml":   "#",
	".tf":    "#",
	".sql":   "--",
	".html":  "<!--",
	".xml":   "<!--",
}

func commentPrefix(path string) string {
	return commenters[strings.ToLower(filepath.Ext(path))]
}

// renderDiff parses one unified diff's hunk(s), dropping removed lines and
// producing the two parallel renderings §4.6 step 4 describes:
// codeWithLines (line-numbered, what the LLM sees) and codeWithoutLines
// (bare, what fingerprinting hashes) plus the kept lines themselves (used
// later for the context-hash computation).
func renderDiff(newPath, diffText string) (codeWithLines, codeWithoutLines string, kept []renderedLine, err error) {
	prefix := commentPrefix(newPath)
	var withLines, withoutLines []string
	var currentLine int
	sawHunk := false

	for _, line := range strings.Split(diffText, "\n") {
		if strings.HasPrefix(line, "@@") {
			m := hunkHeader.FindStringSubmatch(line)
			if m == nil {
				return "", "", nil, &hunkParseError{line: line}
			}
			start, convErr := strconv.Atoi(m[1])
			if convErr != nil {
				return "", "", nil, &hunkParseError{line: line}
			}
			currentLine = start
			sawHunk = true
			continue
		}
		if !sawHunk {
			continue
		}
		switch {
		case strings.HasPrefix(line, "-"):
			// removed line: does not exist in the new file, dropped entirely.
			continue
		case strings.HasPrefix(line, "+"):
			text := line[1:]
			kept = append(kept, renderedLine{lineNumber: currentLine, text: text})
			withoutLines = append(withoutLines, text)
			withLines = append(withLines, annotate(prefix, currentLine, text))
			currentLine++
		case strings.HasPrefix(line, " "):
			text := line[1:]
			kept = append(kept, renderedLine{lineNumber: currentLine, text: text})
			withoutLines = append(withoutLines, text)
			withLines = append(withLines, annotate(prefix, currentLine, text))
			currentLine++
		default:
			// "\ No newline at end of file" and blank separator lines.
		}
	}

	if !sawHunk {
		return "", "", nil, &hunkParseError{line: diffText}
	}
	return strings.Join(withLines, "\n"), strings.Join(withoutLines, "\n"), kept, nil
}

func annotate(prefix string, lineNumber int, text string) string {
	if prefix == "" {
		return text
	}
	return prefix + " " + strconv.Itoa(lineNumber) + "\n" + text
}

// hunkParseError is returned when a diff's hunk header does not match the
// expected "@@ -_,_ +start,_ @@" shape (§4.6 step 4: "fail the unit with a
// logged error if unparseable").
type hunkParseError struct {
	line string
}

func (e *hunkParseError) Error() string {
	return "review: unparseable diff hunk header: " + e.line
}

// contextLines returns the kept lines numbered lineNumber-n through
// lineNumber+n (both ends inclusive), in order, used by the context-hash
// computation ("±3 code lines from the LLM view", §4.6 step 8).
func contextLines(kept []renderedLine, lineNumber, n int) []string {
	var out []string
	for _, l := range kept {
		if l.lineNumber < lineNumber-n || l.lineNumber > lineNumber+n {
			continue
		}
		out = append(out, l.text)
	}
	return out
}
