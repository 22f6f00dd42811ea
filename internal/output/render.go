// Package output turns raw pane captures into attributed, deduplicated,
// dual-mode deltas delivered to every adapter bound to a session.
package output

import (
	"regexp"
	"strings"

	"github.com/InstruktAI/teleclaude/internal/adapters"
)

// ansiRe matches ANSI escape sequences (CSI, OSC, and bare escapes).
var ansiRe = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07|\x1b.`)

// StripANSI removes ANSI escape sequences from s.
func StripANSI(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}

// Render produces both output forms of a delta. The agent form is the
// delta verbatim, whitespace and newlines preserved. The human form is
// ANSI-stripped with trailing whitespace trimmed and runs of blank lines
// collapsed.
func Render(delta string) adapters.Rendering {
	return adapters.Rendering{
		Human: renderHuman(delta),
		Agent: delta,
	}
}

func renderHuman(delta string) string {
	s := StripANSI(delta)
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blanks := 0
	for _, line := range lines {
		line = strings.TrimRight(line, " \t\r")
		if line == "" {
			blanks++
			if blanks > 1 {
				continue
			}
		} else {
			blanks = 0
		}
		out = append(out, line)
	}
	return strings.TrimRight(strings.Join(out, "\n"), "\n")
}
