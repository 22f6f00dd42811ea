// Package relay implements help-desk diversion: customer-session input is
// routed to an admin thread and back until an explicit handback returns
// control to the agent.
package relay

import (
	"regexp"
	"strings"
)

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07|\x1b.`)

// Sanitize strips ANSI escape sequences and control bytes from text bound
// for a terminal pane. Newlines and tabs survive.
func Sanitize(text string) string {
	text = ansiRe.ReplaceAllString(text, "")
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r == '\n' || r == '\t' {
			b.WriteRune(r)
			continue
		}
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// agentTokenRe matches a word-boundary @agent mention. Substrings such as
// "engagement" or "user@agent.com" do not match.
var agentTokenRe = regexp.MustCompile(`(?i)(^|\W)@agent(\W|$)`)

// HasHandbackToken reports whether thread text contains a standalone
// @agent mention.
func HasHandbackToken(text string) bool {
	return agentTokenRe.MatchString(text)
}
