package termbridge

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// interactiveShells are the foreground process names treated as a ready
// shell prompt. Anything else (vim, python, a running build) means the pane
// is busy with an interactive program and gets no sentinel.
var interactiveShells = map[string]bool{
	"bash": true,
	"zsh":  true,
	"fish": true,
	"sh":   true,
	"dash": true,
}

// Marker returns the completion sentinel for a nonce. The shell expands $?
// to the exit code of the preceding command when it echoes the line.
func Marker(nonce string) string {
	return fmt.Sprintf("__EXIT__%s__$?__", nonce)
}

// markerEcho is the command appended to outgoing text so the shell echoes
// the sentinel once the line completes.
func markerEcho(nonce string) string {
	return fmt.Sprintf("; echo %s", Marker(nonce))
}

// ShouldAppendMarker decides whether the sentinel is appended to text about
// to be injected into a pane whose foreground process is currentCmd.
//
// Rules: a ready interactive shell gets the sentinel, unless the text itself
// starts a new shell (which would echo the sentinel before the user is
// done). An empty currentCmd (introspection failure) defaults to ready so
// regular commands still complete. Background jobs get the sentinel
// normally; it reflects spawn success, not job completion.
func ShouldAppendMarker(currentCmd, text string) bool {
	if startsShell(text) {
		return false
	}
	if currentCmd == "" {
		return true
	}
	return interactiveShells[currentCmd]
}

// startsShell reports whether the first word of text invokes an interactive
// shell by name, with or without a path prefix.
func startsShell(text string) bool {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return false
	}
	name := fields[0]
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	return interactiveShells[name]
}

// markerRe matches an echoed sentinel and captures its nonce and exit code.
var markerRe = regexp.MustCompile(`__EXIT__([0-9a-f-]+)__(\d+)__`)

// FindMarker scans a pane capture for the echoed sentinel with the given
// nonce. It returns the exit code and whether the sentinel was found. Lines
// still containing the unexpanded "$?" are the injected command being
// echoed back, not the completion signal, and are skipped.
func FindMarker(capture, nonce string) (int, bool) {
	for _, m := range markerRe.FindAllStringSubmatch(capture, -1) {
		if m[1] != nonce {
			continue
		}
		code, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		return code, true
	}
	return 0, false
}
