package session

import (
	"fmt"
	"strings"

	"github.com/InstruktAI/teleclaude/internal/models"
)

// Thinking modes accepted for new sessions.
const (
	ThinkingFast   = "fast"
	ThinkingMedium = "medium"
	ThinkingSlow   = "slow"
	ThinkingDeep   = "deep"
)

var thinkingModes = map[string]bool{
	ThinkingFast:   true,
	ThinkingMedium: true,
	ThinkingSlow:   true,
	ThinkingDeep:   true,
}

// thinkingFlags maps a thinking mode to each agent CLI's reasoning flag.
var thinkingFlags = map[string]map[string]string{
	models.AgentClaude: {
		ThinkingFast:   "",
		ThinkingMedium: "",
		ThinkingSlow:   "--thinking",
		ThinkingDeep:   "--thinking",
	},
	models.AgentGemini: {
		ThinkingFast:   "",
		ThinkingMedium: "",
		ThinkingSlow:   "",
		ThinkingDeep:   "",
	},
	models.AgentCodex: {
		ThinkingFast:   "-c model_reasoning_effort=low",
		ThinkingMedium: "-c model_reasoning_effort=medium",
		ThinkingSlow:   "-c model_reasoning_effort=high",
		ThinkingDeep:   "-c model_reasoning_effort=high",
	},
}

// ValidAgent reports whether name is a known agent variant.
func ValidAgent(name string) bool {
	switch name {
	case models.AgentClaude, models.AgentGemini, models.AgentCodex:
		return true
	}
	return false
}

// ValidThinking reports whether mode is a known thinking mode.
func ValidThinking(mode string) bool {
	return thinkingModes[mode]
}

// LaunchCommand builds the shell command that starts an agent CLI inside a
// pane. When nativeID is non-empty the CLI resumes that external
// continuation instead of starting fresh.
func LaunchCommand(agent, thinking, nativeID string) (string, error) {
	if !ValidAgent(agent) {
		return "", fmt.Errorf("session: unknown agent %q", agent)
	}
	parts := []string{agent}
	if flag := thinkingFlags[agent][thinking]; flag != "" {
		parts = append(parts, flag)
	}
	if nativeID != "" {
		switch agent {
		case models.AgentCodex:
			parts = append(parts, "resume", nativeID)
		default:
			parts = append(parts, "--resume", nativeID)
		}
	}
	return strings.Join(parts, " "), nil
}
