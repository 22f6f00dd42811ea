package toolserver

import "github.com/InstruktAI/teleclaude/internal/models"

// Tool names.
const (
	ToolListComputers     = "list_computers"
	ToolListProjects      = "list_projects"
	ToolListSessions      = "list_sessions"
	ToolStartSession      = "start_session"
	ToolSendMessage       = "send_message"
	ToolSendFile          = "send_file"
	ToolGetSessionData    = "get_session_data"
	ToolEndSession        = "end_session"
	ToolStick             = "stick"
	ToolUnstick           = "unstick"
	ToolStopNotifications = "stop_notifications"
	ToolDeploy            = "deploy"
	ToolEscalate          = "escalate"
)

var allTools = []string{
	ToolListComputers, ToolListProjects, ToolListSessions, ToolStartSession,
	ToolSendMessage, ToolSendFile, ToolGetSessionData, ToolEndSession,
	ToolStick, ToolUnstick, ToolStopNotifications, ToolDeploy, ToolEscalate,
}

// exclusions maps a human role to the tools it cannot see. Escalate is
// customer-only; the customer tier keeps only the help-desk surface.
var exclusions = map[string]map[string]bool{
	models.RoleAdmin: {
		ToolEscalate: true,
	},
	models.RoleMember: {
		ToolDeploy:   true,
		ToolEscalate: true,
	},
	models.RoleWorker: {
		ToolDeploy:            true,
		ToolStopNotifications: true,
		ToolEscalate:          true,
	},
	models.RoleContributor: {
		ToolDeploy:     true,
		ToolEndSession: true,
		ToolStick:      true,
		ToolUnstick:    true,
		ToolEscalate:   true,
	},
	models.RoleNewcomer: {
		ToolDeploy:       true,
		ToolEndSession:   true,
		ToolStick:        true,
		ToolUnstick:      true,
		ToolStartSession: true,
		ToolSendFile:     true,
		ToolEscalate:     true,
	},
	models.RoleCustomer: {
		ToolListComputers:  true,
		ToolListProjects:   true,
		ToolListSessions:   true,
		ToolStartSession:   true,
		ToolSendFile:       true,
		ToolGetSessionData: true,
		ToolEndSession:     true,
		ToolStick:          true,
		ToolUnstick:        true,
		ToolDeploy:         true,
	},
	models.RoleUnauthorized: nil, // filled below: everything
}

func init() {
	all := make(map[string]bool, len(allTools))
	for _, t := range allTools {
		all[t] = true
	}
	exclusions[models.RoleUnauthorized] = all
}

// Allowed reports whether a role may invoke a tool. Unknown roles are
// treated as unauthorized.
func Allowed(role, tool string) bool {
	excluded, ok := exclusions[role]
	if !ok {
		excluded = exclusions[models.RoleUnauthorized]
	}
	return !excluded[tool]
}

// VisibleTools lists the tools a role may invoke.
func VisibleTools(role string) []string {
	out := make([]string, 0, len(allTools))
	for _, t := range allTools {
		if Allowed(role, t) {
			out = append(out, t)
		}
	}
	return out
}
