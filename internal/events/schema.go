package events

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Lifecycle declares how a schema's events project into notifications.
type Lifecycle struct {
	Creates  bool
	Updates  bool
	Resolves bool
	// GroupKey names the payload fields identifying the notification row
	// that updates and resolves land on.
	GroupKey []string
	// MeaningfulFields are payload fields whose change resets a
	// notification to unseen. Empty means no update is meaningful.
	MeaningfulFields []string
}

// Schema is one registry entry describing an event type.
type Schema struct {
	Type              string
	Description       string
	DefaultLevel      int
	DefaultDomain     string
	DefaultVisibility string
	// IdempotencyFields compose the dedup key, in order.
	IdempotencyFields []string
	Lifecycle         *Lifecycle
	Actionable        bool
}

// IdempotencyKey builds the dedup key for a payload from the schema's
// declared fields. Returns "" when the schema declares none.
func (s *Schema) IdempotencyKey(payload map[string]any) string {
	if len(s.IdempotencyFields) == 0 {
		return ""
	}
	parts := make([]string, 0, len(s.IdempotencyFields)+1)
	parts = append(parts, s.Type)
	for _, f := range s.IdempotencyFields {
		parts = append(parts, fmt.Sprintf("%v", payload[f]))
	}
	return strings.Join(parts, ":")
}

// GroupKey builds the lifecycle group key for a payload.
func (s *Schema) GroupKey(payload map[string]any) string {
	if s.Lifecycle == nil || len(s.Lifecycle.GroupKey) == 0 {
		return ""
	}
	parts := make([]string, 0, len(s.Lifecycle.GroupKey)+1)
	parts = append(parts, s.Type)
	for _, f := range s.Lifecycle.GroupKey {
		parts = append(parts, fmt.Sprintf("%v", payload[f]))
	}
	return strings.Join(parts, ":")
}

// Registry holds event schemas by type.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewRegistry creates a Registry seeded with the built-in schemas.
func NewRegistry() *Registry {
	r := &Registry{schemas: make(map[string]*Schema)}
	for _, s := range builtinSchemas {
		r.Register(s)
	}
	return r
}

// Register adds or replaces a schema.
func (r *Registry) Register(s *Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[s.Type] = s
}

// Lookup returns the schema for an event type, or nil.
func (r *Registry) Lookup(eventType string) *Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.schemas[eventType]
}

// Types returns all registered event types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

var builtinSchemas = []*Schema{
	{
		Type:              "session.created",
		Description:       "A terminal session started",
		DefaultLevel:      LevelOperational,
		DefaultDomain:     "sessions",
		DefaultVisibility: VisibilityCluster,
		IdempotencyFields: []string{"session_id"},
		Lifecycle: &Lifecycle{
			Creates:          true,
			GroupKey:         []string{"session_id"},
			MeaningfulFields: []string{"agent", "project_dir"},
		},
	},
	{
		Type:              "session.closed",
		Description:       "A terminal session ended",
		DefaultLevel:      LevelOperational,
		DefaultDomain:     "sessions",
		DefaultVisibility: VisibilityCluster,
		IdempotencyFields: []string{"session_id"},
		Lifecycle: &Lifecycle{
			Resolves: true,
			GroupKey: []string{"session_id"},
		},
	},
	{
		Type:              "session.activity",
		Description:       "Agent activity state changed in a session",
		DefaultLevel:      LevelInfrastructure,
		DefaultDomain:     "sessions",
		DefaultVisibility: VisibilityLocal,
		Lifecycle: &Lifecycle{
			Updates:          true,
			GroupKey:         []string{"session_id"},
			MeaningfulFields: []string{"summary"},
		},
	},
	{
		Type:              "memory.extraction_requested",
		Description:       "Idle compaction requested a memory extraction pass",
		DefaultLevel:      LevelInfrastructure,
		DefaultDomain:     "memory",
		DefaultVisibility: VisibilityLocal,
		IdempotencyFields: []string{"session_id"},
	},
	{
		Type:              "escalation.raised",
		Description:       "A customer session escalated to the help desk",
		DefaultLevel:      LevelBusiness,
		DefaultDomain:     "helpdesk",
		DefaultVisibility: VisibilityCluster,
		IdempotencyFields: []string{"session_id", "thread_id"},
		Lifecycle: &Lifecycle{
			Creates:          true,
			Updates:          true,
			GroupKey:         []string{"session_id"},
			MeaningfulFields: []string{"reason"},
		},
		Actionable: true,
	},
	{
		Type:              "escalation.resolved",
		Description:       "A help-desk escalation was handed back",
		DefaultLevel:      LevelWorkflow,
		DefaultDomain:     "helpdesk",
		DefaultVisibility: VisibilityCluster,
		IdempotencyFields: []string{"session_id", "thread_id"},
		Lifecycle: &Lifecycle{
			Resolves: true,
			GroupKey: []string{"session_id"},
		},
	},
	{
		Type:              "job.failed",
		Description:       "A background job reported a failure",
		DefaultLevel:      LevelInfrastructure,
		DefaultDomain:     "jobs",
		DefaultVisibility: VisibilityLocal,
		IdempotencyFields: []string{"job", "session_id"},
		Lifecycle: &Lifecycle{
			Creates:          true,
			Updates:          true,
			GroupKey:         []string{"job", "session_id"},
			MeaningfulFields: []string{"error"},
		},
	},
}
