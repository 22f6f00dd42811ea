// Package events is the platform event pipeline: envelope emission onto a
// durable stream, consumer-group processing through a cartridge chain, and
// projection into the notification store.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Semantic levels, ordered by audience breadth.
const (
	LevelInfrastructure = 0
	LevelOperational    = 1
	LevelWorkflow       = 2
	LevelBusiness       = 3
)

// Visibility scopes.
const (
	VisibilityLocal   = "local"
	VisibilityCluster = "cluster"
	VisibilityPublic  = "public"
)

// Identity names and times one emission.
type Identity struct {
	Type           string    `json:"type"`
	Version        int       `json:"version"`
	Source         string    `json:"source"`
	Timestamp      time.Time `json:"timestamp"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

// Semantic classifies an event for routing and display.
type Semantic struct {
	Level       int    `json:"level"`
	Domain      string `json:"domain"`
	Entity      string `json:"entity,omitempty"`
	Description string `json:"description"`
	Visibility  string `json:"visibility"`
}

// Affordance describes one action a consumer may take on an event.
// Structural only; nothing in the pipeline executes these.
type Affordance struct {
	Description   string `json:"description"`
	ProducesEvent string `json:"produces_event,omitempty"`
	OutcomeShape  string `json:"outcome_shape,omitempty"`
}

// Resolution declares when an event group is terminal.
type Resolution struct {
	TerminalWhen string `json:"terminal_when,omitempty"`
	Shape        string `json:"shape,omitempty"`
}

// Envelope is the five-layer wire structure every platform event uses.
type Envelope struct {
	Identity    Identity              `json:"identity"`
	Semantic    Semantic              `json:"semantic"`
	Data        map[string]any        `json:"data,omitempty"`
	Affordances map[string]Affordance `json:"affordances,omitempty"`
	Resolution  *Resolution           `json:"resolution,omitempty"`
}

// Wire serializes the envelope to the string-keyed form stream entries use.
func (e *Envelope) Wire() (map[string]any, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("events: marshal envelope %s: %w", e.Identity.Type, err)
	}
	return map[string]any{"envelope": string(body)}, nil
}

// FromWire decodes a stream entry back into an envelope.
func FromWire(values map[string]any) (*Envelope, error) {
	raw, _ := values["envelope"].(string)
	if raw == "" {
		return nil, fmt.Errorf("events: stream entry has no envelope field")
	}
	var e Envelope
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("events: decode envelope: %w", err)
	}
	return &e, nil
}
