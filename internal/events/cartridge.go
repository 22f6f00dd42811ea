package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
)

// Cartridge is one stage of the processing chain. Returning (nil, nil)
// drops the envelope; returning an error leaves the stream entry
// unacknowledged for retry.
type Cartridge interface {
	Name() string
	Process(ctx context.Context, e *Envelope) (*Envelope, error)
}

// DedupCartridge drops envelopes whose idempotency key already has a
// notification row. Schemas declared updates-only bypass the check so
// field updates still reach the projector.
type DedupCartridge struct {
	registry *Registry
	store    *Store
}

// NewDedupCartridge creates a DedupCartridge.
func NewDedupCartridge(registry *Registry, store *Store) *DedupCartridge {
	return &DedupCartridge{registry: registry, store: store}
}

func (c *DedupCartridge) Name() string { return "dedup" }

func (c *DedupCartridge) Process(ctx context.Context, e *Envelope) (*Envelope, error) {
	schema := c.registry.Lookup(e.Identity.Type)
	if schema == nil {
		return e, nil
	}
	if lc := schema.Lifecycle; lc != nil && !lc.Creates && lc.Updates {
		return e, nil
	}
	key := e.Identity.IdempotencyKey
	if key == "" {
		key = schema.IdempotencyKey(e.Data)
	}
	if key == "" {
		return e, nil
	}
	e.Identity.IdempotencyKey = key
	existing, err := c.store.FindByIdempotencyKey(key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, nil
	}
	return e, nil
}

// PushCallback is invoked after every projection.
type PushCallback func(notificationID uint, eventType string, wasCreated, isMeaningful bool, level int)

// ProjectorCartridge turns envelopes into notification rows per their
// schema's lifecycle declaration.
type ProjectorCartridge struct {
	registry  *Registry
	store     *Store
	callbacks []PushCallback
}

// NewProjectorCartridge creates a ProjectorCartridge.
func NewProjectorCartridge(registry *Registry, store *Store) *ProjectorCartridge {
	return &ProjectorCartridge{registry: registry, store: store}
}

// OnPush registers a delivery callback. Callbacks run after projection;
// their failures never affect the event's acknowledgement.
func (c *ProjectorCartridge) OnPush(cb PushCallback) {
	c.callbacks = append(c.callbacks, cb)
}

func (c *ProjectorCartridge) Name() string { return "projector" }

func (c *ProjectorCartridge) Process(ctx context.Context, e *Envelope) (*Envelope, error) {
	schema := c.registry.Lookup(e.Identity.Type)
	if schema == nil || schema.Lifecycle == nil {
		return e, nil
	}
	lc := schema.Lifecycle
	groupKey := schema.GroupKey(e.Data)

	var (
		n          *Notification
		wasCreated bool
		meaningful bool
		err        error
	)
	switch {
	case lc.Resolves:
		n, err = c.resolve(groupKey)
	case lc.Creates && lc.Updates && groupKey != "":
		n, wasCreated, meaningful, err = c.upsert(e, schema, groupKey)
	case lc.Creates:
		n, err = c.insert(e, schema, groupKey)
		wasCreated, meaningful = true, true
	case lc.Updates:
		n, meaningful, err = c.update(e, schema, groupKey)
	default:
		return e, nil
	}
	if err != nil {
		return nil, err
	}
	if n != nil {
		c.push(n.ID, e.Identity.Type, wasCreated, meaningful, n.Level)
	}
	return e, nil
}

func (c *ProjectorCartridge) insert(e *Envelope, schema *Schema, groupKey string) (*Notification, error) {
	payload, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("events: marshal payload: %w", err)
	}
	n := &Notification{
		EventType:      e.Identity.Type,
		Version:        e.Identity.Version,
		Source:         e.Identity.Source,
		Level:          e.Semantic.Level,
		Domain:         e.Semantic.Domain,
		Visibility:     e.Semantic.Visibility,
		Entity:         e.Semantic.Entity,
		Description:    e.Semantic.Description,
		Payload:        string(payload),
		IdempotencyKey: e.Identity.IdempotencyKey,
		GroupKey:       groupKey,
	}
	if err := c.store.Insert(n); err != nil {
		return nil, err
	}
	return n, nil
}

// upsert is the reactivation path: an envelope that passed dedup still
// lands on the existing row when the group key matches.
func (c *ProjectorCartridge) upsert(e *Envelope, schema *Schema, groupKey string) (*Notification, bool, bool, error) {
	existing, err := c.store.FindByGroupKey(groupKey)
	if err != nil {
		return nil, false, false, err
	}
	if existing == nil {
		n, err := c.insert(e, schema, groupKey)
		return n, true, true, err
	}
	meaningful, err := c.applyUpdate(existing, e, schema)
	return existing, false, meaningful, err
}

func (c *ProjectorCartridge) update(e *Envelope, schema *Schema, groupKey string) (*Notification, bool, error) {
	existing, err := c.store.FindByGroupKey(groupKey)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, nil
	}
	meaningful, err := c.applyUpdate(existing, e, schema)
	return existing, meaningful, err
}

// applyUpdate merges the new payload into the row; a change in any
// meaningful field resets the human axis to unseen.
func (c *ProjectorCartridge) applyUpdate(n *Notification, e *Envelope, schema *Schema) (bool, error) {
	var oldPayload map[string]any
	if n.Payload != "" {
		if err := json.Unmarshal([]byte(n.Payload), &oldPayload); err != nil {
			oldPayload = nil
		}
	}

	meaningful := false
	for _, f := range schema.Lifecycle.MeaningfulFields {
		oldVal := fmt.Sprintf("%v", oldPayload[f])
		newVal := fmt.Sprintf("%v", e.Data[f])
		if oldVal != newVal {
			meaningful = true
			break
		}
	}

	payload, err := json.Marshal(e.Data)
	if err != nil {
		return false, fmt.Errorf("events: marshal payload: %w", err)
	}
	n.Payload = string(payload)
	n.Description = e.Semantic.Description
	if meaningful {
		n.HumanStatus = HumanUnseen
		n.SeenAt = nil
	}
	return meaningful, c.store.Update(n)
}

func (c *ProjectorCartridge) resolve(groupKey string) (*Notification, error) {
	if groupKey == "" {
		return nil, nil
	}
	existing, err := c.store.FindByGroupKey(groupKey)
	if err != nil || existing == nil {
		return nil, err
	}
	if _, err := c.store.SetAgentStatus(existing.ID, AgentResolved, existing.AgentID); err != nil {
		return nil, err
	}
	return c.store.Get(existing.ID)
}

func (c *ProjectorCartridge) push(id uint, eventType string, wasCreated, meaningful bool, level int) {
	for _, cb := range c.callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("events: push callback panic for %d: %v", id, r)
				}
			}()
			cb(id, eventType, wasCreated, meaningful, level)
		}()
	}
}
