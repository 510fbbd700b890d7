// Package dispatch implements the Change Dispatcher (C8): it listens for
// inbound twin/live event adaptables on the Adaptable Bus (C3) and, for each,
// builds a Change record and notifies the Pointer Bus (C4) under the correct
// address, per spec.md §4.8 and the addressing table in spec.md §6.
//
// No teacher analog exists (things/policies have no Nostr counterpart); this
// is new translation code built from the Adaptable Bus streaming delivery
// path down to Pointer Bus Notify calls.
package dispatch

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/sessionwire/ditto-go/internal/bus"
	"github.com/sessionwire/ditto-go/internal/pointerbus"
	"github.com/sessionwire/ditto-go/internal/protocol"
)

// wireEventPayload is the standard shape of a twin/live event Adaptable's
// JSON payload: the entity-relative JSON pointer that changed, its new
// value, and revision metadata. This is wire framing the core already knows
// about (spec.md §3's Adaptable payload), not a domain/entity schema, so the
// Change Dispatcher decodes it directly rather than through the external
// Adapter.
type wireEventPayload struct {
	Path      string          `json:"path"`
	Value     json.RawMessage `json:"value,omitempty"`
	Revision  int64           `json:"revision"`
	Timestamp *int64          `json:"timestamp,omitempty"`
	Extra     json.RawMessage `json:"extra,omitempty"`
}

var actionByTopicAction = map[string]protocol.ChangeAction{
	"created":  protocol.ChangeCreated,
	"modified": protocol.ChangeUpdated,
	"deleted":  protocol.ChangeDeleted,
	"merged":   protocol.ChangeMerged,
}

// changesBufferSize bounds the catch-all Changes() channel. When it is full
// (a slow or absent reader), the newly dispatched change is dropped rather
// than block event delivery to the Pointer Bus.
const changesBufferSize = 64

// Dispatcher is the Change Dispatcher (C8).
type Dispatcher struct {
	pointer *pointerbus.Bus
	changes chan protocol.Change
	logger  *slog.Logger
}

// Config configures a new Dispatcher.
type Config struct {
	PointerBus *pointerbus.Bus
	Logger     *slog.Logger
}

// New constructs a Dispatcher and subscribes it to twin/live events on b.
func New(cfg Config, b *bus.Bus) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{pointer: cfg.PointerBus, changes: make(chan protocol.Change, changesBufferSize), logger: logger}
	b.SubscribeForAdaptable(protocol.TwinEvent, d.handle)
	b.SubscribeForAdaptable(protocol.LiveEvent, d.handle)
	return d
}

// Changes returns the catch-all channel every dispatched Change is published
// to, regardless of any Pointer Bus selector registration, per spec.md §4.9's
// session.Changes() accessor.
func (d *Dispatcher) Changes() <-chan protocol.Change { return d.changes }

func (d *Dispatcher) handle(a protocol.Adaptable) {
	var payload wireEventPayload
	if len(a.Payload) > 0 {
		if err := json.Unmarshal(a.Payload, &payload); err != nil {
			return
		}
	}

	action, ok := actionByTopicAction[strings.ToLower(a.Topic.Action)]
	if !ok {
		return
	}

	change := protocol.Change{
		EntityID:     a.Topic.EntityID,
		Action:       action,
		RelativePath: payload.Path,
		Value:        payload.Value,
		Revision:     payload.Revision,
		Timestamp:    payload.Timestamp,
		Extra:        payload.Extra,
	}

	pointer, params := addressFor(a.Topic.EntityID, payload.Path)
	change.Params = params
	d.pointer.Notify(pointer, change)

	select {
	case d.changes <- change:
	default:
		d.logger.Warn("dispatch: Changes() channel full, dropping change", "entity_id", change.EntityID, "path", change.RelativePath)
	}
}

// addressFor maps a thing id + relative path to the fixed Pointer Bus
// address family from spec.md §6, returning the pointer to notify and its
// thingId (and, for feature addresses, featureId) captures. Sub-path
// captures such as an attribute or property path are not included.
func addressFor(thingID, relativePath string) (string, map[string]string) {
	params := map[string]string{"thingId": thingID}
	base := "/things/" + thingID

	segments := strings.Split(strings.Trim(relativePath, "/"), "/")
	if relativePath == "" || len(segments) == 0 || segments[0] == "" {
		return base, params
	}

	switch segments[0] {
	case "definition":
		return base + "/definition", params
	case "policyId":
		return base + "/policyId", params
	case "attributes":
		return base + "/attributes" + jsonPointerFrom(segments[1:]), params
	case "features":
		if len(segments) == 1 {
			return base + "/features", params
		}
		featureID := segments[1]
		params["featureId"] = featureID
		rest := segments[2:]
		if len(rest) == 0 {
			return base + "/features/" + featureID, params
		}
		switch rest[0] {
		case "definition":
			return base + "/features/" + featureID + "/definition", params
		case "properties":
			return base + "/features/" + featureID + "/properties" + jsonPointerFrom(rest[1:]), params
		case "desiredProperties":
			return base + "/features/" + featureID + "/desiredProperties" + jsonPointerFrom(rest[1:]), params
		default:
			return base + "/features/" + featureID, params
		}
	default:
		return base + jsonPointerFrom(segments), params
	}
}

func jsonPointerFrom(segments []string) string {
	if len(segments) == 0 {
		return ""
	}
	return "/" + strings.Join(segments, "/")
}
