// Package registry implements the Handler Registry (C9): a deduplicated
// registration-id map of user change callbacks, plus a per-entity handle
// cache, per spec.md §4.9.
//
// Grounded on the teacher's now-removed ConfigReloadBroadcaster.clients
// map[chan struct{}]*clientInfo pattern (sse.go): a guarded map tracking live
// registrations with idempotent cleanup, generalized here to reject
// duplicate ids instead of silently overwriting.
package registry

import (
	"errors"
	"sync"

	"github.com/sessionwire/ditto-go/internal/pointerbus"
)

// ErrDuplicateRegistrationID is returned when a registration id is already
// in use, per spec.md §4.9 and §7.
var ErrDuplicateRegistrationID = errors.New("registry: registration id already in use")

// Registry is the Handler Registry (C9).
type Registry struct {
	mu sync.Mutex

	byRegistrationID map[string]pointerbus.Registration

	byThing        map[string]any
	byThingFeature map[[2]string]any
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		byRegistrationID: make(map[string]pointerbus.Registration),
		byThing:          make(map[string]any),
		byThingFeature:   make(map[[2]string]any),
	}
}

// Register associates registrationID with a Pointer Bus registration token.
// Fails with ErrDuplicateRegistrationID if the id is already registered.
func (r *Registry) Register(registrationID string, reg pointerbus.Registration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byRegistrationID[registrationID]; exists {
		return ErrDuplicateRegistrationID
	}
	r.byRegistrationID[registrationID] = reg
	return nil
}

// Deregister cancels and removes the Pointer Bus registration for
// registrationID. Returns false if no such id was registered.
func (r *Registry) Deregister(registrationID string) bool {
	r.mu.Lock()
	reg, ok := r.byRegistrationID[registrationID]
	if ok {
		delete(r.byRegistrationID, registrationID)
	}
	r.mu.Unlock()
	if ok {
		reg.Cancel()
	}
	return ok
}

// HandleForThing returns the cached handle for thingID, constructing and
// caching one via newHandle if absent. Guarantees identity for repeated
// for(id) calls, per spec.md §4.9.
func (r *Registry) HandleForThing(thingID string, newHandle func() any) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.byThing[thingID]; ok {
		return h
	}
	h := newHandle()
	r.byThing[thingID] = h
	return h
}

// HandleForFeature returns the cached handle for (thingID, featureID),
// constructing and caching one via newHandle if absent.
func (r *Registry) HandleForFeature(thingID, featureID string, newHandle func() any) any {
	key := [2]string{thingID, featureID}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.byThingFeature[key]; ok {
		return h
	}
	h := newHandle()
	r.byThingFeature[key] = h
	return h
}
