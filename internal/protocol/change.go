package protocol

import "encoding/json"

// ChangeAction is the kind of mutation a Change represents.
type ChangeAction string

const (
	ChangeCreated ChangeAction = "CREATED"
	ChangeUpdated ChangeAction = "UPDATED"
	ChangeDeleted ChangeAction = "DELETED"
	ChangeMerged  ChangeAction = "MERGED"
)

// Change is the user-facing notification produced by the Change Dispatcher
// (C8) and delivered through the Pointer Bus (C4), per spec.md §3. It lives
// in this shared package (rather than the root ditto package) so that
// internal/dispatch can construct one without importing ditto and creating a
// cycle; the root package re-exports it as a type alias.
type Change struct {
	EntityID     string
	Action       ChangeAction
	RelativePath string // JSON pointer of the changed value, relative to the entity (e.g. "/attributes/location")
	Value        json.RawMessage
	Revision     int64
	Timestamp    *int64
	Extra        json.RawMessage

	// Params holds the placeholder captures from the selector that matched
	// (e.g. {"thingId": "...", "featureId": "..."}), per spec.md §4.4.
	Params map[string]string
}
