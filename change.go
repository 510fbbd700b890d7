package ditto

import "github.com/sessionwire/ditto-go/internal/protocol"

// ChangeAction, Change, and ChangeHandler are defined once in
// internal/protocol (so the Change Dispatcher can build one without
// importing this package) and aliased here for the public API.
type (
	ChangeAction = protocol.ChangeAction
	Change       = protocol.Change
)

const (
	ChangeCreated = protocol.ChangeCreated
	ChangeUpdated = protocol.ChangeUpdated
	ChangeDeleted = protocol.ChangeDeleted
	ChangeMerged  = protocol.ChangeMerged
)

// ChangeHandler is a user-registered callback for a Pointer Bus selector.
type ChangeHandler func(Change)
