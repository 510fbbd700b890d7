// Package protocol holds the wire-independent data model (Adaptable,
// TopicPath, StreamingType classification) shared by every internal
// component and re-exported as type aliases from the root ditto package, so
// that internal packages and the public API never disagree on these shapes
// without creating an import cycle between them.
package protocol

import "encoding/json"

// Channel is the protocol channel an Adaptable travels on.
type Channel string

const (
	ChannelTwin Channel = "twin"
	ChannelLive Channel = "live"
	ChannelNone Channel = "none"
)

// Group is the top-level entity family addressed by a TopicPath.
type Group string

const (
	GroupThings   Group = "things"
	GroupPolicies Group = "policies"
)

// Criterion classifies what an Adaptable is about within its group/channel.
type Criterion string

const (
	CriterionCommands Criterion = "commands"
	CriterionEvents   Criterion = "events"
	CriterionMessages Criterion = "messages"
	CriterionErrors   Criterion = "errors"
)

// TopicPath is the structured address of an Adaptable, e.g.
// "org.eclipse.ditto/sensor1/things/twin/events/modified".
type TopicPath struct {
	Group     Group
	Channel   Channel
	EntityID  string
	Criterion Criterion
	Action    string
}

// HeaderCorrelationID and HeaderChannel are the well-known header keys the core
// inspects; everything else is opaque to the bus and passed through verbatim.
const (
	HeaderCorrelationID     = "correlation-id"
	HeaderChannel           = "channel"
	HeaderReadSubjects      = "read-subjects"
	HeaderAuthorizationCtx  = "authorization-context"
	HeaderResponseRequired  = "response-required"
)

// Adaptable is the wire-independent structured form of a protocol frame: topic,
// headers, payload. The core never interprets Payload beyond routing decisions —
// parsing it into a domain Signal is the external Adapter's job (see Adapter).
type Adaptable struct {
	Topic   TopicPath
	Headers map[string]string
	Payload json.RawMessage
	Extra   json.RawMessage
}

// CorrelationID returns the correlation-id header, or "" if absent.
func (a Adaptable) CorrelationID() string {
	if a.Headers == nil {
		return ""
	}
	return a.Headers[HeaderCorrelationID]
}

// WithHeader returns a copy of a with the given header set. Used by Handle Base
// to rewrite headers for live-channel requests without mutating the caller's value.
func (a Adaptable) WithHeader(key, value string) Adaptable {
	headers := make(map[string]string, len(a.Headers)+1)
	for k, v := range a.Headers {
		headers[k] = v
	}
	headers[key] = value
	a.Headers = headers
	return a
}

// WithoutHeaders returns a copy of a with the given header keys removed.
func (a Adaptable) WithoutHeaders(keys ...string) Adaptable {
	headers := make(map[string]string, len(a.Headers))
	for k, v := range a.Headers {
		headers[k] = v
	}
	for _, k := range keys {
		delete(headers, k)
	}
	a.Headers = headers
	return a
}

// StreamingType is the set of long-lived event classes a caller can subscribe to.
type StreamingType int

const (
	StreamingTypeUnknown StreamingType = iota
	LiveCommand
	LiveEvent
	LiveMessage
	TwinEvent
	PolicyAnnouncement
)

func (t StreamingType) String() string {
	switch t {
	case LiveCommand:
		return "LIVE_COMMAND"
	case LiveEvent:
		return "LIVE_EVENT"
	case LiveMessage:
		return "LIVE_MESSAGE"
	case TwinEvent:
		return "TWIN_EVENT"
	case PolicyAnnouncement:
		return "POLICY_ANNOUNCEMENT"
	default:
		return "UNKNOWN"
	}
}

// Classify derives the StreamingType of an Adaptable from its topic path, or
// StreamingTypeUnknown if it doesn't correspond to any streamable class.
func Classify(a Adaptable) StreamingType {
	switch {
	case a.Topic.Group == GroupThings && a.Topic.Channel == ChannelLive && a.Topic.Criterion == CriterionCommands:
		return LiveCommand
	case a.Topic.Group == GroupThings && a.Topic.Channel == ChannelLive && a.Topic.Criterion == CriterionEvents:
		return LiveEvent
	case a.Topic.Group == GroupThings && a.Topic.Channel == ChannelLive && a.Topic.Criterion == CriterionMessages:
		return LiveMessage
	case a.Topic.Group == GroupThings && a.Topic.Channel == ChannelTwin && a.Topic.Criterion == CriterionEvents:
		return TwinEvent
	case a.Topic.Group == GroupPolicies && a.Topic.Criterion == CriterionEvents:
		return PolicyAnnouncement
	default:
		return StreamingTypeUnknown
	}
}
