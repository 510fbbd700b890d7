package ditto

import "github.com/sessionwire/ditto-go/internal/protocol"

// The data-model types below are defined once in internal/protocol (shared by
// every internal component) and aliased here for the public API.
type (
	Channel       = protocol.Channel
	Group         = protocol.Group
	Criterion     = protocol.Criterion
	TopicPath     = protocol.TopicPath
	Adaptable     = protocol.Adaptable
	StreamingType = protocol.StreamingType
)

const (
	ChannelTwin = protocol.ChannelTwin
	ChannelLive = protocol.ChannelLive
	ChannelNone = protocol.ChannelNone

	GroupThings   = protocol.GroupThings
	GroupPolicies = protocol.GroupPolicies

	CriterionCommands = protocol.CriterionCommands
	CriterionEvents   = protocol.CriterionEvents
	CriterionMessages = protocol.CriterionMessages
	CriterionErrors   = protocol.CriterionErrors

	HeaderCorrelationID    = protocol.HeaderCorrelationID
	HeaderChannel          = protocol.HeaderChannel
	HeaderReadSubjects     = protocol.HeaderReadSubjects
	HeaderAuthorizationCtx = protocol.HeaderAuthorizationCtx
	HeaderResponseRequired = protocol.HeaderResponseRequired

	StreamingTypeUnknown = protocol.StreamingTypeUnknown
	LiveCommand          = protocol.LiveCommand
	LiveEvent            = protocol.LiveEvent
	LiveMessage          = protocol.LiveMessage
	TwinEvent            = protocol.TwinEvent
	PolicyAnnouncement   = protocol.PolicyAnnouncement
)

// Classify derives the StreamingType of an Adaptable from its topic path.
func Classify(a Adaptable) StreamingType { return protocol.Classify(a) }
