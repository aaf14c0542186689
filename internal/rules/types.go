// Package rules defines the push-rule data model: typed conditions, actions,
// rules, priority classes, the server-default rule set, and the
// enabled-filtered view the evaluator iterates.
package rules

import (
	"encoding/json"
	"fmt"
)

// PriorityClass orders groups of rules; higher classes are evaluated first.
type PriorityClass int

const (
	PriorityUnderride PriorityClass = iota + 1
	PrioritySender
	PriorityRoom
	PriorityContent
	PriorityOverride
)

var priorityClassNames = map[PriorityClass]string{
	PriorityUnderride: "underride",
	PrioritySender:    "sender",
	PriorityRoom:      "room",
	PriorityContent:   "content",
	PriorityOverride:  "override",
}

// Name returns the wire name of the priority class ("override", "content",
// "room", "sender" or "underride"), or "" for an invalid class.
func (c PriorityClass) Name() string {
	return priorityClassNames[c]
}

// ParsePriorityClass converts a wire name into a [PriorityClass].
func ParsePriorityClass(name string) (PriorityClass, error) {
	for class, n := range priorityClassNames {
		if n == name {
			return class, nil
		}
	}
	return 0, fmt.Errorf("unknown priority class %q", name)
}

// Known condition kinds.
const (
	KindEventMatch                   = "event_match"
	KindRelatedEventMatch            = "im.nheko.msc3664.related_event_match"
	KindContainsDisplayName          = "contains_display_name"
	KindRoomMemberCount              = "room_member_count"
	KindSenderNotificationPermission = "sender_notification_permission"
)

// Pattern types for conditions whose pattern is derived from the recipient.
const (
	PatternTypeUserID        = "user_id"
	PatternTypeUserLocalpart = "user_localpart"
)

// EventMatchCondition matches a glob pattern against one flattened event
// field. Exactly one of Pattern or PatternType is normally set.
type EventMatchCondition struct {
	Key         string  `json:"key"`
	Pattern     *string `json:"pattern,omitempty"`
	PatternType *string `json:"pattern_type,omitempty"`
}

// RelatedEventMatchCondition matches against an event related to the one
// being evaluated, looked up by relation type. With no Key the condition is
// satisfied by the mere existence of the relation.
type RelatedEventMatchCondition struct {
	RelType          string  `json:"rel_type"`
	Key              *string `json:"key,omitempty"`
	Pattern          *string `json:"pattern,omitempty"`
	PatternType      *string `json:"pattern_type,omitempty"`
	IncludeFallbacks *bool   `json:"include_fallbacks,omitempty"`
}

// RoomMemberCountCondition compares the room's member count against an
// inequality expression such as "2", "==2" or ">=10".
type RoomMemberCountCondition struct {
	Is *string `json:"is,omitempty"`
}

// SenderNotificationPermissionCondition requires the event sender to hold
// the power level associated with Key in the room's notification power
// levels.
type SenderNotificationPermissionCondition struct {
	Key string `json:"key"`
}

// Condition is a tagged union over the known condition kinds. A condition
// of a kind this server does not recognise is carried verbatim in Unknown;
// unknown conditions never match, so new kinds degrade safely instead of
// failing to parse.
type Condition struct {
	Kind string

	EventMatch                   *EventMatchCondition
	RelatedEventMatch            *RelatedEventMatchCondition
	RoomMemberCount              *RoomMemberCountCondition
	SenderNotificationPermission *SenderNotificationPermissionCondition

	// Unknown holds the raw JSON of an unrecognised condition.
	Unknown json.RawMessage
}

// IsKnown reports whether the condition is one of the kinds this server
// evaluates.
func (c *Condition) IsKnown() bool {
	return c.Unknown == nil
}

// UnmarshalJSON decodes a condition, dispatching on its "kind" field and
// retaining unrecognised kinds as raw JSON.
func (c *Condition) UnmarshalJSON(data []byte) error {
	var tag struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return fmt.Errorf("decode condition: %w", err)
	}

	*c = Condition{Kind: tag.Kind}

	switch tag.Kind {
	case KindEventMatch:
		c.EventMatch = &EventMatchCondition{}
		return json.Unmarshal(data, c.EventMatch)
	case KindRelatedEventMatch:
		c.RelatedEventMatch = &RelatedEventMatchCondition{}
		return json.Unmarshal(data, c.RelatedEventMatch)
	case KindContainsDisplayName:
		return nil
	case KindRoomMemberCount:
		c.RoomMemberCount = &RoomMemberCountCondition{}
		return json.Unmarshal(data, c.RoomMemberCount)
	case KindSenderNotificationPermission:
		c.SenderNotificationPermission = &SenderNotificationPermissionCondition{}
		return json.Unmarshal(data, c.SenderNotificationPermission)
	default:
		c.Unknown = append(json.RawMessage(nil), data...)
		return nil
	}
}

// MarshalJSON re-encodes the condition, emitting unknown kinds byte-for-byte
// as they were received.
func (c Condition) MarshalJSON() ([]byte, error) {
	if c.Unknown != nil {
		return c.Unknown, nil
	}

	switch c.Kind {
	case KindEventMatch:
		return marshalTagged(c.Kind, c.EventMatch)
	case KindRelatedEventMatch:
		return marshalTagged(c.Kind, c.RelatedEventMatch)
	case KindRoomMemberCount:
		return marshalTagged(c.Kind, c.RoomMemberCount)
	case KindSenderNotificationPermission:
		return marshalTagged(c.Kind, c.SenderNotificationPermission)
	default:
		return json.Marshal(map[string]string{"kind": c.Kind})
	}
}

func marshalTagged(kind string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	fields["kind"] = json.RawMessage(fmt.Sprintf("%q", kind))

	return json.Marshal(fields)
}

// NewEventMatch builds an event_match condition with a literal pattern.
func NewEventMatch(key, pattern string) Condition {
	return Condition{
		Kind:       KindEventMatch,
		EventMatch: &EventMatchCondition{Key: key, Pattern: ptr(pattern)},
	}
}

// NewEventMatchType builds an event_match condition whose pattern is derived
// from the recipient ("user_id" or "user_localpart").
func NewEventMatchType(key, patternType string) Condition {
	return Condition{
		Kind:       KindEventMatch,
		EventMatch: &EventMatchCondition{Key: key, PatternType: ptr(patternType)},
	}
}

// NewContainsDisplayName builds a contains_display_name condition.
func NewContainsDisplayName() Condition {
	return Condition{Kind: KindContainsDisplayName}
}

// NewRoomMemberCount builds a room_member_count condition.
func NewRoomMemberCount(is string) Condition {
	return Condition{
		Kind:            KindRoomMemberCount,
		RoomMemberCount: &RoomMemberCountCondition{Is: ptr(is)},
	}
}

// NewSenderNotificationPermission builds a sender_notification_permission
// condition for the given power-level key.
func NewSenderNotificationPermission(key string) Condition {
	return Condition{
		Kind:                         KindSenderNotificationPermission,
		SenderNotificationPermission: &SenderNotificationPermissionCondition{Key: key},
	}
}

// Rule is one ordered AND-group of conditions paired with an action list.
type Rule struct {
	ID            string        `json:"rule_id"`
	PriorityClass PriorityClass `json:"-"`
	Default       bool          `json:"default"`
	Enabled       bool          `json:"enabled"`
	Conditions    []Condition   `json:"conditions,omitempty"`
	Actions       []Action      `json:"actions"`
}

func ptr[T any](v T) *T {
	return &v
}
