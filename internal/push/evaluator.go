// Package push implements the push-rule decision core: given a snapshot of
// facts about one event, it decides which of a recipient's rules first
// matches and returns that rule's actions.
//
// An [Evaluator] is built once per (event, recipient-set) pair and is
// immutable afterwards; evaluation is pure computation with no I/O, so a
// single evaluator may be shared across goroutines.
package push

import (
	"fmt"
	"log/slog"

	"github.com/pushgate/pushgate/internal/event"
	"github.com/pushgate/pushgate/internal/glob"
	"github.com/pushgate/pushgate/internal/rules"
)

// bodyKey is the flattened key whose values are matched per word rather
// than as a whole.
const bodyKey = "content.body"

// defaultNotificationPowerLevel applies when a sender_notification_permission
// condition names a key absent from the room's notification power levels.
const defaultNotificationPowerLevel = 50

// Evaluator holds the event-derived facts one evaluation runs against.
type Evaluator struct {
	// flattenedKeys maps dotted event-field paths to string values, e.g.
	// "type" and "content.body".
	flattenedKeys map[string]string

	// body caches flattenedKeys["content.body"] for word matching.
	body string

	// roomMemberCount is the number of users in the room.
	roomMemberCount uint64

	// notificationPowerLevels is the "notifications" section of the room's
	// power levels.
	notificationPowerLevels map[string]int64

	// senderPowerLevel is nil when the event is an outlier and the
	// sender's level is unknown.
	senderPowerLevel *int64

	// relatedEvents holds flattened related events indexed by relation
	// type.
	relatedEvents map[string]map[string]string

	// relatedEventMatchEnabled gates related_event_match conditions.
	relatedEventMatchEnabled bool

	log *slog.Logger
}

// Option configures optional evaluator parameters.
type Option func(*Evaluator)

// WithLogger sets the logger used to report per-condition failures.
func WithLogger(log *slog.Logger) Option {
	return func(e *Evaluator) { e.log = log }
}

// NewEvaluator creates an [Evaluator] over the given snapshot of facts.
// Nil maps are treated as empty; a nil senderPowerLevel marks the event as
// an outlier.
func NewEvaluator(
	flattenedKeys map[string]string,
	roomMemberCount uint64,
	senderPowerLevel *int64,
	notificationPowerLevels map[string]int64,
	relatedEvents map[string]map[string]string,
	relatedEventMatchEnabled bool,
	opts ...Option,
) (*Evaluator, error) {
	if flattenedKeys == nil {
		flattenedKeys = map[string]string{}
	}

	e := &Evaluator{
		flattenedKeys:            flattenedKeys,
		body:                     flattenedKeys[bodyKey],
		roomMemberCount:          roomMemberCount,
		notificationPowerLevels:  notificationPowerLevels,
		senderPowerLevel:         senderPowerLevel,
		relatedEvents:            relatedEvents,
		relatedEventMatchEnabled: relatedEventMatchEnabled,
		log:                      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// Run evaluates the rule set for one recipient and returns the actions of
// the first fully-matching enabled rule, with dont_notify filtered out, or
// nil if no rule matches.
//
// userID and displayName may be empty when unknown; rules that depend on
// them simply do not match. A condition error abandons only the containing
// rule (fail-closed) and is logged, never surfaced to the caller.
func (e *Evaluator) Run(set *rules.FilteredRuleSet, userID, displayName string) []rules.Action {
	_, actions := e.MatchingRule(set, userID, displayName)
	return actions
}

// MatchingRule is like [Evaluator.Run] but also reports which rule matched.
// The returned rule is nil when no rule matches; the action list is non-nil
// either way so it always encodes as a JSON array.
func (e *Evaluator) MatchingRule(set *rules.FilteredRuleSet, userID, displayName string) (*rules.Rule, []rules.Action) {
outer:
	for _, entry := range set.Rules() {
		if !entry.Enabled {
			continue
		}

		for i := range entry.Rule.Conditions {
			matched, err := e.MatchCondition(&entry.Rule.Conditions[i], userID, displayName)
			if err != nil {
				e.log.Warn("condition match failed",
					slog.String("rule_id", entry.Rule.ID),
					slog.Any("error", err),
				)
				continue outer
			}
			if !matched {
				continue outer
			}
		}

		actions := make([]rules.Action, 0, len(entry.Rule.Actions))
		for _, a := range entry.Rule.Actions {
			// dont_notify is a no-op in results; only its rule-suppressing
			// position matters.
			if a.Kind == rules.ActionDontNotify {
				continue
			}
			actions = append(actions, a)
		}

		return entry.Rule, actions
	}

	return nil, []rules.Action{}
}

// Matches evaluates a single condition, converting any error into a
// non-match after logging it. It exists for ad hoc checks outside the rule
// loop.
func (e *Evaluator) Matches(cond *rules.Condition, userID, displayName string) bool {
	matched, err := e.MatchCondition(cond, userID, displayName)
	if err != nil {
		e.log.Warn("condition match failed", slog.Any("error", err))
		return false
	}
	return matched
}

// MatchCondition evaluates one condition against the snapshot. Unknown
// condition kinds never match and never error.
func (e *Evaluator) MatchCondition(cond *rules.Condition, userID, displayName string) (bool, error) {
	if !cond.IsKnown() {
		return false, nil
	}

	switch cond.Kind {
	case rules.KindEventMatch:
		return e.matchEventMatch(cond.EventMatch, userID)

	case rules.KindRelatedEventMatch:
		return e.matchRelatedEventMatch(cond.RelatedEventMatch, userID)

	case rules.KindContainsDisplayName:
		// An empty display name would match every event, so it is
		// explicitly excluded.
		if displayName == "" {
			return false, nil
		}
		matcher, err := glob.Compile(displayName, glob.Word)
		if err != nil {
			return false, err
		}
		return matcher.Match(e.body), nil

	case rules.KindRoomMemberCount:
		if cond.RoomMemberCount.Is == nil {
			return false, nil
		}
		return e.matchMemberCount(*cond.RoomMemberCount.Is)

	case rules.KindSenderNotificationPermission:
		if e.senderPowerLevel == nil {
			return false, nil
		}
		required, ok := e.notificationPowerLevels[cond.SenderNotificationPermission.Key]
		if !ok {
			required = defaultNotificationPowerLevel
		}
		return *e.senderPowerLevel >= required, nil

	default:
		return false, nil
	}
}

func (e *Evaluator) matchEventMatch(cond *rules.EventMatchCondition, userID string) (bool, error) {
	pattern, ok, err := resolvePattern(cond.Pattern, cond.PatternType, userID)
	if err != nil || !ok {
		return false, err
	}

	haystack, ok := e.flattenedKeys[cond.Key]
	if !ok {
		return false, nil
	}

	return matchGlob(pattern, cond.Key, haystack)
}

func (e *Evaluator) matchRelatedEventMatch(cond *rules.RelatedEventMatchCondition, userID string) (bool, error) {
	if !e.relatedEventMatchEnabled {
		return false, nil
	}

	related, ok := e.relatedEvents[cond.RelType]
	if !ok {
		return false, nil
	}

	if cond.IncludeFallbacks == nil || !*cond.IncludeFallbacks {
		if _, isFallback := related[event.FallbackRelationKey]; isFallback {
			return false, nil
		}
	}

	// With no key the existence of the relation is enough.
	if cond.Key == nil {
		return true, nil
	}

	pattern, ok, err := resolvePattern(cond.Pattern, cond.PatternType, userID)
	if err != nil || !ok {
		return false, err
	}

	haystack, ok := related[*cond.Key]
	if !ok {
		return false, nil
	}

	return matchGlob(pattern, *cond.Key, haystack)
}

// resolvePattern determines the pattern text for an event-match style
// condition: the literal pattern if present, otherwise a value derived from
// the recipient's user id. The second return is false when the condition
// cannot match (no pattern, unknown recipient, or unrecognised pattern
// type).
func resolvePattern(pattern, patternType *string, userID string) (string, bool, error) {
	if pattern != nil {
		return *pattern, true, nil
	}
	if patternType == nil || userID == "" {
		return "", false, nil
	}

	switch *patternType {
	case rules.PatternTypeUserID:
		return userID, true, nil
	case rules.PatternTypeUserLocalpart:
		localpart, err := event.Localpart(userID)
		if err != nil {
			return "", false, err
		}
		return localpart, true, nil
	default:
		return "", false, nil
	}
}

// matchGlob tests a pattern against a flattened value, matching the message
// body per word and everything else as a whole value.
func matchGlob(pattern, key, haystack string) (bool, error) {
	mode := glob.Whole
	if key == bodyKey {
		mode = glob.Word
	}

	matcher, err := glob.Compile(pattern, mode)
	if err != nil {
		return false, fmt.Errorf("key %q: %w", key, err)
	}

	return matcher.Match(haystack), nil
}
