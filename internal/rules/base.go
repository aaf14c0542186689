package rules

// Server-default ("base") rules. Every user's rule list is the merge of
// their own stored rules with these, interleaved by priority class:
// prepended base rules run before the user's rules of that class, appended
// base rules after.

func basePrependRules(class PriorityClass) []Rule {
	if class != PriorityOverride {
		return nil
	}

	return []Rule{
		{
			// Master kill-switch: disabled by default, suppresses
			// everything when the user enables it.
			ID:            "global/override/.m.rule.master",
			PriorityClass: PriorityOverride,
			Default:       true,
			Enabled:       false,
			Actions:       []Action{DontNotify()},
		},
	}
}

func baseAppendRules(class PriorityClass) []Rule {
	switch class {
	case PriorityOverride:
		return baseAppendOverrideRules()
	case PriorityContent:
		return baseAppendContentRules()
	case PriorityUnderride:
		return baseAppendUnderrideRules()
	default:
		return nil
	}
}

func baseAppendOverrideRules() []Rule {
	return []Rule{
		{
			ID:            "global/override/.m.rule.suppress_notices",
			PriorityClass: PriorityOverride,
			Default:       true,
			Enabled:       true,
			Conditions: []Condition{
				NewEventMatch("content.msgtype", "m.notice"),
			},
			Actions: []Action{DontNotify()},
		},
		{
			ID:            "global/override/.m.rule.roomnotif",
			PriorityClass: PriorityOverride,
			Default:       true,
			Enabled:       true,
			Conditions: []Condition{
				NewEventMatch("content.body", "@room"),
				NewSenderNotificationPermission("room"),
			},
			Actions: []Action{Notify(), SetTweak("highlight", true)},
		},
	}
}

func baseAppendContentRules() []Rule {
	return []Rule{
		{
			ID:            "global/content/.m.rule.contains_user_name",
			PriorityClass: PriorityContent,
			Default:       true,
			Enabled:       true,
			Conditions: []Condition{
				NewEventMatchType("content.body", PatternTypeUserLocalpart),
			},
			Actions: []Action{
				Notify(),
				SetTweak("sound", "default"),
				SetTweak("highlight", true),
			},
		},
	}
}

func baseAppendUnderrideRules() []Rule {
	return []Rule{
		{
			ID:            "global/underride/.m.rule.call",
			PriorityClass: PriorityUnderride,
			Default:       true,
			Enabled:       true,
			Conditions: []Condition{
				NewEventMatch("type", "m.call.invite"),
			},
			Actions: []Action{
				Notify(),
				SetTweak("sound", "ring"),
				SetTweak("highlight", false),
			},
		},
		{
			ID:            "global/underride/.m.rule.contains_display_name",
			PriorityClass: PriorityUnderride,
			Default:       true,
			Enabled:       true,
			Conditions: []Condition{
				NewContainsDisplayName(),
			},
			Actions: []Action{
				Notify(),
				SetTweak("sound", "default"),
				SetTweak("highlight", true),
			},
		},
		{
			ID:            "global/underride/.m.rule.room_one_to_one",
			PriorityClass: PriorityUnderride,
			Default:       true,
			Enabled:       true,
			Conditions: []Condition{
				NewRoomMemberCount("2"),
			},
			Actions: []Action{
				Notify(),
				SetTweak("sound", "default"),
				SetTweak("highlight", false),
			},
		},
		{
			ID:            "global/underride/.m.rule.invite_for_me",
			PriorityClass: PriorityUnderride,
			Default:       true,
			Enabled:       true,
			Conditions: []Condition{
				NewEventMatch("type", "m.room.member"),
				NewEventMatch("content.membership", "invite"),
				NewEventMatchType("state_key", PatternTypeUserID),
			},
			Actions: []Action{
				Notify(),
				SetTweak("sound", "default"),
				SetTweak("highlight", false),
			},
		},
		{
			ID:            "global/underride/.m.rule.member_event",
			PriorityClass: PriorityUnderride,
			Default:       true,
			Enabled:       true,
			Conditions: []Condition{
				NewEventMatch("type", "m.room.member"),
			},
			Actions: []Action{
				Notify(),
				SetTweak("highlight", false),
			},
		},
		{
			ID:            "global/underride/.m.rule.message",
			PriorityClass: PriorityUnderride,
			Default:       true,
			Enabled:       true,
			Conditions: []Condition{
				NewEventMatch("type", "m.room.message"),
			},
			Actions: []Action{
				Notify(),
				SetTweak("highlight", false),
			},
		},
	}
}

// WithBaseRules merges a user's rules (ordered by descending priority class,
// then descending priority) with the server defaults, preserving the
// prepend/append position of each base rule within its class.
func WithBaseRules(userRules []Rule) []Rule {
	merged := make([]Rule, 0, len(userRules)+16)

	current := PriorityOverride
	merged = append(merged, basePrependRules(current)...)

	for _, rule := range userRules {
		for rule.PriorityClass < current {
			merged = append(merged, baseAppendRules(current)...)
			current--
			if current > 0 {
				merged = append(merged, basePrependRules(current)...)
			}
		}
		merged = append(merged, rule)
	}

	for current > 0 {
		merged = append(merged, baseAppendRules(current)...)
		current--
		if current > 0 {
			merged = append(merged, basePrependRules(current)...)
		}
	}

	return merged
}
