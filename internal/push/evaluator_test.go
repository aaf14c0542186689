package push

import (
	"encoding/json"
	"testing"

	"github.com/pushgate/pushgate/internal/event"
	"github.com/pushgate/pushgate/internal/rules"
)

func int64Ptr(v int64) *int64 {
	return &v
}

func newBodyEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	e, err := NewEvaluator(
		map[string]string{"content.body": "foo bar bob hello"},
		10,
		int64Ptr(0),
		nil,
		nil,
		true,
	)
	if err != nil {
		t.Fatalf("NewEvaluator() error = %v", err)
	}
	return e
}

func ruleSet(ruleList ...rules.Rule) *rules.FilteredRuleSet {
	return rules.NewFilteredRuleSet(ruleList, nil)
}

func TestRunFirstMatchWins(t *testing.T) {
	e := newBodyEvaluator(t)

	set := ruleSet(
		rules.Rule{
			ID:         "first",
			Enabled:    true,
			Conditions: []rules.Condition{rules.NewEventMatch("content.body", "foo")},
			Actions:    []rules.Action{rules.Notify()},
		},
		rules.Rule{
			ID:         "second",
			Enabled:    true,
			Conditions: []rules.Condition{rules.NewContainsDisplayName()},
			Actions:    []rules.Action{rules.Notify(), rules.DontNotify()},
		},
		rules.Rule{
			ID:      "catch-all",
			Enabled: true,
			Actions: []rules.Action{rules.DontNotify()},
		},
	)

	actions := e.Run(set, "@bob:example.org", "bob")
	if len(actions) != 1 || actions[0].Kind != rules.ActionNotify {
		t.Fatalf("Run() = %v, want exactly [notify]", actions)
	}
}

func TestRunDontNotifyNeverReturned(t *testing.T) {
	e := newBodyEvaluator(t)

	set := ruleSet(rules.Rule{
		ID:      "catch-all",
		Enabled: true,
		Actions: []rules.Action{rules.DontNotify(), rules.SetTweak("sound", "default")},
	})

	actions := e.Run(set, "", "")
	if len(actions) != 1 || actions[0].Kind != rules.ActionSetTweak {
		t.Fatalf("Run() = %v, want [set_tweak] with dont_notify filtered", actions)
	}
}

func TestRunSkipsDisabledRules(t *testing.T) {
	e := newBodyEvaluator(t)

	set := rules.NewFilteredRuleSet([]rules.Rule{
		{
			ID:      "disabled-catch-all",
			Enabled: false,
			Actions: []rules.Action{rules.Notify()},
		},
		{
			ID:      "enabled-but-off-by-override",
			Enabled: true,
			Actions: []rules.Action{rules.Notify(), rules.SetTweak("sound", "default")},
		},
	}, map[string]bool{"enabled-but-off-by-override": false})

	if actions := e.Run(set, "", ""); len(actions) != 0 {
		t.Fatalf("Run() = %v, want no actions when every rule is disabled", actions)
	}
}

func TestRunEnabledOverrideTurnsRuleOn(t *testing.T) {
	e := newBodyEvaluator(t)

	set := rules.NewFilteredRuleSet([]rules.Rule{
		{
			ID:      "off-by-default",
			Enabled: false,
			Actions: []rules.Action{rules.Notify()},
		},
	}, map[string]bool{"off-by-default": true})

	actions := e.Run(set, "", "")
	if len(actions) != 1 || actions[0].Kind != rules.ActionNotify {
		t.Fatalf("Run() = %v, want [notify]", actions)
	}
}

func TestRunConditionErrorAbandonsRuleOnly(t *testing.T) {
	e := newBodyEvaluator(t)

	// A localpart pattern with a malformed user id errors; the rule must be
	// skipped without aborting the selection, so the next rule matches.
	set := ruleSet(
		rules.Rule{
			ID:      "erroring",
			Enabled: true,
			Conditions: []rules.Condition{
				rules.NewEventMatchType("content.body", rules.PatternTypeUserLocalpart),
			},
			Actions: []rules.Action{rules.SetTweak("sound", "ring")},
		},
		rules.Rule{
			ID:      "fallback",
			Enabled: true,
			Actions: []rules.Action{rules.Notify()},
		},
	)

	actions := e.Run(set, "not-a-user-id", "")
	if len(actions) != 1 || actions[0].Kind != rules.ActionNotify {
		t.Fatalf("Run() = %v, want the fallback rule's [notify]", actions)
	}
}

func TestRunAndSemanticsShortCircuit(t *testing.T) {
	e := newBodyEvaluator(t)

	set := ruleSet(rules.Rule{
		ID:      "two-conditions",
		Enabled: true,
		Conditions: []rules.Condition{
			rules.NewEventMatch("content.body", "foo"),
			rules.NewEventMatch("content.body", "nope"),
		},
		Actions: []rules.Action{rules.Notify()},
	})

	if actions := e.Run(set, "", ""); len(actions) != 0 {
		t.Fatalf("Run() = %v, want no actions when one condition fails", actions)
	}
}

func TestRunNoRuleMatches(t *testing.T) {
	e := newBodyEvaluator(t)

	set := ruleSet(rules.Rule{
		ID:         "no-match",
		Enabled:    true,
		Conditions: []rules.Condition{rules.NewEventMatch("type", "m.call.invite")},
		Actions:    []rules.Action{rules.Notify()},
	})

	actions := e.Run(set, "", "")
	if len(actions) != 0 {
		t.Fatalf("Run() = %v, want no actions", actions)
	}
	if actions == nil {
		t.Fatal("Run() = nil, want an empty action list")
	}
}

func TestMatchConditionEventMatch(t *testing.T) {
	flattened := map[string]string{
		"type":         "m.room.message",
		"content.body": "foo bar bob hello",
		"sender":       "@alice:example.org",
	}

	tests := []struct {
		name        string
		cond        rules.Condition
		userID      string
		want        bool
		wantErr     bool
	}{
		{
			name: "word match in body",
			cond: rules.NewEventMatch("content.body", "bob"),
			want: true,
		},
		{
			name: "partial word does not match body",
			cond: rules.NewEventMatch("content.body", "bo"),
			want: false,
		},
		{
			name: "whole match on non-body key",
			cond: rules.NewEventMatch("type", "m.room.message"),
			want: true,
		},
		{
			name: "whole mode rejects prefix",
			cond: rules.NewEventMatch("type", "m.room"),
			want: false,
		},
		{
			name: "glob on non-body key",
			cond: rules.NewEventMatch("type", "m.room.*"),
			want: true,
		},
		{
			name: "absent key never matches",
			cond: rules.NewEventMatch("content.msgtype", "m.text"),
			want: false,
		},
		{
			name:   "user_id pattern type",
			cond:   rules.NewEventMatchType("sender", rules.PatternTypeUserID),
			userID: "@alice:example.org",
			want:   true,
		},
		{
			name:   "user_localpart pattern type",
			cond:   rules.NewEventMatchType("content.body", rules.PatternTypeUserLocalpart),
			userID: "@bob:example.org",
			want:   true,
		},
		{
			name:   "malformed user id errors for localpart",
			cond:   rules.NewEventMatchType("content.body", rules.PatternTypeUserLocalpart),
			userID: "bob",
			wantErr: true,
		},
		{
			name:   "unrecognised pattern type never matches",
			cond:   rules.NewEventMatchType("sender", "user_domain"),
			userID: "@alice:example.org",
			want:   false,
		},
		{
			name: "missing user id never matches for pattern type",
			cond: rules.NewEventMatchType("sender", rules.PatternTypeUserID),
			want: false,
		},
		{
			name: "no pattern and no pattern type never matches",
			cond: rules.Condition{
				Kind:       rules.KindEventMatch,
				EventMatch: &rules.EventMatchCondition{Key: "type"},
			},
			want: false,
		},
	}

	e, err := NewEvaluator(flattened, 10, int64Ptr(0), nil, nil, true)
	if err != nil {
		t.Fatalf("NewEvaluator() error = %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.MatchCondition(&tt.cond, tt.userID, "")
			if tt.wantErr {
				if err == nil {
					t.Fatal("MatchCondition() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("MatchCondition() error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("MatchCondition() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatchConditionContainsDisplayName(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		displayName string
		want        bool
	}{
		{name: "display name present as word", body: "foo bar bob hello", displayName: "bob", want: true},
		{name: "display name absent from body", body: "foo bar hello", displayName: "bob", want: false},
		{name: "empty display name never matches", body: "foo bar bob hello", displayName: "", want: false},
		{name: "empty display name with empty body", body: "", displayName: "", want: false},
		{name: "case-insensitive", body: "hey BOB", displayName: "bob", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := NewEvaluator(map[string]string{"content.body": tt.body}, 10, int64Ptr(0), nil, nil, true)
			if err != nil {
				t.Fatalf("NewEvaluator() error = %v", err)
			}

			cond := rules.NewContainsDisplayName()
			got, err := e.MatchCondition(&cond, "", tt.displayName)
			if err != nil {
				t.Fatalf("MatchCondition() error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("MatchCondition() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatchConditionRoomMemberCount(t *testing.T) {
	tests := []struct {
		name    string
		is      string
		want    bool
		wantErr bool
	}{
		{name: "bare number means equality", is: "10", want: true},
		{name: "bare number mismatch", is: "2", want: false},
		{name: "double equals", is: "==10", want: true},
		{name: "less than", is: "<11", want: true},
		{name: "less than false", is: "<10", want: false},
		{name: "greater than", is: ">9", want: true},
		{name: "greater or equal", is: ">=10", want: true},
		{name: "less or equal", is: "<=10", want: true},
		{name: "reversed operator is false, not an error", is: "=<10", want: false},
		{name: "repeated operator is false, not an error", is: "<<10", want: false},
		{name: "mixed operator is false, not an error", is: "<>10", want: false},
		{name: "missing number", is: ">", wantErr: true},
		{name: "not a number", is: "ten", wantErr: true},
		{name: "empty clause", is: "", wantErr: true},
		{name: "overflowing number", is: "99999999999999999999999999", wantErr: true},
	}

	e, err := NewEvaluator(nil, 10, int64Ptr(0), nil, nil, true)
	if err != nil {
		t.Fatalf("NewEvaluator() error = %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond := rules.NewRoomMemberCount(tt.is)
			got, err := e.MatchCondition(&cond, "", "")
			if tt.wantErr {
				if err == nil {
					t.Fatal("MatchCondition() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("MatchCondition() error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("MatchCondition(is=%q) = %v, want %v", tt.is, got, tt.want)
			}
		})
	}
}

func TestMatchConditionRoomMemberCountNoClause(t *testing.T) {
	e, err := NewEvaluator(nil, 10, int64Ptr(0), nil, nil, true)
	if err != nil {
		t.Fatalf("NewEvaluator() error = %v", err)
	}

	cond := rules.Condition{Kind: rules.KindRoomMemberCount, RoomMemberCount: &rules.RoomMemberCountCondition{}}
	got, err := e.MatchCondition(&cond, "", "")
	if err != nil || got {
		t.Fatalf("MatchCondition() = %v, %v, want false, nil", got, err)
	}
}

func TestMatchConditionSenderNotificationPermission(t *testing.T) {
	tests := []struct {
		name        string
		senderLevel *int64
		levels      map[string]int64
		want        bool
	}{
		{name: "default threshold met", senderLevel: int64Ptr(50), want: true},
		{name: "default threshold missed", senderLevel: int64Ptr(49), want: false},
		{name: "explicit threshold met", senderLevel: int64Ptr(10), levels: map[string]int64{"room": 10}, want: true},
		{name: "explicit threshold missed", senderLevel: int64Ptr(9), levels: map[string]int64{"room": 10}, want: false},
		{name: "outlier event never matches", senderLevel: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := NewEvaluator(nil, 10, tt.senderLevel, tt.levels, nil, true)
			if err != nil {
				t.Fatalf("NewEvaluator() error = %v", err)
			}

			cond := rules.NewSenderNotificationPermission("room")
			got, err := e.MatchCondition(&cond, "", "")
			if err != nil {
				t.Fatalf("MatchCondition() error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("MatchCondition() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatchConditionRelatedEventMatch(t *testing.T) {
	related := map[string]map[string]string{
		"m.in_reply_to": {
			"type":         "m.room.message",
			"sender":       "@alice:example.org",
			"content.body": "original message",
		},
		"m.thread": {
			"type":                    "m.room.message",
			event.FallbackRelationKey: "",
		},
	}

	relCond := func(relType string, key, pattern *string, includeFallbacks *bool) rules.Condition {
		return rules.Condition{
			Kind: rules.KindRelatedEventMatch,
			RelatedEventMatch: &rules.RelatedEventMatchCondition{
				RelType:          relType,
				Key:              key,
				Pattern:          pattern,
				IncludeFallbacks: includeFallbacks,
			},
		}
	}
	strPtr := func(s string) *string { return &s }
	boolPtr := func(b bool) *bool { return &b }

	tests := []struct {
		name    string
		enabled bool
		cond    rules.Condition
		want    bool
	}{
		{
			name:    "existence alone satisfies a keyless condition",
			enabled: true,
			cond:    relCond("m.in_reply_to", nil, nil, nil),
			want:    true,
		},
		{
			name:    "absent relation type never matches",
			enabled: true,
			cond:    relCond("m.annotation", nil, nil, nil),
			want:    false,
		},
		{
			name:    "feature flag off never matches",
			enabled: false,
			cond:    relCond("m.in_reply_to", nil, nil, nil),
			want:    false,
		},
		{
			name:    "key and pattern match",
			enabled: true,
			cond:    relCond("m.in_reply_to", strPtr("sender"), strPtr("@alice:example.org"), nil),
			want:    true,
		},
		{
			name:    "body key uses word matching",
			enabled: true,
			cond:    relCond("m.in_reply_to", strPtr("content.body"), strPtr("original"), nil),
			want:    true,
		},
		{
			name:    "absent key in related event never matches",
			enabled: true,
			cond:    relCond("m.in_reply_to", strPtr("state_key"), strPtr("x"), nil),
			want:    false,
		},
		{
			name:    "fallback relation skipped by default",
			enabled: true,
			cond:    relCond("m.thread", nil, nil, nil),
			want:    false,
		},
		{
			name:    "fallback relation included on request",
			enabled: true,
			cond:    relCond("m.thread", nil, nil, boolPtr(true)),
			want:    true,
		},
		{
			name:    "include_fallbacks false still skips",
			enabled: true,
			cond:    relCond("m.thread", nil, nil, boolPtr(false)),
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := NewEvaluator(nil, 10, int64Ptr(0), nil, related, tt.enabled)
			if err != nil {
				t.Fatalf("NewEvaluator() error = %v", err)
			}

			got, err := e.MatchCondition(&tt.cond, "@bob:example.org", "")
			if err != nil {
				t.Fatalf("MatchCondition() error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("MatchCondition() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatchConditionUnknownKind(t *testing.T) {
	e := newBodyEvaluator(t)

	var cond rules.Condition
	if err := json.Unmarshal([]byte(`{"kind":"org.example.custom","foo":"bar"}`), &cond); err != nil {
		t.Fatalf("unmarshal condition: %v", err)
	}

	got, err := e.MatchCondition(&cond, "@bob:example.org", "bob")
	if err != nil {
		t.Fatalf("MatchCondition() error = %v, want nil for unknown kinds", err)
	}
	if got {
		t.Fatal("MatchCondition() = true, want false for unknown kinds")
	}
}

func TestMatchesSwallowsErrors(t *testing.T) {
	e := newBodyEvaluator(t)

	cond := rules.NewRoomMemberCount("not-a-count")
	if e.Matches(&cond, "", "") {
		t.Fatal("Matches() = true, want false for an erroring condition")
	}
}

func TestRunAgainstBaseRules(t *testing.T) {
	flattened := map[string]string{
		"type":            "m.room.message",
		"content.msgtype": "m.text",
		"content.body":    "foo bar bob hello",
	}
	e, err := NewEvaluator(flattened, 10, int64Ptr(0), nil, nil, true)
	if err != nil {
		t.Fatalf("NewEvaluator() error = %v", err)
	}

	set := rules.NewFilteredRuleSet(rules.WithBaseRules(nil), nil)

	// The recipient's display name appears in the body, so the
	// contains_display_name underride rule fires with notify + sound +
	// highlight.
	actions := e.Run(set, "@user:example.org", "bob")
	if !rules.ShouldNotify(actions) {
		t.Fatalf("Run() = %v, want a notifying action list", actions)
	}

	tweaks := rules.Tweaks(actions)
	if tweaks["sound"] != "default" {
		t.Fatalf("tweaks = %v, want sound=default", tweaks)
	}
	if tweaks["highlight"] != true {
		t.Fatalf("tweaks = %v, want highlight=true", tweaks)
	}
}

func TestRunAgainstBaseRulesSuppressesNotices(t *testing.T) {
	flattened := map[string]string{
		"type":            "m.room.message",
		"content.msgtype": "m.notice",
		"content.body":    "automated message",
	}
	e, err := NewEvaluator(flattened, 10, int64Ptr(0), nil, nil, true)
	if err != nil {
		t.Fatalf("NewEvaluator() error = %v", err)
	}

	set := rules.NewFilteredRuleSet(rules.WithBaseRules(nil), nil)

	actions := e.Run(set, "@user:example.org", "user")
	if len(actions) != 0 {
		t.Fatalf("Run() = %v, want no actions for a notice", actions)
	}
}
