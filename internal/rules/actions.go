package rules

import (
	"encoding/json"
	"fmt"
)

// Known action kinds.
const (
	ActionNotify     = "notify"
	ActionDontNotify = "dont_notify"
	ActionCoalesce   = "coalesce"
	ActionSetTweak   = "set_tweak"
)

// Action describes one thing a matched rule asks the push gateway to do.
// Plain actions ("notify", "dont_notify", "coalesce") encode as JSON
// strings; set_tweak actions encode as objects. Unrecognised payloads are
// carried verbatim and round-trip unchanged.
type Action struct {
	Kind string

	// Tweak and Value are set for set_tweak actions only. Value may be nil
	// when the tweak carries no explicit value.
	Tweak string
	Value any

	unknown json.RawMessage
}

// Notify returns the "notify" action.
func Notify() Action { return Action{Kind: ActionNotify} }

// DontNotify returns the "dont_notify" action. It is never part of an
// evaluation result; the selector filters it out.
func DontNotify() Action { return Action{Kind: ActionDontNotify} }

// Coalesce returns the "coalesce" action.
func Coalesce() Action { return Action{Kind: ActionCoalesce} }

// SetTweak returns a set_tweak action. Pass a nil value for tweaks that
// carry none (e.g. a bare highlight).
func SetTweak(tweak string, value any) Action {
	return Action{Kind: ActionSetTweak, Tweak: tweak, Value: value}
}

// IsKnown reports whether the action is one of the kinds this server
// understands.
func (a Action) IsKnown() bool {
	return a.unknown == nil
}

// UnmarshalJSON decodes an action from either its string or object form.
func (a *Action) UnmarshalJSON(data []byte) error {
	var kind string
	if err := json.Unmarshal(data, &kind); err == nil {
		switch kind {
		case ActionNotify, ActionDontNotify, ActionCoalesce:
			*a = Action{Kind: kind}
		default:
			*a = Action{Kind: kind, unknown: append(json.RawMessage(nil), data...)}
		}
		return nil
	}

	var tweak struct {
		SetTweak string          `json:"set_tweak"`
		Value    json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &tweak); err != nil {
		return fmt.Errorf("decode action: %w", err)
	}
	if tweak.SetTweak == "" {
		*a = Action{unknown: append(json.RawMessage(nil), data...)}
		return nil
	}

	*a = Action{Kind: ActionSetTweak, Tweak: tweak.SetTweak}
	if len(tweak.Value) > 0 {
		var value any
		if err := json.Unmarshal(tweak.Value, &value); err != nil {
			return fmt.Errorf("decode set_tweak value: %w", err)
		}
		a.Value = value
	}

	return nil
}

// MarshalJSON re-encodes the action in the same shape it was defined in.
func (a Action) MarshalJSON() ([]byte, error) {
	if a.unknown != nil {
		return a.unknown, nil
	}

	if a.Kind == ActionSetTweak {
		payload := map[string]any{"set_tweak": a.Tweak}
		if a.Value != nil {
			payload["value"] = a.Value
		}
		return json.Marshal(payload)
	}

	return json.Marshal(a.Kind)
}

// Tweaks extracts the set_tweak pairs from an action list. Tweaks without
// an explicit value are omitted.
func Tweaks(actions []Action) map[string]any {
	var tweaks map[string]any
	for _, a := range actions {
		if a.Kind != ActionSetTweak || a.Value == nil {
			continue
		}
		if tweaks == nil {
			tweaks = make(map[string]any)
		}
		tweaks[a.Tweak] = a.Value
	}
	return tweaks
}

// ShouldNotify reports whether an action list resulting from evaluation
// asks for a notification.
func ShouldNotify(actions []Action) bool {
	for _, a := range actions {
		if a.Kind == ActionNotify || a.Kind == ActionCoalesce {
			return true
		}
	}
	return false
}
