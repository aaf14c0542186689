// Package event provides the event-model helpers the push-rule engine
// consumes: flattening a nested event body into dotted string keys, user-id
// localpart extraction, and the relation envelope used for related-event
// matching.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// FallbackRelationKey marks a flattened related event as a fallback
// relation (e.g. a rich-reply fallback on a thread message). Rules skip
// fallback relations unless they explicitly ask to include them.
const FallbackRelationKey = "im.vector.is_falling_back"

// ErrMalformedUserID is returned when a user identifier does not have the
// expected "@localpart:domain" shape.
var ErrMalformedUserID = errors.New("malformed user id")

// Localpart extracts the localpart from a user id of the form
// "@localpart:domain".
func Localpart(userID string) (string, error) {
	rest, ok := strings.CutPrefix(userID, "@")
	if !ok {
		return "", fmt.Errorf("%w: %q has no leading '@'", ErrMalformedUserID, userID)
	}

	localpart, _, ok := strings.Cut(rest, ":")
	if !ok {
		return "", fmt.Errorf("%w: %q has no ':' separator", ErrMalformedUserID, userID)
	}

	return localpart, nil
}

// Relation carries one related event alongside the relation type under
// which the primary event references it.
type Relation struct {
	RelType string `json:"rel_type"`
	// Event is the raw JSON of the related event.
	Event json.RawMessage `json:"event"`
	// IsFallingBack marks the relation as a fallback; rules ignore
	// fallback relations unless include_fallbacks is set.
	IsFallingBack bool `json:"is_falling_back,omitempty"`
}

// Flatten converts a JSON event into a mapping from dotted key paths to
// string values, e.g. {"type": "m.room.message", "content.body": "hi"}.
// Non-string scalars and arrays are omitted; nested objects recurse with
// their key joined by ".".
func Flatten(raw json.RawMessage) (map[string]string, error) {
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("flatten event: %w", err)
	}

	result := make(map[string]string)
	flattenInto(result, "", decoded)
	return result, nil
}

// FlattenRelations flattens each relation's event, indexed by relation
// type, injecting [FallbackRelationKey] for fallback relations. A later
// relation with the same type wins.
func FlattenRelations(relations []Relation) (map[string]map[string]string, error) {
	if len(relations) == 0 {
		return nil, nil
	}

	result := make(map[string]map[string]string, len(relations))
	for _, rel := range relations {
		if rel.RelType == "" {
			continue
		}

		flattened, err := Flatten(rel.Event)
		if err != nil {
			return nil, fmt.Errorf("relation %q: %w", rel.RelType, err)
		}
		if rel.IsFallingBack {
			flattened[FallbackRelationKey] = ""
		}

		result[rel.RelType] = flattened
	}

	return result, nil
}

func flattenInto(result map[string]string, prefix string, value map[string]any) {
	for key, v := range value {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}

		switch typed := v.(type) {
		case string:
			result[path] = typed
		case map[string]any:
			flattenInto(result, path, typed)
		}
	}
}
