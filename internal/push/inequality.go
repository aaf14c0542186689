package push

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// ErrBadInequality is returned when a room_member_count "is" clause does
// not fit the inequality grammar or its number overflows.
var ErrBadInequality = errors.New("bad inequality expression")

// inequalityExpr parses the "is" clause of a room member count condition:
// an optional run of comparison characters followed by a decimal number,
// e.g. "2", "==2", ">=10".
var inequalityExpr = regexp.MustCompile(`^([=<>]*)([0-9]+)$`)

// matchMemberCount compares the room's member count against the inequality
// expression. Operator strings that pass the grammar but are not one of the
// six recognised comparisons (e.g. "=<") evaluate to false rather than
// erroring, so malformed rules degrade to "never matches".
func (e *Evaluator) matchMemberCount(is string) (bool, error) {
	captures := inequalityExpr.FindStringSubmatch(is)
	if captures == nil {
		return false, fmt.Errorf("%w: %q", ErrBadInequality, is)
	}

	rhs, err := strconv.ParseUint(captures[2], 10, 64)
	if err != nil {
		return false, fmt.Errorf("%w: %q: %v", ErrBadInequality, is, err)
	}

	switch captures[1] {
	case "", "==":
		return e.roomMemberCount == rhs, nil
	case "<":
		return e.roomMemberCount < rhs, nil
	case ">":
		return e.roomMemberCount > rhs, nil
	case ">=":
		return e.roomMemberCount >= rhs, nil
	case "<=":
		return e.roomMemberCount <= rhs, nil
	default:
		return false, nil
	}
}
