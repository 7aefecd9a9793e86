package segment

import (
	"fmt"

	"mercator-hq/cohort/pkg/experiment"
)

// IsEligible reports whether the subject described by ctx passes the
// experiment's segment gate. An experiment without segments admits every
// subject; otherwise at least one segment must match.
func IsEligible(exp *experiment.Experiment, ctx experiment.UserContext) bool {
	if exp == nil {
		return false
	}
	if len(exp.Segments) == 0 {
		return true
	}

	for i := range exp.Segments {
		if MatchSegment(&exp.Segments[i], ctx) {
			return true
		}
	}
	return false
}

// MatchSegment evaluates a single segment. Conditions are combined with AND
// unless the segment operator is "or".
func MatchSegment(seg *experiment.Segment, ctx experiment.UserContext) bool {
	if len(seg.Conditions) == 0 {
		return false
	}

	if seg.Operator == experiment.SegmentOr {
		for _, cond := range seg.Conditions {
			if MatchCondition(cond, ctx) {
				return true
			}
		}
		return false
	}

	for _, cond := range seg.Conditions {
		if !MatchCondition(cond, ctx) {
			return false
		}
	}
	return true
}

// MatchCondition evaluates a single condition. A missing field matches only
// the negative operators not_equals and not_in.
func MatchCondition(cond experiment.Condition, ctx experiment.UserContext) bool {
	actual, found := extractField(cond.Field, ctx)
	if !found {
		return cond.Operator == experiment.OperatorNotEquals || cond.Operator == experiment.OperatorNotIn
	}
	return evaluateOperator(cond.Operator, actual, cond.Value)
}

// ValidateSegments checks segment definitions and returns a
// *experiment.ValidationError when any are malformed.
func ValidateSegments(segments []experiment.Segment) error {
	if errs := experiment.ValidateSegments(segments); len(errs) > 0 {
		return &experiment.ValidationError{Errors: errs}
	}
	return nil
}

// Explain returns a per-condition trace of the evaluation, used by
// diagnostics.
func Explain(exp *experiment.Experiment, ctx experiment.UserContext) []string {
	if len(exp.Segments) == 0 {
		return []string{"no segments: all subjects eligible"}
	}

	var lines []string
	for i := range exp.Segments {
		seg := &exp.Segments[i]
		name := seg.Name
		if name == "" {
			name = fmt.Sprintf("#%d", i)
		}
		op := seg.Operator
		if op == "" {
			op = experiment.SegmentAnd
		}
		lines = append(lines, fmt.Sprintf("segment %s (%s): %v", name, op, MatchSegment(seg, ctx)))
		for _, cond := range seg.Conditions {
			actual, found := extractField(cond.Field, ctx)
			if !found {
				actual = "<missing>"
			}
			lines = append(lines, fmt.Sprintf("  %s %s %v (actual %v): %v",
				cond.Field, cond.Operator, cond.Value, actual, MatchCondition(cond, ctx)))
		}
	}
	return lines
}
