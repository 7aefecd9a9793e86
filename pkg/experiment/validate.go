package experiment

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// WeightTolerance is the allowed deviation of the variant weight sum from 100.
const WeightTolerance = 0.01

// Validate checks the full experiment schema and returns a *ValidationError
// listing every problem, or nil when the definition is valid.
func Validate(exp *Experiment) error {
	if exp == nil {
		return &ValidationError{Errors: []FieldError{{Field: "experiment", Message: "definition is required"}}}
	}

	var errs []FieldError

	if strings.TrimSpace(exp.ID) == "" {
		errs = append(errs, FieldError{Field: "id", Message: "id is required"})
	}
	if strings.TrimSpace(exp.Name) == "" {
		errs = append(errs, FieldError{Field: "name", Message: "name is required"})
	}
	if !exp.Status.Valid() {
		errs = append(errs, FieldError{Field: "status", Message: fmt.Sprintf("unknown status %q", exp.Status)})
	}
	if !exp.Strategy.Valid() {
		errs = append(errs, FieldError{Field: "strategy", Message: fmt.Sprintf("unknown allocation strategy %q", exp.Strategy)})
	}
	if exp.StartedAt != nil && exp.EndedAt != nil && exp.EndedAt.Before(*exp.StartedAt) {
		errs = append(errs, FieldError{Field: "ended_at", Message: "end time is before start time"})
	}

	errs = append(errs, validateVariants(exp.Variants)...)
	errs = append(errs, ValidateSegments(exp.Segments)...)

	if len(errs) > 0 {
		return &ValidationError{ExperimentID: exp.ID, Errors: errs}
	}
	return nil
}

func validateVariants(variants []Variant) []FieldError {
	var errs []FieldError

	if len(variants) == 0 {
		return append(errs, FieldError{Field: "variants", Message: "at least one variant is required"})
	}

	seen := make(map[string]int, len(variants))
	controls := 0
	sum := 0.0

	for i, v := range variants {
		field := fmt.Sprintf("variants[%d]", i)

		if strings.TrimSpace(v.ID) == "" {
			errs = append(errs, FieldError{Field: field + ".id", Message: "id is required"})
		} else if prev, dup := seen[v.ID]; dup {
			errs = append(errs, FieldError{Field: field + ".id", Message: fmt.Sprintf("duplicate variant id %q (also variants[%d])", v.ID, prev)})
		} else {
			seen[v.ID] = i
		}

		if math.IsNaN(v.Weight) || v.Weight < 0 || v.Weight > 100 {
			errs = append(errs, FieldError{Field: field + ".weight", Message: fmt.Sprintf("weight must be between 0 and 100, got %v", v.Weight)})
		} else {
			sum += v.Weight
		}

		if v.IsControl {
			controls++
		}

		for k, val := range v.Config {
			if k == "" {
				errs = append(errs, FieldError{Field: field + ".config", Message: "config keys must not be empty"})
			}
			if val.Kind() == "" {
				errs = append(errs, FieldError{Field: fmt.Sprintf("%s.config.%s", field, k), Message: "value must be a string, number or bool"})
			}
		}
	}

	if controls > 1 {
		errs = append(errs, FieldError{Field: "variants", Message: fmt.Sprintf("at most one control variant is allowed, got %d", controls)})
	}
	if math.Abs(sum-100) > WeightTolerance {
		errs = append(errs, FieldError{Field: "variants", Message: fmt.Sprintf("variant weights must sum to 100, got %v", sum)})
	}

	return errs
}

// ValidateSegments checks that every segment is a well-formed rule tree.
func ValidateSegments(segments []Segment) []FieldError {
	var errs []FieldError

	for i, seg := range segments {
		field := fmt.Sprintf("segments[%d]", i)

		switch seg.Operator {
		case "", SegmentAnd, SegmentOr:
		default:
			errs = append(errs, FieldError{Field: field + ".operator", Message: fmt.Sprintf("unknown segment operator %q (want and, or)", seg.Operator)})
		}

		if len(seg.Conditions) == 0 {
			errs = append(errs, FieldError{Field: field + ".conditions", Message: "at least one condition is required"})
		}

		for j, cond := range seg.Conditions {
			errs = append(errs, validateCondition(fmt.Sprintf("%s.conditions[%d]", field, j), cond)...)
		}
	}

	return errs
}

func validateCondition(field string, cond Condition) []FieldError {
	var errs []FieldError

	if strings.TrimSpace(cond.Field) == "" {
		errs = append(errs, FieldError{Field: field + ".field", Message: "field is required"})
	} else if strings.Contains(cond.Field, "..") || strings.HasPrefix(cond.Field, ".") || strings.HasSuffix(cond.Field, ".") {
		errs = append(errs, FieldError{Field: field + ".field", Message: fmt.Sprintf("malformed field path %q", cond.Field)})
	}

	if !cond.Operator.Valid() {
		errs = append(errs, FieldError{Field: field + ".operator", Message: fmt.Sprintf("unknown operator %q", cond.Operator)})
		return errs
	}

	if cond.Value == nil {
		errs = append(errs, FieldError{Field: field + ".value", Message: "value is required"})
		return errs
	}

	switch {
	case cond.Operator == OperatorIn || cond.Operator == OperatorNotIn:
		kind := reflect.ValueOf(cond.Value).Kind()
		if kind != reflect.Slice && kind != reflect.Array {
			errs = append(errs, FieldError{Field: field + ".value", Message: fmt.Sprintf("operator %s requires a list value", cond.Operator)})
		}
	case cond.Operator.Numeric():
		if !isNumeric(cond.Value) {
			errs = append(errs, FieldError{Field: field + ".value", Message: fmt.Sprintf("operator %s requires a numeric value", cond.Operator)})
		}
	}

	return errs
}

func isNumeric(v any) bool {
	switch x := v.(type) {
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	case string:
		_, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return err == nil
	case fmt.Stringer:
		_, err := strconv.ParseFloat(x.String(), 64)
		return err == nil
	default:
		return false
	}
}
