package segment

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"mercator-hq/cohort/pkg/experiment"
)

// evaluateOperator compares an actual context value with a condition value.
// Comparisons that cannot be performed (non-numeric operands for gt, a
// non-list value for in) evaluate to false.
func evaluateOperator(op experiment.Operator, actual, expected any) bool {
	switch op {
	case experiment.OperatorEquals:
		return evaluateEqual(actual, expected)

	case experiment.OperatorNotEquals:
		return !evaluateEqual(actual, expected)

	case experiment.OperatorGT:
		a, e, ok := toNumeric(actual, expected)
		return ok && a > e

	case experiment.OperatorLT:
		a, e, ok := toNumeric(actual, expected)
		return ok && a < e

	case experiment.OperatorGTE:
		a, e, ok := toNumeric(actual, expected)
		return ok && a >= e

	case experiment.OperatorLTE:
		a, e, ok := toNumeric(actual, expected)
		return ok && a <= e

	case experiment.OperatorContains:
		return evaluateContains(actual, expected)

	case experiment.OperatorIn:
		return evaluateIn(actual, expected)

	case experiment.OperatorNotIn:
		return !evaluateIn(actual, expected)

	default:
		return false
	}
}

// evaluateEqual compares numerically when both sides coerce to a number,
// otherwise by string representation.
func evaluateEqual(actual, expected any) bool {
	if actual == nil || expected == nil {
		return actual == nil && expected == nil
	}

	if a, e, ok := toNumeric(actual, expected); ok {
		return a == e
	}

	return toString(actual) == toString(expected)
}

// evaluateContains checks for a substring, or for element membership when
// the actual value is a list.
func evaluateContains(actual, expected any) bool {
	if actual == nil || expected == nil {
		return false
	}

	if isList(actual) {
		return listContains(actual, expected)
	}

	return strings.Contains(toString(actual), toString(expected))
}

// evaluateIn checks whether actual is an element of the expected list.
func evaluateIn(actual, expected any) bool {
	if actual == nil || !isList(expected) {
		return false
	}
	return listContains(expected, actual)
}

func listContains(list, elem any) bool {
	v := reflect.ValueOf(list)
	for i := 0; i < v.Len(); i++ {
		if evaluateEqual(v.Index(i).Interface(), elem) {
			return true
		}
	}
	return false
}

func isList(v any) bool {
	if v == nil {
		return false
	}
	kind := reflect.ValueOf(v).Kind()
	return kind == reflect.Slice || kind == reflect.Array
}

// toNumeric converts both operands to float64.
func toNumeric(actual, expected any) (float64, float64, bool) {
	a, ok := convertToFloat64(actual)
	if !ok {
		return 0, 0, false
	}
	e, ok := convertToFloat64(expected)
	if !ok {
		return 0, 0, false
	}
	return a, e, true
}

// convertToFloat64 converts numbers, numeric strings and json.Number.
func convertToFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int8:
		return float64(val), true
	case int16:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint8:
		return float64(val), true
	case uint16:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case experiment.Value:
		return val.Number()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// toString returns the string representation used for equality and
// substring checks.
func toString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(v)
	}
}
