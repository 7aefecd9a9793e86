package segment

import (
	"reflect"
	"strings"

	"mercator-hq/cohort/pkg/experiment"
)

// Root fields resolved from the subject identifiers rather than attributes.
const (
	FieldUserID    = "userId"
	FieldSessionID = "sessionId"
)

// extractField resolves a dot-separated path against the user context.
// The second return value is false when any segment of the path is missing.
func extractField(fieldPath string, ctx experiment.UserContext) (any, bool) {
	switch fieldPath {
	case FieldUserID:
		return ctx.UserID, ctx.UserID != ""
	case FieldSessionID:
		return ctx.SessionID, ctx.SessionID != ""
	}

	if ctx.Attributes == nil {
		return nil, false
	}

	parts := strings.Split(fieldPath, ".")
	var current any = ctx.Attributes
	for _, part := range parts {
		next, ok := lookup(current, part)
		if !ok {
			return nil, false
		}
		current = next
	}

	if current == nil {
		return nil, false
	}
	return current, true
}

// lookup returns the value stored under key in a map of any string-keyed type.
func lookup(obj any, key string) (any, bool) {
	switch m := obj.(type) {
	case map[string]any:
		v, ok := m[key]
		return v, ok
	case map[string]string:
		v, ok := m[key]
		return v, ok
	}

	v := reflect.ValueOf(obj)
	for v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil, false
		}
		v = v.Elem()
	}

	if v.Kind() != reflect.Map || v.Type().Key().Kind() != reflect.String {
		return nil, false
	}

	elem := v.MapIndex(reflect.ValueOf(key).Convert(v.Type().Key()))
	if !elem.IsValid() || !elem.CanInterface() {
		return nil, false
	}
	return elem.Interface(), true
}
