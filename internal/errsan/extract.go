package errsan

import (
	"fmt"
	"reflect"
	"strings"
)

// unknownErrorMessage is what an absent/empty error extracts to, per
// spec.md §4.2 step 1.
const unknownErrorMessage = "Unknown error"

// Extract unwraps an arbitrary error-bearing value down to a plain string
// message, per spec.md §4.2 step 1: unwrap nested message/error fields,
// stringify objects (tolerating cyclic graphs), and synthesise "Unknown
// error" for nil/empty input.
func Extract(v any) string {
	msg := extract(v, make(map[uintptr]bool), 0)
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return unknownErrorMessage
	}
	return msg
}

const maxExtractDepth = 8

func extract(v any, seen map[uintptr]bool, depth int) string {
	if v == nil || depth > maxExtractDepth {
		return ""
	}

	switch t := v.(type) {
	case string:
		return t
	case error:
		// Prefer an embedded "message"/"error" field if this error also
		// exposes one structurally (some SDKs wrap a message field inside
		// an otherwise opaque error type); otherwise fall back to Error().
		if nested := fieldMessage(t, seen, depth); nested != "" {
			return nested
		}
		return t.Error()
	case fmt.Stringer:
		return t.String()
	case map[string]any:
		return mapMessage(t, seen, depth)
	case map[string]string:
		if m, ok := t["message"]; ok {
			return m
		}
		if m, ok := t["error"]; ok {
			return m
		}
		return ""
	}

	return fieldMessage(v, seen, depth)
}

// mapMessage looks for "message" or "error" keys, recursing into nested
// "error" objects up to maxExtractDepth (spec.md: "unwrap nested
// message/error fields").
func mapMessage(m map[string]any, seen map[uintptr]bool, depth int) string {
	if m == nil {
		return ""
	}
	if msg, ok := m["message"]; ok {
		if s := extract(msg, seen, depth+1); s != "" {
			return s
		}
	}
	if e, ok := m["error"]; ok {
		if s := extract(e, seen, depth+1); s != "" {
			return s
		}
	}
	return ""
}

// fieldMessage uses reflection to find a "Message"/"Err"/"Error" field on
// an arbitrary struct (or pointer to one), guarding against cycles by
// tracking pointer addresses already visited.
func fieldMessage(v any, seen map[uintptr]bool, depth int) string {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return ""
		}
		ptr := rv.Pointer()
		if seen[ptr] {
			return "" // cycle guard
		}
		seen[ptr] = true
		rv = rv.Elem()
	}

	if rv.Kind() != reflect.Struct {
		return ""
	}

	for _, name := range []string{"Message", "Msg", "Err", "Error", "Reason"} {
		f := rv.FieldByName(name)
		if !f.IsValid() || !f.CanInterface() {
			continue
		}
		if s := extract(f.Interface(), seen, depth+1); s != "" {
			return s
		}
	}
	return ""
}
