package snapshot

import (
	"encoding/json"
	"fmt"
	"reflect"
)

const (
	// maxNestingDepth is the recursion ceiling for snapshot payloads.
	// Real snapshot sections are a handful of levels deep; anything
	// approaching this limit is a pathological object graph.
	maxNestingDepth = 64

	sentinelDepth = "[depth limited]"
	sentinelCycle = "[cycle]"
)

// SanitizeValue walks a dynamically-typed value graph (maps, slices,
// pointers as produced by json decoding or host input) and returns a copy
// safe to hand to encoding/json: nesting beyond the ceiling is replaced
// with a sentinel string, and revisited containers are replaced with a
// cycle sentinel instead of recursing forever.
func SanitizeValue(v any) any {
	return sanitize(reflect.ValueOf(v), 0, make(map[uintptr]struct{}))
}

// MarshalBounded encodes v after sanitizing it.
func MarshalBounded(v any) ([]byte, error) {
	data, err := json.Marshal(SanitizeValue(v))
	if err != nil {
		return nil, fmt.Errorf("encoding sanitized value: %w", err)
	}
	return data, nil
}

// CapDepth re-encodes JSON whose nesting exceeds the ceiling, replacing
// everything beyond it with the depth sentinel. The input must be valid
// JSON.
func CapDepth(data []byte) ([]byte, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decoding for depth capping: %w", err)
	}
	return MarshalBounded(v)
}

func sanitize(v reflect.Value, depth int, seen map[uintptr]struct{}) any {
	if !v.IsValid() {
		return nil
	}
	if depth >= maxNestingDepth {
		return sentinelDepth
	}

	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return sanitize(v.Elem(), depth, seen)

	case reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if _, ok := seen[ptr]; ok {
			return sentinelCycle
		}
		seen[ptr] = struct{}{}
		out := sanitize(v.Elem(), depth+1, seen)
		delete(seen, ptr)
		return out

	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if _, ok := seen[ptr]; ok {
			return sentinelCycle
		}
		seen[ptr] = struct{}{}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = sanitize(iter.Value(), depth+1, seen)
		}
		delete(seen, ptr)
		return out

	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		// Byte slices (json.RawMessage included) are scalar payloads.
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return v.Interface()
		}
		ptr := v.Pointer()
		if v.Len() > 0 {
			if _, ok := seen[ptr]; ok {
				return sentinelCycle
			}
			seen[ptr] = struct{}{}
			defer delete(seen, ptr)
		}
		out := make([]any, v.Len())
		for i := 0; i < v.Len(); i++ {
			out[i] = sanitize(v.Index(i), depth+1, seen)
		}
		return out

	case reflect.Array:
		out := make([]any, v.Len())
		for i := 0; i < v.Len(); i++ {
			out[i] = sanitize(v.Index(i), depth+1, seen)
		}
		return out

	default:
		// Scalars and structs pass through; the static snapshot types
		// cannot form cycles, and encoding/json handles them directly.
		return v.Interface()
	}
}

// CheckDepth scans raw JSON text and rejects nesting beyond the ceiling.
// Applied to untrusted input (remote payloads, spool drops) before any
// full decode.
func CheckDepth(data []byte) error {
	depth := 0
	inString := false
	escaped := false
	for _, b := range data {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{', '[':
			depth++
			if depth > maxNestingDepth {
				return fmt.Errorf("JSON nesting exceeds depth limit %d", maxNestingDepth)
			}
		case '}', ']':
			depth--
		}
	}
	return nil
}
