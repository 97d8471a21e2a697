// Package schema checks a function result against a declared output schema.
//
// The check is shallow on purpose: one level of object properties, no
// recursion into nested objects, no array item schemas, no formats or
// patterns. Values are expected in their encoding/json decoded form.
package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Kind is a schema "type".
type Kind string

const (
	Object  Kind = "object"
	Array   Kind = "array"
	String  Kind = "string"
	Number  Kind = "number"
	Integer Kind = "integer"
	Boolean Kind = "boolean"
)

// ValidationResult lists every mismatch found. Valid is true iff Errors is empty.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// Validate checks value against schema. A schema without a recognized
// "type" accepts any value.
func Validate(value any, schema map[string]any) ValidationResult {
	var errs []string

	kind, _ := schema["type"].(string)
	switch Kind(kind) {
	case Object:
		obj, ok := value.(map[string]any)
		if !ok {
			errs = append(errs, fmt.Sprintf("Expected object, got %s", TypeName(value)))
			break
		}
		for _, name := range requiredNames(schema["required"]) {
			if _, present := obj[name]; !present {
				errs = append(errs, fmt.Sprintf("Missing required property: %s", name))
			}
		}
		props, _ := schema["properties"].(map[string]any)
		for _, name := range sortedKeys(props) {
			v, present := obj[name]
			if !present {
				continue
			}
			propSchema, _ := props[name].(map[string]any)
			want, _ := propSchema["type"].(string)
			if want == "" || !isKnown(Kind(want)) {
				continue
			}
			if !Matches(Kind(want), v) {
				errs = append(errs, fmt.Sprintf("Property '%s' should be %s, got %s", name, want, TypeName(v)))
			}
		}
	case Array, String, Number, Integer, Boolean:
		if !Matches(Kind(kind), value) {
			errs = append(errs, fmt.Sprintf("Expected %s, got %s", kind, TypeName(value)))
		}
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: nonNil(errs)}
}

// ValidateJSON decodes both documents and calls Validate.
func ValidateJSON(value, schema []byte) (ValidationResult, error) {
	var v any
	if err := json.Unmarshal(value, &v); err != nil {
		return ValidationResult{}, fmt.Errorf("decoding value: %w", err)
	}
	var s map[string]any
	if err := json.Unmarshal(schema, &s); err != nil {
		return ValidationResult{}, fmt.Errorf("decoding schema: %w", err)
	}
	return Validate(v, s), nil
}

// Matches reports whether v has the runtime kind k. Integers accept any
// number with no fractional part; booleans are never numbers.
func Matches(k Kind, v any) bool {
	switch k {
	case Object:
		_, ok := v.(map[string]any)
		return ok
	case Array:
		_, ok := v.([]any)
		return ok
	case String:
		_, ok := v.(string)
		return ok
	case Boolean:
		_, ok := v.(bool)
		return ok
	case Number:
		_, ok := toFloat(v)
		return ok
	case Integer:
		f, ok := toFloat(v)
		return ok && !math.IsInf(f, 0) && f == math.Trunc(f)
	}
	return true
}

// TypeName names the runtime kind of v the way error messages report it.
func TypeName(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	default:
		if f, ok := toFloat(x); ok {
			if f == math.Trunc(f) && !math.IsInf(f, 0) {
				return "integer"
			}
			return "number"
		}
		return fmt.Sprintf("%T", v)
	}
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}

func isKnown(k Kind) bool {
	switch k {
	case Object, Array, String, Number, Integer, Boolean:
		return true
	}
	return false
}

// requiredNames accepts both []any (decoded JSON) and []string.
func requiredNames(v any) []string {
	switch x := v.(type) {
	case []string:
		return x
	case []any:
		names := make([]string, 0, len(x))
		for _, item := range x {
			if s, ok := item.(string); ok {
				names = append(names, s)
			}
		}
		return names
	}
	return nil
}

// sortedKeys gives property errors a stable order.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
