// Package schema validates task parameters against a template's
// JSON-Schema subset and coerces free-form string values into the schema's
// declared types. Validation aggregates every violation instead of failing
// on the first, so the caller can report all problems at once.
package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/taskforge-ai/taskforge/core"
)

// Violation describes one schema violation.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError aggregates all violations found in one Validate pass.
type ValidationError struct {
	Violations []Violation
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = fmt.Sprintf("%s: %s", v.Field, v.Message)
	}
	return "parameter validation failed: " + strings.Join(parts, "; ")
}

// Fields returns the violating field names.
func (e *ValidationError) Fields() []string {
	fields := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		fields[i] = v.Field
	}
	return fields
}

// Validate checks params against the schema, applying typed coercions and
// schema defaults. On success it returns a new schema-conformant map; the
// input is never mutated. On failure it returns a *ValidationError listing
// every violation. Validation is idempotent: validating its own output
// yields an equal map.
func Validate(params map[string]interface{}, s *core.ParameterSchema) (map[string]interface{}, error) {
	if s == nil {
		// No schema means no constraints; pass parameters through.
		return copyMap(params), nil
	}
	if s.Type != "object" {
		return nil, fmt.Errorf("schema root must be an object, got %q", s.Type)
	}
	if params == nil {
		params = map[string]interface{}{}
	}

	out := make(map[string]interface{}, len(params))
	var violations []Violation

	// Unknown keys are reported, never silently dropped.
	for key := range params {
		if s.Properties == nil || s.Properties[key] == nil {
			violations = append(violations, Violation{
				Field:   key,
				Message: "unknown parameter",
			})
		}
	}

	for name, prop := range s.Properties {
		value, present := params[name]
		if !present || value == nil {
			if prop.Default != nil {
				out[name] = prop.Default
			} else if contains(s.Required, name) {
				violations = append(violations, Violation{
					Field:   name,
					Message: "required parameter missing",
				})
			}
			continue
		}

		coerced, err := coerceValue(name, value, prop)
		if err != nil {
			violations = append(violations, Violation{Field: name, Message: err.Error()})
			continue
		}
		if len(prop.Enum) > 0 && !enumContains(prop.Enum, coerced) {
			violations = append(violations, Violation{
				Field:   name,
				Message: fmt.Sprintf("value %v not in enum", coerced),
			})
			continue
		}
		out[name] = coerced
	}

	if len(violations) > 0 {
		return nil, &ValidationError{Violations: violations}
	}
	return out, nil
}

// coerceValue converts value to the property's declared type, attempting the
// documented coercions before reporting a type mismatch.
func coerceValue(field string, value interface{}, prop *core.ParameterSchema) (interface{}, error) {
	switch prop.Type {
	case "string":
		return coerceString(value)
	case "number", "integer":
		return coerceNumber(value)
	case "boolean":
		return coerceBool(value)
	case "object":
		return coerceObject(field, value, prop)
	case "array":
		return coerceArray(field, value, prop)
	case "":
		return value, nil
	default:
		return nil, fmt.Errorf("unsupported schema type %q", prop.Type)
	}
}

func coerceString(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case bool:
		return strconv.FormatBool(v), nil
	}
	return nil, fmt.Errorf("expected string, got %s", typeName(value))
}

func coerceNumber(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil, fmt.Errorf("expected number, got %q", v.String())
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
			return nil, fmt.Errorf("expected number, got %q", v)
		}
		return f, nil
	}
	return nil, fmt.Errorf("expected number, got %s", typeName(value))
}

func coerceBool(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return nil, fmt.Errorf("expected boolean, got %q", v)
	case float64:
		return v != 0, nil
	case int:
		return v != 0, nil
	}
	return nil, fmt.Errorf("expected boolean, got %s", typeName(value))
}

func coerceObject(field string, value interface{}, prop *core.ParameterSchema) (interface{}, error) {
	obj, ok := value.(map[string]interface{})
	if !ok {
		// Strict JSON parse of string values; accepted only when the parsed
		// top-level type matches.
		str, isStr := value.(string)
		if !isStr {
			return nil, fmt.Errorf("expected object, got %s", typeName(value))
		}
		var parsed interface{}
		if err := json.Unmarshal([]byte(str), &parsed); err != nil {
			return nil, fmt.Errorf("expected object, got unparseable string")
		}
		obj, ok = parsed.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("expected object, string parsed to %s", typeName(parsed))
		}
	}

	if isDateRangeSchema(prop) {
		if err := validateDateRange(obj); err != nil {
			return nil, err
		}
		return obj, nil
	}

	if prop.Properties == nil {
		return obj, nil
	}
	nested, err := Validate(obj, prop)
	if err != nil {
		var ve *ValidationError
		if ok := asValidationError(err, &ve); ok && len(ve.Violations) > 0 {
			return nil, fmt.Errorf("%s.%s: %s", field, ve.Violations[0].Field, ve.Violations[0].Message)
		}
		return nil, err
	}
	return nested, nil
}

func coerceArray(field string, value interface{}, prop *core.ParameterSchema) (interface{}, error) {
	arr, ok := value.([]interface{})
	if !ok {
		str, isStr := value.(string)
		if !isStr {
			return nil, fmt.Errorf("expected array, got %s", typeName(value))
		}
		var parsed interface{}
		if err := json.Unmarshal([]byte(str), &parsed); err != nil {
			return nil, fmt.Errorf("expected array, got unparseable string")
		}
		arr, ok = parsed.([]interface{})
		if !ok {
			return nil, fmt.Errorf("expected array, string parsed to %s", typeName(parsed))
		}
	}

	if prop.Items == nil {
		return arr, nil
	}
	out := make([]interface{}, len(arr))
	for i, item := range arr {
		coerced, err := coerceValue(fmt.Sprintf("%s[%d]", field, i), item, prop.Items)
		if err != nil {
			return nil, fmt.Errorf("item %d: %s", i, err.Error())
		}
		out[i] = coerced
	}
	return out, nil
}

// isDateRangeSchema recognises the {start, end} date-range shape.
func isDateRangeSchema(prop *core.ParameterSchema) bool {
	if prop.Properties == nil {
		return false
	}
	start, hasStart := prop.Properties["start"]
	end, hasEnd := prop.Properties["end"]
	return hasStart && hasEnd && start.Type == "string" && end.Type == "string" &&
		len(prop.Properties) == 2
}

// validateDateRange accepts {start, end} strings matching ISO-8601 calendar
// dates. Natural-language ranges are the LLM extractor's job upstream.
func validateDateRange(obj map[string]interface{}) error {
	for _, key := range []string{"start", "end"} {
		raw, ok := obj[key]
		if !ok {
			return fmt.Errorf("date range missing %q", key)
		}
		str, ok := raw.(string)
		if !ok {
			return fmt.Errorf("date range %q must be a string", key)
		}
		if _, err := time.Parse("2006-01-02", str); err != nil {
			return fmt.Errorf("date range %q is not an ISO-8601 calendar date: %q", key, str)
		}
	}
	return nil
}

func enumContains(enum []interface{}, value interface{}) bool {
	for _, e := range enum {
		if reflect.DeepEqual(e, value) {
			return true
		}
		// JSON round-trips make numeric enum entries float64; compare ints
		// loosely.
		ef, eok := toFloat(e)
		vf, vok := toFloat(value)
		if eok && vok && ef == vf {
			return true
		}
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func typeName(v interface{}) string {
	if v == nil {
		return "null"
	}
	switch v.(type) {
	case map[string]interface{}:
		return "object"
	case []interface{}:
		return "array"
	case string:
		return "string"
	case float64, int, int64, json.Number:
		return "number"
	case bool:
		return "boolean"
	}
	return reflect.TypeOf(v).String()
}

func copyMap(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func asValidationError(err error, target **ValidationError) bool {
	ve, ok := err.(*ValidationError)
	if ok {
		*target = ve
	}
	return ok
}
