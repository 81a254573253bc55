// Package schema prepares caller-supplied JSON Schemas for providers with
// partial schema support and validates produced output against the
// caller's original schema. Output is reported, never repaired.
package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// ViolationKind names the rule a model output broke.
type ViolationKind string

const (
	MissingRequired      ViolationKind = "missing_required"
	TypeMismatch         ViolationKind = "type_mismatch"
	EnumViolation        ViolationKind = "enum_violation"
	ConstraintViolation  ViolationKind = "constraint_violation"
	AdditionalProperties ViolationKind = "additional_properties"
)

// Violation is one schema violation, located by a dotted path into the
// offending value (`user.age`, `items[2].name`).
type Violation struct {
	Kind    ViolationKind `json:"kind"`
	Path    string        `json:"path"`
	Message string        `json:"message"`
}

// MaxReported caps the violations surfaced per response.
const MaxReported = 5

// ValidationError carries the first MaxReported violations plus the total
// number found.
type ValidationError struct {
	Violations []Violation `json:"violations"`
	Total      int         `json:"total"`
}

func (e *ValidationError) Error() string {
	if e.Total == 1 && len(e.Violations) == 1 {
		v := e.Violations[0]
		if v.Path == "" {
			return fmt.Sprintf("output violates schema: %s", v.Message)
		}
		return fmt.Sprintf("output violates schema: %s: %s", v.Path, v.Message)
	}
	return fmt.Sprintf("output violates schema: %d violations (%d shown)", e.Total, len(e.Violations))
}

// Validate checks raw JSON output against schema. It returns nil on
// conformance and a *ValidationError otherwise.
func Validate(schema map[string]any, raw []byte) error {
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return &ValidationError{
			Violations: []Violation{{Kind: TypeMismatch, Message: fmt.Sprintf("output is not valid JSON: %v", err)}},
			Total:      1,
		}
	}
	v := validator{root: schema}
	all := v.walk(schema, instance, "")
	if len(all) == 0 {
		return nil
	}
	total := len(all)
	if len(all) > MaxReported {
		all = all[:MaxReported]
	}
	return &ValidationError{Violations: all, Total: total}
}

type validator struct {
	root map[string]any
}

func (v validator) walk(s map[string]any, instance any, path string) []Violation {
	s = v.deref(s)
	if s == nil {
		return nil
	}

	for _, key := range []string{"oneOf", "anyOf"} {
		if alts, ok := s[key].([]any); ok && len(alts) > 0 {
			return v.walkAlternatives(alts, instance, path)
		}
	}

	var out []Violation

	if types, ok := schemaTypes(s); ok && !typeAllowed(types, instance) {
		out = append(out, Violation{
			Kind: TypeMismatch,
			Path: path,
			Message: fmt.Sprintf("expected %s, got %s (%s)",
				strings.Join(types, " or "), typeName(instance), compact(instance)),
		})
		// children of a wrong-typed value are meaningless
		return out
	}

	if enum, ok := s["enum"].([]any); ok && !enumContains(enum, instance) {
		out = append(out, Violation{
			Kind:    EnumViolation,
			Path:    path,
			Message: fmt.Sprintf("value %s not in allowed set %s", compact(instance), compact(enum)),
		})
	}

	switch val := instance.(type) {
	case map[string]any:
		out = append(out, v.walkObject(s, val, path)...)
	case []any:
		out = append(out, v.walkArray(s, val, path)...)
	case string:
		out = append(out, checkString(s, val, path)...)
	case float64:
		out = append(out, checkNumber(s, val, path)...)
	}
	return out
}

// walkAlternatives passes when the instance conforms to any variant;
// otherwise it reports the violations of the closest one.
func (v validator) walkAlternatives(alts []any, instance any, path string) []Violation {
	var best []Violation
	for _, a := range alts {
		as, ok := a.(map[string]any)
		if !ok {
			continue
		}
		viol := v.walk(as, instance, path)
		if len(viol) == 0 {
			return nil
		}
		if best == nil || len(viol) < len(best) {
			best = viol
		}
	}
	return best
}

func (v validator) walkObject(s map[string]any, obj map[string]any, path string) []Violation {
	var out []Violation
	props, _ := s["properties"].(map[string]any)

	if req, ok := s["required"].([]any); ok {
		for _, r := range req {
			name, _ := r.(string)
			if name == "" {
				continue
			}
			if _, present := obj[name]; !present {
				out = append(out, Violation{
					Kind:    MissingRequired,
					Path:    joinPath(path, name),
					Message: fmt.Sprintf("required property %q is missing", name),
				})
			}
		}
	}

	for _, name := range sortedKeys(obj) {
		child := obj[name]
		if ps, ok := props[name].(map[string]any); ok {
			out = append(out, v.walk(ps, child, joinPath(path, name))...)
			continue
		}
		switch ap := s["additionalProperties"].(type) {
		case bool:
			if !ap {
				out = append(out, Violation{
					Kind:    AdditionalProperties,
					Path:    joinPath(path, name),
					Message: fmt.Sprintf("unexpected property %q", name),
				})
			}
		case map[string]any:
			out = append(out, v.walk(ap, child, joinPath(path, name))...)
		}
	}
	return out
}

func (v validator) walkArray(s map[string]any, arr []any, path string) []Violation {
	var out []Violation
	if min, ok := numberVal(s["minItems"]); ok && float64(len(arr)) < min {
		out = append(out, Violation{
			Kind:    ConstraintViolation,
			Path:    path,
			Message: fmt.Sprintf("array has %d items, minimum is %s", len(arr), trimFloat(min)),
		})
	}
	if max, ok := numberVal(s["maxItems"]); ok && float64(len(arr)) > max {
		out = append(out, Violation{
			Kind:    ConstraintViolation,
			Path:    path,
			Message: fmt.Sprintf("array has %d items, maximum is %s", len(arr), trimFloat(max)),
		})
	}
	if items, ok := s["items"].(map[string]any); ok {
		for i, el := range arr {
			out = append(out, v.walk(items, el, fmt.Sprintf("%s[%d]", path, i))...)
		}
	}
	return out
}

func checkString(s map[string]any, val string, path string) []Violation {
	var out []Violation
	n := len([]rune(val))
	if min, ok := numberVal(s["minLength"]); ok && float64(n) < min {
		out = append(out, Violation{
			Kind:    ConstraintViolation,
			Path:    path,
			Message: fmt.Sprintf("string has length %d, minimum is %s", n, trimFloat(min)),
		})
	}
	if max, ok := numberVal(s["maxLength"]); ok && float64(n) > max {
		out = append(out, Violation{
			Kind:    ConstraintViolation,
			Path:    path,
			Message: fmt.Sprintf("string has length %d, maximum is %s", n, trimFloat(max)),
		})
	}
	if p, ok := s["pattern"].(string); ok {
		if re, err := regexp.Compile(p); err == nil && !re.MatchString(val) {
			out = append(out, Violation{
				Kind:    ConstraintViolation,
				Path:    path,
				Message: fmt.Sprintf("value %q does not match pattern %q", val, p),
			})
		}
	}
	return out
}

func checkNumber(s map[string]any, val float64, path string) []Violation {
	var out []Violation
	if min, ok := numberVal(s["minimum"]); ok && val < min {
		out = append(out, Violation{
			Kind:    ConstraintViolation,
			Path:    path,
			Message: fmt.Sprintf("value %s is below minimum %s", trimFloat(val), trimFloat(min)),
		})
	}
	if max, ok := numberVal(s["maximum"]); ok && val > max {
		out = append(out, Violation{
			Kind:    ConstraintViolation,
			Path:    path,
			Message: fmt.Sprintf("value %s is above maximum %s", trimFloat(val), trimFloat(max)),
		})
	}
	if min, ok := numberVal(s["exclusiveMinimum"]); ok && val <= min {
		out = append(out, Violation{
			Kind:    ConstraintViolation,
			Path:    path,
			Message: fmt.Sprintf("value %s must be greater than %s", trimFloat(val), trimFloat(min)),
		})
	}
	if max, ok := numberVal(s["exclusiveMaximum"]); ok && val >= max {
		out = append(out, Violation{
			Kind:    ConstraintViolation,
			Path:    path,
			Message: fmt.Sprintf("value %s must be less than %s", trimFloat(val), trimFloat(max)),
		})
	}
	return out
}

// deref resolves local $ref pointers. A depth guard keeps recursive
// definitions from looping; past it, the node validates permissively.
func (v validator) deref(s map[string]any) map[string]any {
	for depth := 0; depth < 32; depth++ {
		ref, ok := s["$ref"].(string)
		if !ok {
			return s
		}
		target := v.lookupRef(ref)
		if target == nil {
			return s
		}
		s = target
	}
	return nil
}

func (v validator) lookupRef(ref string) map[string]any {
	var container, name string
	switch {
	case strings.HasPrefix(ref, "#/$defs/"):
		container, name = "$defs", strings.TrimPrefix(ref, "#/$defs/")
	case strings.HasPrefix(ref, "#/definitions/"):
		container, name = "definitions", strings.TrimPrefix(ref, "#/definitions/")
	default:
		return nil
	}
	defs, ok := v.root[container].(map[string]any)
	if !ok {
		return nil
	}
	target, _ := defs[name].(map[string]any)
	return target
}

func schemaTypes(s map[string]any) ([]string, bool) {
	switch t := s["type"].(type) {
	case string:
		return []string{t}, true
	case []any:
		var out []string
		for _, x := range t {
			if str, ok := x.(string); ok {
				out = append(out, str)
			}
		}
		return out, len(out) > 0
	}
	return nil, false
}

func typeAllowed(types []string, v any) bool {
	for _, t := range types {
		switch t {
		case "null":
			if v == nil {
				return true
			}
		case "boolean":
			if _, ok := v.(bool); ok {
				return true
			}
		case "string":
			if _, ok := v.(string); ok {
				return true
			}
		case "number":
			if _, ok := v.(float64); ok {
				return true
			}
		case "integer":
			if f, ok := v.(float64); ok && f == math.Trunc(f) {
				return true
			}
		case "array":
			if _, ok := v.([]any); ok {
				return true
			}
		case "object":
			if _, ok := v.(map[string]any); ok {
				return true
			}
		}
	}
	return false
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case float64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}

func enumContains(enum []any, v any) bool {
	want := compact(v)
	for _, e := range enum {
		if compact(e) == want {
			return true
		}
	}
	return false
}

func compact(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func joinPath(base, key string) string {
	if base == "" {
		return key
	}
	return base + "." + key
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func numberVal(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	}
	return 0, false
}

func trimFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
