package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustSchema(t *testing.T, src string) map[string]any {
	t.Helper()
	var s map[string]any
	require.NoError(t, json.Unmarshal([]byte(src), &s))
	return s
}

func validationError(t *testing.T, err error) *ValidationError {
	t.Helper()
	require.Error(t, err)
	ve, ok := err.(*ValidationError)
	require.True(t, ok, "expected *ValidationError, got %T", err)
	return ve
}

func TestValidateConformingInstance(t *testing.T) {
	t.Parallel()
	s := mustSchema(t, `{
		"type": "object",
		"properties": {
			"name": {"type": "string"},
			"age": {"type": "integer", "minimum": 0}
		},
		"required": ["name", "age"]
	}`)
	assert.NoError(t, Validate(s, []byte(`{"name":"Ada","age":36}`)))
}

func TestValidateMissingRequiredAndConstraint(t *testing.T) {
	t.Parallel()
	s := mustSchema(t, `{
		"type": "object",
		"properties": {
			"name": {"type": "string"},
			"age": {"type": "integer", "minimum": 0}
		},
		"required": ["name", "age"]
	}`)

	ve := validationError(t, Validate(s, []byte(`{"age": -5}`)))
	require.Len(t, ve.Violations, 2)
	assert.Equal(t, 2, ve.Total)

	assert.Equal(t, MissingRequired, ve.Violations[0].Kind)
	assert.Equal(t, "name", ve.Violations[0].Path)

	assert.Equal(t, ConstraintViolation, ve.Violations[1].Kind)
	assert.Equal(t, "age", ve.Violations[1].Path)
	assert.Contains(t, ve.Violations[1].Message, "minimum 0")
	assert.Contains(t, ve.Violations[1].Message, "-5")
}

func TestValidateTypeMismatchNamesBothTypes(t *testing.T) {
	t.Parallel()
	s := mustSchema(t, `{
		"type": "object",
		"properties": {"user": {"type": "object", "properties": {"age": {"type": "integer"}}}}
	}`)

	ve := validationError(t, Validate(s, []byte(`{"user":{"age":"old"}}`)))
	require.Len(t, ve.Violations, 1)
	v := ve.Violations[0]
	assert.Equal(t, TypeMismatch, v.Kind)
	assert.Equal(t, "user.age", v.Path)
	assert.Contains(t, v.Message, "expected integer")
	assert.Contains(t, v.Message, "got string")
	assert.Contains(t, v.Message, `"old"`)
}

func TestValidateEnumViolationListsAllowedValues(t *testing.T) {
	t.Parallel()
	s := mustSchema(t, `{
		"type": "object",
		"properties": {"status": {"type": "string", "enum": ["open", "closed"]}}
	}`)

	ve := validationError(t, Validate(s, []byte(`{"status":"pending"}`)))
	require.Len(t, ve.Violations, 1)
	assert.Equal(t, EnumViolation, ve.Violations[0].Kind)
	assert.Equal(t, "status", ve.Violations[0].Path)
	assert.Contains(t, ve.Violations[0].Message, `"open"`)
	assert.Contains(t, ve.Violations[0].Message, `"closed"`)
}

func TestValidateAdditionalProperty(t *testing.T) {
	t.Parallel()
	s := mustSchema(t, `{
		"type": "object",
		"properties": {"a": {"type": "string"}},
		"additionalProperties": false
	}`)

	ve := validationError(t, Validate(s, []byte(`{"a":"x","extra":1}`)))
	require.Len(t, ve.Violations, 1)
	assert.Equal(t, AdditionalProperties, ve.Violations[0].Kind)
	assert.Equal(t, "extra", ve.Violations[0].Path)
}

func TestValidateArrayPaths(t *testing.T) {
	t.Parallel()
	s := mustSchema(t, `{
		"type": "object",
		"properties": {
			"items": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {"name": {"type": "string"}},
					"required": ["name"]
				}
			}
		}
	}`)

	ve := validationError(t, Validate(s, []byte(`{"items":[{"name":"a"},{"name":"b"},{}]}`)))
	require.Len(t, ve.Violations, 1)
	assert.Equal(t, "items[2].name", ve.Violations[0].Path)
	assert.Equal(t, MissingRequired, ve.Violations[0].Kind)
}

func TestValidateCapsSurfacedViolations(t *testing.T) {
	t.Parallel()
	s := mustSchema(t, `{
		"type": "object",
		"properties": {
			"a": {"type": "string"}, "b": {"type": "string"},
			"c": {"type": "string"}, "d": {"type": "string"},
			"e": {"type": "string"}, "f": {"type": "string"},
			"g": {"type": "string"}
		},
		"required": ["a", "b", "c", "d", "e", "f", "g"]
	}`)

	ve := validationError(t, Validate(s, []byte(`{}`)))
	assert.Len(t, ve.Violations, MaxReported)
	assert.Equal(t, 7, ve.Total)
}

func TestValidateRejectsNonJSONOutput(t *testing.T) {
	t.Parallel()
	s := mustSchema(t, `{"type": "object"}`)
	ve := validationError(t, Validate(s, []byte("Sure! Here is the JSON you asked for: {")))
	require.Len(t, ve.Violations, 1)
	assert.Equal(t, TypeMismatch, ve.Violations[0].Kind)
}

func TestValidateResolvesLocalRefs(t *testing.T) {
	t.Parallel()
	s := mustSchema(t, `{
		"type": "object",
		"properties": {"address": {"$ref": "#/$defs/Address"}},
		"$defs": {
			"Address": {
				"type": "object",
				"properties": {"zip": {"type": "string", "minLength": 5}},
				"required": ["zip"]
			}
		}
	}`)

	assert.NoError(t, Validate(s, []byte(`{"address":{"zip":"75001"}}`)))

	ve := validationError(t, Validate(s, []byte(`{"address":{"zip":"75"}}`)))
	require.Len(t, ve.Violations, 1)
	assert.Equal(t, "address.zip", ve.Violations[0].Path)
	assert.Equal(t, ConstraintViolation, ve.Violations[0].Kind)
}

func TestValidateOneOfPassesOnAnyBranch(t *testing.T) {
	t.Parallel()
	s := mustSchema(t, `{
		"oneOf": [
			{"type": "object", "properties": {"kind": {"enum": ["a"]}, "x": {"type": "integer"}}, "required": ["kind", "x"]},
			{"type": "object", "properties": {"kind": {"enum": ["b"]}, "y": {"type": "string"}}, "required": ["kind", "y"]}
		]
	}`)

	assert.NoError(t, Validate(s, []byte(`{"kind":"b","y":"hi"}`)))

	ve := validationError(t, Validate(s, []byte(`{"kind":"b"}`)))
	require.NotEmpty(t, ve.Violations)
	assert.Equal(t, "y", ve.Violations[0].Path)
}

func TestValidateNullableType(t *testing.T) {
	t.Parallel()
	s := mustSchema(t, `{
		"type": "object",
		"properties": {"note": {"type": ["string", "null"]}}
	}`)
	assert.NoError(t, Validate(s, []byte(`{"note":null}`)))
	assert.NoError(t, Validate(s, []byte(`{"note":"hi"}`)))
	assert.Error(t, Validate(s, []byte(`{"note":7}`)))
}
