package extraction

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/signup-sentinel/internal/discovery"
)

var (
	// errMalformed marks output that is not a JSON object at all.
	errMalformed = errors.New("extractor output is not a JSON object")
	// errNoFields marks a JSON object without the top-level fields array.
	errNoFields = errors.New(`missing top-level "fields" array`)
)

var requiredFieldKeys = []string{"name", "type", "required"}

// candidate is the top-level shape requested from the extractor.
type candidate struct {
	Fields []json.RawMessage `json:"fields"`
}

// SchemaError lists every violation found in a candidate response.
type SchemaError struct {
	Problems []string
}

func (e *SchemaError) Error() string {
	return "schema validation failed: " + strings.Join(e.Problems, "; ")
}

// jsonObject isolates the JSON object in raw, tolerating code fences and
// surrounding prose.
func jsonObject(raw string) ([]byte, error) {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return nil, errMalformed
	}
	obj := []byte(text[start : end+1])
	if !json.Valid(obj) {
		return nil, errMalformed
	}
	return obj, nil
}

// Parse decodes raw extractor output and validates it against schema. The
// returned fields keep response order and include duplicates. A malformed
// payload is reported as errMalformed; schema violations as *SchemaError.
func Parse(raw string, schema discovery.Schema) ([]discovery.FieldDescriptor, error) {
	obj, err := jsonObject(raw)
	if err != nil {
		return nil, err
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(obj, &top); err != nil {
		return nil, errMalformed
	}
	rawFields, ok := top["fields"]
	if !ok || bytes.Equal(bytes.TrimSpace(rawFields), []byte("null")) {
		return nil, &SchemaError{Problems: []string{errNoFields.Error()}}
	}
	var cand candidate
	if err := json.Unmarshal(obj, &cand); err != nil {
		return nil, &SchemaError{Problems: []string{errNoFields.Error()}}
	}

	allowed := allowedTypes(schema)
	var problems []string
	fields := make([]discovery.FieldDescriptor, 0, len(cand.Fields))
	for i, item := range cand.Fields {
		field, fieldProblems := parseField(i, item, allowed)
		if len(fieldProblems) > 0 {
			problems = append(problems, fieldProblems...)
			continue
		}
		fields = append(fields, field)
	}

	if len(problems) == 0 && len(fields) < schema.MinFields {
		problems = append(problems, fmt.Sprintf("found %d fields, need at least %d", len(fields), schema.MinFields))
	}
	if len(problems) > 0 {
		return nil, &SchemaError{Problems: problems}
	}
	return fields, nil
}

func parseField(idx int, item json.RawMessage, allowed map[discovery.FieldType]bool) (discovery.FieldDescriptor, []string) {
	var props map[string]json.RawMessage
	if err := json.Unmarshal(item, &props); err != nil {
		return discovery.FieldDescriptor{}, []string{fmt.Sprintf("fields[%d]: not an object", idx)}
	}
	var problems []string
	for _, key := range requiredFieldKeys {
		if _, ok := props[key]; !ok {
			problems = append(problems, fmt.Sprintf("fields[%d]: missing %q", idx, key))
		}
	}
	if len(problems) > 0 {
		return discovery.FieldDescriptor{}, problems
	}

	var field discovery.FieldDescriptor
	if err := json.Unmarshal(item, &field); err != nil {
		return discovery.FieldDescriptor{}, []string{fmt.Sprintf("fields[%d]: %v", idx, err)}
	}
	field.Name = strings.TrimSpace(field.Name)
	field.Type = discovery.FieldType(strings.ToLower(strings.TrimSpace(string(field.Type))))
	field.Category = strings.ToLower(strings.TrimSpace(field.Category))
	if field.Name == "" {
		problems = append(problems, fmt.Sprintf("fields[%d]: empty name", idx))
	}
	if !allowed[field.Type] {
		problems = append(problems, fmt.Sprintf("fields[%d]: type %q not allowed", idx, field.Type))
	}
	return field, problems
}

func allowedTypes(schema discovery.Schema) map[discovery.FieldType]bool {
	types := schema.AllowedTypes
	if len(types) == 0 {
		types = discovery.KnownFieldTypes()
	}
	out := make(map[discovery.FieldType]bool, len(types))
	for _, t := range types {
		out[discovery.FieldType(strings.ToLower(string(t)))] = true
	}
	return out
}

// SchemaHint renders the response contract sent to the extractor.
func SchemaHint(schema discovery.Schema) string {
	types := schema.AllowedTypes
	if len(types) == 0 {
		types = discovery.KnownFieldTypes()
	}
	hint := struct {
		Schema             string                      `json:"schema"`
		ExpectedCategories []string                    `json:"expected_categories"`
		AllowedTypes       []discovery.FieldType       `json:"allowed_types"`
		MinFields          int                         `json:"min_fields"`
		Response           map[string][]map[string]any `json:"response_format"`
	}{
		Schema:             schema.Name,
		ExpectedCategories: schema.ExpectedCategories,
		AllowedTypes:       types,
		MinFields:          schema.MinFields,
		Response: map[string][]map[string]any{
			"fields": {{
				"name":        "string",
				"label":       "string",
				"type":        "one of allowed_types",
				"category":    "one of expected_categories",
				"required":    "boolean",
				"constraints": map[string]string{"pattern": "", "min_length": "", "max_length": "", "min": "", "max": "", "options": "", "format": ""},
			}},
		},
	}
	data, err := json.Marshal(hint)
	if err != nil {
		return ""
	}
	return string(data)
}
