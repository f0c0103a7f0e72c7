package schema

import (
	"fmt"
	"sort"
	"strings"
)

// SchemaError reports a malformed schema document.
type SchemaError struct {
	Problems []string
}

func (e *SchemaError) Error() string {
	return "invalid schema: " + strings.Join(e.Problems, "; ")
}

func schemaError(err error) *SchemaError {
	var problems []string
	for _, line := range strings.Split(err.Error(), "\n") {
		if line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-")); line != "" {
			problems = append(problems, line)
		}
	}
	return &SchemaError{Problems: problems}
}

// CheckSchema compiles schema against the JSON Schema 2020-12 metaschema and
// rejects what would validate silently wrong: formats without a checker and
// empty enums.
func CheckSchema(schema map[string]interface{}) error {
	if schema == nil {
		return &SchemaError{Problems: []string{"$: schema is required"}}
	}
	if _, err := defaultValidator.schemaFor(schema); err != nil {
		return err
	}
	var problems []string
	lint(schema, rootPath, &problems)
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return &SchemaError{Problems: problems}
}

// annotations hold instance data, not subschemas.
var annotations = map[string]bool{"const": true, "default": true, "examples": true, "enum": true}

// schemaMaps map names onto subschemas.
var schemaMaps = map[string]bool{
	"properties": true, "patternProperties": true, "dependentSchemas": true, "$defs": true, "definitions": true,
}

func lint(node interface{}, path string, problems *[]string) {
	switch n := node.(type) {
	case map[string]interface{}:
		if f, ok := n["format"].(string); ok {
			if _, known := formats[f]; !known {
				*problems = append(*problems, fmt.Sprintf("%s: unsupported format %q", path, f))
			}
		}
		if list, ok := n["enum"].([]interface{}); ok && len(list) == 0 {
			*problems = append(*problems, path+": enum must be a non-empty list")
		}
		for key, val := range n {
			switch {
			case annotations[key]:
			case schemaMaps[key]:
				if named, ok := val.(map[string]interface{}); ok {
					for name, sub := range named {
						lint(sub, path+"/"+key+"/"+name, problems)
					}
				}
			default:
				lint(val, path+"/"+key, problems)
			}
		}
	case []interface{}:
		for i, item := range n {
			lint(item, fmt.Sprintf("%s/%d", path, i), problems)
		}
	}
}
