// Package schema validates process arguments against the JSON Schema
// documents manifests use for their input contracts. Schemas are compiled
// with santhosh-tekuri/jsonschema; violations are reported per field path.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const rootPath = "$"

type format struct {
	tag     string
	message string
}

// formats maps JSON Schema format names onto validator tags. Other formats
// are rejected when a schema is checked.
var formats = map[string]format{
	"uuid":      {"uuid", "must be a UUID"},
	"email":     {"email", "must be an email address"},
	"uri":       {"uri", "must be a URI"},
	"url":       {"url", "must be a URL"},
	"date-time": {"datetime=2006-01-02T15:04:05Z07:00", "must be an RFC 3339 date-time"},
	"date":      {"datetime=2006-01-02", "must be a date (YYYY-MM-DD)"},
	"ipv4":      {"ipv4", "must be an IPv4 address"},
	"ipv6":      {"ipv6", "must be an IPv6 address"},
	"hostname":  {"hostname_rfc1123", "must be a hostname"},
}

var printer = message.NewPrinter(language.English)

// ValidationError lists every violation found, keyed by field path.
type ValidationError struct {
	Fields map[string][]string `json:"fields"`
}

func (e *ValidationError) Error() string {
	paths := make([]string, 0, len(e.Fields))
	for p := range e.Fields {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	parts := make([]string, 0, len(paths))
	for _, p := range paths {
		parts = append(parts, fmt.Sprintf("%s: %s", p, strings.Join(e.Fields[p], ", ")))
	}
	return "arguments failed validation: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(path, msg string) {
	e.Fields[path] = append(e.Fields[path], msg)
}

// Validator checks values against schemas. Compiled schemas are cached by
// content. It is safe for concurrent use.
type Validator struct {
	formats  *validator.Validate
	compiled sync.Map // canonical schema JSON -> *jsonschema.Schema
}

// New creates a Validator.
func New() *Validator {
	return &Validator{formats: validator.New()}
}

var defaultValidator = New()

// Validate decodes raw and checks it against schema using a shared Validator.
func Validate(schema map[string]interface{}, raw json.RawMessage) (interface{}, error) {
	return defaultValidator.Validate(schema, raw)
}

// Validate decodes raw and checks it against schema. It returns the decoded
// arguments, or a *ValidationError naming every violation. Empty input is
// treated as an empty object. Numbers decode as json.Number so integer ids
// keep their literal text. Defaults declared in the schema are not applied.
func (v *Validator) Validate(schema map[string]interface{}, raw json.RawMessage) (interface{}, error) {
	value, err := decode(raw)
	if err != nil {
		return nil, &ValidationError{Fields: map[string][]string{rootPath: {"must be valid JSON"}}}
	}

	compiled, err := v.schemaFor(schema)
	if err != nil {
		return nil, err
	}
	err = compiled.Validate(value)
	if err == nil {
		return value, nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return nil, fmt.Errorf("validate arguments: %w", err)
	}
	return nil, fieldErrors(value, ve)
}

func decode(raw json.RawMessage) (interface{}, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]interface{}{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var value interface{}
	if err := dec.Decode(&value); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("trailing data after JSON value")
	}
	return value, nil
}

func (v *Validator) schemaFor(schema map[string]interface{}) (*jsonschema.Schema, error) {
	if schema == nil {
		schema = map[string]interface{}{}
	}
	key, err := json.Marshal(schema)
	if err != nil {
		return nil, &SchemaError{Problems: []string{err.Error()}}
	}
	if s, ok := v.compiled.Load(string(key)); ok {
		return s.(*jsonschema.Schema), nil
	}
	s, err := v.compile(key)
	if err != nil {
		return nil, err
	}
	v.compiled.Store(string(key), s)
	return s, nil
}

const resourceURL = "file:///input-schema.json"

func (v *Validator) compile(doc []byte) (*jsonschema.Schema, error) {
	loaded, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return nil, &SchemaError{Problems: []string{err.Error()}}
	}
	c := jsonschema.NewCompiler()
	c.DefaultDraft(jsonschema.Draft2020)
	c.AssertFormat()
	for name, f := range formats {
		c.RegisterFormat(&jsonschema.Format{Name: name, Validate: v.formatCheck(f.tag)})
	}
	if err := c.AddResource(resourceURL, loaded); err != nil {
		return nil, schemaError(err)
	}
	s, err := c.Compile(resourceURL)
	if err != nil {
		return nil, schemaError(err)
	}
	return s, nil
}

func (v *Validator) formatCheck(tag string) func(interface{}) error {
	return func(value interface{}) error {
		s, ok := value.(string)
		if !ok {
			return nil
		}
		return v.formats.Var(s, tag)
	}
}

type violation struct {
	path    string
	message string
	isType  bool
}

// fieldErrors flattens the library's error tree into field paths. A type
// mismatch hides every other violation at or below its path.
func fieldErrors(value interface{}, root *jsonschema.ValidationError) *ValidationError {
	var found []violation
	var walk func(ve *jsonschema.ValidationError)
	walk = func(ve *jsonschema.ValidationError) {
		if len(ve.Causes) > 0 {
			for _, c := range ve.Causes {
				walk(c)
			}
			return
		}
		found = append(found, leaf(fieldPath(value, ve.InstanceLocation), ve.ErrorKind)...)
	}
	walk(root)

	var mismatched []string
	for _, f := range found {
		if f.isType {
			mismatched = append(mismatched, f.path)
		}
	}
	verr := &ValidationError{Fields: map[string][]string{}}
	for _, f := range found {
		if !f.isType && under(f.path, mismatched) {
			continue
		}
		verr.add(f.path, f.message)
	}
	return verr
}

func leaf(path string, k jsonschema.ErrorKind) []violation {
	one := func(msg string) []violation { return []violation{{path: path, message: msg}} }
	switch k := k.(type) {
	case *kind.Type:
		return []violation{{path: path, message: "must be of type " + strings.Join(k.Want, " or "), isType: true}}
	case *kind.Required:
		out := make([]violation, 0, len(k.Missing))
		for _, name := range k.Missing {
			out = append(out, violation{path: child(path, name), message: "is required"})
		}
		return out
	case *kind.AdditionalProperties:
		out := make([]violation, 0, len(k.Properties))
		for _, name := range k.Properties {
			out = append(out, violation{path: child(path, name), message: "is not allowed"})
		}
		return out
	case *kind.FalseSchema:
		return one("is not allowed")
	case *kind.Enum:
		return one("must be one of " + renderList(k.Want))
	case *kind.Const:
		return one("must equal " + render(k.Want))
	case *kind.Format:
		if f, ok := formats[k.Want]; ok {
			return one(f.message)
		}
		return one("must be a valid " + k.Want)
	case *kind.Pattern:
		return one("must match pattern " + k.Want)
	case *kind.MinLength:
		return one(fmt.Sprintf("must be at least %d characters", k.Want))
	case *kind.MaxLength:
		return one(fmt.Sprintf("must be at most %d characters", k.Want))
	case *kind.MinItems:
		return one(fmt.Sprintf("must contain at least %d items", k.Want))
	case *kind.MaxItems:
		return one(fmt.Sprintf("must contain at most %d items", k.Want))
	case *kind.Minimum:
		return one("must be >= " + ratString(k.Want))
	case *kind.Maximum:
		return one("must be <= " + ratString(k.Want))
	case *kind.ExclusiveMinimum:
		return one("must be > " + ratString(k.Want))
	case *kind.ExclusiveMaximum:
		return one("must be < " + ratString(k.Want))
	}
	return one(k.LocalizedString(printer))
}

// fieldPath renders a JSON pointer as a dotted path, using the instance to
// tell array indexes from object keys.
func fieldPath(value interface{}, location []string) string {
	path := rootPath
	node := value
	for _, token := range location {
		switch n := node.(type) {
		case []interface{}:
			i, err := strconv.Atoi(token)
			if err == nil && i >= 0 && i < len(n) {
				path = index(path, i)
				node = n[i]
				continue
			}
			path = child(path, token)
			node = nil
		case map[string]interface{}:
			path = child(path, token)
			node = n[token]
		default:
			path = child(path, token)
			node = nil
		}
	}
	return path
}

func under(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if path == p || p == rootPath ||
			strings.HasPrefix(path, p+".") || strings.HasPrefix(path, p+"[") {
			return true
		}
	}
	return false
}

func child(path, name string) string {
	if path == rootPath {
		return name
	}
	return path + "." + name
}

func index(path string, i int) string {
	if path == rootPath {
		return fmt.Sprintf("[%d]", i)
	}
	return fmt.Sprintf("%s[%d]", path, i)
}

func ratString(r *big.Rat) string {
	if r == nil {
		return "?"
	}
	if r.IsInt() {
		return r.Num().String()
	}
	f, _ := r.Float64()
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func render(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func renderList(values []interface{}) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = render(v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
