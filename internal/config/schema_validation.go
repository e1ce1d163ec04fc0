package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	wardenschema "github.com/Paintersrp/warden/schema"
)

const schemaResource = "warden.v1.json"

var (
	schemaOnce     sync.Once
	documentSchema *jsonschema.Schema
	schemaErr      error
)

// quantityHints explain the value formats declared under $defs in the
// schema. A failure anywhere inside one of these definitions is reported
// with the hint instead of the individual oneOf branch messages.
var quantityHints = map[string]string{
	"size":     "expected a size like 1MiB, 64KiB or a byte count",
	"cpu":      "expected cores like 0.5 or millicores like 500m",
	"duration": "expected a duration like 3s or 500ms",
	"service":  "expected a service name like LOG",
}

// SchemaIssue is one field that failed schema validation.
type SchemaIssue struct {
	Field string
	Hint  string
}

// SchemaError lists every field of a document that does not match the
// embedded schema.
type SchemaError struct {
	Issues []SchemaIssue
}

func (e *SchemaError) Error() string {
	var b strings.Builder
	b.WriteString("schema validation failed:")
	for _, issue := range e.Issues {
		fmt.Fprintf(&b, "\n- %s: %s", issue.Field, issue.Hint)
	}
	return b.String()
}

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource(schemaResource, bytes.NewReader(wardenschema.WardenV1Schema)); err != nil {
			schemaErr = fmt.Errorf("add config schema resource: %w", err)
			return
		}
		documentSchema, schemaErr = compiler.Compile(schemaResource)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile config schema: %w", schemaErr)
		}
	})
	return documentSchema, schemaErr
}

// validateAgainstSchema checks the raw decoded document before it is bound
// to Go types, so unknown keys and malformed quantities report their path.
func validateAgainstSchema(doc map[string]any) error {
	schema, err := loadSchema()
	if err != nil {
		return fmt.Errorf("load config schema: %w", err)
	}

	instance, err := schemaInstance(doc)
	if err != nil {
		return fmt.Errorf("prepare config for schema validation: %w", err)
	}

	if err := schema.Validate(instance); err != nil {
		var vErr *jsonschema.ValidationError
		if errors.As(err, &vErr) {
			return &SchemaError{Issues: collectIssues(vErr)}
		}
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// schemaInstance converts a yaml.v3 decoded value into the JSON data model
// the validator expects. Numbers become json.Number so integer checks see
// the value as written.
func schemaInstance(v any) (any, error) {
	switch v := v.(type) {
	case nil, bool, string:
		return v, nil
	case int:
		return json.Number(strconv.Itoa(v)), nil
	case int64:
		return json.Number(strconv.FormatInt(v, 10)), nil
	case uint64:
		return json.Number(strconv.FormatUint(v, 10)), nil
	case float64:
		return json.Number(strconv.FormatFloat(v, 'g', -1, 64)), nil
	case time.Time:
		return v.Format(time.RFC3339Nano), nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, value := range v {
			converted, err := schemaInstance(value)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out[key] = converted
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(v))
		for key, value := range v {
			name := fmt.Sprint(key)
			converted, err := schemaInstance(value)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			out[name] = converted
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, value := range v {
			converted, err := schemaInstance(value)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = converted
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value %T", v)
	}
}

// collectIssues flattens the validator's error tree into one issue per
// field and hint, in document order.
func collectIssues(root *jsonschema.ValidationError) []SchemaIssue {
	var (
		issues []SchemaIssue
		seen   = make(map[SchemaIssue]bool)
	)
	var walk func(*jsonschema.ValidationError)
	walk = func(err *jsonschema.ValidationError) {
		if hint, ok := quantityHint(err); ok {
			addIssue(&issues, seen, SchemaIssue{Field: fieldPath(err.InstanceLocation), Hint: hint})
			return
		}
		if len(err.Causes) > 0 {
			for _, cause := range err.Causes {
				walk(cause)
			}
			return
		}
		if names, ok := unknownKeys(err.Message); ok {
			parent := fieldPath(err.InstanceLocation)
			for _, name := range names {
				field := name
				if parent != "config" {
					field = parent + "." + name
				}
				addIssue(&issues, seen, SchemaIssue{Field: field, Hint: "unknown key"})
			}
			return
		}
		addIssue(&issues, seen, SchemaIssue{Field: fieldPath(err.InstanceLocation), Hint: err.Message})
	}
	walk(root)
	return issues
}

func addIssue(issues *[]SchemaIssue, seen map[SchemaIssue]bool, issue SchemaIssue) {
	if seen[issue] {
		return
	}
	seen[issue] = true
	*issues = append(*issues, issue)
}

func quantityHint(err *jsonschema.ValidationError) (string, bool) {
	for _, loc := range []string{err.AbsoluteKeywordLocation, err.KeywordLocation} {
		_, def, ok := strings.Cut(loc, "/$defs/")
		if !ok {
			continue
		}
		def, _, _ = strings.Cut(def, "/")
		if hint, ok := quantityHints[def]; ok {
			return hint, true
		}
	}
	return "", false
}

// unknownKeys extracts the names from an additionalProperties failure such
// as "additionalProperties 'a', 'b' not allowed".
func unknownKeys(message string) ([]string, bool) {
	rest, ok := strings.CutPrefix(message, "additionalProperties ")
	if !ok {
		return nil, false
	}
	var names []string
	for {
		_, after, found := strings.Cut(rest, "'")
		if !found {
			break
		}
		name, tail, closed := strings.Cut(after, "'")
		if !closed {
			break
		}
		names = append(names, name)
		rest = tail
	}
	return names, len(names) > 0
}

// fieldPath renders a JSON pointer such as /policy/services/1 as
// policy.services[1], the same form Validate uses.
func fieldPath(pointer string) string {
	pointer = strings.TrimPrefix(pointer, "/")
	if pointer == "" {
		return "config"
	}
	var parts []string
	for _, segment := range strings.Split(pointer, "/") {
		segment = strings.NewReplacer("~1", "/", "~0", "~").Replace(segment)
		if _, err := strconv.Atoi(segment); err == nil && len(parts) > 0 {
			parts[len(parts)-1] += "[" + segment + "]"
			continue
		}
		parts = append(parts, segment)
	}
	return strings.Join(parts, ".")
}
