package toolconn

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// validateArgs checks args against the tool's declared input schema before a
// call goes over the wire, coercing the type mismatches LLM-produced
// arguments commonly carry (quoted numbers, numeric strings). Returns the
// possibly-coerced arguments or an InvocationError with reason
// schema_mismatch.
//
// An absent or uncompilable schema fails open: the provider gets to judge
// its own arguments.
func validateArgs(toolName string, schemaBytes json.RawMessage, args map[string]any) (map[string]any, error) {
	if len(schemaBytes) == 0 {
		return args, nil
	}

	schema, err := compileSchema(schemaBytes)
	if err != nil {
		return args, nil
	}

	if err := validateMap(schema, args); err == nil {
		return args, nil
	}

	coerced := coerceArgs(args, schemaBytes)
	if err := validateMap(schema, coerced); err != nil {
		return nil, &InvocationError{
			Reason: ReasonSchemaMismatch,
			Tool:   toolName,
			Cause:  fmt.Errorf("%s", summarizeValidation(err)),
		}
	}
	return coerced, nil
}

// compileSchema compiles the raw schema with a fresh compiler each time to
// avoid resource-collision errors.
func compileSchema(schemaBytes []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaBytes))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	const url = "mem://tool/schema"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(url)
}

func validateMap(schema *jsonschema.Schema, args map[string]any) error {
	b, err := json.Marshal(args)
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		return err
	}
	return schema.Validate(inst)
}

// coerceArgs applies simple type coercions on top-level properties.
func coerceArgs(args map[string]any, schemaBytes []byte) map[string]any {
	var schemaDef struct {
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
	}
	_ = json.Unmarshal(schemaBytes, &schemaDef)

	out := make(map[string]any, len(args))
	for k, v := range args {
		prop, ok := schemaDef.Properties[k]
		if !ok {
			out[k] = v
			continue
		}
		out[k] = coerceValue(v, prop.Type)
	}
	return out
}

func coerceValue(v any, targetType string) any {
	switch targetType {
	case "number", "integer":
		if s, ok := v.(string); ok {
			if n, err := strconv.ParseFloat(s, 64); err == nil {
				if targetType == "integer" {
					return int64(n)
				}
				return n
			}
		}
	case "string":
		switch n := v.(type) {
		case float64:
			return strconv.FormatFloat(n, 'f', -1, 64)
		case int64:
			return strconv.FormatInt(n, 10)
		}
	case "boolean":
		if s, ok := v.(string); ok {
			if b, err := strconv.ParseBool(s); err == nil {
				return b
			}
		}
	}
	return v
}

// summarizeValidation flattens the validator's multi-line output into
// something readable in a status line.
func summarizeValidation(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i > 0 {
		lines := strings.Split(msg, "\n")
		var parts []string
		for _, l := range lines[1:] {
			l = strings.TrimSpace(l)
			l = strings.TrimPrefix(l, "- ")
			if l != "" {
				parts = append(parts, l)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "; ")
		}
	}
	return msg
}
