package tool

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"

	"github.com/wilhg/clinic-assist/pkg/errmodel"
)

const schemaURL = "mem://tool-params.json"

// CompileSchema compiles a JSON schema held in memory.
func CompileSchema(schema []byte) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(schema, &doc); err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, err
	}
	return c.Compile(schemaURL)
}

// closeSchema forces additionalProperties to the boolean false so unknown
// fields are reported by name rather than as nested subschema failures.
func closeSchema(raw []byte) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	m["additionalProperties"] = false
	return json.Marshal(m)
}

func validateInstance(sch *jsonschema.Schema, params map[string]any) error {
	// Normalize to plain JSON types; handlers and planners may build params
	// with ints or typed strings.
	b, err := json.Marshal(params)
	if err != nil {
		return errmodel.Validation("invalid_params", "params are not a JSON object", map[string]any{"error": err.Error()})
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return errmodel.Validation("invalid_params", "params are not a JSON object", map[string]any{"error": err.Error()})
	}
	err = sch.Validate(v)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return errmodel.Validation("invalid_params", err.Error(), nil)
	}
	msgs := describe(ve)
	fields := make([]string, 0, len(msgs))
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		fields = append(fields, m.field)
		lines = append(lines, m.text)
	}
	return errmodel.Validation("invalid_params", strings.Join(lines, "; "), map[string]any{"fields": fields})
}

type fieldMessage struct {
	field string
	text  string
}

// describe flattens a validation error tree into one message per offending field.
func describe(ve *jsonschema.ValidationError) []fieldMessage {
	var out []fieldMessage
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) > 0 {
			for _, c := range e.Causes {
				walk(c)
			}
			return
		}
		out = append(out, leafMessages(e)...)
	}
	walk(ve)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].field != out[j].field {
			return out[i].field < out[j].field
		}
		return out[i].text < out[j].text
	})
	return dedupe(out)
}

func leafMessages(e *jsonschema.ValidationError) []fieldMessage {
	loc := strings.Join(e.InstanceLocation, ".")
	switch k := e.ErrorKind.(type) {
	case *kind.Required:
		out := make([]fieldMessage, 0, len(k.Missing))
		for _, f := range k.Missing {
			out = append(out, fieldMessage{field: join(loc, f), text: fmt.Sprintf("missing required field %q", join(loc, f))})
		}
		return out
	case *kind.AdditionalProperties:
		out := make([]fieldMessage, 0, len(k.Properties))
		for _, f := range k.Properties {
			out = append(out, fieldMessage{field: join(loc, f), text: fmt.Sprintf("unknown field %q", join(loc, f))})
		}
		return out
	case *kind.Type:
		return []fieldMessage{{field: loc, text: fmt.Sprintf("field %q: expected %s, got %s", loc, strings.Join(k.Want, " or "), k.Got)}}
	}
	keyword := ""
	if kp := e.ErrorKind.KeywordPath(); len(kp) > 0 {
		keyword = kp[len(kp)-1]
	}
	var reason string
	switch keyword {
	case "pattern", "format":
		reason = "must be an ISO-8601 date or date-time"
	case "enum", "const":
		reason = "is not one of the allowed values"
	case "minLength":
		reason = "must not be empty"
	case "minimum", "exclusiveMinimum":
		reason = "must be a positive number"
	default:
		reason = "is invalid"
	}
	return []fieldMessage{{field: loc, text: fmt.Sprintf("field %q: %s", loc, reason)}}
}

func join(parent, child string) string {
	if parent == "" {
		return child
	}
	return parent + "." + child
}

func dedupe(in []fieldMessage) []fieldMessage {
	out := in[:0]
	var prev string
	for i, m := range in {
		if i > 0 && m.text == prev {
			continue
		}
		prev = m.text
		out = append(out, m)
	}
	return out
}

func fieldError(tool Name, field, reason string) error {
	return errmodel.Validation("invalid_params", fmt.Sprintf("field %q: %s", field, reason), map[string]any{"tool": string(tool), "fields": []string{field}})
}
