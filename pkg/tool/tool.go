// Package tool defines the closed catalog of clinic tools the assistants may
// invoke: their names, parameter schemas, required capabilities and handlers.
package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	gjs "github.com/google/jsonschema-go/jsonschema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/wilhg/clinic-assist/pkg/permission"
)

// Name identifies a tool. The set is closed; see Names.
type Name string

const (
	FindPatientByPhone        Name = "find_patient_by_phone"
	GetNextAvailableSlots     Name = "get_next_available_slots"
	CreateOrUpdateAppointment Name = "create_or_update_appointment"
	SummarizeLastVisit        Name = "summarize_last_visit"
	GetInvoiceStatus          Name = "get_invoice_status"
	CreateFollowupTask        Name = "create_followup_task"
)

// Names returns every known tool name in catalog order.
func Names() []Name {
	return []Name{
		FindPatientByPhone,
		GetNextAvailableSlots,
		CreateOrUpdateAppointment,
		SummarizeLastVisit,
		GetInvoiceStatus,
		CreateFollowupTask,
	}
}

// Known reports whether n is part of the closed catalog.
func (n Name) Known() bool {
	for _, k := range Names() {
		if k == n {
			return true
		}
	}
	return false
}

// Outcome is what a handler returns on success. A handler may itself demand a
// human handoff, e.g. when a phone number matches several patients.
type Outcome struct {
	Data                 any
	RequiresHumanHandoff bool
	HandoffReason        string
}

// Handler executes a call whose params already passed schema validation.
type Handler func(ctx context.Context, params map[string]any) (Outcome, error)

// Definition bundles a tool's static contract with its handler.
type Definition struct {
	Name         Name
	Description  string
	Capabilities []permission.Capability
	// InputSchema is the JSON Schema (draft 2020-12) of the params object.
	InputSchema []byte
	// Schema is the same schema as a structured value, for protocol exports.
	Schema  *gjs.Schema
	Handler Handler

	compiled   *jsonschema.Schema
	dateFields []string
}

// Validate checks params structurally against the input schema and then
// checks that date fields hold real ISO-8601 dates.
func (d Definition) Validate(params map[string]any) error {
	if d.compiled == nil {
		return fmt.Errorf("tool %s: schema not compiled", d.Name)
	}
	if params == nil {
		params = map[string]any{}
	}
	if err := validateInstance(d.compiled, params); err != nil {
		return err
	}
	for _, f := range d.dateFields {
		v, ok := params[f]
		if !ok {
			continue
		}
		s, _ := v.(string)
		if _, err := ParseISO(s); err != nil {
			return fieldError(d.Name, f, "must be an ISO-8601 date or date-time")
		}
	}
	return nil
}

// SchemaOption refines a derived schema.
type SchemaOption func(s *gjs.Schema, d *Definition)

// DateField marks a string property as an ISO-8601 date or date-time.
func DateField(field string) SchemaOption {
	return func(s *gjs.Schema, d *Definition) {
		if p, ok := s.Properties[field]; ok {
			p.Pattern = isoPattern
			d.dateFields = append(d.dateFields, field)
		}
	}
}

// Enum restricts a string property to the given values.
func Enum(field string, values ...string) SchemaOption {
	return func(s *gjs.Schema, _ *Definition) {
		if p, ok := s.Properties[field]; ok {
			p.Enum = make([]any, len(values))
			for i, v := range values {
				p.Enum[i] = v
			}
		}
	}
}

// NonEmpty requires a string property to have at least one character.
func NonEmpty(fields ...string) SchemaOption {
	return func(s *gjs.Schema, _ *Definition) {
		one := 1
		for _, f := range fields {
			if p, ok := s.Properties[f]; ok {
				p.MinLength = &one
			}
		}
	}
}

// Positive requires an integer property to be at least 1.
func Positive(fields ...string) SchemaOption {
	return func(s *gjs.Schema, _ *Definition) {
		one := 1.0
		for _, f := range fields {
			if p, ok := s.Properties[f]; ok {
				p.Minimum = &one
			}
		}
	}
}

// Typed builds a Definition whose schema is derived from the params struct P
// and whose handler receives P already decoded. Fields without omitempty are
// required; unknown fields are rejected.
func Typed[P any](name Name, description string, caps []permission.Capability, h func(ctx context.Context, p P) (Outcome, error), opts ...SchemaOption) (Definition, error) {
	if !name.Known() {
		return Definition{}, fmt.Errorf("tool %q is not in the catalog", name)
	}
	if h == nil {
		return Definition{}, fmt.Errorf("tool %s: nil handler", name)
	}
	s, err := gjs.For[P](nil)
	if err != nil {
		return Definition{}, fmt.Errorf("tool %s: derive schema: %w", name, err)
	}
	s.Description = description
	s.AdditionalProperties = &gjs.Schema{Not: &gjs.Schema{}}
	d := Definition{Name: name, Description: description, Capabilities: caps, Schema: s}
	for _, o := range opts {
		o(s, &d)
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return Definition{}, fmt.Errorf("tool %s: marshal schema: %w", name, err)
	}
	if raw, err = closeSchema(raw); err != nil {
		return Definition{}, fmt.Errorf("tool %s: close schema: %w", name, err)
	}
	if d.compiled, err = CompileSchema(raw); err != nil {
		return Definition{}, fmt.Errorf("tool %s: compile schema: %w", name, err)
	}
	d.InputSchema = raw
	d.Handler = func(ctx context.Context, params map[string]any) (Outcome, error) {
		var p P
		if err := decodeParams(params, &p); err != nil {
			return Outcome{}, err
		}
		return h(ctx, p)
	}
	return d, nil
}

func decodeParams(params map[string]any, out any) error {
	b, err := json.Marshal(params)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

// Call is a request to run one tool. Params is the raw, not yet validated object.
type Call struct {
	Tool   Name           `json:"tool"`
	Params map[string]any `json:"params"`
}

// Result is the uniform envelope every dispatched call resolves to.
type Result struct {
	Success              bool   `json:"success"`
	Data                 any    `json:"data,omitempty"`
	Error                string `json:"error,omitempty"`
	RequiresHumanHandoff bool   `json:"requiresHumanHandoff,omitempty"`
	HandoffReason        string `json:"handoffReason,omitempty"`
	// PermissionDenied distinguishes capability denials from other failures.
	PermissionDenied bool `json:"-"`
}
