// Package schema validates mutation payloads against per-resource CUE
// definitions before they leave the client.
//
// A definition is a CUE struct describing one row, for example:
//
//	user_id:      string
//	weight:       number & >0 & <500
//	recorded_at?: string
//
// Inserts must unify with the definition and be concrete, so required
// fields have to be present. Updates carry only the changed fields and
// are checked for conflicts only. Use close({...}) to reject unknown
// fields. Resources without a definition are not checked.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/offsync/internal/record"
)

// ValidationError describes the first violation found in a definition or
// a payload.
type ValidationError struct {
	Resource string
	Field    string
	Message  string
	Pos      token.Pos
}

func (e *ValidationError) Error() string {
	field := e.Field
	if field == "" {
		field = "payload"
	}
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s.%s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Resource, field, e.Message)
	}
	return fmt.Sprintf("%s.%s: %s", e.Resource, field, e.Message)
}

// Validator holds compiled definitions.
//
// Thread-safety: a Validator is immutable after Compile. cue.Value
// operations used by Check do not mutate the definitions.
type Validator struct {
	ctx  *cue.Context
	defs map[string]cue.Value
}

// Compile builds a Validator from CUE source keyed by resource name.
func Compile(sources map[string]string) (*Validator, error) {
	v := &Validator{
		ctx:  cuecontext.New(),
		defs: make(map[string]cue.Value, len(sources)),
	}

	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		def := v.ctx.CompileString(sources[name], cue.Filename(name+".cue"))
		if err := def.Err(); err != nil {
			return nil, toValidationError(name, err)
		}
		if def.IncompleteKind() != cue.StructKind {
			return nil, &ValidationError{Resource: name, Message: "definition must be a struct"}
		}
		v.defs[name] = def
	}
	return v, nil
}

// Resources lists the resources that have a definition, sorted.
func (v *Validator) Resources() []string {
	out := make([]string, 0, len(v.defs))
	for name := range v.defs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Check validates payload against the resource's definition. partial
// selects update semantics: absent required fields are allowed.
func (v *Validator) Check(resource string, payload record.Record, partial bool) error {
	if v == nil {
		return nil
	}
	def, ok := v.defs[resource]
	if !ok {
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return &ValidationError{Resource: resource, Message: err.Error()}
	}
	val := v.ctx.CompileBytes(data, cue.Filename("payload.json"))
	if err := val.Err(); err != nil {
		return toValidationError(resource, err)
	}

	unified := def.Unify(val)
	opts := []cue.Option{}
	if !partial {
		opts = append(opts, cue.Concrete(true))
	}
	if err := unified.Validate(opts...); err != nil {
		return toValidationError(resource, err)
	}
	return nil
}

// toValidationError extracts path and position from the first CUE error.
func toValidationError(resource string, err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return &ValidationError{Resource: resource, Message: err.Error()}
	}

	first := errs[0]
	format, args := first.Msg()
	ve := &ValidationError{
		Resource: resource,
		Field:    strings.Join(first.Path(), "."),
		Message:  fmt.Sprintf(format, args...),
	}
	if positions := errors.Positions(first); len(positions) > 0 {
		ve.Pos = positions[0]
	}
	return ve
}
