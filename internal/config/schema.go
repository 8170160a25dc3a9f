// Package config models run configuration: the cty-typed schema a job
// derives from its ops and resources, resolution of user-supplied values
// against that schema, config mappings, and partitioned config.
package config

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	ctyjson "github.com/zclconf/go-cty/cty/json"

	"github.com/vk/dagrun/internal/derror"
)

// RunConfig is the raw, user-supplied configuration for one run: per-op and
// per-resource field maps. Field values are plain Go values and are only
// typed once resolved against a Schema.
type RunConfig struct {
	Ops       map[string]map[string]any `json:"ops,omitempty"`
	Resources map[string]map[string]any `json:"resources,omitempty"`
}

// Clone deep-copies the top two map levels, which is enough to keep callers
// from aliasing each other's sections.
func (rc RunConfig) Clone() RunConfig {
	out := RunConfig{}
	if rc.Ops != nil {
		out.Ops = make(map[string]map[string]any, len(rc.Ops))
		for k, v := range rc.Ops {
			inner := make(map[string]any, len(v))
			for fk, fv := range v {
				inner[fk] = fv
			}
			out.Ops[k] = inner
		}
	}
	if rc.Resources != nil {
		out.Resources = make(map[string]map[string]any, len(rc.Resources))
		for k, v := range rc.Resources {
			inner := make(map[string]any, len(v))
			for fk, fv := range v {
				inner[fk] = fv
			}
			out.Resources[k] = inner
		}
	}
	return out
}

// Schema is the run-config schema of one job: the cty object type each
// configurable op and resource accepts.
type Schema struct {
	Ops       map[string]cty.Type
	Resources map[string]cty.Type
}

// Resolved is a run config successfully validated and converted against a
// schema. Values are fully typed.
type Resolved struct {
	Ops       map[string]cty.Value
	Resources map[string]cty.Value
}

// OpConfig returns the resolved config value for an op, or cty.NilVal.
func (r *Resolved) OpConfig(name string) cty.Value {
	if r == nil {
		return cty.NilVal
	}
	return r.Ops[name]
}

// ResourceConfig returns the resolved config value for a resource key, or
// cty.NilVal.
func (r *Resolved) ResourceConfig(key string) cty.Value {
	if r == nil {
		return cty.NilVal
	}
	return r.Resources[key]
}

// Resolve validates rc against the schema and converts every section to a
// typed cty.Value. All violations are collected and reported together as a
// *derror.ConfigValidationError.
func (s *Schema) Resolve(rc RunConfig) (*Resolved, error) {
	var errs []derror.ConfigError
	resolved := &Resolved{
		Ops:       map[string]cty.Value{},
		Resources: map[string]cty.Value{},
	}

	resolveSection := func(section string, schemas map[string]cty.Type, values map[string]map[string]any, out map[string]cty.Value) {
		for name, fields := range values {
			ty, ok := schemas[name]
			if !ok {
				errs = append(errs, derror.ConfigError{
					Path:    fmt.Sprintf("%s.%s", section, name),
					Message: "no config schema declared at this path",
				})
				continue
			}
			val, fieldErrs := convertFields(fmt.Sprintf("%s.%s", section, name), ty, fields)
			if len(fieldErrs) > 0 {
				errs = append(errs, fieldErrs...)
				continue
			}
			out[name] = val
		}
		// Required sections missing from the supplied config.
		for name, ty := range schemas {
			if _, ok := values[name]; ok {
				continue
			}
			if hasRequiredAttrs(ty) {
				errs = append(errs, derror.ConfigError{
					Path:    fmt.Sprintf("%s.%s", section, name),
					Message: "missing required config section",
				})
				continue
			}
			val, fieldErrs := convertFields(fmt.Sprintf("%s.%s", section, name), ty, nil)
			if len(fieldErrs) == 0 {
				out[name] = val
			}
		}
	}

	resolveSection("ops", s.Ops, rc.Ops, resolved.Ops)
	resolveSection("resources", s.Resources, rc.Resources, resolved.Resources)

	if len(errs) > 0 {
		sort.Slice(errs, func(i, j int) bool { return errs[i].Path < errs[j].Path })
		return nil, &derror.ConfigValidationError{Errors: errs}
	}
	return resolved, nil
}

// Validate runs Resolve for its error reporting only.
func (s *Schema) Validate(rc RunConfig) error {
	_, err := s.Resolve(rc)
	return err
}

// convertFields converts a raw field map to the given object type,
// reporting unknown fields, missing required fields, and per-field
// conversion failures individually.
func convertFields(path string, ty cty.Type, fields map[string]any) (cty.Value, []derror.ConfigError) {
	if !ty.IsObjectType() {
		val, err := GoToCty(fields, ty)
		if err != nil {
			return cty.NilVal, []derror.ConfigError{{Path: path, Message: err.Error()}}
		}
		return val, nil
	}

	var errs []derror.ConfigError
	attrTypes := ty.AttributeTypes()
	for name := range fields {
		if _, ok := attrTypes[name]; !ok {
			errs = append(errs, derror.ConfigError{
				Path:    fmt.Sprintf("%s.%s", path, name),
				Message: "unknown config field",
			})
		}
	}

	attrVals := make(map[string]cty.Value, len(attrTypes))
	for name, attrTy := range attrTypes {
		raw, ok := fields[name]
		if !ok {
			if ty.AttributeOptional(name) {
				attrVals[name] = cty.NullVal(attrTy)
				continue
			}
			errs = append(errs, derror.ConfigError{
				Path:    fmt.Sprintf("%s.%s", path, name),
				Message: "missing required config field",
			})
			continue
		}
		val, err := GoToCty(raw, attrTy)
		if err != nil {
			errs = append(errs, derror.ConfigError{
				Path:    fmt.Sprintf("%s.%s", path, name),
				Message: err.Error(),
			})
			continue
		}
		attrVals[name] = val
	}

	if len(errs) > 0 {
		return cty.NilVal, errs
	}
	return cty.ObjectVal(attrVals), nil
}

// GoToCty converts an arbitrary Go value to the target cty type by going
// through JSON, then applying cty's conversion rules.
func GoToCty(raw any, ty cty.Type) (cty.Value, error) {
	if raw == nil {
		return cty.NullVal(ty), nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return cty.NilVal, fmt.Errorf("not a config-encodable value: %v", err)
	}
	implied, err := ctyjson.ImpliedType(b)
	if err != nil {
		return cty.NilVal, fmt.Errorf("could not type value: %v", err)
	}
	val, err := ctyjson.Unmarshal(b, implied)
	if err != nil {
		return cty.NilVal, fmt.Errorf("could not decode value: %v", err)
	}
	converted, err := convert.Convert(val, ty)
	if err != nil {
		return cty.NilVal, fmt.Errorf("expected %s: %v", ty.FriendlyName(), err)
	}
	return converted, nil
}

func hasRequiredAttrs(ty cty.Type) bool {
	if !ty.IsObjectType() {
		return false
	}
	for name := range ty.AttributeTypes() {
		if !ty.AttributeOptional(name) {
			return true
		}
	}
	return false
}
