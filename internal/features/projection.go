// Package features projects Go descriptor types onto wire-level object
// schemas for the picker discovery document. Decoding inbound payloads is the
// public features package's job; this package only renders what the server
// advertises.
package features

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"

	js "github.com/invopop/jsonschema"

	"github.com/embedpick/picker-server-go/internal/validation"
	"github.com/embedpick/picker-server-go/picker"
)

var projCache sync.Map // map[reflect.Type]*picker.ObjectSchema

// Project derives the wire object schema for a struct type. Supported
// property shapes are strings, numbers, booleans and string arrays; anything
// nested or composite is rejected so the advertised contract stays flat.
// Projections are cached per type and must be treated as immutable.
func Project(t reflect.Type) (*picker.ObjectSchema, error) {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("features: type must be struct kind, got %s", t.Kind())
	}
	if v, ok := projCache.Load(t); ok {
		return v.(*picker.ObjectSchema), nil
	}

	// Map json property names back to struct fields so pointer-ness can relax
	// the required list below.
	fieldMap := map[string]reflect.StructField{}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" {
			continue
		}
		name := parseJSONName(f)
		if name == "-" {
			continue
		}
		if name == "" {
			name = lowerFirstExported(f.Name)
		}
		fieldMap[name] = f
	}

	r := &js.Reflector{DoNotReference: true, ExpandedStruct: true}
	root := r.Reflect(reflect.New(t).Interface())
	if root == nil || root.Type != "object" {
		return nil, fmt.Errorf("features: projected root is not an object")
	}

	requiredSet := map[string]struct{}{}
	for _, n := range root.Required {
		requiredSet[n] = struct{}{}
	}

	out := &picker.ObjectSchema{Type: "object", Properties: make(map[string]picker.PropertySchema)}

	if root.Properties != nil {
		for el := root.Properties.Oldest(); el != nil; el = el.Next() {
			name := el.Key
			v := el.Value
			if v == nil {
				return nil, fmt.Errorf("features: nil property schema for %s", name)
			}
			if v.Type == "object" || v.Ref != "" || len(v.AllOf) > 0 || len(v.AnyOf) > 0 || len(v.OneOf) > 0 || v.Not != nil {
				return nil, fmt.Errorf("features: unsupported schema shape on property %s", name)
			}
			if v.Pattern != "" || v.Format != "" || len(v.Examples) > 0 || v.Default != nil || v.ContentEncoding != "" || v.ContentMediaType != "" {
				return nil, fmt.Errorf("features: unsupported supplemental keyword on property %s", name)
			}

			sf, ok := fieldMap[name]
			if !ok {
				return nil, fmt.Errorf("features: property %s not matched to a struct field", name)
			}
			ft := sf.Type
			isPtr := ft.Kind() == reflect.Pointer
			if isPtr {
				ft = ft.Elem()
			}

			ps, err := projectProperty(name, v, ft.Kind())
			if err != nil {
				return nil, err
			}
			out.Properties[name] = ps

			if _, isReq := requiredSet[name]; isReq && !isPtr {
				out.Required = append(out.Required, name)
			}
		}
	}

	if len(out.Properties) == 0 {
		return nil, fmt.Errorf("features: struct has no exported fields")
	}
	if err := validation.ObjectSchema(out); err != nil {
		return nil, err
	}

	actual, _ := projCache.LoadOrStore(t, out)
	return actual.(*picker.ObjectSchema), nil
}

func projectProperty(name string, v *js.Schema, baseKind reflect.Kind) (picker.PropertySchema, error) {
	var ps picker.PropertySchema

	if v.Type == "array" {
		if baseKind != reflect.Slice {
			return ps, fmt.Errorf("features: array property %s not backed by a slice", name)
		}
		if v.Items == nil || v.Items.Type != "string" || v.Items.Ref != "" {
			return ps, fmt.Errorf("features: property %s: only string arrays are supported", name)
		}
		ps.Type = "array"
		ps.Items = &picker.PropertySchema{Type: "string"}
		if v.Description != "" {
			ps.Description = v.Description
		}
		return ps, nil
	}

	typeStr, ok := mapSchemaTypeToWire(v.Type, baseKind)
	if !ok {
		return ps, fmt.Errorf("features: unsupported type mapping for property %s", name)
	}
	ps.Type = typeStr
	if v.Description != "" {
		ps.Description = v.Description
	}

	if len(v.Enum) > 0 {
		if typeStr != "string" {
			return ps, fmt.Errorf("features: enum only valid on string property %s", name)
		}
		ps.Enum = make([]any, len(v.Enum))
		for i, ev := range v.Enum {
			sv, ok := ev.(string)
			if !ok {
				return ps, fmt.Errorf("features: non-string enum value on property %s", name)
			}
			ps.Enum[i] = sv
		}
	}
	if v.Minimum != "" {
		if f, err := strconv.ParseFloat(string(v.Minimum), 64); err == nil {
			ps.Minimum = f
		}
	}
	if v.Maximum != "" {
		if f, err := strconv.ParseFloat(string(v.Maximum), 64); err == nil {
			ps.Maximum = f
		}
	}
	return ps, nil
}

// InfoSchema returns the schema advertised for the session-open feature
// descriptor. Every descriptor key has a server-side default, so the
// required list is cleared regardless of how the Go struct spells its
// fields.
func InfoSchema() (*picker.ObjectSchema, error) {
	base, err := Project(reflect.TypeOf(picker.FeatureInfo{}))
	if err != nil {
		return nil, err
	}
	out := *base
	out.Required = nil
	return &out, nil
}

func parseJSONName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "" {
		return ""
	}
	return strings.Split(tag, ",")[0]
}

func lowerFirstExported(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

func mapSchemaTypeToWire(vType string, k reflect.Kind) (string, bool) {
	switch vType {
	case "string":
		if k == reflect.String {
			return "string", true
		}
	case "integer", "number":
		if (k >= reflect.Int && k <= reflect.Int64) || (k >= reflect.Uint && k <= reflect.Uint64) || k == reflect.Float32 || k == reflect.Float64 {
			return "number", true
		}
	case "boolean":
		if k == reflect.Bool {
			return "boolean", true
		}
	}
	return "", false
}
