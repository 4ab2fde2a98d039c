package validation

import (
	"fmt"

	"github.com/embedpick/picker-server-go/picker"
)

// ObjectSchema validates and normalizes a wire-level object schema in-place.
// It de-duplicates Required preserving first-occurrence order.
func ObjectSchema(s *picker.ObjectSchema) error {
	if s == nil {
		return fmt.Errorf("nil schema")
	}
	if s.Type != "object" {
		return fmt.Errorf("object schema type must be object")
	}
	if len(s.Properties) == 0 {
		return fmt.Errorf("object schema requires at least one property")
	}

	seen := map[string]struct{}{}
	var req []string
	for _, name := range s.Required {
		if _, ok := s.Properties[name]; !ok {
			return fmt.Errorf("required property missing: %s", name)
		}
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			req = append(req, name)
		}
	}
	s.Required = req

	for name, p := range s.Properties {
		if err := propertySchema(name, &p); err != nil {
			return err
		}
	}
	return nil
}

func propertySchema(name string, p *picker.PropertySchema) error {
	switch p.Type {
	case "string", "number", "boolean":
		if p.Items != nil {
			return fmt.Errorf("property %s: items only valid on arrays", name)
		}
	case "array":
		if p.Items == nil || p.Items.Type != "string" {
			return fmt.Errorf("property %s: arrays must carry string items", name)
		}
		if p.Items.Items != nil || len(p.Items.Enum) > 0 {
			return fmt.Errorf("property %s: array items must be plain strings", name)
		}
	case "":
		return fmt.Errorf("property %s missing type", name)
	default:
		return fmt.Errorf("property %s has unsupported type %s", name, p.Type)
	}

	if len(p.Enum) > 0 {
		if p.Type != "string" {
			return fmt.Errorf("property %s: enum only valid on strings", name)
		}
		uniq := map[any]struct{}{}
		for _, v := range p.Enum {
			if _, ok := v.(string); !ok {
				return fmt.Errorf("property %s: enum values must be strings", name)
			}
			uniq[v] = struct{}{}
		}
		if len(uniq) != len(p.Enum) {
			return fmt.Errorf("duplicate enum values for property %s", name)
		}
	}

	if p.Minimum != 0 && p.Maximum != 0 && p.Minimum > p.Maximum {
		return fmt.Errorf("property %s minimum greater than maximum", name)
	}
	return nil
}
