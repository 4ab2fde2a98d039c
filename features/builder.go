package features

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"sort"
	"unicode/utf8"
)

// Builder constructs a schema property by property for cases where the shape
// is only known at runtime. Property methods are chainable; errors accumulate
// and surface from Build, Bind or BindStruct.
type Builder struct {
	props map[string]*builderProp
	order []string
	errs  []error
}

type builderProp struct {
	kind     propKind
	required bool
	cons     propConstraints
}

// NewBuilder returns an empty Builder. Properties default to required; use
// Optional to relax that.
func NewBuilder() *Builder {
	return &Builder{props: make(map[string]*builderProp)}
}

// PropOption customizes a single property declaration.
type PropOption func(*builderProp) error

// Required marks the property as mandatory in every payload. This is the
// default and exists for call sites that want it spelled out.
func Required() PropOption {
	return func(p *builderProp) error { p.required = true; return nil }
}

// Optional marks the property as permitted to be absent.
func Optional() PropOption {
	return func(p *builderProp) error { p.required = false; return nil }
}

// Description attaches human-readable documentation to the property.
func Description(text string) PropOption {
	return func(p *builderProp) error { p.cons.description = text; return nil }
}

// MinLength constrains string properties to at least n runes.
func MinLength(n int) PropOption {
	return intConstraint("minLength", n, kindString, func(p *builderProp, v *int) { p.cons.minLength = v })
}

// MaxLength constrains string properties to at most n runes.
func MaxLength(n int) PropOption {
	return intConstraint("maxLength", n, kindString, func(p *builderProp, v *int) { p.cons.maxLength = v })
}

// Minimum sets the inclusive lower bound for number properties.
func Minimum(f float64) PropOption {
	return func(p *builderProp) error {
		if p.kind != kindNumber {
			return fmt.Errorf("minimum constraint requires a numeric property")
		}
		p.cons.minimum = &f
		return nil
	}
}

// Maximum sets the inclusive upper bound for number properties.
func Maximum(f float64) PropOption {
	return func(p *builderProp) error {
		if p.kind != kindNumber {
			return fmt.Errorf("maximum constraint requires a numeric property")
		}
		p.cons.maximum = &f
		return nil
	}
}

// MinItems constrains string list properties to at least n elements.
func MinItems(n int) PropOption {
	return intConstraint("minItems", n, kindStringList, func(p *builderProp, v *int) { p.cons.minItems = v })
}

// MaxItems constrains string list properties to at most n elements.
func MaxItems(n int) PropOption {
	return intConstraint("maxItems", n, kindStringList, func(p *builderProp, v *int) { p.cons.maxItems = v })
}

func intConstraint(name string, n int, want propKind, set func(*builderProp, *int)) PropOption {
	return func(p *builderProp) error {
		if p.kind != want {
			return fmt.Errorf("%s constraint requires a %s property", name, want)
		}
		if n < 0 {
			return fmt.Errorf("%s must be non-negative", name)
		}
		set(p, &n)
		return nil
	}
}

// String declares a free-form string property.
func (b *Builder) String(name string, opts ...PropOption) *Builder {
	return b.add(name, kindString, nil, opts)
}

// EnumString declares a string property restricted to the given values.
func (b *Builder) EnumString(name string, values []string, opts ...PropOption) *Builder {
	if len(values) == 0 {
		b.errs = append(b.errs, fmt.Errorf("features: property %q: enum requires at least one value", name))
		return b
	}
	return b.add(name, kindString, slices.Clone(values), opts)
}

// Number declares a numeric property.
func (b *Builder) Number(name string, opts ...PropOption) *Builder {
	return b.add(name, kindNumber, nil, opts)
}

// Boolean declares a boolean property.
func (b *Builder) Boolean(name string, opts ...PropOption) *Builder {
	return b.add(name, kindBoolean, nil, opts)
}

// StringList declares an array-of-strings property.
func (b *Builder) StringList(name string, opts ...PropOption) *Builder {
	return b.add(name, kindStringList, nil, opts)
}

func (b *Builder) add(name string, kind propKind, enum []string, opts []PropOption) *Builder {
	if name == "" {
		b.errs = append(b.errs, fmt.Errorf("features: property name must not be empty"))
		return b
	}
	if _, dup := b.props[name]; dup {
		b.errs = append(b.errs, fmt.Errorf("features: property %q declared twice", name))
		return b
	}

	prop := &builderProp{kind: kind, required: true}
	prop.cons.enum = enum
	for _, opt := range opts {
		if err := opt(prop); err != nil {
			b.errs = append(b.errs, fmt.Errorf("features: property %q: %w", name, err))
		}
	}
	if prop.cons.minLength != nil && prop.cons.maxLength != nil && *prop.cons.minLength > *prop.cons.maxLength {
		b.errs = append(b.errs, fmt.Errorf("features: property %q: minLength exceeds maxLength", name))
	}
	if prop.cons.minimum != nil && prop.cons.maximum != nil && *prop.cons.minimum > *prop.cons.maximum {
		b.errs = append(b.errs, fmt.Errorf("features: property %q: minimum exceeds maximum", name))
	}
	if prop.cons.minItems != nil && prop.cons.maxItems != nil && *prop.cons.minItems > *prop.cons.maxItems {
		b.errs = append(b.errs, fmt.Errorf("features: property %q: minItems exceeds maxItems", name))
	}

	b.props[name] = prop
	b.order = append(b.order, name)
	return b
}

func (b *Builder) compile() (*dynamicSchema, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	if len(b.props) == 0 {
		return nil, fmt.Errorf("features: schema requires at least one property")
	}

	schema := &dynamicSchema{props: make(map[string]*builderProp, len(b.props))}
	names := slices.Clone(b.order)
	sort.Strings(names)
	for _, name := range names {
		p := b.props[name]
		cp := *p
		schema.props[name] = &cp
		if p.required {
			schema.required = append(schema.required, name)
		}
	}

	propDoc := make(map[string]any, len(schema.props))
	for name, p := range schema.props {
		propDoc[name] = propertySchemaValue(p.kind, &p.cons)
	}
	doc := map[string]any{
		"type":       "object",
		"properties": propDoc,
	}
	if len(schema.required) > 0 {
		doc["required"] = schema.required
	}

	canonical, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	schema.canonical = canonical
	sum := sha256.Sum256(canonical)
	schema.fingerprint = hex.EncodeToString(sum[:])
	return schema, nil
}

// Build compiles the declared properties into a Schema without binding a
// destination. Use Bind or BindStruct when a decoder is needed.
func (b *Builder) Build() (Schema, error) {
	return b.compile()
}

// Bind compiles the schema and returns a decoder that hydrates dst with the
// validated properties. Unknown keys in the payload are dropped; values are
// normalized to string, bool, float64 and []string.
func (b *Builder) Bind(dst *map[string]any) (SchemaDecoder, error) {
	if dst == nil {
		return nil, fmt.Errorf("features: Bind requires a non-nil map pointer")
	}
	schema, err := b.compile()
	if err != nil {
		return nil, err
	}
	return &dynamicMapDecoder{schema: schema, dst: dst}, nil
}

// BindStruct compiles the schema and returns a decoder that hydrates the
// struct dst points to. Every declared property must correspond to a field
// with a compatible type; extra struct fields are ignored.
func (b *Builder) BindStruct(dst any) (SchemaDecoder, error) {
	schema, err := b.compile()
	if err != nil {
		return nil, err
	}

	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("features: BindStruct requires a non-nil struct pointer, got %T", dst)
	}

	sv := rv.Elem()
	st := sv.Type()
	bindings := make(map[string]fieldBinding, len(schema.props))
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		if f.PkgPath != "" || f.Anonymous {
			continue
		}
		name, _, skip := parseJSONFieldTag(f)
		if skip {
			continue
		}
		p, declared := schema.props[name]
		if !declared {
			continue
		}

		ft := f.Type
		pointer := ft.Kind() == reflect.Pointer
		if pointer {
			ft = ft.Elem()
		}
		kind, kerr := kindForType(ft)
		if kerr != nil || kind != p.kind {
			return nil, fmt.Errorf("features: property %q: field %s has incompatible type %s", name, f.Name, f.Type)
		}
		bindings[name] = fieldBinding{index: f.Index, pointer: pointer}
	}
	for name := range schema.props {
		if _, ok := bindings[name]; !ok {
			return nil, fmt.Errorf("features: property %q has no matching field in %s", name, st)
		}
	}

	return &dynamicStructDecoder{schema: schema, bindings: bindings, dst: sv}, nil
}

// dynamicSchema is the compiled form of a Builder.
type dynamicSchema struct {
	props       map[string]*builderProp
	required    []string
	canonical   []byte
	fingerprint string
}

var _ Schema = (*dynamicSchema)(nil)

func (s *dynamicSchema) MarshalJSON() ([]byte, error) {
	return append([]byte(nil), s.canonical...), nil
}

func (s *dynamicSchema) Fingerprint() (string, error) {
	return s.fingerprint, nil
}

// validateDynamicValue checks raw against the property declaration and
// returns the normalized Go value.
func validateDynamicValue(name string, p *builderProp, raw any) (any, error) {
	switch p.kind {
	case kindString:
		s, ok := raw.(string)
		if !ok {
			return nil, typeError(name, "string", raw)
		}
		if len(p.cons.enum) > 0 && !slices.Contains(p.cons.enum, s) {
			return nil, fmt.Errorf("features: property %q: value %q is not one of %v", name, s, p.cons.enum)
		}
		if n := utf8.RuneCountInString(s); p.cons.minLength != nil && n < *p.cons.minLength {
			return nil, fmt.Errorf("features: property %q: shorter than minLength %d", name, *p.cons.minLength)
		} else if p.cons.maxLength != nil && n > *p.cons.maxLength {
			return nil, fmt.Errorf("features: property %q: longer than maxLength %d", name, *p.cons.maxLength)
		}
		return s, nil

	case kindBoolean:
		bv, ok := raw.(bool)
		if !ok {
			return nil, typeError(name, "boolean", raw)
		}
		return bv, nil

	case kindNumber:
		f, ok := raw.(float64)
		if !ok {
			return nil, typeError(name, "number", raw)
		}
		if p.cons.minimum != nil && f < *p.cons.minimum {
			return nil, fmt.Errorf("features: property %q: %v is below minimum %v", name, f, *p.cons.minimum)
		}
		if p.cons.maximum != nil && f > *p.cons.maximum {
			return nil, fmt.Errorf("features: property %q: %v is above maximum %v", name, f, *p.cons.maximum)
		}
		return f, nil

	case kindStringList:
		items, ok := raw.([]any)
		if !ok {
			return nil, typeError(name, "array of strings", raw)
		}
		if p.cons.minItems != nil && len(items) < *p.cons.minItems {
			return nil, fmt.Errorf("features: property %q: fewer than minItems %d", name, *p.cons.minItems)
		}
		if p.cons.maxItems != nil && len(items) > *p.cons.maxItems {
			return nil, fmt.Errorf("features: property %q: more than maxItems %d", name, *p.cons.maxItems)
		}
		out := make([]string, len(items))
		for i, item := range items {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("features: property %q: element %d is not a string", name, i)
			}
			out[i] = s
		}
		return out, nil
	}
	return nil, fmt.Errorf("features: property %q: unknown kind %q", name, p.kind)
}

type dynamicMapDecoder struct {
	schema *dynamicSchema
	dst    *map[string]any
}

var _ SchemaDecoder = (*dynamicMapDecoder)(nil)

func (d *dynamicMapDecoder) Schema() Schema { return d.schema }

func (d *dynamicMapDecoder) Decode(value map[string]any) error {
	out := make(map[string]any, len(d.schema.props))
	for name, p := range d.schema.props {
		raw, ok := value[name]
		if !ok || raw == nil {
			if p.required {
				return fmt.Errorf("features: missing required property %q", name)
			}
			continue
		}
		normalized, err := validateDynamicValue(name, p, raw)
		if err != nil {
			return err
		}
		out[name] = normalized
	}
	*d.dst = out
	return nil
}

type fieldBinding struct {
	index   []int
	pointer bool
}

type dynamicStructDecoder struct {
	schema   *dynamicSchema
	bindings map[string]fieldBinding
	dst      reflect.Value
}

var _ SchemaDecoder = (*dynamicStructDecoder)(nil)

func (d *dynamicStructDecoder) Schema() Schema { return d.schema }

func (d *dynamicStructDecoder) Decode(value map[string]any) error {
	fresh := reflect.New(d.dst.Type()).Elem()
	for name, p := range d.schema.props {
		raw, ok := value[name]
		if !ok || raw == nil {
			if p.required {
				return fmt.Errorf("features: missing required property %q", name)
			}
			continue
		}

		binding := d.bindings[name]
		adapter := reflectedProp{name: name, kind: p.kind, cons: p.cons}
		field := fresh.FieldByIndex(binding.index)
		if binding.pointer {
			pv := reflect.New(field.Type().Elem())
			if err := assignScalar(pv.Elem(), &adapter, raw); err != nil {
				return err
			}
			field.Set(pv)
			continue
		}
		if err := assignScalar(field, &adapter, raw); err != nil {
			return err
		}
	}
	d.dst.Set(fresh)
	return nil
}
