package features

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"
)

// propKind is the wire-level value family a property accepts.
type propKind string

const (
	kindString     propKind = "string"
	kindNumber     propKind = "number"
	kindBoolean    propKind = "boolean"
	kindStringList propKind = "stringList"
)

type propConstraints struct {
	description string
	enum        []string
	minLength   *int
	maxLength   *int
	minimum     *float64
	maximum     *float64
	minItems    *int
	maxItems    *int
}

type reflectedProp struct {
	name    string
	kind    propKind
	index   []int
	pointer bool
	// optional properties may be absent from the payload. Pointer fields and
	// fields tagged omitempty/omitzero are optional; everything else is
	// required.
	optional bool
	cons     propConstraints
}

// reflectedSchema is the compiled form of a bound struct type. Instances are
// cached per type and shared between decoders, so they must stay immutable
// after construction.
type reflectedSchema struct {
	typ         reflect.Type
	props       []reflectedProp
	required    []string
	canonical   []byte
	fingerprint string
}

var _ Schema = (*reflectedSchema)(nil)

func (s *reflectedSchema) MarshalJSON() ([]byte, error) {
	return append([]byte(nil), s.canonical...), nil
}

func (s *reflectedSchema) Fingerprint() (string, error) {
	return s.fingerprint, nil
}

var refSchemaCache sync.Map // reflect.Type -> *reflectedSchema

// BindStruct derives a schema from the struct that dst points to and returns
// a decoder that hydrates dst. Compiled schemas are cached per struct type;
// binding the same type twice reuses the cached schema.
//
// Exported fields become properties named by their json tag (falling back to
// the field name). Supported field types are string, bool, integer and float
// kinds, and []string; any of these may also be declared as a pointer, which
// marks the property optional. Fields tagged json:"-" are skipped.
func BindStruct(dst any) (SchemaDecoder, error) {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("features: BindStruct requires a non-nil struct pointer, got %T", dst)
	}

	t := rv.Elem().Type()
	if cached, ok := refSchemaCache.Load(t); ok {
		return &boundReflectionDecoder{schema: cached.(*reflectedSchema), dst: rv.Elem()}, nil
	}

	schema, err := buildReflectedSchema(t)
	if err != nil {
		return nil, err
	}
	actual, _ := refSchemaCache.LoadOrStore(t, schema)
	return &boundReflectionDecoder{schema: actual.(*reflectedSchema), dst: rv.Elem()}, nil
}

// MustBindStruct is BindStruct that panics on error, for package-scoped
// bindings of types known at compile time.
func MustBindStruct(dst any) SchemaDecoder {
	dec, err := BindStruct(dst)
	if err != nil {
		panic(err)
	}
	return dec
}

func buildReflectedSchema(t reflect.Type) (*reflectedSchema, error) {
	schema := &reflectedSchema{typ: t}

	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" || f.Anonymous {
			continue
		}

		name, optTagged, skip := parseJSONFieldTag(f)
		if skip {
			continue
		}

		ft := f.Type
		pointer := ft.Kind() == reflect.Pointer
		if pointer {
			ft = ft.Elem()
		}

		kind, err := kindForType(ft)
		if err != nil {
			return nil, fmt.Errorf("features: property %q: %w", name, err)
		}

		cons, err := parseJSONSchemaTag(f.Tag.Get("jsonschema"), kind)
		if err != nil {
			return nil, fmt.Errorf("features: property %q: %w", name, err)
		}

		prop := reflectedProp{
			name:     name,
			kind:     kind,
			index:    f.Index,
			pointer:  pointer,
			optional: pointer || optTagged,
			cons:     cons,
		}
		schema.props = append(schema.props, prop)
		if !prop.optional {
			schema.required = append(schema.required, name)
		}
	}

	if len(schema.props) == 0 {
		return nil, fmt.Errorf("features: struct %s has no usable properties", t)
	}

	sort.Slice(schema.props, func(i, j int) bool { return schema.props[i].name < schema.props[j].name })
	sort.Strings(schema.required)

	canonical, err := marshalSchemaJSON(schema)
	if err != nil {
		return nil, err
	}
	schema.canonical = canonical
	sum := sha256.Sum256(canonical)
	schema.fingerprint = hex.EncodeToString(sum[:])

	return schema, nil
}

func parseJSONFieldTag(f reflect.StructField) (name string, optional, skip bool) {
	name = f.Name
	tag := f.Tag.Get("json")
	if tag == "" {
		return name, false, false
	}
	parts := strings.Split(tag, ",")
	if parts[0] == "-" && len(parts) == 1 {
		return "", false, true
	}
	if parts[0] != "" {
		name = parts[0]
	}
	for _, opt := range parts[1:] {
		if opt == "omitempty" || opt == "omitzero" {
			optional = true
		}
	}
	return name, optional, false
}

func kindForType(t reflect.Type) (propKind, error) {
	switch t.Kind() {
	case reflect.String:
		return kindString, nil
	case reflect.Bool:
		return kindBoolean, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return kindNumber, nil
	case reflect.Slice:
		if t.Elem().Kind() == reflect.String {
			return kindStringList, nil
		}
	}
	return "", fmt.Errorf("unsupported type %s", t)
}

// parseJSONSchemaTag parses the supported jsonschema tag subset. Tokens are
// comma separated key=value pairs; descriptions therefore cannot contain
// commas. Constraint applicability is checked against the property kind so a
// tag mistake fails at bind time rather than silently.
func parseJSONSchemaTag(tag string, kind propKind) (propConstraints, error) {
	var cons propConstraints
	if tag == "" {
		return cons, nil
	}

	for _, token := range strings.Split(tag, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		key, value, found := strings.Cut(token, "=")
		if !found {
			return cons, fmt.Errorf("malformed jsonschema token %q", token)
		}

		switch key {
		case "description":
			cons.description = value
		case "enum":
			if kind != kindString {
				return cons, fmt.Errorf("enum constraint requires a string property")
			}
			cons.enum = strings.Split(value, "|")
		case "minLength", "maxLength":
			if kind != kindString {
				return cons, fmt.Errorf("%s constraint requires a string property", key)
			}
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return cons, fmt.Errorf("invalid %s value %q", key, value)
			}
			if key == "minLength" {
				cons.minLength = &n
			} else {
				cons.maxLength = &n
			}
		case "minimum", "maximum":
			if kind != kindNumber {
				return cons, fmt.Errorf("%s constraint requires a numeric property", key)
			}
			fv, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return cons, fmt.Errorf("invalid %s value %q", key, value)
			}
			if key == "minimum" {
				cons.minimum = &fv
			} else {
				cons.maximum = &fv
			}
		case "minItems", "maxItems":
			if kind != kindStringList {
				return cons, fmt.Errorf("%s constraint requires a string list property", key)
			}
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return cons, fmt.Errorf("invalid %s value %q", key, value)
			}
			if key == "minItems" {
				cons.minItems = &n
			} else {
				cons.maxItems = &n
			}
		default:
			return cons, fmt.Errorf("unknown jsonschema token %q", key)
		}
	}

	if len(cons.enum) > 0 && (cons.minLength != nil || cons.maxLength != nil) {
		return cons, fmt.Errorf("enum cannot be combined with length constraints")
	}
	if cons.minLength != nil && cons.maxLength != nil && *cons.minLength > *cons.maxLength {
		return cons, fmt.Errorf("minLength exceeds maxLength")
	}
	if cons.minimum != nil && cons.maximum != nil && *cons.minimum > *cons.maximum {
		return cons, fmt.Errorf("minimum exceeds maximum")
	}
	if cons.minItems != nil && cons.maxItems != nil && *cons.minItems > *cons.maxItems {
		return cons, fmt.Errorf("minItems exceeds maxItems")
	}

	return cons, nil
}

// marshalSchemaJSON renders the canonical encoding. encoding/json sorts map
// keys, which is what makes the output deterministic without a bespoke
// encoder.
func marshalSchemaJSON(s *reflectedSchema) ([]byte, error) {
	props := make(map[string]any, len(s.props))
	for i := range s.props {
		props[s.props[i].name] = s.props[i].schemaValue()
	}

	doc := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(s.required) > 0 {
		doc["required"] = s.required
	}
	return json.Marshal(doc)
}

func (p *reflectedProp) schemaValue() map[string]any {
	return propertySchemaValue(p.kind, &p.cons)
}

func propertySchemaValue(kind propKind, cons *propConstraints) map[string]any {
	m := make(map[string]any, 4)
	if kind == kindStringList {
		m["type"] = "array"
		m["items"] = map[string]any{"type": "string"}
	} else {
		m["type"] = string(kind)
	}
	if cons.description != "" {
		m["description"] = cons.description
	}
	if len(cons.enum) > 0 {
		m["enum"] = cons.enum
	}
	if cons.minLength != nil {
		m["minLength"] = *cons.minLength
	}
	if cons.maxLength != nil {
		m["maxLength"] = *cons.maxLength
	}
	if cons.minimum != nil {
		m["minimum"] = *cons.minimum
	}
	if cons.maximum != nil {
		m["maximum"] = *cons.maximum
	}
	if cons.minItems != nil {
		m["minItems"] = *cons.minItems
	}
	if cons.maxItems != nil {
		m["maxItems"] = *cons.maxItems
	}
	return m
}

// boundReflectionDecoder decodes into a fresh value of the bound type and
// copies onto the destination only when the whole payload validated, keeping
// Decode all-or-nothing.
type boundReflectionDecoder struct {
	schema *reflectedSchema
	dst    reflect.Value
}

var _ SchemaDecoder = (*boundReflectionDecoder)(nil)

func (d *boundReflectionDecoder) Schema() Schema { return d.schema }

func (d *boundReflectionDecoder) Decode(value map[string]any) error {
	fresh := reflect.New(d.schema.typ).Elem()
	seen := make(map[string]bool, len(value))

	for i := range d.schema.props {
		p := &d.schema.props[i]
		raw, ok := value[p.name]
		if !ok {
			continue
		}
		if raw == nil {
			if p.optional {
				continue
			}
			return fmt.Errorf("features: property %q: null is not allowed", p.name)
		}
		seen[p.name] = true

		field := fresh.FieldByIndex(p.index)
		if p.pointer {
			pv := reflect.New(field.Type().Elem())
			if err := assignScalar(pv.Elem(), p, raw); err != nil {
				return err
			}
			field.Set(pv)
			continue
		}
		if err := assignScalar(field, p, raw); err != nil {
			return err
		}
	}

	for _, name := range d.schema.required {
		if !seen[name] {
			return fmt.Errorf("features: missing required property %q", name)
		}
	}

	d.dst.Set(fresh)
	return nil
}

func assignScalar(dst reflect.Value, p *reflectedProp, raw any) error {
	switch p.kind {
	case kindString:
		s, ok := raw.(string)
		if !ok {
			return typeError(p.name, "string", raw)
		}
		if len(p.cons.enum) > 0 && !slices.Contains(p.cons.enum, s) {
			return fmt.Errorf("features: property %q: value %q is not one of %v", p.name, s, p.cons.enum)
		}
		if n := utf8.RuneCountInString(s); p.cons.minLength != nil && n < *p.cons.minLength {
			return fmt.Errorf("features: property %q: shorter than minLength %d", p.name, *p.cons.minLength)
		} else if p.cons.maxLength != nil && n > *p.cons.maxLength {
			return fmt.Errorf("features: property %q: longer than maxLength %d", p.name, *p.cons.maxLength)
		}
		dst.SetString(s)

	case kindBoolean:
		b, ok := raw.(bool)
		if !ok {
			return typeError(p.name, "boolean", raw)
		}
		dst.SetBool(b)

	case kindNumber:
		f, ok := raw.(float64)
		if !ok {
			return typeError(p.name, "number", raw)
		}
		if p.cons.minimum != nil && f < *p.cons.minimum {
			return fmt.Errorf("features: property %q: %v is below minimum %v", p.name, f, *p.cons.minimum)
		}
		if p.cons.maximum != nil && f > *p.cons.maximum {
			return fmt.Errorf("features: property %q: %v is above maximum %v", p.name, f, *p.cons.maximum)
		}
		return setNumber(dst, p.name, f)

	case kindStringList:
		items, ok := raw.([]any)
		if !ok {
			return typeError(p.name, "array of strings", raw)
		}
		if p.cons.minItems != nil && len(items) < *p.cons.minItems {
			return fmt.Errorf("features: property %q: fewer than minItems %d", p.name, *p.cons.minItems)
		}
		if p.cons.maxItems != nil && len(items) > *p.cons.maxItems {
			return fmt.Errorf("features: property %q: more than maxItems %d", p.name, *p.cons.maxItems)
		}
		out := reflect.MakeSlice(dst.Type(), len(items), len(items))
		for i, item := range items {
			s, ok := item.(string)
			if !ok {
				return fmt.Errorf("features: property %q: element %d is not a string", p.name, i)
			}
			out.Index(i).SetString(s)
		}
		dst.Set(out)
	}
	return nil
}

// setNumber assigns a JSON number (always float64 after unmarshal) to a
// numeric field, refusing fractional values for integer kinds.
func setNumber(dst reflect.Value, name string, f float64) error {
	switch dst.Kind() {
	case reflect.Float32, reflect.Float64:
		dst.SetFloat(f)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if f != math.Trunc(f) {
			return fmt.Errorf("features: property %q: expected an integer, got %v", name, f)
		}
		n := int64(f)
		if dst.OverflowInt(n) {
			return fmt.Errorf("features: property %q: %v overflows %s", name, f, dst.Type())
		}
		dst.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if f < 0 || f != math.Trunc(f) {
			return fmt.Errorf("features: property %q: expected a non-negative integer, got %v", name, f)
		}
		u := uint64(f)
		if dst.OverflowUint(u) {
			return fmt.Errorf("features: property %q: %v overflows %s", name, f, dst.Type())
		}
		dst.SetUint(u)
	default:
		return typeError(name, "number", f)
	}
	return nil
}

func typeError(name, want string, got any) error {
	return fmt.Errorf("features: property %q: expected %s, got %T", name, want, got)
}
