// Package features provides a small, purpose-built subset of JSON Schema for
// validating the payloads a picker client supplies: the feature descriptor on
// session/open and the presentation configuration on
// session/notifyConfigurationChanged. It lets hosts define a flat object
// schema (string, number, boolean, string enums and string lists) plus basic
// constraints, then decode an incoming payload into an application struct or
// dynamic map.
//
// The design separates two concerns:
//  1. Schema construction (what shape a payload must have)
//  2. Value decoding (how to validate + hydrate a destination)
//
// This separation enables reuse of a compiled schema with different decode
// strategies (e.g. strict vs relaxed unknown key handling) without bloating
// the common path.
//
// Authoring Modes
//
//	Reflection  BindStruct(&T{}) derives a schema from a struct type. Exported
//	            fields become properties. Pointer fields are optional; value
//	            fields are required. A `jsonschema` struct tag supplies
//	            description, enum and min/max constraints.
//	Builder     NewBuilder() with fluent property methods offers a
//	            programmatic alternative for dynamic scenarios. It mirrors the
//	            reflection feature set while remaining explicit.
//
// Supported `jsonschema` tag tokens (reflection):
//
//	description=Text
//	enum=a|b|c                              (string enums)
//	minLength=N / maxLength=N               (strings)
//	minimum=F / maximum=F                   (numbers)
//	minItems=N / maxItems=N                 (string lists)
//
// Decoding enforces required presence, type correctness (no coercion), enum
// membership, and the constraints above. Unknown keys are ignored by default;
// callers that need strict handling inspect the schema's property set, the
// way DecodeInfo does for the feature descriptor.
//
// Both reflection and builder produce a canonical JSON encoding with stable
// key ordering, enabling deterministic SHA-256 fingerprints for caching and
// change detection.
//
// Example (reflection):
//
//	type Extras struct {
//	    Layout string   `json:"layout" jsonschema:"enum=grid|list"`
//	    Tags   []string `json:"tags,omitempty" jsonschema:"maxItems=8"`
//	}
//	var ex Extras
//	dec, _ := features.BindStruct(&ex) // SchemaDecoder
//
// The package intentionally omits nested objects and composition; the picker
// payload contracts are flat by construction.
package features
