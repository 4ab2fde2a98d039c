package features

// Schema is a compiled payload schema. Implementations render the canonical
// JSON Schema document and expose a stable fingerprint over that encoding.
type Schema interface {
	// MarshalJSON returns the canonical JSON Schema encoding. Key order is
	// deterministic so that equal schemas always serialize identically.
	MarshalJSON() ([]byte, error)

	// Fingerprint returns a hex-encoded SHA-256 digest of the canonical
	// encoding. Two schemas with the same fingerprint validate the same set
	// of payloads.
	Fingerprint() (string, error)
}

// SchemaProvider exposes the schema a decoder validates against.
type SchemaProvider interface {
	Schema() Schema
}

// ValueDecoder validates a decoded JSON object against a schema and, on
// success, hydrates a destination supplied at construction time.
//
// Decode must be all-or-nothing: on error the destination is left untouched.
type ValueDecoder interface {
	Decode(value map[string]any) error
}

// SchemaDecoder pairs a schema with the decoder that enforces it. This is
// what session capabilities consume: the schema half feeds discovery
// documents and change detection, the decoder half runs on every inbound
// payload.
type SchemaDecoder interface {
	SchemaProvider
	ValueDecoder
}
