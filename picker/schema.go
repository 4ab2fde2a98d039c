package picker

// ObjectSchema is the simplified schema shape used to advertise payload
// contracts (the feature descriptor, configuration) in the discovery
// document. It is a deliberately small JSON Schema subset: a flat object of
// primitive properties, plus string arrays.
type ObjectSchema struct {
	Type       string                    `json:"type"`
	Properties map[string]PropertySchema `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

// PropertySchema is a leaf schema node.
type PropertySchema struct {
	Type        string `json:"type"`
	Description string `json:"description,omitzero"`
	// For number properties
	Minimum float64 `json:"minimum,omitzero"`
	Maximum float64 `json:"maximum,omitzero"`
	// For enum properties
	Enum []any `json:"enum,omitempty"`
	// For array properties; only string items are supported
	Items *PropertySchema `json:"items,omitempty"`
}
