package wellknown

import "github.com/embedpick/picker-server-go/picker"

// PickerConfiguration is the discovery document served under
// /.well-known/picker-configuration. Embedding clients read it before the
// first session/open to learn which protocol revisions and actions the host
// speaks and what shape the feature descriptor takes.
type PickerConfiguration struct {
	Endpoint                  string               `json:"endpoint"`
	SurfaceEndpoint           string               `json:"surface_endpoint,omitempty"`
	ProtocolVersionsSupported []string             `json:"protocol_versions_supported"`
	ActionsSupported          []string             `json:"actions_supported"`
	HostName                  string               `json:"host_name,omitempty"`
	FeatureSchema             *picker.ObjectSchema `json:"feature_schema,omitempty"`
}
