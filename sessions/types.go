package sessions

import (
	"context"
	"encoding/json"

	"github.com/embedpick/picker-server-go/picker"
	"github.com/embedpick/picker-server-go/theme"
)

// Session represents an open embedded picker session and exposes optional
// per-session capabilities. Implementations MUST be safe for concurrent use.
type Session interface {
	SessionID() string
	// CallerPackage is the package name of the application embedding the picker.
	CallerPackage() string
	// CallerUID is the platform uid the caller runs as.
	CallerUID() int64
	// ProtocolVersion is the negotiated protocol version baked into the session.
	ProtocolVersion() string
	// Action is the intent the session was opened with (pick-images or get-content).
	Action() theme.Action
	// Features returns the feature descriptor supplied in the open request.
	Features() picker.FeatureInfo
	// Accent returns the accent theme derived from the open request. The zero
	// Accent (unspecified) is returned when the caller supplied no accent color.
	Accent() theme.Accent

	GetGrantAckCapability() (cap GrantAckCapability, ok bool)
}

// MessageHandlerFunction handles ordered messages for a session stream.
// If the handler returns an error, the subscription will terminate with that error.
type MessageHandlerFunction func(ctx context.Context, msgID string, msg []byte) error

// EventHandlerFunction handles payloads published to a server-internal topic.
// Delivery is at-most-once per subscribed instance; handlers must tolerate
// payloads originating from other nodes.
type EventHandlerFunction func(ctx context.Context, payload []byte) error

// ClientInfo records optional client identity details supplied at open time
// for observability / logging. All fields are optional.
type ClientInfo struct {
	Name       string `json:"name,omitempty"`
	Version    string `json:"version,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
}

// GrantAckCapability when present on a session, lets host code ask the
// embedding client to acknowledge URI permission grants before a selection
// commit completes.
//
// Call pattern:
//
//	ackCap, ok := sess.GetGrantAckCapability()
//	if !ok { /* client cannot confirm grants; commit without ack */ }
//	acked, err := ackCap.AckGrants(ctx, uris)
//	if err != nil { /* transport error */ }
//	if !acked { /* client rejected the grants; abort the commit */ }
//
// Concurrency: implementations MUST be safe for concurrent use. Each call is
// an independent round trip correlated by request ID.
type GrantAckCapability interface {
	// AckGrants sends the URI list to the client and blocks until the client
	// acknowledges, rejects, or ctx ends. The options control capture of any
	// metadata the client attached to its acknowledgement.
	AckGrants(ctx context.Context, uris []string, opts ...GrantAckOption) (acked bool, err error)
}

// GrantAckOption configures a grant acknowledgement invocation (functional
// options pattern).
type GrantAckOption func(*GrantAckConfig)

// GrantAckConfig accumulates option settings for a grant acknowledgement
// invocation. Fields are exported only so option helpers in other packages
// (if any) can apply them; prefer the provided With* helpers for forward
// compatibility.
type GrantAckConfig struct {
	MetaDst *json.RawMessage
}

// WithGrantMeta copies the raw metadata object the client attached to its
// acknowledgement into dst (if non-nil). The bytes are copied so callers can
// retain them beyond the call.
func WithGrantMeta(dst *json.RawMessage) GrantAckOption {
	return func(o *GrantAckConfig) { o.MetaDst = dst }
}
