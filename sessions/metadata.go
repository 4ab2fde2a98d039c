package sessions

import (
	"time"

	"github.com/embedpick/picker-server-go/picker"
	"github.com/embedpick/picker-server-go/theme"
)

// CapabilitySet captures the immutable capability surface negotiated at
// session creation. Booleans keep it cheap to serialize, compare, and extend.
type CapabilitySet struct {
	GrantAck bool `json:"grant_ack,omitempty"`
}

// SessionState tracks the open handshake. A session is created pending and
// becomes open once the client signals that its embedding surface is attached
// and it is ready to receive pushes.
type SessionState string

const (
	// SessionStatePending is the state between session/open and the client's
	// ready notification. An empty state is treated as pending.
	SessionStatePending SessionState = "pending"
	// SessionStateOpen is the steady state of an attached session.
	SessionStateOpen SessionState = "open"
)

// SessionMetadata is the authoritative persisted representation of a picker
// session. Invalidation and lifetime are handled via stored flags + TTL
// semantics in the host.
//
// Fields marked immutable must not be changed after creation (enforced at the
// manager layer). Timestamps are wall-clock times in UTC. TTL is a sliding
// window: the host SHOULD expire a session if LastAccess + TTL < now (subject
// to debounce). If MaxLifetime > 0, the host MUST also expire the session
// once CreatedAt + MaxLifetime < now regardless of activity.
type SessionMetadata struct {
	MetaVersion     int                `json:"meta_version"`               // For forward migration; starts at 1
	SessionID       string             `json:"session_id"`                 // immutable
	PackageName     string             `json:"package_name"`               // immutable
	UID             int64              `json:"uid"`                        // immutable
	Issuer          string             `json:"issuer,omitempty"`           // immutable (empty if not enforced)
	ProtocolVersion string             `json:"protocol_version,omitempty"` // immutable after creation handshake
	Action          theme.Action       `json:"action"`                     // immutable
	DisplayID       int64              `json:"display_id"`                 // immutable
	Width           int64              `json:"width"`
	Height          int64              `json:"height"`
	Features        picker.FeatureInfo `json:"features"`               // immutable
	Client          ClientInfo         `json:"client,omitempty"`       // immutable
	Capabilities    CapabilitySet      `json:"capabilities,omitempty"` // immutable
	State           SessionState       `json:"state,omitempty"`
	OpenedAt        time.Time          `json:"opened_at,omitempty"`

	// CallerEpoch records the caller-scope epoch observed at creation time.
	// Loading a session whose stored epoch trails the current epoch treats it
	// as revoked.
	CallerEpoch int64 `json:"caller_epoch,omitempty"`

	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	LastAccess  time.Time     `json:"last_access"`
	TTL         time.Duration `json:"ttl"`
	MaxLifetime time.Duration `json:"max_lifetime,omitempty"`

	Revoked bool `json:"revoked"`
}

// CallerScope returns the epoch-fencing scope for the session's caller.
func (m *SessionMetadata) CallerScope() CallerScope {
	return CallerScope{PackageName: m.PackageName, UID: m.UID}
}
