package engine

import (
	"context"

	"github.com/embedpick/picker-server-go/picker"
	"github.com/embedpick/picker-server-go/sessions"
	"github.com/embedpick/picker-server-go/theme"
)

var (
	_ sessions.Session     = (*SessionHandle)(nil)
	_ sessions.SessionData = (*SessionHandle)(nil)
)

// SessionHandle is the engine's concrete sessions.Session. It carries the
// immutable identity of a session; live state stays in the session host.
type SessionHandle struct {
	host sessions.SessionHost

	sessionID       string
	packageName     string
	uid             int64
	protocolVersion string
	action          theme.Action
	features        picker.FeatureInfo
	accent          theme.Accent
	state           sessions.SessionState

	grantAckCap sessions.GrantAckCapability
}

func NewSessionHandle(host sessions.SessionHost, meta *sessions.SessionMetadata, opts ...SessionHandleOption) *SessionHandle {
	s := &SessionHandle{
		host:            host,
		sessionID:       meta.SessionID,
		packageName:     meta.PackageName,
		uid:             meta.UID,
		protocolVersion: meta.ProtocolVersion,
		action:          meta.Action,
		features:        meta.Features,
		state:           meta.State,
	}

	// The accent was validated at open time. A stored code that no longer
	// passes yields the unspecified accent rather than an error.
	if a, err := theme.NewAccent(meta.Action, meta.Features.AccentColor); err == nil {
		s.accent = a
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

type SessionHandleOption func(*SessionHandle)

func WithGrantAckCapability(cap sessions.GrantAckCapability) SessionHandleOption {
	return func(s *SessionHandle) {
		s.grantAckCap = cap
	}
}

func (s *SessionHandle) SessionID() string {
	return s.sessionID
}

func (s *SessionHandle) CallerPackage() string {
	return s.packageName
}

func (s *SessionHandle) CallerUID() int64 {
	return s.uid
}

func (s *SessionHandle) ProtocolVersion() string {
	return s.protocolVersion
}

func (s *SessionHandle) Action() theme.Action {
	return s.action
}

func (s *SessionHandle) Features() picker.FeatureInfo {
	return s.features
}

func (s *SessionHandle) Accent() theme.Accent {
	return s.accent
}

// State reports the session state observed when the handle was built.
func (s *SessionHandle) State() sessions.SessionState {
	return s.state
}

func (s *SessionHandle) GetGrantAckCapability() (cap sessions.GrantAckCapability, ok bool) {
	if s.grantAckCap == nil {
		return nil, false
	}
	return s.grantAckCap, true
}

// PutData implements sessions.SessionData against the host's per-session
// key/value store.
func (s *SessionHandle) PutData(ctx context.Context, key string, value []byte) error {
	return s.host.PutSessionData(ctx, s.sessionID, key, value)
}

func (s *SessionHandle) GetData(ctx context.Context, key string) ([]byte, error) {
	return s.host.GetSessionData(ctx, s.sessionID, key)
}

func (s *SessionHandle) DeleteData(ctx context.Context, key string) error {
	return s.host.DeleteSessionData(ctx, s.sessionID, key)
}
