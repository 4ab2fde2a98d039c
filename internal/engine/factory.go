package engine

import (
	"context"
	"time"

	"github.com/embedpick/picker-server-go/internal/sessioncore"
	"github.com/embedpick/picker-server-go/picker"
	"github.com/embedpick/picker-server-go/sessions"
	"github.com/embedpick/picker-server-go/surface"
	"github.com/embedpick/picker-server-go/theme"
)

// OpenSessionArgs carries the validated inputs the engine hands to the
// session factory. Identity fields come from the authenticated caller, never
// from the request body, and the protocol version is the negotiated one.
type OpenSessionArgs struct {
	PackageName     string
	UID             int64
	Issuer          string
	HostToken       string
	ProtocolVersion string
	Action          theme.Action
	DisplayID       int64
	Width           int64
	Height          int64
	Features        picker.FeatureInfo
	Capabilities    sessions.CapabilitySet
	Client          sessions.ClientInfo

	// TTL and MaxLifetime are the engine's lifetime policy for the new
	// session record. TTL is the pending-state window until the client
	// reports ready.
	TTL         time.Duration
	MaxLifetime time.Duration
}

// SessionFactory constructs a session and its surface package from validated
// open arguments. Implementations decide where session state lives and how
// the surface stream is addressed.
type SessionFactory interface {
	CreateSession(ctx context.Context, args *OpenSessionArgs) (*SessionHandle, surface.Package, error)
}

// SessionFactoryFunc adapts a function to the SessionFactory interface.
type SessionFactoryFunc func(ctx context.Context, args *OpenSessionArgs) (*SessionHandle, surface.Package, error)

func (f SessionFactoryFunc) CreateSession(ctx context.Context, args *OpenSessionArgs) (*SessionHandle, surface.Package, error) {
	return f(ctx, args)
}

// SessionCallback receives the outcome of a session open. The transport
// binds one per request; the engine invokes SessionOpened exactly once per
// successful open.
type SessionCallback interface {
	SessionOpened(ctx context.Context, res *picker.OpenSessionResult) error
}

// SessionCallbackFunc adapts a function to the SessionCallback interface.
type SessionCallbackFunc func(ctx context.Context, res *picker.OpenSessionResult) error

func (f SessionCallbackFunc) SessionOpened(ctx context.Context, res *picker.OpenSessionResult) error {
	return f(ctx, res)
}

// defaultFactory persists session metadata through the session manager and
// mints a surface package bound to the new session.
type defaultFactory struct {
	host      sessions.SessionHost
	mgr       *sessioncore.Manager
	issuer    *surface.Issuer
	streamURL string
}

var _ SessionFactory = (*defaultFactory)(nil)

// NewSessionFactory returns the stock factory: session records go through
// mgr, surface grants are signed by issuer, and surfaces attach at
// streamURL.
func NewSessionFactory(host sessions.SessionHost, mgr *sessioncore.Manager, issuer *surface.Issuer, streamURL string) SessionFactory {
	return &defaultFactory{host: host, mgr: mgr, issuer: issuer, streamURL: streamURL}
}

func (f *defaultFactory) CreateSession(ctx context.Context, args *OpenSessionArgs) (*SessionHandle, surface.Package, error) {
	meta, err := f.mgr.CreateSession(ctx, sessioncore.CreateSessionParams{
		PackageName:     args.PackageName,
		UID:             args.UID,
		Issuer:          args.Issuer,
		ProtocolVersion: args.ProtocolVersion,
		Action:          args.Action,
		DisplayID:       args.DisplayID,
		Width:           args.Width,
		Height:          args.Height,
		Features:        args.Features,
		Capabilities:    args.Capabilities,
		Client:          args.Client,
		TTL:             args.TTL,
		MaxLifetime:     args.MaxLifetime,
	})
	if err != nil {
		return nil, surface.Package{}, err
	}

	pkg, err := surface.New(f.issuer, meta.SessionID, f.streamURL, args.PackageName,
		surface.WithDisplay(int(args.DisplayID)),
		surface.WithInitialSize(int(args.Width), int(args.Height)),
	)
	if err != nil {
		// The session record is useless without an attachable surface.
		_ = f.mgr.DeleteSession(ctx, meta.SessionID)
		return nil, surface.Package{}, err
	}

	return NewSessionHandle(f.host, meta), pkg, nil
}
