package pickerservice

import (
	"context"
	"fmt"

	"github.com/embedpick/picker-server-go/picker"
	"github.com/embedpick/picker-server-go/sessions"
)

// Provider interfaces & adapter function types. Each returns (value, ok, error)
// where ok distinguishes absence (false) from presence (true) even if the
// underlying value may be empty.

// HostInfoProvider yields implementation metadata. Typically static; use a
// function provider only if you need caller-specific branding.
type HostInfoProvider interface {
	ProvideHostInfo(ctx context.Context, session sessions.Session) (picker.ImplementationInfo, bool, error)
}
type HostInfoProviderFunc func(ctx context.Context, session sessions.Session) (picker.ImplementationInfo, bool, error)

func (f HostInfoProviderFunc) ProvideHostInfo(ctx context.Context, s sessions.Session) (picker.ImplementationInfo, bool, error) {
	return f(ctx, s)
}

// ProtocolVersionProvider yields a preferred protocol version given the
// client's advertised protocol version.
//
// Note: protocol version selection occurs during session/open, before a
// session is created. As a result, session may be nil and implementations
// MUST NOT assume it is non-nil.
type ProtocolVersionProvider interface {
	ProvideProtocolVersion(ctx context.Context, session sessions.Session, clientProtocolVersion string) (string, bool, error)
}

// ProtocolVersionProviderFunc adapts a function to a ProtocolVersionProvider.
type ProtocolVersionProviderFunc func(ctx context.Context, session sessions.Session, clientProtocolVersion string) (string, bool, error)

func (f ProtocolVersionProviderFunc) ProvideProtocolVersion(ctx context.Context, s sessions.Session, clientProtocolVersion string) (string, bool, error) {
	return f(ctx, s, clientProtocolVersion)
}

// MediaCapabilityProvider resolves the media capability for a session.
type MediaCapabilityProvider interface {
	ProvideMedia(ctx context.Context, session sessions.Session) (MediaCapability, bool, error)
}
type MediaCapabilityProviderFunc func(ctx context.Context, session sessions.Session) (MediaCapability, bool, error)

func (f MediaCapabilityProviderFunc) ProvideMedia(ctx context.Context, s sessions.Session) (MediaCapability, bool, error) {
	return f(ctx, s)
}

// AlbumsCapabilityProvider resolves the albums capability for a session.
type AlbumsCapabilityProvider interface {
	ProvideAlbums(ctx context.Context, session sessions.Session) (AlbumsCapability, bool, error)
}
type AlbumsCapabilityProviderFunc func(ctx context.Context, session sessions.Session) (AlbumsCapability, bool, error)

func (f AlbumsCapabilityProviderFunc) ProvideAlbums(ctx context.Context, s sessions.Session) (AlbumsCapability, bool, error) {
	return f(ctx, s)
}

// SelectionCapabilityProvider resolves the selection capability for a session.
type SelectionCapabilityProvider interface {
	ProvideSelection(ctx context.Context, session sessions.Session) (SelectionCapability, bool, error)
}
type SelectionCapabilityProviderFunc func(ctx context.Context, session sessions.Session) (SelectionCapability, bool, error)

func (f SelectionCapabilityProviderFunc) ProvideSelection(ctx context.Context, s sessions.Session) (SelectionCapability, bool, error) {
	return f(ctx, s)
}

// Static helper constructors (ergonomic wrappers)

// HostInfoOption configures optional fields on the host's implementation info.
type HostInfoOption func(*picker.ImplementationInfo)

// WithHostInfoTitle sets the optional human friendly title.
func WithHostInfoTitle(title string) HostInfoOption {
	return func(info *picker.ImplementationInfo) { info.Title = title }
}

// StaticHostInfo returns a provider that always supplies the same
// implementation info. Use WithHostInfoTitle for an optional human friendly
// title.
func StaticHostInfo(name, version string, opts ...HostInfoOption) HostInfoProvider {
	info := picker.ImplementationInfo{Name: name, Version: version}
	for _, opt := range opts {
		if opt != nil {
			opt(&info)
		}
	}
	return HostInfoProviderFunc(func(context.Context, sessions.Session) (picker.ImplementationInfo, bool, error) { return info, true, nil })
}

// StaticProtocolVersion pins the negotiated protocol version. The version
// must be one this module speaks; an unknown version surfaces as an error at
// open time rather than silently downgrading clients.
func StaticProtocolVersion(v string) ProtocolVersionProvider {
	if v == "" {
		return ProtocolVersionProviderFunc(func(context.Context, sessions.Session, string) (string, bool, error) { return "", false, nil })
	}
	if !picker.IsSupportedProtocolVersion(v) {
		return ProtocolVersionProviderFunc(func(context.Context, sessions.Session, string) (string, bool, error) {
			return "", false, fmt.Errorf("unsupported protocol version %q", v)
		})
	}
	return ProtocolVersionProviderFunc(func(context.Context, sessions.Session, string) (string, bool, error) { return v, true, nil })
}

func StaticMedia(cap MediaCapability) MediaCapabilityProvider {
	if cap == nil {
		return MediaCapabilityProviderFunc(func(context.Context, sessions.Session) (MediaCapability, bool, error) { return nil, false, nil })
	}
	return MediaCapabilityProviderFunc(func(context.Context, sessions.Session) (MediaCapability, bool, error) { return cap, true, nil })
}

func StaticAlbums(cap AlbumsCapability) AlbumsCapabilityProvider {
	if cap == nil {
		return AlbumsCapabilityProviderFunc(func(context.Context, sessions.Session) (AlbumsCapability, bool, error) { return nil, false, nil })
	}
	return AlbumsCapabilityProviderFunc(func(context.Context, sessions.Session) (AlbumsCapability, bool, error) { return cap, true, nil })
}

func StaticSelection(cap SelectionCapability) SelectionCapabilityProvider {
	if cap == nil {
		return SelectionCapabilityProviderFunc(func(context.Context, sessions.Session) (SelectionCapability, bool, error) { return nil, false, nil })
	}
	return SelectionCapabilityProviderFunc(func(context.Context, sessions.Session) (SelectionCapability, bool, error) { return cap, true, nil })
}
