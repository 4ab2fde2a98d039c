package pickerservice

import (
	"context"

	"github.com/embedpick/picker-server-go/picker"
	"github.com/embedpick/picker-server-go/sessions"
)

// HostOption configures a concrete HostCapabilities implementation.
type HostOption func(*host)

type host struct {
	info      HostInfoProvider
	protocol  ProtocolVersionProvider
	media     MediaCapabilityProvider
	albums    AlbumsCapabilityProvider
	selection SelectionCapabilityProvider
}

// NewHost builds a HostCapabilities from providers. Each capability takes a
// single option accepting its provider: containers such as *MediaContainer
// self-provide and can be passed directly, the StaticX helpers wrap
// constants, and the XProviderFunc adapters cover per-session selection.
func NewHost(opts ...HostOption) HostCapabilities {
	h := &host{}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// WithHostInfo wires the implementation info surfaced at session open.
func WithHostInfo(p HostInfoProvider) HostOption {
	return func(h *host) { h.info = p }
}

// WithProtocolVersion wires the host's protocol version preference.
func WithProtocolVersion(p ProtocolVersionProvider) HostOption {
	return func(h *host) { h.protocol = p }
}

// WithMediaCapability wires the media capability provider.
func WithMediaCapability(p MediaCapabilityProvider) HostOption {
	return func(h *host) { h.media = p }
}

// WithAlbumsCapability wires the albums capability provider.
func WithAlbumsCapability(p AlbumsCapabilityProvider) HostOption {
	return func(h *host) { h.albums = p }
}

// WithSelectionCapability wires the selection capability provider.
func WithSelectionCapability(p SelectionCapabilityProvider) HostOption {
	return func(h *host) { h.selection = p }
}

// GetHostInfo implements HostCapabilities.
func (h *host) GetHostInfo(ctx context.Context, session sessions.Session) (picker.ImplementationInfo, error) {
	if h.info == nil {
		// Zero value if not configured; the engine may still proceed.
		return picker.ImplementationInfo{}, nil
	}
	info, ok, err := h.info.ProvideHostInfo(ctx, session)
	if err != nil || !ok {
		return picker.ImplementationInfo{}, err
	}
	return info, nil
}

// GetPreferredProtocolVersion implements HostCapabilities.
func (h *host) GetPreferredProtocolVersion(ctx context.Context, clientProtocolVersion string) (string, bool, error) {
	if h.protocol == nil {
		return "", false, nil
	}
	return h.protocol.ProvideProtocolVersion(ctx, nil, clientProtocolVersion)
}

// GetMediaCapability implements HostCapabilities.
func (h *host) GetMediaCapability(ctx context.Context, session sessions.Session) (MediaCapability, bool, error) {
	if h.media == nil {
		return nil, false, nil
	}
	return h.media.ProvideMedia(ctx, session)
}

// GetAlbumsCapability implements HostCapabilities.
func (h *host) GetAlbumsCapability(ctx context.Context, session sessions.Session) (AlbumsCapability, bool, error) {
	if h.albums == nil {
		return nil, false, nil
	}
	return h.albums.ProvideAlbums(ctx, session)
}

// GetSelectionCapability implements HostCapabilities.
func (h *host) GetSelectionCapability(ctx context.Context, session sessions.Session) (SelectionCapability, bool, error) {
	if h.selection == nil {
		return nil, false, nil
	}
	return h.selection.ProvideSelection(ctx, session)
}
