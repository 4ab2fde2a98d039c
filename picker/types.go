package picker

import (
	"encoding/json"

	"github.com/embedpick/picker-server-go/theme"
)

// NightMode selects the palette family a session renders with.
type NightMode string

const (
	NightModeSystem NightMode = "system"
	NightModeLight  NightMode = "light"
	NightModeDark   NightMode = "dark"
)

// IsValidNightMode reports whether the provided mode is one of the
// protocol-defined values.
func IsValidNightMode(m NightMode) bool {
	switch m {
	case NightModeSystem, NightModeLight, NightModeDark:
		return true
	default:
		return false
	}
}

// Capabilities
// ClientCapabilities advertises client features.
type ClientCapabilities struct {
	// GrantAck indicates the client answers host-initiated grant
	// acknowledgement requests after a selection commit.
	GrantAck *struct{} `json:"grantAck,omitempty"`
}

// HostCapabilities advertises host features.
type HostCapabilities struct {
	Media *struct {
		ListChanged bool `json:"listChanged"`
	} `json:"media,omitempty"`
	Albums *struct {
		ListChanged bool `json:"listChanged"`
	} `json:"albums,omitempty"`
	Selection *struct {
		Ordered bool `json:"ordered"`
	} `json:"selection,omitempty"`
	Surface *struct{} `json:"surface,omitempty"`
}

// ImplementationInfo describes the implementation name and version.
type ImplementationInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Title   string `json:"title,omitzero"`
}

// FeatureInfo is the caller-supplied feature descriptor attached to a
// session-open request. The zero descriptor requests stock behavior; use
// DefaultFeatureInfo when constructing one in Go so the accent code carries
// its absent sentinel.
type FeatureInfo struct {
	NightMode NightMode `json:"nightMode,omitzero"`

	// AccentColor is a signed 64-bit color code; theme.AccentUnset (-1)
	// means no custom accent was requested. Validation happens at session
	// open, not here.
	AccentColor int64 `json:"accentColor"`

	// OrderedSelection preserves the order in which the user picked items.
	OrderedSelection bool `json:"orderedSelection,omitzero"`

	// MaxSelection caps how many items the user may select. Zero means the
	// host default applies.
	MaxSelection int `json:"maxSelection,omitzero"`

	// MimeTypes restricts the library view to matching items. Empty means
	// all displayable media.
	MimeTypes []string `json:"mimeTypes,omitempty"`

	// PreselectedURIs seeds the session selection with already-granted
	// items.
	PreselectedURIs []string `json:"preselectedUris,omitempty"`
}

// DefaultFeatureInfo returns a descriptor requesting stock behavior.
func DefaultFeatureInfo() FeatureInfo {
	return FeatureInfo{AccentColor: theme.AccentUnset}
}

// UnmarshalJSON defaults an absent accentColor to the unset sentinel so an
// omitted field is "no color requested" rather than opaque black.
func (f *FeatureInfo) UnmarshalJSON(b []byte) error {
	type alias FeatureInfo
	aux := struct {
		AccentColor *int64 `json:"accentColor"`
		*alias
	}{alias: (*alias)(f)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	if aux.AccentColor == nil {
		f.AccentColor = theme.AccentUnset
	} else {
		f.AccentColor = *aux.AccentColor
	}
	return nil
}

// ThemeInfo is the wire form of an accepted accent decision. It is omitted
// from results when the accent is unspecified.
type ThemeInfo struct {
	AccentColor string `json:"accentColor"`
	TextColor   string `json:"textColor"`
}

// NewThemeInfo projects an accent decision onto the wire. It returns nil for
// the unspecified accent.
func NewThemeInfo(a theme.Accent) *ThemeInfo {
	c, ok := a.Color()
	if !ok {
		return nil
	}
	t, _ := a.TextColor()
	return &ThemeInfo{AccentColor: c.Hex(), TextColor: t.Hex()}
}

// Configuration carries the client-side presentation state a session renders
// under. Clients resend it via session/notifyConfigurationChanged when it
// changes.
type Configuration struct {
	NightMode NightMode `json:"nightMode,omitzero" jsonschema:"enum=system|light|dark"`
	Locale    string    `json:"locale,omitzero" jsonschema:"maxLength=35"`
	Density   float64   `json:"density,omitzero" jsonschema:"minimum=0"`
	FontScale float64   `json:"fontScale,omitzero" jsonschema:"minimum=0"`
}

// Media
// MediaItem describes a single library entry.
type MediaItem struct {
	ID          string `json:"id"`
	URI         string `json:"uri"`
	DisplayName string `json:"displayName,omitzero"`
	MimeType    string `json:"mimeType,omitzero"`
	SizeBytes   int64  `json:"sizeBytes,omitzero"`
	Width       int    `json:"width,omitzero"`
	Height      int    `json:"height,omitzero"`
	TakenAt     string `json:"takenAt,omitzero"`
	AlbumID     string `json:"albumId,omitzero"`
	// ThumbnailURI points at a host-served preview rendition when the host
	// generates one.
	ThumbnailURI string `json:"thumbnailUri,omitzero"`
}

// Album groups media items for browsing.
type Album struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	CoverItemID string `json:"coverItemId,omitzero"`
	ItemCount   int    `json:"itemCount,omitzero"`
}

// Surface
// SurfacePackageInfo is the renderable handle a client embeds to host the
// picker UI inside its own window. The stream URL accepts an attach carrying
// the signed token.
type SurfacePackageInfo struct {
	ID        string `json:"id"`
	StreamURL string `json:"streamUrl"`
	Token     string `json:"token"`
	DisplayID int    `json:"displayId,omitzero"`
	Width     int    `json:"width,omitzero"`
	Height    int    `json:"height,omitzero"`
}

// LatestProtocolVersion is the latest version of the protocol.
const LatestProtocolVersion = "2026-03-26"

// SupportedProtocolVersions lists the protocol revisions this module speaks,
// newest first. Version negotiation picks the newest revision both sides
// understand.
var SupportedProtocolVersions = []string{
	LatestProtocolVersion,
	"2025-11-05",
}

// IsSupportedProtocolVersion reports whether v names a protocol revision this
// module speaks.
func IsSupportedProtocolVersion(v string) bool {
	for _, s := range SupportedProtocolVersions {
		if v == s {
			return true
		}
	}
	return false
}
