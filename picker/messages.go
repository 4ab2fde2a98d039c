package picker

import (
	"encoding/json"

	"github.com/embedpick/picker-server-go/theme"
)

// Method is a picker protocol method identifier used in JSON-RPC messages.
type Method string

// Picker method names and notifications.
const (
	// Session lifecycle
	SessionOpenMethod                       Method = "session/open"
	SessionReadyNotificationMethod          Method = "notifications/session/ready"
	SessionNotifyResizedMethod              Method = "session/notifyResized"
	SessionNotifyVisibilityChangedMethod    Method = "session/notifyVisibilityChanged"
	SessionNotifyConfigurationChangedMethod Method = "session/notifyConfigurationChanged"
	SessionNotifyExpandedMethod             Method = "session/notifyExpanded"

	// Media
	MediaListMethod                    Method = "media/list"
	MediaReadMethod                    Method = "media/read"
	MediaListChangedNotificationMethod Method = "notifications/media/list_changed"

	// Albums
	AlbumsListMethod                    Method = "albums/list"
	AlbumsListChangedNotificationMethod Method = "notifications/albums/list_changed"

	// Selection
	SelectionListMethod                  Method = "selection/list"
	SelectionCommitMethod                Method = "selection/commit"
	ItemsSelectedNotificationMethod      Method = "notifications/items/selected"
	ItemsDeselectedNotificationMethod    Method = "notifications/items/deselected"
	SelectionCommittedNotificationMethod Method = "notifications/selection/committed"
	SessionErrorNotificationMethod       Method = "notifications/session/error"

	// Host-initiated
	ClientGrantAckMethod Method = "client/grantAck"

	// General
	PingMethod                  Method = "ping"
	CancelledNotificationMethod Method = "notifications/cancelled"
	ProgressNotificationMethod  Method = "notifications/progress"
)

// PaginatedRequest carries a cursor for paginated list requests.
type PaginatedRequest struct {
	Cursor string `json:"cursor,omitzero"`
}

// PaginatedResult carries a cursor for continuing pagination.
type PaginatedResult struct {
	NextCursor string `json:"nextCursor,omitzero"`
}

// BaseMetadata carries optional metadata for responses.
type BaseMetadata struct {
	Meta map[string]any `json:"_meta,omitempty"`
}

// ProgressToken is an identifier used to correlate progress updates.
// It may be a string or number.
type ProgressToken any // string | number

// CancelledNotification informs the peer that a request was canceled.
type CancelledNotification struct {
	RequestID string `json:"requestId"`
	Reason    string `json:"reason,omitzero"`
}

// ProgressNotificationParams conveys progress of a long-running operation.
type ProgressNotificationParams struct {
	ProgressToken ProgressToken `json:"progressToken"`
	Progress      float64       `json:"progress"`
	Total         float64       `json:"total,omitzero"`
}

// PingRequest is a no-op request used to test connectivity.
type PingRequest struct{}

// EmptyResult is the result payload for methods that return no data.
type EmptyResult struct {
	BaseMetadata
}

// Session lifecycle
// OpenSessionRequest asks the host to create an embedded picker session. It
// carries the caller identity, the placement of the surface the client will
// embed, and the requested feature set.
type OpenSessionRequest struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Action          theme.Action       `json:"action"`
	PackageName     string             `json:"packageName"`
	UID             int64              `json:"uid"`
	HostToken       string             `json:"hostToken"`
	DisplayID       int                `json:"displayId"`
	Width           int                `json:"width"`
	Height          int                `json:"height"`
	Features        FeatureInfo        `json:"features"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      ImplementationInfo `json:"clientInfo"`
}

// OpenSessionResult pairs the created session with its surface package. It
// is delivered to the client exactly once per open request.
type OpenSessionResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	SessionID       string             `json:"sessionId"`
	SurfacePackage  SurfacePackageInfo `json:"surfacePackage"`
	Capabilities    HostCapabilities   `json:"capabilities"`
	HostInfo        ImplementationInfo `json:"hostInfo"`
	Theme           *ThemeInfo         `json:"theme,omitempty"`
	BaseMetadata
}

// NotifyResizedParams reports a new surface size.
type NotifyResizedParams struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// NotifyVisibilityChangedParams reports whether the embedded surface is
// currently visible.
type NotifyVisibilityChangedParams struct {
	Visible bool `json:"visible"`
}

// NotifyConfigurationChangedParams carries the client's new presentation
// configuration.
type NotifyConfigurationChangedParams struct {
	Configuration Configuration `json:"configuration"`
}

// NotifyExpandedParams reports whether the picker is expanded to its
// full-height presentation.
type NotifyExpandedParams struct {
	Expanded bool `json:"expanded"`
}

// SessionErrorParams describes a host-side session fault surfaced to the
// client.
type SessionErrorParams struct {
	Code    int    `json:"code,omitzero"`
	Message string `json:"message"`
}

// Media
// ListMediaRequest requests a page of library items.
type ListMediaRequest struct {
	PaginatedRequest
	AlbumID   string   `json:"albumId,omitzero"`
	MimeTypes []string `json:"mimeTypes,omitempty"`
}

// ListMediaResult returns a page of library items.
type ListMediaResult struct {
	Items []MediaItem `json:"items"`
	PaginatedResult
	BaseMetadata
}

// ReadMediaRequest requests a single item's metadata by ID.
type ReadMediaRequest struct {
	ID string `json:"id"`
}

// ReadMediaResult returns a single item's metadata.
type ReadMediaResult struct {
	Item MediaItem `json:"item"`
	BaseMetadata
}

// MediaListChangedNotification indicates the library content changed.
type MediaListChangedNotification struct{}

// Albums
// ListAlbumsRequest requests a page of albums.
type ListAlbumsRequest struct {
	PaginatedRequest
}

// ListAlbumsResult returns a page of albums.
type ListAlbumsResult struct {
	Albums []Album `json:"albums"`
	PaginatedResult
	BaseMetadata
}

// AlbumsListChangedNotification indicates the album set changed.
type AlbumsListChangedNotification struct{}

// Selection
// ListSelectionRequest requests the session's current selection.
type ListSelectionRequest struct {
	PaginatedRequest
}

// ListSelectionResult returns the session's current selection. Items appear
// in pick order when the session requested ordered selection.
type ListSelectionResult struct {
	Items []MediaItem `json:"items"`
	PaginatedResult
	BaseMetadata
}

// CommitSelectionRequest finalizes the session's selection and asks the host
// to grant the client access to the selected items.
type CommitSelectionRequest struct{}

// CommitSelectionResult returns the granted item URIs. Acked reports whether
// the client acknowledged the grant when it advertised that capability.
type CommitSelectionResult struct {
	URIs  []string `json:"uris"`
	Acked bool     `json:"acked,omitzero"`
	BaseMetadata
}

// ItemsSelectedParams notifies the client of newly selected item URIs.
type ItemsSelectedParams struct {
	URIs []string `json:"uris"`
}

// ItemsDeselectedParams notifies the client of deselected item URIs.
type ItemsDeselectedParams struct {
	URIs []string `json:"uris"`
}

// SelectionCommittedParams notifies the client that the selection was
// finalized from the picker UI. It carries the same outcome a
// selection/commit response would.
type SelectionCommittedParams struct {
	URIs  []string `json:"uris"`
	Acked bool     `json:"acked,omitzero"`
}

// Host-initiated
// GrantAckRequest asks the client to confirm it received access to the
// committed item URIs.
type GrantAckRequest struct {
	URIs []string `json:"uris"`
}

// GrantAckResultReceived is the host-received representation of the client's
// acknowledgement.
type GrantAckResultReceived struct {
	Acked bool            `json:"acked"`
	Meta  json.RawMessage `json:"_meta,omitempty"`
}
