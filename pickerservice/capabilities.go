package pickerservice

import (
	"context"
	"errors"

	"github.com/embedpick/picker-server-go/picker"
	"github.com/embedpick/picker-server-go/sessions"
)

// Sentinel errors returned by capability implementations. The engine maps
// them onto JSON-RPC error responses, so implementations should wrap rather
// than replace them when adding detail.
var (
	// ErrItemNotFound reports that a media item ID does not resolve to a
	// library entry visible to the session.
	ErrItemNotFound = errors.New("media item not found")

	// ErrSelectionLimit reports that a select would exceed the session's
	// maxSelection feature.
	ErrSelectionLimit = errors.New("selection limit reached")

	// ErrMimeNotAllowed reports that an item's mime type falls outside the
	// session's mimeTypes feature filter.
	ErrMimeNotAllowed = errors.New("mime type not allowed for session")

	// ErrSelectionCommitted reports that the session selection was already
	// committed and can no longer be mutated.
	ErrSelectionCommitted = errors.New("selection already committed")
)

// HostCapabilities is the surface the engine consults when serving a session.
//
// The engine discovers capabilities at runtime on a per-session basis and
// translates method calls on these interfaces into picker JSON-RPC messages.
// Implementations may be static (same capabilities for all sessions) or
// dynamic (vary by session) but MUST be safe for concurrent use and respect
// the provided context for cancellation and deadlines.
//
// Conventions used throughout this package:
//   - Capability discovery methods return (cap, ok, err). A false ok indicates
//     that the capability is not supported for the given session; err should be
//     reserved for transient or internal failures while determining support.
//   - The sessions.Session value is the unit of isolation. Implementations
//     SHOULD treat it as the boundary for authorization and media visibility.
//   - Pagination uses the Page[T] type in this package; an empty cursor
//     requests the first page. Implementations SHOULD populate NextCursor when
//     more data is available.
type HostCapabilities interface {
	// GetHostInfo returns implementation information about the host that is
	// surfaced in session-open results (name, version, etc.).
	//
	// This method MAY be called multiple times and SHOULD be inexpensive.
	GetHostInfo(ctx context.Context, session sessions.Session) (picker.ImplementationInfo, error)

	// GetPreferredProtocolVersion returns the host's preferred protocol
	// version given the client's advertised version. If ok is false, the
	// engine negotiates from SupportedProtocolVersions on its own.
	//
	// Version selection happens during session/open, before a session
	// exists, so no session is passed.
	GetPreferredProtocolVersion(ctx context.Context, clientProtocolVersion string) (version string, ok bool, err error)

	// GetMediaCapability returns the media capability for the session. If ok
	// is false, the host serves no library for this session and the engine
	// will not advertise media support.
	//
	// Implementations may return a session-scoped value. The returned value
	// MUST be safe for concurrent use.
	GetMediaCapability(ctx context.Context, session sessions.Session) (cap MediaCapability, ok bool, err error)

	// GetAlbumsCapability returns the albums capability for the session. If
	// ok is false, the engine will not advertise album browsing.
	GetAlbumsCapability(ctx context.Context, session sessions.Session) (cap AlbumsCapability, ok bool, err error)

	// GetSelectionCapability returns the selection capability for the
	// session. If ok is false, the session is browse-only: nothing can be
	// selected or committed.
	GetSelectionCapability(ctx context.Context, session sessions.Session) (cap SelectionCapability, ok bool, err error)
}

// MediaCapability serves the browsable library for a session. Implementations
// may be static (the same for every session) or dynamic (vary by session).
// All methods MUST be safe for concurrent use.
type MediaCapability interface {
	// ListMedia returns a (possibly paginated) list of items visible to the
	// session. The request carries the page cursor plus optional album and
	// mime filters; implementations MUST additionally honor the session's
	// own mimeTypes feature filter.
	ListMedia(ctx context.Context, session sessions.Session, req *picker.ListMediaRequest) (Page[picker.MediaItem], error)

	// ReadMedia returns the full descriptor for a single item ID. Unknown
	// IDs return an error wrapping ErrItemNotFound.
	ReadMedia(ctx context.Context, session sessions.Session, itemID string) (picker.MediaItem, error)

	// GetListChangedCapability returns an optional capability that, when
	// present, lets the engine register for library change notifications.
	// If ok is false, the engine will advertise media.listChanged = false.
	GetListChangedCapability(ctx context.Context, session sessions.Session) (cap MediaListChangedCapability, ok bool, err error)
}

// NotifyMediaListChangedFunc is invoked when the library content changes for
// a session. The engine forwards it as notifications/media/list_changed.
type NotifyMediaListChangedFunc func(ctx context.Context, session sessions.Session)

// MediaListChangedCapability provides media list-changed notification
// support.
//
// Register MUST be idempotent per session and MUST NOT retain fn beyond the
// session's lifetime. The returned ok reports whether change notifications
// are actually emitted for this session.
type MediaListChangedCapability interface {
	Register(ctx context.Context, session sessions.Session, fn NotifyMediaListChangedFunc) (ok bool, err error)
}

// MediaURIResolver is an optional extension of MediaCapability. Hosts that
// can map an item URI back to its library entry implement it so preselected
// URIs from the feature descriptor can seed the session selection.
type MediaURIResolver interface {
	ResolveURI(ctx context.Context, session sessions.Session, uri string) (picker.MediaItem, bool, error)
}

// AlbumsCapability serves album groupings for browsing. All methods MUST be
// safe for concurrent use.
type AlbumsCapability interface {
	// ListAlbums returns a (possibly paginated) list of albums visible to
	// the session. An empty cursor requests the first page.
	ListAlbums(ctx context.Context, session sessions.Session, cursor string) (Page[picker.Album], error)

	// GetListChangedCapability returns an optional capability that, when
	// present, lets the engine register for album change notifications.
	GetListChangedCapability(ctx context.Context, session sessions.Session) (cap AlbumListChangedCapability, ok bool, err error)
}

// NotifyAlbumsListChangedFunc is invoked when the album set changes for a
// session. The engine forwards it as notifications/albums/list_changed.
type NotifyAlbumsListChangedFunc func(ctx context.Context, session sessions.Session)

// AlbumListChangedCapability provides album list-changed notification
// support. Register follows the same contract as
// MediaListChangedCapability.Register.
type AlbumListChangedCapability interface {
	Register(ctx context.Context, session sessions.Session, fn NotifyAlbumsListChangedFunc) (ok bool, err error)
}

// SelectionCapability tracks the session's picked items and performs the
// commit that turns them into grants. All methods MUST be safe for
// concurrent use.
//
// Mutations come from the embedded picker UI over the surface stream, never
// from the client, so implementations can assume a single logical writer per
// session even though calls may arrive on different goroutines.
type SelectionCapability interface {
	// Select adds items to the session selection and returns the
	// descriptors of the items that were newly added, in the order given.
	// IDs already selected are skipped without error. Violations of the
	// session's feature limits return errors wrapping ErrSelectionLimit or
	// ErrMimeNotAllowed; unknown IDs wrap ErrItemNotFound. On error the
	// selection is left unchanged.
	Select(ctx context.Context, session sessions.Session, itemIDs []string) (added []picker.MediaItem, err error)

	// Deselect removes items from the session selection and returns the
	// descriptors of the items that were actually removed. IDs not in the
	// selection are skipped without error.
	Deselect(ctx context.Context, session sessions.Session, itemIDs []string) (removed []picker.MediaItem, err error)

	// ListSelection returns the current selection. Items appear in pick
	// order when the session requested ordered selection, otherwise in a
	// stable ID order.
	ListSelection(ctx context.Context, session sessions.Session, cursor string) (Page[picker.MediaItem], error)

	// Commit finalizes the selection, producing the granted item URIs, and
	// asks the client to acknowledge them when the session supports grant
	// acks. After a successful commit the selection is frozen; further
	// mutations return errors wrapping ErrSelectionCommitted.
	Commit(ctx context.Context, session sessions.Session) (picker.CommitSelectionResult, error)
}
