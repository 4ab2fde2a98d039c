package pickerservice

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/embedpick/picker-server-go/picker"
	"github.com/embedpick/picker-server-go/sessions"
)

// MimeAllowed reports whether mime matches any entry in filters. A filter is
// either an exact type like "image/png" or a subtype wildcard like
// "image/*". An empty filter list allows everything. Matching is
// case-insensitive per RFC 2045.
func MimeAllowed(mime string, filters []string) bool {
	if len(filters) == 0 {
		return true
	}
	mt, ms, ok := strings.Cut(mime, "/")
	if !ok {
		return false
	}
	for _, f := range filters {
		ft, fs, ok := strings.Cut(f, "/")
		if !ok {
			continue
		}
		if !strings.EqualFold(ft, mt) {
			continue
		}
		if fs == "*" || strings.EqualFold(fs, ms) {
			return true
		}
	}
	return false
}

// sessionMimeFilters returns the session's descriptor-level mime filter, or
// nil when the session carries none.
func sessionMimeFilters(session sessions.Session) []string {
	if session == nil {
		return nil
	}
	return session.Features().MimeTypes
}

// MediaContainer is an in-memory library that acts as its own
// MediaCapabilityProvider. It is intended for hosts with a bounded item set
// (tests, demos, fixture-backed servers); production hosts index a real
// store instead.
//
// Items are kept sorted by ID so listings are deterministic regardless of
// mutation order. All methods are safe for concurrent use.
type MediaContainer struct {
	mu    sync.RWMutex
	items []picker.MediaItem
	idSet map[string]struct{}

	// notifier emits a signal when the item set changes.
	notifier ChangeNotifier

	pageSize int // pagination size (default 50)
}

// NewMediaContainer constructs a MediaContainer with initial items. The
// slice is copied so callers may retain ownership of their input.
func NewMediaContainer(items ...picker.MediaItem) *MediaContainer {
	mc := &MediaContainer{
		idSet:    make(map[string]struct{}),
		pageSize: 50,
	}
	mc.Replace(context.Background(), items)
	return mc
}

// SetPageSize configures the maximum number of items returned per listing
// page. Values < 1 are ignored.
func (mc *MediaContainer) SetPageSize(n int) {
	if n < 1 {
		return
	}
	mc.mu.Lock()
	mc.pageSize = n
	mc.mu.Unlock()
}

// ProvideMedia implements MediaCapabilityProvider for a static container.
// Always returns itself as present (ok=true) even if empty.
func (mc *MediaContainer) ProvideMedia(ctx context.Context, session sessions.Session) (MediaCapability, bool, error) {
	return mc, true, nil
}

// Snapshot returns a copy of the current item set in listing order.
func (mc *MediaContainer) Snapshot() []picker.MediaItem {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	out := make([]picker.MediaItem, len(mc.items))
	copy(out, mc.items)
	return out
}

// Len returns the number of items currently held.
func (mc *MediaContainer) Len() int {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return len(mc.items)
}

// Replace atomically replaces the item set. It returns the IDs that were
// removed relative to the previous set.
func (mc *MediaContainer) Replace(_ context.Context, items []picker.MediaItem) (removedIDs []string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	newIDs := make(map[string]struct{}, len(items))
	for _, it := range items {
		newIDs[it.ID] = struct{}{}
	}
	for id := range mc.idSet {
		if _, ok := newIDs[id]; !ok {
			removedIDs = append(removedIDs, id)
		}
	}

	mc.items = make([]picker.MediaItem, len(items))
	copy(mc.items, items)
	sort.Slice(mc.items, func(i, j int) bool { return mc.items[i].ID < mc.items[j].ID })
	mc.idSet = newIDs

	// Signal list-changed (best effort)
	go func() { _ = mc.notifier.Notify(context.Background()) }()
	return removedIDs
}

// Upsert inserts or overwrites items by ID.
func (mc *MediaContainer) Upsert(_ context.Context, items ...picker.MediaItem) {
	if len(items) == 0 {
		return
	}
	mc.mu.Lock()
	for _, it := range items {
		if _, exists := mc.idSet[it.ID]; exists {
			for i := range mc.items {
				if mc.items[i].ID == it.ID {
					mc.items[i] = it
					break
				}
			}
			continue
		}
		mc.idSet[it.ID] = struct{}{}
		mc.items = append(mc.items, it)
	}
	sort.Slice(mc.items, func(i, j int) bool { return mc.items[i].ID < mc.items[j].ID })
	mc.mu.Unlock()

	go func() { _ = mc.notifier.Notify(context.Background()) }()
}

// Remove deletes items by ID, reporting how many were present.
func (mc *MediaContainer) Remove(_ context.Context, ids ...string) (removed int) {
	if len(ids) == 0 {
		return 0
	}
	mc.mu.Lock()
	for _, id := range ids {
		if _, ok := mc.idSet[id]; !ok {
			continue
		}
		delete(mc.idSet, id)
		for i := range mc.items {
			if mc.items[i].ID == id {
				mc.items = append(mc.items[:i], mc.items[i+1:]...)
				break
			}
		}
		removed++
	}
	mc.mu.Unlock()

	if removed > 0 {
		go func() { _ = mc.notifier.Notify(context.Background()) }()
	}
	return removed
}

// ListMedia implements MediaCapability. The request's album and mime filters
// are applied on top of the session's own mimeTypes feature filter before
// pagination, so cursors stay stable for a given filter combination.
func (mc *MediaContainer) ListMedia(ctx context.Context, session sessions.Session, req *picker.ListMediaRequest) (Page[picker.MediaItem], error) {
	var (
		cursor   string
		albumID  string
		reqMimes []string
	)
	if req != nil {
		cursor = req.Cursor
		albumID = req.AlbumID
		reqMimes = req.MimeTypes
	}
	featMimes := sessionMimeFilters(session)

	mc.mu.RLock()
	all := make([]picker.MediaItem, 0, len(mc.items))
	for _, it := range mc.items {
		if albumID != "" && it.AlbumID != albumID {
			continue
		}
		if !MimeAllowed(it.MimeType, featMimes) || !MimeAllowed(it.MimeType, reqMimes) {
			continue
		}
		all = append(all, it)
	}
	pageSize := mc.pageSize
	mc.mu.RUnlock()

	return PageOf(all, cursor, pageSize), nil
}

// ReadMedia implements MediaCapability.
func (mc *MediaContainer) ReadMedia(ctx context.Context, session sessions.Session, itemID string) (picker.MediaItem, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	if _, ok := mc.idSet[itemID]; ok {
		for _, it := range mc.items {
			if it.ID == itemID {
				return it, nil
			}
		}
	}
	return picker.MediaItem{}, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
}

// ResolveURI implements MediaURIResolver by scanning the item set.
func (mc *MediaContainer) ResolveURI(ctx context.Context, session sessions.Session, uri string) (picker.MediaItem, bool, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	for _, it := range mc.items {
		if it.URI == uri {
			return it, true, nil
		}
	}
	return picker.MediaItem{}, false, nil
}

// GetListChangedCapability implements MediaCapability.
func (mc *MediaContainer) GetListChangedCapability(ctx context.Context, session sessions.Session) (MediaListChangedCapability, bool, error) {
	return mediaListChangedFromSubscriber{sub: mc}, true, nil
}

// Subscriber implements ChangeSubscriber.
func (mc *MediaContainer) Subscriber() <-chan struct{} {
	return mc.notifier.Subscriber()
}

// NewMediaListChanged adapts any ChangeSubscriber into a
// MediaListChangedCapability. Capability implementations outside this
// package return it from GetListChangedCapability instead of re-deriving
// the registration plumbing.
func NewMediaListChanged(sub ChangeSubscriber) MediaListChangedCapability {
	return mediaListChangedFromSubscriber{sub: sub}
}

// mediaListChangedFromSubscriber adapts a ChangeSubscriber to
// MediaListChangedCapability.
type mediaListChangedFromSubscriber struct{ sub ChangeSubscriber }

func (m mediaListChangedFromSubscriber) Register(ctx context.Context, session sessions.Session, fn NotifyMediaListChangedFunc) (bool, error) {
	if m.sub == nil || fn == nil {
		return false, nil
	}
	ch := m.sub.Subscriber()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				fn(ctx, session)
			}
		}
	}()
	return true, nil
}

// DynamicMedia composes a MediaCapability from closures, for hosts whose
// library comes from an external index rather than an in-memory set. Omitted
// pieces degrade gracefully: no list fn serves an empty library, no read fn
// reports every ID as unknown, no change subscriber disables list_changed.
type DynamicMedia struct {
	listFn    func(ctx context.Context, session sessions.Session, req *picker.ListMediaRequest) (Page[picker.MediaItem], error)
	readFn    func(ctx context.Context, session sessions.Session, itemID string) (picker.MediaItem, error)
	changeSub ChangeSubscriber
}

// DynamicMediaOption configures a DynamicMedia.
type DynamicMediaOption func(*DynamicMedia)

// WithMediaListFn supplies the listing implementation.
func WithMediaListFn(fn func(ctx context.Context, session sessions.Session, req *picker.ListMediaRequest) (Page[picker.MediaItem], error)) DynamicMediaOption {
	return func(d *DynamicMedia) { d.listFn = fn }
}

// WithMediaReadFn supplies the per-item read implementation.
func WithMediaReadFn(fn func(ctx context.Context, session sessions.Session, itemID string) (picker.MediaItem, error)) DynamicMediaOption {
	return func(d *DynamicMedia) { d.readFn = fn }
}

// WithMediaChangeSubscriber wires a change feed for list_changed support.
func WithMediaChangeSubscriber(sub ChangeSubscriber) DynamicMediaOption {
	return func(d *DynamicMedia) { d.changeSub = sub }
}

// NewDynamicMedia builds a DynamicMedia from options.
func NewDynamicMedia(opts ...DynamicMediaOption) *DynamicMedia {
	d := &DynamicMedia{}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// ProvideMedia implements MediaCapabilityProvider.
func (d *DynamicMedia) ProvideMedia(ctx context.Context, session sessions.Session) (MediaCapability, bool, error) {
	return d, true, nil
}

// ListMedia implements MediaCapability.
func (d *DynamicMedia) ListMedia(ctx context.Context, session sessions.Session, req *picker.ListMediaRequest) (Page[picker.MediaItem], error) {
	if d.listFn == nil {
		return NewPage[picker.MediaItem](nil), nil
	}
	return d.listFn(ctx, session, req)
}

// ReadMedia implements MediaCapability.
func (d *DynamicMedia) ReadMedia(ctx context.Context, session sessions.Session, itemID string) (picker.MediaItem, error) {
	if d.readFn == nil {
		return picker.MediaItem{}, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}
	return d.readFn(ctx, session, itemID)
}

// GetListChangedCapability implements MediaCapability.
func (d *DynamicMedia) GetListChangedCapability(ctx context.Context, session sessions.Session) (MediaListChangedCapability, bool, error) {
	if d.changeSub == nil {
		return nil, false, nil
	}
	return mediaListChangedFromSubscriber{sub: d.changeSub}, true, nil
}

var (
	_ MediaCapability         = (*MediaContainer)(nil)
	_ MediaCapabilityProvider = (*MediaContainer)(nil)
	_ MediaURIResolver        = (*MediaContainer)(nil)
	_ ChangeSubscriber        = (*MediaContainer)(nil)
	_ MediaCapability         = (*DynamicMedia)(nil)
	_ MediaCapabilityProvider = (*DynamicMedia)(nil)
)
