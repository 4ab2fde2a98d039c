package pickerservice

import (
	"context"
	"sort"
	"sync"

	"github.com/embedpick/picker-server-go/picker"
	"github.com/embedpick/picker-server-go/sessions"
)

// AlbumsContainer is an in-memory album set that acts as its own
// AlbumsCapabilityProvider. Albums are kept sorted by ID for deterministic
// listings. All methods are safe for concurrent use.
type AlbumsContainer struct {
	mu     sync.RWMutex
	albums []picker.Album
	idSet  map[string]struct{}

	notifier ChangeNotifier

	pageSize int // pagination size (default 50)
}

// NewAlbumsContainer constructs an AlbumsContainer with initial albums. The
// slice is copied so callers may retain ownership of their input.
func NewAlbumsContainer(albums ...picker.Album) *AlbumsContainer {
	ac := &AlbumsContainer{
		idSet:    make(map[string]struct{}),
		pageSize: 50,
	}
	ac.Replace(context.Background(), albums)
	return ac
}

// SetPageSize configures the maximum number of albums returned per listing
// page. Values < 1 are ignored.
func (ac *AlbumsContainer) SetPageSize(n int) {
	if n < 1 {
		return
	}
	ac.mu.Lock()
	ac.pageSize = n
	ac.mu.Unlock()
}

// ProvideAlbums implements AlbumsCapabilityProvider for a static container.
// Always returns itself as present (ok=true) even if empty.
func (ac *AlbumsContainer) ProvideAlbums(ctx context.Context, session sessions.Session) (AlbumsCapability, bool, error) {
	return ac, true, nil
}

// Snapshot returns a copy of the current album set in listing order.
func (ac *AlbumsContainer) Snapshot() []picker.Album {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	out := make([]picker.Album, len(ac.albums))
	copy(out, ac.albums)
	return out
}

// Replace atomically replaces the album set. It returns the IDs that were
// removed relative to the previous set.
func (ac *AlbumsContainer) Replace(_ context.Context, albums []picker.Album) (removedIDs []string) {
	ac.mu.Lock()
	defer ac.mu.Unlock()

	newIDs := make(map[string]struct{}, len(albums))
	for _, a := range albums {
		newIDs[a.ID] = struct{}{}
	}
	for id := range ac.idSet {
		if _, ok := newIDs[id]; !ok {
			removedIDs = append(removedIDs, id)
		}
	}

	ac.albums = make([]picker.Album, len(albums))
	copy(ac.albums, albums)
	sort.Slice(ac.albums, func(i, j int) bool { return ac.albums[i].ID < ac.albums[j].ID })
	ac.idSet = newIDs

	go func() { _ = ac.notifier.Notify(context.Background()) }()
	return removedIDs
}

// Upsert inserts or overwrites albums by ID.
func (ac *AlbumsContainer) Upsert(_ context.Context, albums ...picker.Album) {
	if len(albums) == 0 {
		return
	}
	ac.mu.Lock()
	for _, a := range albums {
		if _, exists := ac.idSet[a.ID]; exists {
			for i := range ac.albums {
				if ac.albums[i].ID == a.ID {
					ac.albums[i] = a
					break
				}
			}
			continue
		}
		ac.idSet[a.ID] = struct{}{}
		ac.albums = append(ac.albums, a)
	}
	sort.Slice(ac.albums, func(i, j int) bool { return ac.albums[i].ID < ac.albums[j].ID })
	ac.mu.Unlock()

	go func() { _ = ac.notifier.Notify(context.Background()) }()
}

// Remove deletes albums by ID, reporting how many were present.
func (ac *AlbumsContainer) Remove(_ context.Context, ids ...string) (removed int) {
	if len(ids) == 0 {
		return 0
	}
	ac.mu.Lock()
	for _, id := range ids {
		if _, ok := ac.idSet[id]; !ok {
			continue
		}
		delete(ac.idSet, id)
		for i := range ac.albums {
			if ac.albums[i].ID == id {
				ac.albums = append(ac.albums[:i], ac.albums[i+1:]...)
				break
			}
		}
		removed++
	}
	ac.mu.Unlock()

	if removed > 0 {
		go func() { _ = ac.notifier.Notify(context.Background()) }()
	}
	return removed
}

// ListAlbums implements AlbumsCapability.
func (ac *AlbumsContainer) ListAlbums(ctx context.Context, session sessions.Session, cursor string) (Page[picker.Album], error) {
	ac.mu.RLock()
	all := make([]picker.Album, len(ac.albums))
	copy(all, ac.albums)
	pageSize := ac.pageSize
	ac.mu.RUnlock()

	return PageOf(all, cursor, pageSize), nil
}

// GetListChangedCapability implements AlbumsCapability.
func (ac *AlbumsContainer) GetListChangedCapability(ctx context.Context, session sessions.Session) (AlbumListChangedCapability, bool, error) {
	return albumsListChangedFromSubscriber{sub: ac}, true, nil
}

// Subscriber implements ChangeSubscriber.
func (ac *AlbumsContainer) Subscriber() <-chan struct{} {
	return ac.notifier.Subscriber()
}

// NewAlbumsListChanged adapts any ChangeSubscriber into an
// AlbumListChangedCapability, mirroring NewMediaListChanged.
func NewAlbumsListChanged(sub ChangeSubscriber) AlbumListChangedCapability {
	return albumsListChangedFromSubscriber{sub: sub}
}

// albumsListChangedFromSubscriber adapts a ChangeSubscriber to
// AlbumListChangedCapability.
type albumsListChangedFromSubscriber struct{ sub ChangeSubscriber }

func (a albumsListChangedFromSubscriber) Register(ctx context.Context, session sessions.Session, fn NotifyAlbumsListChangedFunc) (bool, error) {
	if a.sub == nil || fn == nil {
		return false, nil
	}
	ch := a.sub.Subscriber()
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

// DynamicAlbums composes an AlbumsCapability from closures. Omitted pieces
// degrade gracefully the same way DynamicMedia does.
type DynamicAlbums struct {
	listFn    func(ctx context.Context, session sessions.Session, cursor string) (Page[picker.Album], error)
	changeSub ChangeSubscriber
}

// DynamicAlbumsOption configures a DynamicAlbums.
type DynamicAlbumsOption func(*DynamicAlbums)

// WithAlbumsListFn supplies the listing implementation.
func WithAlbumsListFn(fn func(ctx context.Context, session sessions.Session, cursor string) (Page[picker.Album], error)) DynamicAlbumsOption {
	return func(d *DynamicAlbums) { d.listFn = fn }
}

// WithAlbumsChangeSubscriber wires a change feed for list_changed support.
func WithAlbumsChangeSubscriber(sub ChangeSubscriber) DynamicAlbumsOption {
	return func(d *DynamicAlbums) { d.changeSub = sub }
}

// NewDynamicAlbums builds a DynamicAlbums from options.
func NewDynamicAlbums(opts ...DynamicAlbumsOption) *DynamicAlbums {
	d := &DynamicAlbums{}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// ProvideAlbums implements AlbumsCapabilityProvider.
func (d *DynamicAlbums) ProvideAlbums(ctx context.Context, session sessions.Session) (AlbumsCapability, bool, error) {
	return d, true, nil
}

// ListAlbums implements AlbumsCapability.
func (d *DynamicAlbums) ListAlbums(ctx context.Context, session sessions.Session, cursor string) (Page[picker.Album], error) {
	if d.listFn == nil {
		return NewPage[picker.Album](nil), nil
	}
	return d.listFn(ctx, session, cursor)
}

// GetListChangedCapability implements AlbumsCapability.
func (d *DynamicAlbums) GetListChangedCapability(ctx context.Context, session sessions.Session) (AlbumListChangedCapability, bool, error) {
	if d.changeSub == nil {
		return nil, false, nil
	}
	return albumsListChangedFromSubscriber{sub: d.changeSub}, true, nil
}

var (
	_ AlbumsCapability         = (*AlbumsContainer)(nil)
	_ AlbumsCapabilityProvider = (*AlbumsContainer)(nil)
	_ ChangeSubscriber         = (*AlbumsContainer)(nil)
	_ AlbumsCapability         = (*DynamicAlbums)(nil)
	_ AlbumsCapabilityProvider = (*DynamicAlbums)(nil)
)
