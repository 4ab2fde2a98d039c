package pickerservice

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/embedpick/picker-server-go/picker"
	"github.com/embedpick/picker-server-go/sessions"
)

// SelectedItem is one entry in a session's selection record. The URI is
// captured at pick time so the commit can grant it even if the item later
// leaves the library.
type SelectedItem struct {
	ID  string `json:"id"`
	URI string `json:"uri"`
}

// SelectionState is the serializable per-session selection record.
type SelectionState struct {
	// Items holds the picked entries in pick order.
	Items []SelectedItem `json:"items"`

	// Committed freezes the record once the grant was produced.
	Committed bool `json:"committed"`

	// Acked remembers the client's grant acknowledgement so a replayed
	// commit reports the same outcome.
	Acked bool `json:"acked,omitzero"`
}

// SelectionStore persists per-session selection state. Implementations MUST
// be safe for concurrent use. Load returns (nil, nil) when no record exists
// for the session.
type SelectionStore interface {
	Load(ctx context.Context, sessionID string) (*SelectionState, error)
	Save(ctx context.Context, sessionID string, st *SelectionState) error
	Delete(ctx context.Context, sessionID string) error
}

// memorySelectionStore keeps selection records in a process-local map.
type memorySelectionStore struct {
	mu sync.Mutex
	m  map[string]SelectionState
}

// NewMemorySelectionStore returns a SelectionStore backed by a process-local
// map. It is the default store for SelectionContainer and only suitable for
// single-process deployments; distributed hosts plug in a shared store.
func NewMemorySelectionStore() SelectionStore {
	return &memorySelectionStore{m: make(map[string]SelectionState)}
}

func (s *memorySelectionStore) Load(ctx context.Context, sessionID string) (*SelectionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.m[sessionID]
	if !ok {
		return nil, nil
	}
	out := st
	out.Items = make([]SelectedItem, len(st.Items))
	copy(out.Items, st.Items)
	return &out, nil
}

func (s *memorySelectionStore) Save(ctx context.Context, sessionID string, st *SelectionState) error {
	if st == nil {
		return errors.New("nil selection state")
	}
	cp := *st
	cp.Items = make([]SelectedItem, len(st.Items))
	copy(cp.Items, st.Items)
	s.mu.Lock()
	s.m[sessionID] = cp
	s.mu.Unlock()
	return nil
}

func (s *memorySelectionStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.m, sessionID)
	s.mu.Unlock()
	return nil
}

// SelectionContainer implements SelectionCapability on top of a
// MediaCapability (for item lookup) and a SelectionStore (for state). It
// enforces the session's feature limits: maxSelection caps the entry count,
// mimeTypes gates which items may be picked, and orderedSelection controls
// listing order.
//
// Mutations serialize on a container-level mutex, so concurrent surface
// events for the same session cannot interleave a load-mutate-save cycle.
type SelectionContainer struct {
	media MediaCapability
	store SelectionStore

	mu       sync.Mutex
	pageSize int
}

// SelectionOption configures a SelectionContainer.
type SelectionOption func(*SelectionContainer)

// WithSelectionStore replaces the default in-memory store.
func WithSelectionStore(store SelectionStore) SelectionOption {
	return func(sc *SelectionContainer) {
		if store != nil {
			sc.store = store
		}
	}
}

// WithSelectionPageSize configures the listing page size. Values < 1 are
// ignored.
func WithSelectionPageSize(n int) SelectionOption {
	return func(sc *SelectionContainer) {
		if n >= 1 {
			sc.pageSize = n
		}
	}
}

// NewSelectionContainer builds a SelectionContainer over the given media
// capability.
func NewSelectionContainer(media MediaCapability, opts ...SelectionOption) *SelectionContainer {
	sc := &SelectionContainer{
		media:    media,
		store:    NewMemorySelectionStore(),
		pageSize: 50,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(sc)
		}
	}
	return sc
}

// ProvideSelection implements SelectionCapabilityProvider.
func (sc *SelectionContainer) ProvideSelection(ctx context.Context, session sessions.Session) (SelectionCapability, bool, error) {
	return sc, true, nil
}

func (sc *SelectionContainer) load(ctx context.Context, sessionID string) (SelectionState, error) {
	st, err := sc.store.Load(ctx, sessionID)
	if err != nil {
		return SelectionState{}, fmt.Errorf("load selection: %w", err)
	}
	if st == nil {
		return SelectionState{}, nil
	}
	return *st, nil
}

// Select implements SelectionCapability. Validation happens before any state
// is written, so a rejected batch leaves the selection untouched.
func (sc *SelectionContainer) Select(ctx context.Context, session sessions.Session, itemIDs []string) ([]picker.MediaItem, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	st, err := sc.load(ctx, session.SessionID())
	if err != nil {
		return nil, err
	}
	if st.Committed {
		return nil, fmt.Errorf("%w: session %s", ErrSelectionCommitted, session.SessionID())
	}

	feat := session.Features()
	selected := make(map[string]struct{}, len(st.Items))
	for _, it := range st.Items {
		selected[it.ID] = struct{}{}
	}

	var added []picker.MediaItem
	next := st.Items
	for _, id := range itemIDs {
		if _, dup := selected[id]; dup {
			continue
		}
		item, err := sc.media.ReadMedia(ctx, session, id)
		if err != nil {
			return nil, err
		}
		if !MimeAllowed(item.MimeType, feat.MimeTypes) {
			return nil, fmt.Errorf("%w: %s is %s", ErrMimeNotAllowed, id, item.MimeType)
		}
		if feat.MaxSelection > 0 && len(next) >= feat.MaxSelection {
			return nil, fmt.Errorf("%w: max %d", ErrSelectionLimit, feat.MaxSelection)
		}
		next = append(next, SelectedItem{ID: item.ID, URI: item.URI})
		selected[id] = struct{}{}
		added = append(added, item)
	}
	if len(added) == 0 {
		return []picker.MediaItem{}, nil
	}

	st.Items = next
	if err := sc.store.Save(ctx, session.SessionID(), &st); err != nil {
		return nil, fmt.Errorf("save selection: %w", err)
	}
	return added, nil
}

// Deselect implements SelectionCapability. Removed entries are reported with
// their recorded ID and URI even when the item has since left the library.
func (sc *SelectionContainer) Deselect(ctx context.Context, session sessions.Session, itemIDs []string) ([]picker.MediaItem, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	st, err := sc.load(ctx, session.SessionID())
	if err != nil {
		return nil, err
	}
	if st.Committed {
		return nil, fmt.Errorf("%w: session %s", ErrSelectionCommitted, session.SessionID())
	}

	drop := make(map[string]struct{}, len(itemIDs))
	for _, id := range itemIDs {
		drop[id] = struct{}{}
	}

	var removed []picker.MediaItem
	kept := st.Items[:0:0]
	for _, sel := range st.Items {
		if _, gone := drop[sel.ID]; !gone {
			kept = append(kept, sel)
			continue
		}
		removed = append(removed, sc.describe(ctx, session, sel))
	}
	if len(removed) == 0 {
		return []picker.MediaItem{}, nil
	}

	st.Items = kept
	if err := sc.store.Save(ctx, session.SessionID(), &st); err != nil {
		return nil, fmt.Errorf("save selection: %w", err)
	}
	return removed, nil
}

// describe resolves the live descriptor for a selected entry, falling back
// to the recorded ID and URI when the item no longer exists.
func (sc *SelectionContainer) describe(ctx context.Context, session sessions.Session, sel SelectedItem) picker.MediaItem {
	item, err := sc.media.ReadMedia(ctx, session, sel.ID)
	if err != nil {
		return picker.MediaItem{ID: sel.ID, URI: sel.URI}
	}
	return item
}

// ListSelection implements SelectionCapability.
func (sc *SelectionContainer) ListSelection(ctx context.Context, session sessions.Session, cursor string) (Page[picker.MediaItem], error) {
	st, err := sc.load(ctx, session.SessionID())
	if err != nil {
		return Page[picker.MediaItem]{}, err
	}

	entries := make([]SelectedItem, len(st.Items))
	copy(entries, st.Items)
	if !session.Features().OrderedSelection {
		sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	}

	items := make([]picker.MediaItem, 0, len(entries))
	for _, sel := range entries {
		items = append(items, sc.describe(ctx, session, sel))
	}
	return PageOf(items, cursor, sc.pageSize), nil
}

// Commit implements SelectionCapability. A commit that already happened is
// replayed from the stored record rather than re-acked, so clients can
// safely retry after a dropped response.
func (sc *SelectionContainer) Commit(ctx context.Context, session sessions.Session) (picker.CommitSelectionResult, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	st, err := sc.load(ctx, session.SessionID())
	if err != nil {
		return picker.CommitSelectionResult{}, err
	}

	uris := make([]string, 0, len(st.Items))
	for _, sel := range st.Items {
		uris = append(uris, sel.URI)
	}
	if st.Committed {
		return picker.CommitSelectionResult{URIs: uris, Acked: st.Acked}, nil
	}

	acked := false
	if ackCap, ok := session.GetGrantAckCapability(); ok && len(uris) > 0 {
		acked, err = ackCap.AckGrants(ctx, uris)
		if err != nil {
			// The commit is not persisted, so the client may retry.
			return picker.CommitSelectionResult{}, fmt.Errorf("grant ack: %w", err)
		}
	}

	st.Committed = true
	st.Acked = acked
	if err := sc.store.Save(ctx, session.SessionID(), &st); err != nil {
		return picker.CommitSelectionResult{}, fmt.Errorf("save selection: %w", err)
	}
	return picker.CommitSelectionResult{URIs: uris, Acked: acked}, nil
}

// SeedFromFeatures populates a fresh selection from the session's
// preselected URIs. URIs that do not resolve to a library item are skipped;
// sessions whose media capability cannot resolve URIs, or that already hold
// state, are left untouched. It returns how many entries were seeded.
func (sc *SelectionContainer) SeedFromFeatures(ctx context.Context, session sessions.Session) (int, error) {
	uris := session.Features().PreselectedURIs
	if len(uris) == 0 {
		return 0, nil
	}
	resolver, ok := sc.media.(MediaURIResolver)
	if !ok {
		return 0, nil
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	st, err := sc.load(ctx, session.SessionID())
	if err != nil {
		return 0, err
	}
	if st.Committed || len(st.Items) > 0 {
		return 0, nil
	}

	seen := make(map[string]struct{}, len(uris))
	for _, uri := range uris {
		if _, dup := seen[uri]; dup {
			continue
		}
		seen[uri] = struct{}{}
		item, found, err := resolver.ResolveURI(ctx, session, uri)
		if err != nil {
			return 0, fmt.Errorf("resolve preselected uri: %w", err)
		}
		if !found {
			continue
		}
		st.Items = append(st.Items, SelectedItem{ID: item.ID, URI: item.URI})
	}
	if len(st.Items) == 0 {
		return 0, nil
	}
	if err := sc.store.Save(ctx, session.SessionID(), &st); err != nil {
		return 0, fmt.Errorf("save selection: %w", err)
	}
	return len(st.Items), nil
}

// Forget drops the selection record for a session. The engine calls it when
// a session ends without committing.
func (sc *SelectionContainer) Forget(ctx context.Context, sessionID string) error {
	return sc.store.Delete(ctx, sessionID)
}

var (
	_ SelectionCapability         = (*SelectionContainer)(nil)
	_ SelectionCapabilityProvider = (*SelectionContainer)(nil)
)
