package engine

import (
	"context"
	"log/slog"

	"github.com/embedpick/picker-server-go/internal/logctx"
	"github.com/embedpick/picker-server-go/picker"
	"github.com/embedpick/picker-server-go/pickerservice"
	"github.com/embedpick/picker-server-go/sessions"
	"github.com/embedpick/picker-server-go/surface"
)

const (
	compactGridColumns  = 3
	expandedGridColumns = 5
)

// FramePusher delivers rendered frames to attached surfaces. *surface.Hub
// satisfies it; the engine tolerates a nil pusher for transports that serve
// no surfaces.
type FramePusher interface {
	PushFrame(sessionID string, f surface.Frame) error
	CloseSession(sessionID string)
}

var _ FramePusher = (*surface.Hub)(nil)

// frameState is the engine-local render state for one session's surfaces.
// It only exists on instances that deliver frames; the authoritative session
// record stays in the host.
type frameState struct {
	revision  uint64
	albumID   string
	cursor    string
	nightMode picker.NightMode
	hidden    bool
	expanded  bool
	committed bool
}

// frameStateLocked returns the session's render state, creating it from the
// session features on first use. Callers must hold frameMu.
func (e *Engine) frameStateLocked(sess *SessionHandle) *frameState {
	st := e.frameStates[sess.SessionID()]
	if st == nil {
		st = &frameState{nightMode: sess.Features().NightMode}
		e.frameStates[sess.SessionID()] = st
	}
	return st
}

// pushFrame renders the session's current UI state and delivers it to any
// attached surfaces. Pushes are suppressed while the surface is hidden; the
// next visibility flip re-renders.
func (e *Engine) pushFrame(ctx context.Context, sess *SessionHandle) {
	if e.frames == nil {
		return
	}

	e.frameMu.Lock()
	st := e.frameStateLocked(sess)
	if st.hidden {
		e.frameMu.Unlock()
		return
	}
	st.revision++
	snap := *st
	e.frameMu.Unlock()

	f, err := e.buildFrame(ctx, sess, snap)
	if err != nil {
		e.log.InfoContext(ctx, "engine.frame.build.fail", slog.String("session_id", sess.SessionID()), slog.String("err", err.Error()))
		return
	}
	if err := e.frames.PushFrame(sess.SessionID(), f); err != nil {
		e.log.InfoContext(ctx, "engine.frame.push.fail", slog.String("session_id", sess.SessionID()), slog.String("err", err.Error()))
	}
}

// buildFrame assembles a whole-state snapshot from the host capabilities and
// the session's render state.
func (e *Engine) buildFrame(ctx context.Context, sess *SessionHandle, st frameState) (surface.Frame, error) {
	columns := compactGridColumns
	if st.expanded {
		columns = expandedGridColumns
	}
	f := surface.Frame{
		Revision:  st.revision,
		Theme:     sess.Accent().StyleVars(),
		NightMode: st.nightMode,
		Committed: st.committed,
		Grid: surface.Grid{
			AlbumID: st.albumID,
			Items:   []picker.MediaItem{},
			Columns: columns,
		},
	}

	if mediaCap, ok, err := e.srv.GetMediaCapability(ctx, sess); err != nil {
		return surface.Frame{}, err
	} else if ok && mediaCap != nil {
		req := &picker.ListMediaRequest{
			PaginatedRequest: picker.PaginatedRequest{Cursor: st.cursor},
			AlbumID:          st.albumID,
		}
		page, err := mediaCap.ListMedia(ctx, sess, req)
		if err != nil {
			return surface.Frame{}, err
		}
		if page.Items != nil {
			f.Grid.Items = page.Items
		}
		f.Grid.NextCursor = page.NextCursor
	}

	if selCap, ok, err := e.srv.GetSelectionCapability(ctx, sess); err != nil {
		return surface.Frame{}, err
	} else if ok && selCap != nil {
		ids, err := e.selectedItemIDs(ctx, sess, selCap)
		if err != nil {
			return surface.Frame{}, err
		}
		f.Selection = ids
	}

	return f, nil
}

// selectedItemIDs walks the full selection and returns the item IDs in list
// order.
func (e *Engine) selectedItemIDs(ctx context.Context, sess *SessionHandle, selCap pickerservice.SelectionCapability) ([]string, error) {
	var ids []string
	cursor := ""
	for {
		page, err := selCap.ListSelection(ctx, sess, cursor)
		if err != nil {
			return nil, err
		}
		for _, it := range page.Items {
			ids = append(ids, it.ID)
		}
		if page.NextCursor == "" {
			return ids, nil
		}
		cursor = page.NextCursor
	}
}

// sessionForSurface resolves a surface grant to a live session. Possession
// of a verified grant is the attach authorization; the package check catches
// grants replayed across callers.
func (e *Engine) sessionForSurface(ctx context.Context, claims surface.GrantClaims) (*SessionHandle, error) {
	meta, err := e.host.GetSession(ctx, claims.SessionID)
	if err != nil {
		return nil, err
	}
	if meta.Revoked {
		return nil, sessions.ErrSessionNotFound
	}
	if claims.Package != "" && meta.PackageName != claims.Package {
		return nil, sessions.ErrSessionNotFound
	}
	sess := e.handleFor(meta, nil)
	e.wireSessionEmitters(ctx, sess)
	return sess, nil
}

// HandleSurfaceEvent is the hub's inbound handler: UI events from attached
// surfaces mutate the session and fan notifications out to the client.
func (e *Engine) HandleSurfaceEvent(ctx context.Context, claims surface.GrantClaims, evt surface.UIEvent) {
	sess, err := e.sessionForSurface(ctx, claims)
	if err != nil {
		e.log.InfoContext(ctx, "engine.surface.event.denied", slog.String("session_id", claims.SessionID), slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.SessionID(),
		PackageName:     sess.CallerPackage(),
		UID:             sess.CallerUID(),
		ProtocolVersion: sess.ProtocolVersion(),
	})
	log := e.log.With(slog.String("event", string(evt.Type)))

	switch evt.Type {
	case surface.EventSelect:
		selCap, ok := e.selectionFor(ctx, sess)
		if !ok {
			return
		}
		added, err := selCap.Select(ctx, sess, evt.ItemIDs)
		if err != nil {
			log.InfoContext(ctx, "engine.surface.select.fail", slog.String("err", err.Error()))
			return
		}
		if len(added) > 0 {
			e.publishSessionNote(ctx, sess.SessionID(), picker.ItemsSelectedNotificationMethod, picker.ItemsSelectedParams{URIs: itemURIs(added)})
		}
		e.pushFrame(ctx, sess)

	case surface.EventDeselect:
		selCap, ok := e.selectionFor(ctx, sess)
		if !ok {
			return
		}
		removed, err := selCap.Deselect(ctx, sess, evt.ItemIDs)
		if err != nil {
			log.InfoContext(ctx, "engine.surface.deselect.fail", slog.String("err", err.Error()))
			return
		}
		if len(removed) > 0 {
			e.publishSessionNote(ctx, sess.SessionID(), picker.ItemsDeselectedNotificationMethod, picker.ItemsDeselectedParams{URIs: itemURIs(removed)})
		}
		e.pushFrame(ctx, sess)

	case surface.EventCommit:
		selCap, ok := e.selectionFor(ctx, sess)
		if !ok {
			return
		}
		res, err := selCap.Commit(ctx, sess)
		if err != nil {
			log.InfoContext(ctx, "engine.surface.commit.fail", slog.String("err", err.Error()))
			return
		}
		// The client has no pending request on this path, so the outcome
		// travels as a notification.
		e.publishSessionNote(ctx, sess.SessionID(), picker.SelectionCommittedNotificationMethod, picker.SelectionCommittedParams{URIs: res.URIs, Acked: res.Acked})
		e.finishCommit(ctx, sess, res)

	case surface.EventCancel:
		// Cancel clears the selection but leaves the session open; ending it
		// is the client's call.
		e.clearSelection(ctx, sess, log)
		e.pushFrame(ctx, sess)

	case surface.EventBrowse:
		e.frameMu.Lock()
		st := e.frameStateLocked(sess)
		st.albumID = evt.AlbumID
		st.cursor = evt.Cursor
		e.frameMu.Unlock()
		e.pushFrame(ctx, sess)

	case surface.EventResize:
		w, h := int64(evt.Width), int64(evt.Height)
		if err := e.host.MutateSession(ctx, sess.SessionID(), func(m *sessions.SessionMetadata) error {
			m.Width = w
			m.Height = h
			return nil
		}); err != nil {
			log.InfoContext(ctx, "engine.surface.resize.fail", slog.String("err", err.Error()))
		}
		e.pushFrame(ctx, sess)

	case surface.EventVisibility:
		if evt.Visible != nil {
			e.setVisible(ctx, sess, *evt.Visible)
		}
	}
}

// clearSelection deselects everything currently selected and notifies the
// client.
func (e *Engine) clearSelection(ctx context.Context, sess *SessionHandle, log *slog.Logger) {
	selCap, ok := e.selectionFor(ctx, sess)
	if !ok {
		return
	}
	ids, err := e.selectedItemIDs(ctx, sess, selCap)
	if err != nil {
		log.InfoContext(ctx, "engine.surface.cancel.fail", slog.String("err", err.Error()))
		return
	}
	if len(ids) == 0 {
		return
	}
	removed, err := selCap.Deselect(ctx, sess, ids)
	if err != nil {
		log.InfoContext(ctx, "engine.surface.cancel.fail", slog.String("err", err.Error()))
		return
	}
	if len(removed) > 0 {
		e.publishSessionNote(ctx, sess.SessionID(), picker.ItemsDeselectedNotificationMethod, picker.ItemsDeselectedParams{URIs: itemURIs(removed)})
	}
}

// setVisible flips the hidden flag. Becoming visible triggers a fresh frame
// so the surface catches up on anything it missed while hidden.
func (e *Engine) setVisible(ctx context.Context, sess *SessionHandle, visible bool) {
	e.frameMu.Lock()
	st := e.frameStateLocked(sess)
	st.hidden = !visible
	e.frameMu.Unlock()
	if visible {
		e.pushFrame(ctx, sess)
	}
}

func itemURIs(items []picker.MediaItem) []string {
	uris := make([]string, 0, len(items))
	for _, it := range items {
		uris = append(uris, it.URI)
	}
	return uris
}
