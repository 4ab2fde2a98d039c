package mediastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/embedpick/picker-server-go/picker"
	"github.com/embedpick/picker-server-go/pickerservice"
	"github.com/embedpick/picker-server-go/sessions"
)

// listColumns is the projection shared by every item query.
const listColumns = `id, uri, rel_path, display_name, mime_type, size_bytes, width, height, taken_at, album_id, thumb_name`

// mediaRow is one media_items row.
type mediaRow struct {
	id          string
	uri         string
	rel         string
	displayName string
	mime        string
	size        int64
	width       int
	height      int
	takenAt     string
	albumID     string
	mod         int64
	thumbName   string
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMediaRow(sc rowScanner) (mediaRow, error) {
	var r mediaRow
	err := sc.Scan(&r.id, &r.uri, &r.rel, &r.displayName, &r.mime, &r.size,
		&r.width, &r.height, &r.takenAt, &r.albumID, &r.thumbName)
	return r, err
}

// itemFromRow projects an index row onto the wire shape. Images carry a
// thumbnail URL whether or not the rendition exists yet; the transport
// generates it on first request.
func (s *Store) itemFromRow(r mediaRow) picker.MediaItem {
	it := picker.MediaItem{
		ID:          r.id,
		URI:         r.uri,
		DisplayName: r.displayName,
		MimeType:    r.mime,
		SizeBytes:   r.size,
		Width:       r.width,
		Height:      r.height,
		TakenAt:     r.takenAt,
		AlbumID:     r.albumID,
	}
	if strings.HasPrefix(r.mime, "image/") {
		segs := strings.Split(r.id, "/")
		for i, seg := range segs {
			segs[i] = url.PathEscape(seg)
		}
		it.ThumbnailURI = s.thumbBase + "/" + strings.Join(segs, "/")
	}
	return it
}

// ProvideMedia implements pickerservice.MediaCapabilityProvider.
func (s *Store) ProvideMedia(ctx context.Context, session sessions.Session) (pickerservice.MediaCapability, bool, error) {
	return s, true, nil
}

// ProvideAlbums implements pickerservice.AlbumsCapabilityProvider.
func (s *Store) ProvideAlbums(ctx context.Context, session sessions.Session) (pickerservice.AlbumsCapability, bool, error) {
	return s.Albums(), true, nil
}

// ListMedia implements pickerservice.MediaCapability. The album filter is
// pushed into SQL; mime filters (session descriptor and per-request)
// compose in front of pagination so cursors stay stable for a given filter
// combination.
func (s *Store) ListMedia(ctx context.Context, session sessions.Session, req *picker.ListMediaRequest) (pickerservice.Page[picker.MediaItem], error) {
	var cursor, albumID string
	var reqMimes []string
	if req != nil {
		cursor = req.Cursor
		albumID = req.AlbumID
		reqMimes = req.MimeTypes
	}
	var featMimes []string
	if session != nil {
		featMimes = session.Features().MimeTypes
	}

	q := `SELECT ` + listColumns + ` FROM media_items`
	var args []any
	if albumID != "" {
		q += ` WHERE album_id = ?`
		args = append(args, albumID)
	}
	q += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return pickerservice.Page[picker.MediaItem]{}, fmt.Errorf("list media: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []picker.MediaItem
	for rows.Next() {
		r, err := scanMediaRow(rows)
		if err != nil {
			return pickerservice.Page[picker.MediaItem]{}, fmt.Errorf("list media: %w", err)
		}
		if !pickerservice.MimeAllowed(r.mime, featMimes) || !pickerservice.MimeAllowed(r.mime, reqMimes) {
			continue
		}
		items = append(items, s.itemFromRow(r))
	}
	if err := rows.Err(); err != nil {
		return pickerservice.Page[picker.MediaItem]{}, fmt.Errorf("list media: %w", err)
	}
	return pickerservice.PageOf(items, cursor, s.pageSize), nil
}

// ReadMedia implements pickerservice.MediaCapability.
func (s *Store) ReadMedia(ctx context.Context, session sessions.Session, itemID string) (picker.MediaItem, error) {
	r, err := scanMediaRow(s.db.QueryRowContext(ctx,
		`SELECT `+listColumns+` FROM media_items WHERE id = ?`, itemID))
	if errors.Is(err, sql.ErrNoRows) {
		return picker.MediaItem{}, fmt.Errorf("%w: %s", pickerservice.ErrItemNotFound, itemID)
	}
	if err != nil {
		return picker.MediaItem{}, fmt.Errorf("read media: %w", err)
	}
	return s.itemFromRow(r), nil
}

// ResolveURI implements pickerservice.MediaURIResolver.
func (s *Store) ResolveURI(ctx context.Context, session sessions.Session, uri string) (picker.MediaItem, bool, error) {
	r, err := scanMediaRow(s.db.QueryRowContext(ctx,
		`SELECT `+listColumns+` FROM media_items WHERE uri = ?`, uri))
	if errors.Is(err, sql.ErrNoRows) {
		return picker.MediaItem{}, false, nil
	}
	if err != nil {
		return picker.MediaItem{}, false, fmt.Errorf("resolve media uri: %w", err)
	}
	return s.itemFromRow(r), true, nil
}

// GetListChangedCapability implements pickerservice.MediaCapability.
func (s *Store) GetListChangedCapability(ctx context.Context, session sessions.Session) (pickerservice.MediaListChangedCapability, bool, error) {
	return pickerservice.NewMediaListChanged(s), true, nil
}

// Albums returns the store's albums capability. Albums are derived from
// first-level directories at query time, so there is no album table to keep
// in sync with the items.
func (s *Store) Albums() pickerservice.AlbumsCapability {
	return storeAlbums{s: s}
}

// storeAlbums separates the albums surface from Store itself. It exists
// because the media and albums capabilities each declare their own
// GetListChangedCapability.
type storeAlbums struct{ s *Store }

// ListAlbums implements pickerservice.AlbumsCapability.
func (a storeAlbums) ListAlbums(ctx context.Context, session sessions.Session, cursor string) (pickerservice.Page[picker.Album], error) {
	rows, err := a.s.db.QueryContext(ctx, `
		SELECT album_id, COUNT(*), MIN(id)
		FROM media_items
		WHERE album_id <> ''
		GROUP BY album_id
		ORDER BY album_id`)
	if err != nil {
		return pickerservice.Page[picker.Album]{}, fmt.Errorf("list albums: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var albums []picker.Album
	for rows.Next() {
		var al picker.Album
		if err := rows.Scan(&al.ID, &al.ItemCount, &al.CoverItemID); err != nil {
			return pickerservice.Page[picker.Album]{}, fmt.Errorf("list albums: %w", err)
		}
		al.DisplayName = al.ID
		albums = append(albums, al)
	}
	if err := rows.Err(); err != nil {
		return pickerservice.Page[picker.Album]{}, fmt.Errorf("list albums: %w", err)
	}
	return pickerservice.PageOf(albums, cursor, a.s.pageSize), nil
}

// GetListChangedCapability implements pickerservice.AlbumsCapability. Album
// membership follows the item set, so it shares the store's change stream.
func (a storeAlbums) GetListChangedCapability(ctx context.Context, session sessions.Session) (pickerservice.AlbumListChangedCapability, bool, error) {
	return pickerservice.NewAlbumsListChanged(a.s), true, nil
}

var (
	_ pickerservice.MediaCapability          = (*Store)(nil)
	_ pickerservice.MediaCapabilityProvider  = (*Store)(nil)
	_ pickerservice.MediaURIResolver         = (*Store)(nil)
	_ pickerservice.AlbumsCapabilityProvider = (*Store)(nil)
	_ pickerservice.AlbumsCapability         = storeAlbums{}
)
