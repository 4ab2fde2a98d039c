package mediastore

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"

	"github.com/embedpick/picker-server-go/pickerservice"
)

// ScanStats summarizes one pass over the media root.
type ScanStats struct {
	Added     int
	Updated   int
	Removed   int
	Unchanged int
	Duration  time.Duration
}

func (st ScanStats) changed() bool {
	return st.Added+st.Updated+st.Removed > 0
}

// fileEntry is one on-disk candidate found by the walk.
type fileEntry struct {
	rel  string // slash-separated, relative to the media root
	info fs.FileInfo
}

// fileStamp is the change-detection fingerprint kept per indexed item.
type fileStamp struct {
	size int64
	mod  int64
}

// Scan walks the media root and reconciles the index with what is on disk.
// Files whose size and mtime match their indexed row are skipped without
// re-reading them, so rescanning an unchanged library is cheap. Probing
// (mime resolution plus image dimension decoding) runs with bounded
// parallelism; writes go through a single collector to keep the database
// connection uncontended.
//
// Scan emits one change signal when anything was added, updated or removed.
// Concurrent calls serialize.
func (s *Store) Scan(ctx context.Context) (ScanStats, error) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	start := time.Now()
	var stats ScanStats

	prev, err := s.loadStamps(ctx)
	if err != nil {
		return stats, err
	}
	files, err := s.collectFiles()
	if err != nil {
		return stats, fmt.Errorf("walk media root: %w", err)
	}

	seen := make(map[string]struct{}, len(files))
	var toProbe []fileEntry
	for _, f := range files {
		seen[f.rel] = struct{}{}
		if st, ok := prev[f.rel]; ok && st.size == f.info.Size() && st.mod == f.info.ModTime().Unix() {
			stats.Unchanged++
			continue
		}
		toProbe = append(toProbe, f)
	}

	rows := make(chan mediaRow)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.scanLimit)
	go func() {
		for _, f := range toProbe {
			g.Go(func() error {
				row, ok := s.probeFile(gctx, f.rel, f.info)
				if !ok {
					return nil
				}
				select {
				case rows <- row:
					return nil
				case <-gctx.Done():
					return gctx.Err()
				}
			})
		}
		_ = g.Wait()
		close(rows)
	}()

	var writeErr error
	for row := range rows {
		if writeErr != nil {
			continue // drain so probes can finish
		}
		if err := s.upsertItem(ctx, row); err != nil {
			writeErr = fmt.Errorf("index %s: %w", row.rel, err)
			continue
		}
		if _, ok := prev[row.rel]; ok {
			stats.Updated++
		} else {
			stats.Added++
		}
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}
	if writeErr != nil {
		return stats, writeErr
	}

	for rel := range prev {
		if _, ok := seen[rel]; ok {
			continue
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM media_items WHERE rel_path = ?`, rel); err != nil {
			return stats, fmt.Errorf("drop %s: %w", rel, err)
		}
		stats.Removed++
	}

	stats.Duration = time.Since(start)
	if stats.changed() {
		_ = s.notifier.Notify(ctx)
	}
	s.log.Debug("mediastore.scan.complete",
		slog.Int("added", stats.Added),
		slog.Int("updated", stats.Updated),
		slog.Int("removed", stats.Removed),
		slog.Int("unchanged", stats.Unchanged),
		slog.Duration("elapsed", stats.Duration))
	return stats, nil
}

// loadStamps reads the change-detection fingerprint of every indexed item.
func (s *Store) loadStamps(ctx context.Context) (map[string]fileStamp, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT rel_path, size_bytes, mod_time_unix FROM media_items`)
	if err != nil {
		return nil, fmt.Errorf("load index: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stamps := make(map[string]fileStamp)
	for rows.Next() {
		var rel string
		var st fileStamp
		if err := rows.Scan(&rel, &st.size, &st.mod); err != nil {
			return nil, fmt.Errorf("load index: %w", err)
		}
		stamps[rel] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load index: %w", err)
	}
	return stamps, nil
}

// collectFiles walks the media root gathering regular files with a
// recognized media extension. Hidden entries and symlinks are skipped;
// unreadable subtrees are skipped rather than failing the scan.
func (s *Store) collectFiles() ([]fileEntry, error) {
	var files []fileEntry
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == s.root {
				return err
			}
			s.log.Debug("mediastore.scan.skip", slog.String("path", p), slog.String("error", err.Error()))
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if p != s.root && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if _, ok := pickerservice.MediaTypeByExtension(filepath.Ext(name)); !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return nil
		}
		files = append(files, fileEntry{rel: filepath.ToSlash(rel), info: info})
		return nil
	})
	return files, err
}

// probeFile derives the index row for one file. Image dimensions come from
// decoding just the header. A file that cannot be probed is logged and
// dropped from this pass; the next scan retries it.
func (s *Store) probeFile(ctx context.Context, rel string, info fs.FileInfo) (mediaRow, bool) {
	if ctx.Err() != nil {
		return mediaRow{}, false
	}
	mimeType, ok := pickerservice.MediaTypeByExtension(path.Ext(rel))
	if !ok {
		return mediaRow{}, false
	}
	row := mediaRow{
		id:          rel,
		uri:         s.itemURI(rel),
		rel:         rel,
		displayName: path.Base(rel),
		mime:        mimeType,
		size:        info.Size(),
		albumID:     albumFor(rel),
		mod:         info.ModTime().Unix(),
	}
	if mt := info.ModTime(); !mt.IsZero() {
		row.takenAt = mt.UTC().Format(time.RFC3339)
	}
	if strings.HasPrefix(mimeType, "image/") {
		w, h, err := decodeDimensions(filepath.Join(s.root, filepath.FromSlash(rel)))
		if err != nil {
			s.log.Debug("mediastore.scan.decode_failed",
				slog.String("path", rel),
				slog.String("error", err.Error()))
		} else {
			row.width, row.height = w, h
		}
	}
	return row, true
}

// decodeDimensions reads just enough of an image to learn its bounds.
func decodeDimensions(p string) (int, int, error) {
	f, err := os.Open(p)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = f.Close() }()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

// upsertItem inserts or refreshes one indexed row. A content change clears
// the cached thumbnail name so the next thumbnail request regenerates it.
func (s *Store) upsertItem(ctx context.Context, row mediaRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO media_items
			(id, uri, rel_path, display_name, mime_type, size_bytes, width, height, taken_at, album_id, mod_time_unix, indexed_at, thumb_name)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '')
		ON CONFLICT(id) DO UPDATE SET
			uri = excluded.uri,
			display_name = excluded.display_name,
			mime_type = excluded.mime_type,
			size_bytes = excluded.size_bytes,
			width = excluded.width,
			height = excluded.height,
			taken_at = excluded.taken_at,
			album_id = excluded.album_id,
			mod_time_unix = excluded.mod_time_unix,
			indexed_at = excluded.indexed_at,
			thumb_name = ''`,
		row.id, row.uri, row.rel, row.displayName, row.mime, row.size,
		row.width, row.height, row.takenAt, row.albumID, row.mod,
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}
