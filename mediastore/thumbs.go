package mediastore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/embedpick/picker-server-go/pickerservice"
)

// ErrNoThumbnail marks items the store cannot render a preview for, such as
// videos.
var ErrNoThumbnail = errors.New("no thumbnail for item")

// thumbJPEGQuality trades preview fidelity for size.
const thumbJPEGQuality = 82

// ThumbnailPath returns the on-disk path of a JPEG preview for an indexed
// image, generating it on first request. Renditions are named after the
// item and its mtime, so a changed original gets a fresh thumbnail and the
// cached one is dropped. Unknown items map to pickerservice.ErrItemNotFound
// and non-image items to ErrNoThumbnail.
func (s *Store) ThumbnailPath(ctx context.Context, itemID string) (string, error) {
	var rel, mime, thumbName string
	var mod int64
	err := s.db.QueryRowContext(ctx,
		`SELECT rel_path, mime_type, mod_time_unix, thumb_name FROM media_items WHERE id = ?`, itemID,
	).Scan(&rel, &mime, &mod, &thumbName)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", pickerservice.ErrItemNotFound, itemID)
	}
	if err != nil {
		return "", fmt.Errorf("read item: %w", err)
	}
	if !strings.HasPrefix(mime, "image/") {
		return "", fmt.Errorf("%w: %s is %s", ErrNoThumbnail, itemID, mime)
	}

	want := thumbFileName(itemID, mod)
	p := filepath.Join(s.thumbDir, want)
	if thumbName == want {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	src := filepath.Join(s.root, filepath.FromSlash(rel))
	f, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open original: %w", err)
	}
	img, _, err := image.Decode(f)
	_ = f.Close()
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", itemID, err)
	}
	rendition := imaging.Fit(img, s.thumbW, s.thumbH, imaging.Lanczos)

	if err := os.MkdirAll(s.thumbDir, 0o750); err != nil {
		return "", fmt.Errorf("create thumbnail directory: %w", err)
	}
	if err := imaging.Save(rendition, p, imaging.JPEGQuality(thumbJPEGQuality)); err != nil {
		return "", fmt.Errorf("save thumbnail: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE media_items SET thumb_name = ? WHERE id = ?`, want, itemID,
	); err != nil {
		return "", fmt.Errorf("record thumbnail: %w", err)
	}
	if thumbName != "" && thumbName != want {
		_ = os.Remove(filepath.Join(s.thumbDir, thumbName))
	}
	return p, nil
}

// thumbFileName derives a stable rendition name from the item identity and
// its content fingerprint.
func thumbFileName(itemID string, mod int64) string {
	sum := sha256.Sum256([]byte(itemID + "@" + strconv.FormatInt(mod, 10)))
	return hex.EncodeToString(sum[:8]) + ".jpg"
}
