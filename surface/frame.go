package surface

import (
	"github.com/embedpick/picker-server-go/picker"
)

// Frame is the view model pushed to attached surfaces. Frames are
// whole-state snapshots, not diffs: a surface renders the latest frame it
// has and discards older ones. Revision increases per session so a surface
// that re-attaches can tell a stale replay from fresh state.
type Frame struct {
	Revision  uint64            `json:"revision"`
	Grid      Grid              `json:"grid"`
	Theme     map[string]string `json:"theme,omitempty"`
	NightMode picker.NightMode  `json:"nightMode,omitzero"`
	Selection []string          `json:"selection,omitempty"`
	Committed bool              `json:"committed,omitzero"`
}

// Grid is the media browsing portion of a frame.
type Grid struct {
	AlbumID    string             `json:"albumId,omitzero"`
	Items      []picker.MediaItem `json:"items"`
	NextCursor string             `json:"nextCursor,omitzero"`
	Columns    int                `json:"columns,omitzero"`
}
