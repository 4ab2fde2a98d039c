package surface

import (
	"encoding/json"
	"fmt"

	"github.com/embedpick/picker-server-go/features"
)

// Event types a surface may send. Select, deselect, commit and cancel are
// the user's picking gestures; browse repositions the grid; resize and
// visibility report embedding state changes.
const (
	EventSelect     = "select"
	EventDeselect   = "deselect"
	EventCommit     = "commit"
	EventCancel     = "cancel"
	EventBrowse     = "browse"
	EventResize     = "resize"
	EventVisibility = "visibility"
)

func uiEventTypes() []string {
	return []string{
		EventSelect, EventDeselect, EventCommit, EventCancel,
		EventBrowse, EventResize, EventVisibility,
	}
}

// UIEvent is one validated user-interface action from an attached surface.
// Which fields are meaningful depends on Type: ItemIDs for select and
// deselect, AlbumID and Cursor for browse, Width and Height for resize,
// Visible for visibility.
type UIEvent struct {
	Type    string   `json:"type"`
	ItemIDs []string `json:"itemIds,omitempty"`
	AlbumID string   `json:"albumId,omitzero"`
	Cursor  string   `json:"cursor,omitzero"`
	Width   int      `json:"width,omitzero"`
	Height  int      `json:"height,omitzero"`
	Visible *bool    `json:"visible,omitempty"`
}

// DecodeUIEvent parses and validates a raw surface message. Surfaces run
// inside client-controlled embeddings, so inbound payloads go through
// schema validation rather than straight structural unmarshalling: unknown
// event types, wrong field types and negative dimensions are all rejected
// here, before any handler sees the event.
func DecodeUIEvent(raw []byte) (UIEvent, error) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return UIEvent{}, fmt.Errorf("parse ui event: %w", err)
	}
	var evt UIEvent
	dec, err := features.NewBuilder().
		EnumString("type", uiEventTypes(), features.Required()).
		StringList("itemIds", features.Optional()).
		String("albumId", features.Optional()).
		String("cursor", features.Optional()).
		Number("width", features.Optional(), features.Minimum(0)).
		Number("height", features.Optional(), features.Minimum(0)).
		Boolean("visible", features.Optional()).
		BindStruct(&evt)
	if err != nil {
		return UIEvent{}, err
	}
	if err := dec.Decode(payload); err != nil {
		return UIEvent{}, fmt.Errorf("invalid ui event: %w", err)
	}
	return evt, nil
}
