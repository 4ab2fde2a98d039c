package surface

import (
	"reflect"
	"testing"
)

func TestDecodeUIEvent(t *testing.T) {
	hidden := false
	cases := []struct {
		name    string
		raw     string
		want    UIEvent
		wantErr bool
	}{
		{
			name: "select",
			raw:  `{"type":"select","itemIds":["a","b"]}`,
			want: UIEvent{Type: EventSelect, ItemIDs: []string{"a", "b"}},
		},
		{
			name: "browse with cursor",
			raw:  `{"type":"browse","albumId":"camera","cursor":"50"}`,
			want: UIEvent{Type: EventBrowse, AlbumID: "camera", Cursor: "50"},
		},
		{
			name: "resize",
			raw:  `{"type":"resize","width":800,"height":600}`,
			want: UIEvent{Type: EventResize, Width: 800, Height: 600},
		},
		{
			name: "visibility",
			raw:  `{"type":"visibility","visible":false}`,
			want: UIEvent{Type: EventVisibility, Visible: &hidden},
		},
		{
			name: "unknown fields dropped",
			raw:  `{"type":"commit","debug":true}`,
			want: UIEvent{Type: EventCommit},
		},
		{name: "not json", raw: `nope`, wantErr: true},
		{name: "missing type", raw: `{"itemIds":["a"]}`, wantErr: true},
		{name: "unknown type", raw: `{"type":"explode"}`, wantErr: true},
		{name: "itemIds not a list", raw: `{"type":"select","itemIds":"a"}`, wantErr: true},
		{name: "negative width", raw: `{"type":"resize","width":-4,"height":600}`, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeUIEvent([]byte(tc.raw))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("decoded %+v, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("event = %+v, want %+v", got, tc.want)
			}
		})
	}
}
