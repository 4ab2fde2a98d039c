package features

import (
	"errors"
	"testing"

	"github.com/embedpick/picker-server-go/picker"
	"github.com/embedpick/picker-server-go/theme"
)

func TestDecodeInfoDefaults(t *testing.T) {
	for _, payload := range [][]byte{nil, []byte("null")} {
		info, err := DecodeInfo(payload)
		if err != nil {
			t.Fatalf("DecodeInfo(%q): %v", payload, err)
		}
		if info.AccentColor != theme.AccentUnset {
			t.Errorf("accent = %d, want unset sentinel", info.AccentColor)
		}
		if info.NightMode != "" || info.MaxSelection != 0 || info.MimeTypes != nil {
			t.Errorf("info = %+v, want stock descriptor", info)
		}
	}
}

func TestDecodeInfoFullDescriptor(t *testing.T) {
	payload := []byte(`{
		"nightMode": "dark",
		"accentColor": 16711680,
		"orderedSelection": true,
		"maxSelection": 5,
		"mimeTypes": ["image/png", "video/*"],
		"preselectedUris": ["content://media/42"]
	}`)

	info, err := DecodeInfo(payload)
	if err != nil {
		t.Fatalf("DecodeInfo: %v", err)
	}
	if info.NightMode != picker.NightModeDark {
		t.Errorf("nightMode = %q", info.NightMode)
	}
	if info.AccentColor != 16711680 {
		t.Errorf("accentColor = %d", info.AccentColor)
	}
	if !info.OrderedSelection || info.MaxSelection != 5 {
		t.Errorf("info = %+v", info)
	}
	if len(info.MimeTypes) != 2 || len(info.PreselectedURIs) != 1 {
		t.Errorf("lists = %v / %v", info.MimeTypes, info.PreselectedURIs)
	}
}

func TestDecodeInfoAbsentAccentIsUnset(t *testing.T) {
	info, err := DecodeInfo([]byte(`{"nightMode":"light"}`))
	if err != nil {
		t.Fatalf("DecodeInfo: %v", err)
	}
	if info.AccentColor != theme.AccentUnset {
		t.Errorf("accent = %d, want unset sentinel", info.AccentColor)
	}
}

func TestDecodeInfoRejectsUnknownKeys(t *testing.T) {
	_, err := DecodeInfo([]byte(`{"nightmode":"dark"}`))
	if !errors.Is(err, ErrInvalidInfo) {
		t.Fatalf("err = %v, want ErrInvalidInfo", err)
	}
	_, err = DecodeInfo([]byte(`{"maxItems": 3}`))
	if !errors.Is(err, ErrInvalidInfo) {
		t.Fatalf("err = %v, want ErrInvalidInfo", err)
	}
}

func TestValidateInfo(t *testing.T) {
	valid := picker.DefaultFeatureInfo()
	valid.NightMode = picker.NightModeSystem
	valid.MaxSelection = 10
	valid.MimeTypes = []string{"image/*", "video/mp4"}
	valid.PreselectedURIs = []string{"content://media/1", "content://media/2"}

	cases := []struct {
		name    string
		mutate  func(*picker.FeatureInfo)
		wantErr bool
	}{
		{"valid", func(*picker.FeatureInfo) {}, false},
		{"zero value plus sentinel", func(i *picker.FeatureInfo) { *i = picker.DefaultFeatureInfo() }, false},
		{"bad night mode", func(i *picker.FeatureInfo) { i.NightMode = "midnight" }, true},
		{"negative max selection", func(i *picker.FeatureInfo) { i.MaxSelection = -1 }, true},
		{"mime without subtype", func(i *picker.FeatureInfo) { i.MimeTypes = []string{"image"} }, true},
		{"mime with spaces", func(i *picker.FeatureInfo) { i.MimeTypes = []string{"image/png image/gif"} }, true},
		{"mime extra slash", func(i *picker.FeatureInfo) { i.MimeTypes = []string{"image/png/raw"} }, true},
		{"non-media mime", func(i *picker.FeatureInfo) { i.MimeTypes = []string{"application/pdf"} }, true},
		{"wildcard media mime", func(i *picker.FeatureInfo) { i.MimeTypes = []string{"image/*"} }, false},
		{"empty preselected uri", func(i *picker.FeatureInfo) { i.PreselectedURIs = []string{"  "} }, true},
		{"preselection over limit", func(i *picker.FeatureInfo) {
			i.MaxSelection = 1
			i.PreselectedURIs = []string{"content://media/1", "content://media/2"}
		}, true},
		{"preselection unlimited", func(i *picker.FeatureInfo) {
			i.MaxSelection = 0
			i.PreselectedURIs = []string{"content://media/1", "content://media/2"}
		}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			info := valid
			tc.mutate(&info)
			err := ValidateInfo(info)
			if tc.wantErr && !errors.Is(err, ErrInvalidInfo) {
				t.Errorf("err = %v, want ErrInvalidInfo", err)
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
