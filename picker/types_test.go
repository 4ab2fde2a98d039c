package picker

import (
	"encoding/json"
	"testing"

	"github.com/embedpick/picker-server-go/theme"
)

func TestFeatureInfoAccentDefaultsToUnset(t *testing.T) {
	var f FeatureInfo
	if err := json.Unmarshal([]byte(`{"maxSelection": 5}`), &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if f.AccentColor != theme.AccentUnset {
		t.Fatalf("absent accentColor = %d; want %d", f.AccentColor, theme.AccentUnset)
	}
	if f.MaxSelection != 5 {
		t.Fatalf("maxSelection = %d; want 5", f.MaxSelection)
	}
}

func TestFeatureInfoAccentExplicitValuesSurvive(t *testing.T) {
	// Zero is opaque black, a real (if invalid) request, and must not be
	// conflated with absence.
	var f FeatureInfo
	if err := json.Unmarshal([]byte(`{"accentColor": 0}`), &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if f.AccentColor != 0 {
		t.Fatalf("accentColor = %d; want 0", f.AccentColor)
	}

	if err := json.Unmarshal([]byte(`{"accentColor": 4289379276}`), &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if f.AccentColor != 4289379276 {
		t.Fatalf("accentColor = %d; want 4289379276", f.AccentColor)
	}
}

func TestDefaultFeatureInfo(t *testing.T) {
	f := DefaultFeatureInfo()
	if f.AccentColor != theme.AccentUnset {
		t.Fatalf("DefaultFeatureInfo accent = %d; want unset", f.AccentColor)
	}
}

func TestNewThemeInfo(t *testing.T) {
	if ti := NewThemeInfo(theme.Accent{}); ti != nil {
		t.Fatalf("unspecified accent produced theme info: %+v", ti)
	}
	a, err := theme.NewAccent(theme.ActionPickImages, 0x4caf50)
	if err != nil {
		t.Fatalf("NewAccent: %v", err)
	}
	ti := NewThemeInfo(a)
	if ti == nil || ti.AccentColor != "#4caf50" {
		t.Fatalf("NewThemeInfo = %+v; want accent #4caf50", ti)
	}
	if ti.TextColor != theme.TextLight.Hex() {
		t.Fatalf("text color = %q; want %q", ti.TextColor, theme.TextLight.Hex())
	}
}

func TestIsValidNightMode(t *testing.T) {
	for _, m := range []NightMode{NightModeSystem, NightModeLight, NightModeDark} {
		if !IsValidNightMode(m) {
			t.Fatalf("IsValidNightMode(%q) = false", m)
		}
	}
	if IsValidNightMode(NightMode("midnight")) {
		t.Fatalf("IsValidNightMode accepted bogus mode")
	}
}
