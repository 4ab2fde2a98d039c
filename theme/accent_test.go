package theme

import (
	"errors"
	"testing"
)

func TestNewAccentAcceptsMidRangeColors(t *testing.T) {
	cases := []struct {
		name  string
		code  int64
		color string
		text  Color
	}{
		{name: "material green", code: 0xff4caf50, color: "#4caf50", text: TextLight},
		{name: "mid gray", code: 0x808080, color: "#808080", text: TextLight},
		{name: "bright yellow", code: 0xffeb3b, color: "#ffeb3b", text: TextDark},
		{name: "cyan", code: 0x00ffff, color: "#00ffff", text: TextDark},
		{name: "alpha stripped", code: 0x7f4caf50, color: "#4caf50", text: TextLight},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, err := NewAccent(ActionPickImages, tc.code)
			if err != nil {
				t.Fatalf("NewAccent(%#x): unexpected error: %v", tc.code, err)
			}
			if !a.Specified() {
				t.Fatalf("NewAccent(%#x): accent not specified", tc.code)
			}
			c, ok := a.Color()
			if !ok || c.Hex() != tc.color {
				t.Fatalf("Color() = %s, %v; want %s, true", c.Hex(), ok, tc.color)
			}
			txt, ok := a.TextColor()
			if !ok || txt != tc.text {
				t.Fatalf("TextColor() = %s, %v; want %s, true", txt.Hex(), ok, tc.text.Hex())
			}
		})
	}
}

func TestNewAccentRejectsOutOfRangeLuminance(t *testing.T) {
	cases := []struct {
		name string
		code int64
	}{
		{name: "black", code: 0x000000},
		{name: "near black", code: 0x101010},
		{name: "white", code: 0xffffff},
		{name: "white with alpha", code: 0xffffffff},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewAccent(ActionPickImages, tc.code)
			if !errors.Is(err, ErrAccentLuminance) {
				t.Fatalf("NewAccent(%#x): error = %v; want ErrAccentLuminance", tc.code, err)
			}
		})
	}
}

func TestNewAccentUnsetIsDefaultNotError(t *testing.T) {
	for _, action := range []Action{ActionPickImages, ActionGetContent, Action("bogus")} {
		a, err := NewAccent(action, AccentUnset)
		if err != nil {
			t.Fatalf("NewAccent(%q, unset): unexpected error: %v", action, err)
		}
		if a.Specified() {
			t.Fatalf("NewAccent(%q, unset): accent unexpectedly specified", action)
		}
		if _, ok := a.Color(); ok {
			t.Fatalf("NewAccent(%q, unset): Color() reported ok", action)
		}
		if _, ok := a.TextColor(); ok {
			t.Fatalf("NewAccent(%q, unset): TextColor() reported ok", action)
		}
		if vars := a.StyleVars(); vars != nil {
			t.Fatalf("NewAccent(%q, unset): StyleVars() = %v; want nil", action, vars)
		}
	}
}

func TestNewAccentRestrictedToPickImages(t *testing.T) {
	// The action check wins even for codes that would otherwise validate,
	// and also for codes that would not.
	for _, code := range []int64{0x4caf50, 0x000000} {
		_, err := NewAccent(ActionGetContent, code)
		if !errors.Is(err, ErrAccentRestricted) {
			t.Fatalf("NewAccent(get-content, %#x): error = %v; want ErrAccentRestricted", code, err)
		}
	}
}

func TestTextColorCutoff(t *testing.T) {
	// Luminance just below the ceiling takes dark text; low-but-accepted
	// luminance takes light text.
	bright, err := NewAccent(ActionPickImages, 0xffeb3b)
	if err != nil {
		t.Fatalf("bright accent rejected: %v", err)
	}
	if txt, _ := bright.TextColor(); txt != TextDark {
		t.Fatalf("bright accent text = %s; want %s", txt.Hex(), TextDark.Hex())
	}

	dark, err := NewAccent(ActionPickImages, 0x1976d2)
	if err != nil {
		t.Fatalf("dark accent rejected: %v", err)
	}
	if txt, _ := dark.TextColor(); txt != TextLight {
		t.Fatalf("dark accent text = %s; want %s", txt.Hex(), TextLight.Hex())
	}
}

func TestStyleVars(t *testing.T) {
	a, err := NewAccent(ActionPickImages, 0x4caf50)
	if err != nil {
		t.Fatalf("NewAccent: %v", err)
	}
	vars := a.StyleVars()
	if vars["--picker-accent"] != "#4caf50" {
		t.Fatalf("accent var = %q; want #4caf50", vars["--picker-accent"])
	}
	if vars["--picker-accent-text"] != TextLight.Hex() {
		t.Fatalf("text var = %q; want %s", vars["--picker-accent-text"], TextLight.Hex())
	}
}

func TestParseHex(t *testing.T) {
	c, err := ParseHex("#4CAF50")
	if err != nil {
		t.Fatalf("ParseHex: %v", err)
	}
	if c != Color(0x4caf50) {
		t.Fatalf("ParseHex = %#x; want 0x4caf50", uint32(c))
	}
	for _, bad := range []string{"4caf50", "#4caf5", "#4caf5g", "#4caf50aa", ""} {
		if _, err := ParseHex(bad); err == nil {
			t.Fatalf("ParseHex(%q): expected error", bad)
		}
	}
}

func TestLuminanceEndpoints(t *testing.T) {
	if lum := Luminance(MustHex("#000000")); lum != 0 {
		t.Fatalf("Luminance(black) = %v; want 0", lum)
	}
	lum := Luminance(MustHex("#ffffff"))
	if lum < 0.999 || lum > 1.001 {
		t.Fatalf("Luminance(white) = %v; want ~1", lum)
	}
}
