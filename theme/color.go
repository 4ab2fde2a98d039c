package theme

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
)

// Color is a 24-bit RGB color value. The alpha channel is never carried;
// accent codes are masked before a Color is produced.
type Color uint32

var hexColorRe = regexp.MustCompile(`^#([0-9A-Fa-f]{6})$`)

// ParseHex parses a "#rrggbb" string into a Color.
func ParseHex(s string) (Color, error) {
	m := hexColorRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("theme: invalid hex color %q", s)
	}
	v, err := strconv.ParseUint(m[1], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("theme: invalid hex color %q: %w", s, err)
	}
	return Color(v), nil
}

// MustHex is ParseHex for trusted constants; it panics on malformed input.
func MustHex(s string) Color {
	c, err := ParseHex(s)
	if err != nil {
		panic(err)
	}
	return c
}

// Hex renders the color as "#rrggbb".
func (c Color) Hex() string {
	r, g, b := c.RGB()
	return fmt.Sprintf("#%02x%02x%02x", r, g, b)
}

// RGB returns the individual 8-bit channels.
func (c Color) RGB() (r, g, b uint8) {
	return uint8(c >> 16), uint8(c >> 8), uint8(c)
}

// Luminance computes the relative luminance of the color using the sRGB
// linearization and channel weights from WCAG 2.0. The result is in [0, 1]
// with 0 for black and 1 for white.
func Luminance(c Color) float64 {
	r, g, b := c.RGB()
	rl := linearize(float64(r) / 255.0)
	gl := linearize(float64(g) / 255.0)
	bl := linearize(float64(b) / 255.0)
	return 0.2126*rl + 0.7152*gl + 0.0722*bl
}

// linearize converts an sRGB channel value to linear RGB.
func linearize(v float64) float64 {
	if v <= 0.03928 {
		return v / 12.92
	}
	return math.Pow((v+0.055)/1.055, 2.4)
}
