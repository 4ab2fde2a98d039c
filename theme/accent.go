package theme

import (
	"errors"
	"fmt"
)

// Action identifies the mode a picker session was opened in. Accent theming
// is a pick-images feature; other modes reject supplied accent codes.
type Action string

const (
	// ActionPickImages is the media selection mode. It is the only action
	// that honors a caller-supplied accent color.
	ActionPickImages Action = "picker/pick-images"

	// ActionGetContent is the generic content browse mode.
	ActionGetContent Action = "picker/get-content"
)

// AccentUnset is the sentinel accent code meaning the caller did not supply
// a color. It is the default, not an error.
const AccentUnset int64 = -1

// Luminance policy for accepted accents. Colors darker than the floor or at
// least as bright as the ceiling fail to render legibly against both light
// and dark surfaces and are rejected.
const (
	minAccentLuminance = 0.05
	maxAccentLuminance = 0.9

	// Accents at or above this luminance count as bright backgrounds and
	// take dark text; everything below takes light text.
	brightAccentCutoff = 0.6
)

// Fixed text colors paired with accepted accents.
var (
	TextDark  = MustHex("#1a1a1a")
	TextLight = MustHex("#fafafa")
)

var (
	// ErrAccentRestricted is returned when an accent code was supplied under
	// an action other than pick-images.
	ErrAccentRestricted = errors.New("theme: accent color requires the pick-images action")

	// ErrAccentLuminance is returned when a supplied accent code falls
	// outside the accepted luminance range.
	ErrAccentLuminance = errors.New("theme: accent color luminance out of range")
)

// Accent is the validated theming decision for a session. The zero value is
// the unspecified accent: no custom color was requested and the picker keeps
// its stock palette. Validity is evaluated exactly once, in NewAccent; an
// Accent never changes afterwards.
type Accent struct {
	specified bool
	color     Color
	text      Color
}

// NewAccent validates a caller-supplied accent code for the given action.
//
// A code of AccentUnset yields the unspecified Accent and never an error,
// regardless of action. Otherwise the action must be ActionPickImages, the
// code is masked to its low 24 bits (alpha dropped), and the resulting RGB
// value must have relative luminance in [0.05, 0.9). A supplied code that
// fails either check is an invalid argument: ErrAccentRestricted for the
// action check, ErrAccentLuminance for the range check.
func NewAccent(action Action, code int64) (Accent, error) {
	if code == AccentUnset {
		return Accent{}, nil
	}
	if action != ActionPickImages {
		return Accent{}, fmt.Errorf("%w: action %q", ErrAccentRestricted, action)
	}
	c := Color(code & 0xffffff)
	lum := Luminance(c)
	if lum < minAccentLuminance || lum >= maxAccentLuminance {
		return Accent{}, fmt.Errorf("%w: luminance %.3f for %s", ErrAccentLuminance, lum, c.Hex())
	}
	text := TextLight
	if lum >= brightAccentCutoff {
		text = TextDark
	}
	return Accent{specified: true, color: c, text: text}, nil
}

// Specified reports whether a custom accent is active.
func (a Accent) Specified() bool { return a.specified }

// Color returns the accepted accent color. ok is false for the unspecified
// Accent.
func (a Accent) Color() (_ Color, ok bool) {
	return a.color, a.specified
}

// TextColor returns the text color contrasting with the accent. Once the
// accent is unspecified the text color is always unspecified too.
func (a Accent) TextColor() (_ Color, ok bool) {
	return a.text, a.specified
}

// StyleVars returns the CSS custom properties a surface applies when a
// custom accent is active. The unspecified Accent produces no overrides.
func (a Accent) StyleVars() map[string]string {
	if !a.specified {
		return nil
	}
	return map[string]string{
		"--picker-accent":      a.color.Hex(),
		"--picker-accent-text": a.text.Hex(),
	}
}

func (a Accent) String() string {
	if !a.specified {
		return "unspecified"
	}
	return a.color.Hex()
}
