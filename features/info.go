package features

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/embedpick/picker-server-go/picker"
)

// ErrInvalidInfo wraps every feature descriptor rejection so callers can map
// the whole family to an invalid-params response with errors.Is.
var ErrInvalidInfo = errors.New("invalid feature descriptor")

var (
	infoKeysOnce sync.Once
	infoKeys     map[string]struct{}
)

func knownInfoKeys() map[string]struct{} {
	infoKeysOnce.Do(func() {
		infoKeys = make(map[string]struct{})
		t := reflect.TypeOf(picker.FeatureInfo{})
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if f.PkgPath != "" || f.Anonymous {
				continue
			}
			if name, _, skip := parseJSONFieldTag(f); !skip {
				infoKeys[name] = struct{}{}
			}
		}
	})
	return infoKeys
}

// DecodeInfo strictly decodes a session-open feature descriptor. A nil or
// null payload yields the stock descriptor. Unknown keys are rejected so a
// misspelled feature fails loudly instead of silently requesting stock
// behavior, and the decoded descriptor is checked with ValidateInfo.
func DecodeInfo(data []byte) (picker.FeatureInfo, error) {
	if len(data) == 0 || string(data) == "null" {
		return picker.DefaultFeatureInfo(), nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return picker.DefaultFeatureInfo(), fmt.Errorf("%w: %v", ErrInvalidInfo, err)
	}
	known := knownInfoKeys()
	for key := range raw {
		if _, ok := known[key]; !ok {
			return picker.DefaultFeatureInfo(), fmt.Errorf("%w: unknown feature %q", ErrInvalidInfo, key)
		}
	}

	var info picker.FeatureInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return picker.DefaultFeatureInfo(), fmt.Errorf("%w: %v", ErrInvalidInfo, err)
	}
	if err := ValidateInfo(info); err != nil {
		return picker.DefaultFeatureInfo(), err
	}
	return info, nil
}

// ValidateInfo checks the semantic rules a descriptor must satisfy. Accent
// color codes are not checked here; their validity depends on the session
// action and is decided by theme.NewAccent at open time.
func ValidateInfo(info picker.FeatureInfo) error {
	if info.NightMode != "" && !picker.IsValidNightMode(info.NightMode) {
		return fmt.Errorf("%w: unknown night mode %q", ErrInvalidInfo, info.NightMode)
	}
	if info.MaxSelection < 0 {
		return fmt.Errorf("%w: maxSelection must be non-negative, got %d", ErrInvalidInfo, info.MaxSelection)
	}
	for _, mt := range info.MimeTypes {
		if err := validateMimeType(mt); err != nil {
			return err
		}
	}
	for _, uri := range info.PreselectedURIs {
		if strings.TrimSpace(uri) == "" {
			return fmt.Errorf("%w: preselected URI must not be empty", ErrInvalidInfo)
		}
	}
	if info.MaxSelection > 0 && len(info.PreselectedURIs) > info.MaxSelection {
		return fmt.Errorf("%w: %d preselected URIs exceed maxSelection %d",
			ErrInvalidInfo, len(info.PreselectedURIs), info.MaxSelection)
	}
	return nil
}

// validateMimeType accepts concrete media types and wildcard subtypes such as
// image/*. The picker only surfaces displayable media, so anything outside
// image/ and video/ is rejected up front.
func validateMimeType(mt string) error {
	typ, sub, found := strings.Cut(mt, "/")
	if !found || typ == "" || sub == "" || strings.Contains(sub, "/") || strings.ContainsAny(mt, " \t") {
		return fmt.Errorf("%w: malformed mime type %q", ErrInvalidInfo, mt)
	}
	if typ != "image" && typ != "video" {
		return fmt.Errorf("%w: mime type %q is not displayable media", ErrInvalidInfo, mt)
	}
	return nil
}
