package features

import (
	"reflect"
	"strings"
	"testing"
)

func newActionBuilder() *Builder {
	return NewBuilder().
		EnumString("action", []string{"select", "deselect"}).
		Number("position", Optional(), Minimum(0)).
		StringList("itemIds", MinItems(1), MaxItems(50)).
		Boolean("final", Optional())
}

func TestBuilderBindMapDecode(t *testing.T) {
	var dst map[string]any
	dec, err := newActionBuilder().Bind(&dst)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}

	err = dec.Decode(map[string]any{
		"action":  "select",
		"itemIds": []any{"item-1", "item-2"},
		"final":   true,
		"ignored": "dropped",
	})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	want := map[string]any{
		"action":  "select",
		"itemIds": []string{"item-1", "item-2"},
		"final":   true,
	}
	if !reflect.DeepEqual(dst, want) {
		t.Errorf("decoded = %#v, want %#v", dst, want)
	}
}

func TestBuilderBindMapFailures(t *testing.T) {
	cases := []struct {
		name    string
		value   map[string]any
		wantSub string
	}{
		{"missing required", map[string]any{"action": "select"}, `missing required property "itemIds"`},
		{"enum violation", map[string]any{"action": "toggle", "itemIds": []any{"x"}}, "not one of"},
		{"empty list", map[string]any{"action": "select", "itemIds": []any{}}, "fewer than minItems"},
		{"negative position", map[string]any{"action": "select", "itemIds": []any{"x"}, "position": -1.0}, "below minimum"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var dst map[string]any
			dec, err := newActionBuilder().Bind(&dst)
			if err != nil {
				t.Fatalf("Bind: %v", err)
			}
			err = dec.Decode(tc.value)
			if err == nil {
				t.Fatalf("Decode succeeded, want error containing %q", tc.wantSub)
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Errorf("error = %v, want substring %q", err, tc.wantSub)
			}
			if dst != nil {
				t.Errorf("destination set by failed decode: %#v", dst)
			}
		})
	}
}

func TestBuilderCompileErrors(t *testing.T) {
	if _, err := NewBuilder().Build(); err == nil {
		t.Error("empty builder compiled")
	}
	if _, err := NewBuilder().String("a").String("a").Build(); err == nil {
		t.Error("duplicate property compiled")
	}
	if _, err := NewBuilder().EnumString("a", nil).Build(); err == nil {
		t.Error("empty enum compiled")
	}
	if _, err := NewBuilder().Number("n", MinLength(1)).Build(); err == nil {
		t.Error("minLength on number compiled")
	}
	if _, err := NewBuilder().String("s", MinItems(1)).Build(); err == nil {
		t.Error("minItems on string compiled")
	}
	if _, err := NewBuilder().String("s", MinLength(5), MaxLength(2)).Build(); err == nil {
		t.Error("minLength above maxLength compiled")
	}
}

func TestBuilderBindStruct(t *testing.T) {
	type action struct {
		Action   string   `json:"action"`
		ItemIDs  []string `json:"itemIds"`
		Position *float64 `json:"position"`
		Final    bool     `json:"final"`
	}

	var dst action
	dec, err := newActionBuilder().BindStruct(&dst)
	if err != nil {
		t.Fatalf("BindStruct: %v", err)
	}

	err = dec.Decode(map[string]any{
		"action":   "deselect",
		"itemIds":  []any{"item-9"},
		"position": 3.0,
	})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if dst.Action != "deselect" || len(dst.ItemIDs) != 1 || dst.ItemIDs[0] != "item-9" {
		t.Errorf("decoded = %+v", dst)
	}
	if dst.Position == nil || *dst.Position != 3 {
		t.Errorf("position = %v, want 3", dst.Position)
	}

	type incompatible struct {
		Action  int      `json:"action"`
		ItemIDs []string `json:"itemIds"`
		Final   bool     `json:"final"`
	}
	if _, err := newActionBuilder().BindStruct(&incompatible{}); err == nil {
		t.Error("incompatible field type accepted")
	}

	type missing struct {
		Action string `json:"action"`
	}
	if _, err := newActionBuilder().BindStruct(&missing{}); err == nil {
		t.Error("missing field accepted")
	}
}

func TestBuilderFingerprintIgnoresDeclarationOrder(t *testing.T) {
	a, err := NewBuilder().String("x").Number("y", Optional()).Build()
	if err != nil {
		t.Fatalf("Build a: %v", err)
	}
	b, err := NewBuilder().Number("y", Optional()).String("x").Build()
	if err != nil {
		t.Fatalf("Build b: %v", err)
	}

	fpA, err := a.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	fpB, _ := b.Fingerprint()
	if fpA != fpB {
		t.Errorf("declaration order changed fingerprint: %q vs %q", fpA, fpB)
	}
}
