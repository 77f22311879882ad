package location

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestNormalizeIndex(t *testing.T) {
	p := DefaultPalette
	for i := range p {
		got, err := p.Normalize(i)
		if err != nil {
			t.Fatalf("Normalize(%d): %v", i, err)
		}
		if got != p[i] {
			t.Errorf("Normalize(%d) = %q, want %q", i, got, p[i])
		}
	}
	for _, i := range []int{-1, len(p), len(p) + 10, -100} {
		if _, err := p.Normalize(i); !errors.Is(err, ErrInvalidLocation) {
			t.Errorf("Normalize(%d) err = %v, want ErrInvalidLocation", i, err)
		}
	}
}

func TestNormalizeName(t *testing.T) {
	p := DefaultPalette
	for _, name := range p {
		got, err := p.Normalize(name)
		if err != nil || got != name {
			t.Errorf("Normalize(%q) = %q, %v", name, got, err)
		}
	}
	for _, name := range []string{"", "Red", "black", " red", "0"} {
		if _, err := p.Normalize(name); !errors.Is(err, ErrInvalidLocation) {
			t.Errorf("Normalize(%q) err = %v, want ErrInvalidLocation", name, err)
		}
	}
}

func TestNormalizeOtherTypes(t *testing.T) {
	p := DefaultPalette
	cases := []any{nil, 1.0, 2.5, true, []int{1}, map[string]any{"x": 1}, json.Number("1.5")}
	for _, v := range cases {
		if _, err := p.Normalize(v); !errors.Is(err, ErrInvalidLocation) {
			t.Errorf("Normalize(%#v) err = %v, want ErrInvalidLocation", v, err)
		}
	}

	got, err := p.Normalize(json.Number("1"))
	if err != nil || got != "green" {
		t.Errorf("Normalize(json.Number(1)) = %q, %v; want green", got, err)
	}
	got, err = p.Normalize(int64(5))
	if err != nil || got != "orange" {
		t.Errorf("Normalize(int64(5)) = %q, %v; want orange", got, err)
	}
}

func TestPaletteValidate(t *testing.T) {
	if err := DefaultPalette.Validate(); err != nil {
		t.Fatalf("default palette: %v", err)
	}
	if err := (Palette{}).Validate(); err == nil {
		t.Error("empty palette should fail")
	}
	if err := (Palette{"a", "a"}).Validate(); err == nil {
		t.Error("repeated entry should fail")
	}
	if err := (Palette{"a", ""}).Validate(); err == nil {
		t.Error("blank entry should fail")
	}
	if DefaultPalette.Index("blue") != 2 {
		t.Errorf("Index(blue) = %d, want 2", DefaultPalette.Index("blue"))
	}
}
