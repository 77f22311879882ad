// Package location resolves task start/end locations against the fixed
// ordered palette of named regions painted on the shop floor.
package location

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidLocation is returned for names outside the palette, indexes out
// of range, and any value that is neither a string nor an integer.
var ErrInvalidLocation = errors.New("invalid location")

// DefaultPalette is the reference region palette.
var DefaultPalette = Palette{"red", "green", "blue", "purple", "yellow", "orange"}

// Palette is an ordered list of named regions. Index i names region i.
type Palette []string

// Normalize accepts a region name or an integer index and returns the
// canonical region name.
func (p Palette) Normalize(v any) (string, error) {
	switch loc := v.(type) {
	case string:
		if p.Contains(loc) {
			return loc, nil
		}
		return "", fmt.Errorf("%w: unknown region %q", ErrInvalidLocation, loc)
	case int:
		return p.byIndex(int64(loc))
	case int32:
		return p.byIndex(int64(loc))
	case int64:
		return p.byIndex(loc)
	case json.Number:
		n, err := loc.Int64()
		if err != nil {
			return "", fmt.Errorf("%w: %s is not an integer", ErrInvalidLocation, loc)
		}
		return p.byIndex(n)
	default:
		return "", fmt.Errorf("%w: unsupported type %T", ErrInvalidLocation, v)
	}
}

func (p Palette) byIndex(i int64) (string, error) {
	if i < 0 || i >= int64(len(p)) {
		return "", fmt.Errorf("%w: index %d out of range [0,%d)", ErrInvalidLocation, i, len(p))
	}
	return p[i], nil
}

// Contains reports whether name is a palette member.
func (p Palette) Contains(name string) bool {
	return p.Index(name) >= 0
}

// Index returns the position of name in the palette, or -1.
func (p Palette) Index(name string) int {
	for i, n := range p {
		if n == name {
			return i
		}
	}
	return -1
}

// Validate checks the palette is non-empty and free of blank or repeated names.
func (p Palette) Validate() error {
	if len(p) == 0 {
		return errors.New("palette is empty")
	}
	seen := make(map[string]bool, len(p))
	for i, n := range p {
		if n == "" {
			return fmt.Errorf("palette entry %d is blank", i)
		}
		if seen[n] {
			return fmt.Errorf("palette entry %q repeated", n)
		}
		seen[n] = true
	}
	return nil
}
