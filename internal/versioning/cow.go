package versioning

import "fmt"

// CowMode selects when a write creates a new object version.
type CowMode string

const (
	// NoCOW overwrites objects in place and keeps no history.
	NoCOW CowMode = "no_cow"
	// COWOnce copies each object on its first write after the file is opened.
	COWOnce CowMode = "cow_once"
	// AlwaysCOW copies the object on every write.
	AlwaysCOW CowMode = "always_cow"
)

// CowPolicy is the snapshot access mode of a file.
type CowPolicy struct {
	Mode CowMode `json:"mode"`
}

// ParseCowMode validates a mode string. "" means NoCOW.
func ParseCowMode(s string) (CowMode, error) {
	switch CowMode(s) {
	case "", NoCOW:
		return NoCOW, nil
	case COWOnce, AlwaysCOW:
		return CowMode(s), nil
	default:
		return "", fmt.Errorf("unknown cow mode %q", s)
	}
}

// Enabled reports whether history is retained.
func (p CowPolicy) Enabled() bool {
	return p.Mode == COWOnce || p.Mode == AlwaysCOW
}

// NewVersionFor reports whether writing an object needs a fresh version.
// copied tells whether the object was already copied in this open session.
func (p CowPolicy) NewVersionFor(copied bool) bool {
	switch p.Mode {
	case AlwaysCOW:
		return true
	case COWOnce:
		return !copied
	default:
		return false
	}
}
