// Package permission resolves the effective permission level of a function
// and decides, before any process is spawned, whether it may run.
//
// Each level carries its own rule set. Levels are not ordered: "full" does
// not include the guarantees of "read_only", and "limited" skips the
// read_only source scan entirely.
package permission

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownLevel is returned by ParseLevelStrict for unrecognized names.
var ErrUnknownLevel = errors.New("unknown permission level")

// Level is a per-function authorization tier.
type Level int

const (
	None     Level = iota // Never execute.
	ReadOnly              // Execute only when name and source look side-effect free.
	Limited               // Execute in the sandbox with no extra gate.
	Full                  // Execute only after explicit confirmation.
)

func (l Level) String() string {
	switch l {
	case None:
		return "none"
	case ReadOnly:
		return "read_only"
	case Limited:
		return "limited"
	case Full:
		return "full"
	default:
		return "unknown"
	}
}

// ParseLevel converts a string to a Level.
// Unrecognized values default to None (default-deny).
func ParseLevel(s string) Level {
	l, err := ParseLevelStrict(s)
	if err != nil {
		return None
	}
	return l
}

// ParseLevelStrict is ParseLevel that reports unrecognized input.
func ParseLevelStrict(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return None, nil
	case "read_only", "readonly":
		return ReadOnly, nil
	case "limited":
		return Limited, nil
	case "full":
		return Full, nil
	default:
		return None, fmt.Errorf("%w: %q", ErrUnknownLevel, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevelStrict(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
