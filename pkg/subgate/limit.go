package subgate

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// LimitKind describes how a LimitValue gates a feature.
type LimitKind int

const (
	// LimitDisabled denies the feature.
	LimitDisabled LimitKind = iota
	// LimitEnabled allows the feature with no count.
	LimitEnabled
	// LimitNumeric allows the feature while usage stays under a cap.
	LimitNumeric
	// LimitUnlimited always allows the feature.
	LimitUnlimited
)

const unlimitedLiteral = "unlimited"

// LimitValue is the limit a price tier assigns to a feature. On the wire it is
// a boolean, a numeric string such as "5", or the literal "unlimited".
type LimitValue struct {
	kind LimitKind
	n    int
}

// BoolLimit returns an on/off limit.
func BoolLimit(enabled bool) LimitValue {
	if enabled {
		return LimitValue{kind: LimitEnabled}
	}
	return LimitValue{kind: LimitDisabled}
}

// NumericLimit returns a capped limit.
func NumericLimit(n int) LimitValue {
	if n < 0 {
		n = 0
	}
	return LimitValue{kind: LimitNumeric, n: n}
}

// UnlimitedLimit returns a limit that always allows.
func UnlimitedLimit() LimitValue {
	return LimitValue{kind: LimitUnlimited}
}

// ParseLimit parses the string form of a limit.
func ParseLimit(raw string) (LimitValue, error) {
	s := strings.TrimSpace(strings.ToLower(raw))
	switch s {
	case unlimitedLiteral:
		return UnlimitedLimit(), nil
	case "true":
		return BoolLimit(true), nil
	case "false":
		return BoolLimit(false), nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return LimitValue{}, fmt.Errorf("%w: %q", ErrInvalidLimit, raw)
	}
	return NumericLimit(n), nil
}

// Kind returns the limit kind.
func (l LimitValue) Kind() LimitKind {
	return l.kind
}

// Count returns the numeric cap and true for numeric limits.
func (l LimitValue) Count() (int, bool) {
	if l.kind != LimitNumeric {
		return 0, false
	}
	return l.n, true
}

// Enabled reports whether the limit is anything other than false.
func (l LimitValue) Enabled() bool {
	return l.kind != LimitDisabled
}

func (l LimitValue) String() string {
	switch l.kind {
	case LimitEnabled:
		return "true"
	case LimitNumeric:
		return strconv.Itoa(l.n)
	case LimitUnlimited:
		return unlimitedLiteral
	default:
		return "false"
	}
}

// MarshalJSON writes booleans as JSON booleans and everything else as strings.
func (l LimitValue) MarshalJSON() ([]byte, error) {
	switch l.kind {
	case LimitEnabled:
		return []byte("true"), nil
	case LimitDisabled:
		return []byte("false"), nil
	default:
		return json.Marshal(l.String())
	}
}

// UnmarshalJSON accepts a boolean, a numeric string, "unlimited" or a plain number.
func (l *LimitValue) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*l = BoolLimit(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := ParseLimit(s)
		if err != nil {
			return err
		}
		*l = v
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		if n < 0 {
			return fmt.Errorf("%w: %d", ErrInvalidLimit, n)
		}
		*l = NumericLimit(n)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidLimit, string(data))
}

// Decide evaluates a limit against the current usage count.
func Decide(feature string, limit LimitValue, usage int) Decision {
	if usage < 0 {
		usage = 0
	}
	d := Decision{Feature: feature, Limit: limit, Usage: usage, Remaining: -1}
	switch limit.kind {
	case LimitEnabled, LimitUnlimited:
		d.Allowed = true
	case LimitNumeric:
		d.Allowed = usage < limit.n
		d.Remaining = limit.n - usage
		if d.Remaining < 0 {
			d.Remaining = 0
		}
	default:
		d.Remaining = 0
	}
	return d
}
