package timerange

import (
	"fmt"
	"strings"
)

// Unit is the numeric encoding used for time values crossing the engine boundary.
type Unit string

const (
	UnitNone    Unit = "none"
	UnitSeconds Unit = "unix_s"
	UnitMillis  Unit = "unix_ms"
	UnitMicros  Unit = "unix_us"
	UnitNanos   Unit = "unix_ns"
)

// Units lists every supported unit.
var Units = []Unit{UnitNone, UnitSeconds, UnitMillis, UnitMicros, UnitNanos}

// ParseUnit accepts a unit name. The empty string means UnitNone.
func ParseUnit(s string) (Unit, error) {
	if s == "" {
		return UnitNone, nil
	}
	u := Unit(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Units {
		if u == known {
			return u, nil
		}
	}
	return "", fmt.Errorf("unknown time unit: %q", s)
}

// Divisor converts a value in this unit to whole seconds.
func (u Unit) Divisor() float64 {
	switch u {
	case UnitMillis:
		return 1e3
	case UnitMicros:
		return 1e6
	case UnitNanos:
		return 1e9
	default:
		return 1
	}
}

// EpochExpr surfaces a temporal column as a number in this unit.
// Seconds keep microsecond precision as a fraction.
func (u Unit) EpochExpr(column string) string {
	switch u {
	case UnitMillis:
		return fmt.Sprintf("toUnixTimestamp64Milli(toDateTime64(%s, 3))", column)
	case UnitMicros:
		return fmt.Sprintf("toUnixTimestamp64Micro(toDateTime64(%s, 6))", column)
	case UnitNanos:
		return fmt.Sprintf("toUnixTimestamp64Nano(toDateTime64(%s, 9))", column)
	default:
		return fmt.Sprintf("(toUnixTimestamp64Micro(toDateTime64(%s, 6)) / 1e6)", column)
	}
}

// TimeExpr is the numeric expression for a time axis column: the epoch in
// unit for timestamps, the column cast to Float64 otherwise.
func TimeExpr(column string, isTimestamp bool, unit Unit) string {
	if isTimestamp {
		return unit.EpochExpr(column)
	}
	return fmt.Sprintf("toFloat64(%s)", column)
}

// QuoteIdent renders name as a backtick-quoted identifier.
func QuoteIdent(name string) string {
	name = strings.ReplaceAll(name, `\`, `\\`)
	name = strings.ReplaceAll(name, "`", "\\`")
	return "`" + name + "`"
}
