package timerange

import (
	"math"
	"strconv"
	"strings"

	"github.com/spf13/cast"
)

// Placeholder tokens emitted by templated predicates.
const (
	StartToken = "{start}"
	EndToken   = "{end}"
)

// Predicate is a closed range filter over a time axis column.
// A nil bound is absent; with both bounds absent the predicate matches everything.
type Predicate struct {
	Column      string
	Start       *float64
	End         *float64
	IsTimestamp bool
	Unit        Unit

	template bool
}

// Bound converts an arbitrary input into a bound. Non-numeric and
// non-finite inputs yield nil.
func Bound(v any) *float64 {
	if v == nil {
		return nil
	}
	f, err := cast.ToFloat64E(v)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// Build creates a predicate over column. Non-finite bounds are dropped.
func Build(column string, start, end *float64, isTimestamp bool, unit Unit) Predicate {
	return Predicate{
		Column:      column,
		Start:       finite(start),
		End:         finite(end),
		IsTimestamp: isTimestamp,
		Unit:        unit,
	}
}

// BuildTemplate creates a predicate with both bounds rendered as
// StartToken and EndToken, to be filled in later with Substitute.
func BuildTemplate(column string, isTimestamp bool, unit Unit) Predicate {
	return Predicate{Column: column, IsTimestamp: isTimestamp, Unit: unit, template: true}
}

// Between is shorthand for Build with both bounds present.
func Between(column string, r Range, isTimestamp bool, unit Unit) Predicate {
	start, end := r.Start, r.End
	return Build(column, &start, &end, isTimestamp, unit)
}

// Empty reports whether the predicate matches every row.
func (p Predicate) Empty() bool {
	return !p.template && p.Start == nil && p.End == nil
}

// SQL renders the predicate without a leading WHERE. The empty predicate renders "".
func (p Predicate) SQL() string {
	col := QuoteIdent(p.Column)
	var parts []string
	if p.template {
		return col + " >= " + p.operand(StartToken) + " AND " + col + " <= " + p.operand(EndToken)
	}
	if p.Start != nil {
		parts = append(parts, col+" >= "+p.operand(p.literal(*p.Start)))
	}
	if p.End != nil {
		parts = append(parts, col+" <= "+p.operand(p.literal(*p.End)))
	}
	return strings.Join(parts, " AND ")
}

// Where renders the predicate with a leading WHERE, or "" when empty.
func (p Predicate) Where() string {
	if s := p.SQL(); s != "" {
		return "WHERE " + s
	}
	return ""
}

// Matches evaluates the predicate against a time value expressed in the
// predicate's unit (or the raw column value for non-timestamp columns).
func (p Predicate) Matches(t float64) bool {
	if math.IsNaN(t) {
		return p.Empty()
	}
	if p.Start != nil && t < *p.Start {
		return false
	}
	if p.End != nil && t > *p.End {
		return false
	}
	return true
}

// literal formats a bound. Timestamp bounds are scaled to whole seconds.
func (p Predicate) literal(v float64) string {
	if p.IsTimestamp {
		v /= p.Unit.Divisor()
	}
	return FormatNumber(v)
}

func (p Predicate) operand(value string) string {
	if !p.IsTimestamp {
		return value
	}
	if p.template && p.Unit.Divisor() != 1 {
		value = value + " / " + FormatNumber(p.Unit.Divisor())
	}
	return "toDateTime64(" + value + ", 9)"
}

// Substitute fills the placeholder tokens of a templated query.
func Substitute(query string, start, end float64) string {
	return strings.NewReplacer(StartToken, FormatNumber(start), EndToken, FormatNumber(end)).Replace(query)
}

// FormatNumber renders v as the shortest SQL numeric literal that round-trips.
func FormatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func finite(v *float64) *float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	out := *v
	return &out
}
