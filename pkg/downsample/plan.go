// Package downsample plans the aggregation queries that reduce a time
// window of a large file to a bounded number of representative rows.
//
// Every planned query returns the columns TimeColumnName followed by one
// ValueColumnName(i) per value column, with the time surfaced as a number
// in the plan's unit.
package downsample

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nicktill/plotpurr/pkg/files"
	"github.com/nicktill/plotpurr/pkg/timerange"
)

// ErrNoValueColumns is returned when a plan has nothing to plot.
var ErrNoValueColumns = errors.New("downsample: at least one value column is required")

// TimeColumnName is the output column holding the numeric time value.
const TimeColumnName = "__time"

// ValueColumnName is the output column holding the i-th value column.
func ValueColumnName(i int) string {
	return fmt.Sprintf("__v%d", i)
}

// Plan describes one downsampled read of a file.
type Plan struct {
	Source       files.Ref
	TimeColumn   string
	ValueColumns []string
	Predicate    timerange.Predicate
	PointBudget  int
	Strategy     Strategy
	IsTimestamp  bool
	Unit         timerange.Unit
}

// Query is the executable form of a plan.
type Query struct {
	SQL      string
	Params   []any
	Strategy Strategy
	Buckets  int
}

// Build renders the plan into a query for the engine.
func Build(p Plan) (Query, error) {
	if len(p.ValueColumns) == 0 {
		return Query{}, ErrNoValueColumns
	}
	if p.TimeColumn == "" {
		return Query{}, errors.New("downsample: time column is required")
	}
	budget := ClampBudget(p.PointBudget)

	switch p.Strategy {
	case StrategyRaw, "":
		return Query{SQL: p.rawSQL(), Strategy: StrategyRaw}, nil
	case StrategyLTTB:
		return Query{SQL: p.lttbSQL(budget), Strategy: StrategyLTTB}, nil
	case StrategyMinMax:
		b := MinMaxBuckets(budget, len(p.ValueColumns))
		return Query{SQL: p.minMaxSQL(b), Strategy: StrategyMinMax, Buckets: b}, nil
	case StrategyAvg:
		b := AvgBuckets(budget)
		return Query{SQL: p.avgSQL(b), Strategy: StrategyAvg, Buckets: b}, nil
	default:
		return Query{}, fmt.Errorf("downsample: unknown strategy %q", p.Strategy)
	}
}

// CountQuery counts the rows a plan over the same source and predicate would
// consider: rows in range where at least one value column is non-null.
func CountQuery(source files.Ref, predicate timerange.Predicate, valueColumns []string) string {
	return fmt.Sprintf("SELECT count() AS total FROM %s%s", source.TableExpr(), whereClause(predicate, valueColumns))
}

func (p Plan) timeExpr() string {
	return timerange.TimeExpr(timerange.QuoteIdent(p.TimeColumn), p.IsTimestamp, p.Unit)
}

func (p Plan) from() string {
	return p.Source.TableExpr() + whereClause(p.Predicate, p.ValueColumns)
}

func (p Plan) rawSQL() string {
	cols := []string{p.timeExpr() + " AS " + TimeColumnName}
	for i, c := range p.ValueColumns {
		cols = append(cols, fmt.Sprintf("toFloat64(%s) AS %s", timerange.QuoteIdent(c), ValueColumnName(i)))
	}
	return fmt.Sprintf("SELECT %s FROM %s ORDER BY %s ASC",
		strings.Join(cols, ", "), p.from(), timerange.QuoteIdent(p.TimeColumn))
}

// ranked is the shared CTE: numeric time, Float64 values, a 1-based rank in
// time order and optionally the total row count.
func (p Plan) ranked(withTotal bool) string {
	cols := []string{p.timeExpr() + " AS __ts"}
	for i, c := range p.ValueColumns {
		cols = append(cols, fmt.Sprintf("toFloat64(%s) AS %s", timerange.QuoteIdent(c), internalName(i)))
	}
	cols = append(cols, fmt.Sprintf("row_number() OVER (ORDER BY %s) AS __rn", p.rankOrder()))
	if withTotal {
		cols = append(cols, "count() OVER () AS __total")
	}
	return fmt.Sprintf("__ranked AS (SELECT %s FROM %s)", strings.Join(cols, ", "), p.from())
}

// rankOrder orders rows by time, then by every value column. The ranked CTE
// is evaluated once per reference, so rows with tied timestamps must rank
// the same way each time.
func (p Plan) rankOrder() string {
	keys := []string{timerange.QuoteIdent(p.TimeColumn) + " ASC"}
	for _, c := range p.ValueColumns {
		keys = append(keys, timerange.QuoteIdent(c)+" ASC")
	}
	return strings.Join(keys, ", ")
}

// outputColumns projects the ranked CTE onto the public column names.
func (p Plan) outputColumns(prefix string) string {
	cols := []string{prefix + "__ts AS " + TimeColumnName}
	for i := range p.ValueColumns {
		cols = append(cols, prefix+internalName(i)+" AS "+ValueColumnName(i))
	}
	return strings.Join(cols, ", ")
}

func (p Plan) magnitude() string {
	if len(p.ValueColumns) == 1 {
		return fmt.Sprintf("ifNull(%s, 0)", internalName(0))
	}
	terms := make([]string, len(p.ValueColumns))
	for i := range p.ValueColumns {
		terms[i] = fmt.Sprintf("pow(ifNull(%s, 0), 2)", internalName(i))
	}
	return "sqrt(" + strings.Join(terms, " + ") + ")"
}

func (p Plan) lttbSQL(budget int) string {
	return fmt.Sprintf(
		"WITH %s, "+
			"__picked AS (SELECT arrayJoin(largestTriangleThreeBuckets(%d)(__rn, __mag)) AS __pt FROM (SELECT __rn, %s AS __mag FROM __ranked)) "+
			"SELECT %s FROM __ranked AS r INNER JOIN __picked AS p ON r.__rn = toUInt64(tupleElement(p.__pt, 1)) "+
			"ORDER BY r.__rn ASC",
		p.ranked(false), budget, p.magnitude(), p.outputColumns("r."))
}

func (p Plan) minMaxSQL(buckets int) string {
	picks := make([]string, 0, 2*len(p.ValueColumns))
	for i := range p.ValueColumns {
		c := internalName(i)
		// ties resolve to the lowest rank, i.e. the earliest row
		picks = append(picks,
			fmt.Sprintf("argMinIf(__rn, (ifNull(%s, 0), __rn), isNotNull(%s))", c, c),
			fmt.Sprintf("argMaxIf(__rn, (ifNull(%s, 0), -toInt64(__rn)), isNotNull(%s))", c, c))
	}
	return fmt.Sprintf(
		"WITH %s, "+
			"__keep AS (SELECT DISTINCT arrayJoin(__picks) AS __k FROM (SELECT [%s] AS __picks FROM __ranked GROUP BY intDiv((__rn - 1) * %d, __total))) "+
			"SELECT %s FROM __ranked WHERE __rn IN (SELECT __k FROM __keep) ORDER BY __rn ASC",
		p.ranked(true), strings.Join(picks, ", "), buckets, p.outputColumns(""))
}

func (p Plan) avgSQL(buckets int) string {
	cols := []string{"min(__ts) AS " + TimeColumnName}
	for i := range p.ValueColumns {
		cols = append(cols, fmt.Sprintf("avg(%s) AS %s", internalName(i), ValueColumnName(i)))
	}
	return fmt.Sprintf(
		"WITH %s SELECT %s FROM __ranked GROUP BY intDiv((__rn - 1) * %d, __total) ORDER BY %s ASC",
		p.ranked(true), strings.Join(cols, ", "), buckets, TimeColumnName)
}

func internalName(i int) string {
	return fmt.Sprintf("__c%d", i)
}

// whereClause combines the time predicate with the non-null filter.
// The result is empty or starts with " WHERE ".
func whereClause(predicate timerange.Predicate, valueColumns []string) string {
	var conds []string
	if s := predicate.SQL(); s != "" {
		conds = append(conds, s)
	}
	if len(valueColumns) > 0 {
		nn := make([]string, len(valueColumns))
		for i, c := range valueColumns {
			nn[i] = timerange.QuoteIdent(c) + " IS NOT NULL"
		}
		conds = append(conds, "("+strings.Join(nn, " OR ")+")")
	}
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}
