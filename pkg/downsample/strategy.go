package downsample

import (
	"fmt"
	"strings"
)

// Method is the user-selected downsampling method.
type Method string

const (
	MethodLTTB   Method = "lttb"
	MethodMinMax Method = "minmax"
	MethodAvg    Method = "avg"
)

// ParseMethod accepts a method name, case-insensitively.
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToLower(strings.TrimSpace(s))); m {
	case MethodLTTB, MethodMinMax, MethodAvg:
		return m, nil
	default:
		return "", fmt.Errorf("unknown downsample method: %q", s)
	}
}

// Strategy is the aggregation actually planned for one fetch.
type Strategy string

const (
	StrategyRaw    Strategy = "raw"
	StrategyLTTB   Strategy = "lttb"
	StrategyMinMax Strategy = "minmax"
	StrategyAvg    Strategy = "avg"
)

// ChooseStrategy returns StrategyRaw when every matching row fits in the
// budget, and the strategy of the selected method otherwise.
func ChooseStrategy(method Method, totalRows int64, budget int) Strategy {
	if totalRows <= int64(ClampBudget(budget)) {
		return StrategyRaw
	}
	switch method {
	case MethodMinMax:
		return StrategyMinMax
	case MethodAvg:
		return StrategyAvg
	default:
		return StrategyLTTB
	}
}

// ClampBudget raises budgets below 1 to 1.
func ClampBudget(budget int) int {
	if budget < 1 {
		return 1
	}
	return budget
}

// MinMaxBuckets is floor(budget / (2 * columns)), at least 1.
func MinMaxBuckets(budget, columns int) int {
	if columns < 1 {
		columns = 1
	}
	b := ClampBudget(budget) / (2 * columns)
	if b < 1 {
		return 1
	}
	return b
}

// AvgBuckets uses the budget directly as the bucket count.
func AvgBuckets(budget int) int {
	return ClampBudget(budget)
}

// MaxRows bounds the number of rows a strategy can return.
func MaxRows(s Strategy, budget, columns int) int64 {
	switch s {
	case StrategyMinMax:
		return int64(2 * MinMaxBuckets(budget, columns) * columns)
	case StrategyLTTB, StrategyAvg:
		return int64(ClampBudget(budget))
	default:
		return -1
	}
}
