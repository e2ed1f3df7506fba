package downsample

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/spf13/cast"

	"github.com/nicktill/plotpurr/pkg/executor"
)

// Column is a slice of values that encodes NaN as JSON null.
type Column []float64

// MarshalJSON implements json.Marshaler.
func (c Column) MarshalJSON() ([]byte, error) {
	if c == nil {
		return []byte("[]"), nil
	}
	buf := make([]byte, 0, 2+len(c)*8)
	buf = append(buf, '[')
	for i, v := range c {
		if i > 0 {
			buf = append(buf, ',')
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			buf = append(buf, "null"...)
			continue
		}
		buf = strconv.AppendFloat(buf, v, 'g', -1, 64)
	}
	return append(buf, ']'), nil
}

// UnmarshalJSON implements json.Unmarshaler. Nulls decode to NaN.
func (c *Column) UnmarshalJSON(data []byte) error {
	var raw []*float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Column, len(raw))
	for i, v := range raw {
		if v == nil {
			out[i] = math.NaN()
			continue
		}
		out[i] = *v
	}
	*c = out
	return nil
}

// Frame is a columnar result: one time slice and one value slice per column,
// all of equal length. Missing values are NaN.
type Frame struct {
	Times  Column            `json:"times"`
	Values map[string]Column `json:"values"`
}

// Len returns the number of rows.
func (f Frame) Len() int {
	return len(f.Times)
}

// Decode converts a planned query's result into a Frame keyed by the
// original value column names.
func Decode(res *executor.Result, valueColumns []string) (Frame, error) {
	frame := Frame{Values: make(map[string]Column, len(valueColumns))}
	if res == nil {
		for _, c := range valueColumns {
			frame.Values[c] = Column{}
		}
		frame.Times = Column{}
		return frame, nil
	}

	timeIdx := res.ColumnIndex(TimeColumnName)
	if timeIdx < 0 {
		return Frame{}, fmt.Errorf("result has no %s column", TimeColumnName)
	}
	valueIdx := make([]int, len(valueColumns))
	for i := range valueColumns {
		valueIdx[i] = res.ColumnIndex(ValueColumnName(i))
		if valueIdx[i] < 0 {
			return Frame{}, fmt.Errorf("result has no %s column", ValueColumnName(i))
		}
	}

	frame.Times = make(Column, 0, len(res.Rows))
	for _, c := range valueColumns {
		frame.Values[c] = make(Column, 0, len(res.Rows))
	}
	for _, row := range res.Rows {
		frame.Times = append(frame.Times, cell(row, timeIdx))
		for i, c := range valueColumns {
			frame.Values[c] = append(frame.Values[c], cell(row, valueIdx[i]))
		}
	}
	return frame, nil
}

// ToFloat coerces an engine cell to float64. Nulls and unparseable values
// become NaN.
func ToFloat(v any) float64 {
	switch x := v.(type) {
	case nil:
		return math.NaN()
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f
		}
		return math.NaN()
	case string:
		// 64-bit integers may arrive quoted
		if f, err := strconv.ParseFloat(x, 64); err == nil {
			return f
		}
		return math.NaN()
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return math.NaN()
	}
	return f
}

func cell(row []any, idx int) float64 {
	if idx >= len(row) {
		return math.NaN()
	}
	return ToFloat(row[idx])
}
