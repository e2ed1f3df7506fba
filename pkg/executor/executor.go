package executor

import (
	"context"
	"fmt"
)

// Request is a single query handed to the engine.
type Request struct {
	Query  string `json:"query"`
	Params []any  `json:"params,omitempty"`
}

// Result is the engine's answer in columnar-header / row-major form.
type Result struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Executor runs queries against the analytical engine.
// Implementations: HTTPExecutor (ClickHouse HTTP interface), Func (tests)
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Func adapts a function to the Executor interface.
type Func func(ctx context.Context, req Request) (*Result, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

// RequestError is returned when the engine answers with a non-2xx status.
type RequestError struct {
	Status int
	Body   string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("executor request failed with status %d: %s", e.Status, e.Body)
}

// ColumnIndex returns the position of name in the result header, or -1.
func (r *Result) ColumnIndex(name string) int {
	for i, c := range r.Columns {
		if c == name {
			return i
		}
	}
	return -1
}
