package schema

import (
	"context"
	"fmt"
	"os"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/format"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/nicktill/plotpurr/pkg/executor"
	"github.com/nicktill/plotpurr/pkg/files"
)

// Discoverer returns the ordered column list of a data file.
type Discoverer interface {
	Describe(ctx context.Context, ref files.Ref) ([]Column, error)
}

// ParquetDiscoverer reads column types straight from a parquet footer.
type ParquetDiscoverer struct{}

// Describe opens the file and maps each top-level field to an engine type string.
func (ParquetDiscoverer) Describe(ctx context.Context, ref files.Ref) ([]Column, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(ref.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat parquet file: %w", err)
	}

	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to open Parquet file: %w", err)
	}

	fields := pf.Schema().Fields()
	cols := make([]Column, 0, len(fields))
	for _, field := range fields {
		cols = append(cols, Describe(field.Name(), parquetTypeName(field)))
	}
	return cols, nil
}

// parquetTypeName renders a parquet field the way the engine's DESCRIBE would.
func parquetTypeName(field parquet.Field) string {
	var name string
	if field.Leaf() {
		name = leafTypeName(field.Type())
	} else if lt := field.Type().LogicalType(); lt != nil && lt.List != nil {
		name = "Array"
	} else if lt != nil && lt.Map != nil {
		name = "Map"
	} else {
		name = "Nested"
	}
	if field.Optional() {
		return "Nullable(" + name + ")"
	}
	return name
}

func leafTypeName(t parquet.Type) string {
	if lt := t.LogicalType(); lt != nil {
		switch {
		case lt.Timestamp != nil:
			return "DateTime64(" + unitPrecision(lt.Timestamp.Unit) + ")"
		case lt.Date != nil:
			return "Date32"
		case lt.Time != nil:
			return "Time64(" + unitPrecision(lt.Time.Unit) + ")"
		case lt.UTF8 != nil, lt.Enum != nil, lt.Json != nil:
			return "String"
		case lt.UUID != nil:
			return "UUID"
		case lt.Decimal != nil:
			return fmt.Sprintf("Decimal(%d, %d)", lt.Decimal.Precision, lt.Decimal.Scale)
		case lt.Integer != nil:
			prefix := "Int"
			if !lt.Integer.IsSigned {
				prefix = "UInt"
			}
			return fmt.Sprintf("%s%d", prefix, lt.Integer.BitWidth)
		}
	}

	switch t.Kind() {
	case parquet.Boolean:
		return "Bool"
	case parquet.Int32:
		return "Int32"
	case parquet.Int64:
		return "Int64"
	case parquet.Int96:
		// legacy nanosecond timestamps
		return "DateTime64(9)"
	case parquet.Float:
		return "Float32"
	case parquet.Double:
		return "Float64"
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return "String"
	default:
		return "Unknown"
	}
}

func unitPrecision(u format.TimeUnit) string {
	switch {
	case u.Nanos != nil:
		return "9"
	case u.Micros != nil:
		return "6"
	default:
		return "3"
	}
}

// ExecutorDiscoverer asks the engine to DESCRIBE the file.
type ExecutorDiscoverer struct {
	Executor executor.Executor
}

// Describe runs DESCRIBE TABLE over the file table function.
func (d ExecutorDiscoverer) Describe(ctx context.Context, ref files.Ref) ([]Column, error) {
	res, err := d.Executor.Execute(ctx, executor.Request{
		Query: "DESCRIBE TABLE " + ref.TableExpr(),
	})
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", ref.Path, err)
	}

	nameIdx, typeIdx := res.ColumnIndex("name"), res.ColumnIndex("type")
	if nameIdx < 0 || typeIdx < 0 {
		nameIdx, typeIdx = 0, 1
	}

	cols := make([]Column, 0, len(res.Rows))
	for _, row := range res.Rows {
		if len(row) <= typeIdx || len(row) <= nameIdx {
			continue
		}
		cols = append(cols, Describe(cast.ToString(row[nameIdx]), cast.ToString(row[typeIdx])))
	}
	return cols, nil
}

// Chain reads parquet footers locally and falls back to the engine for
// every other format or when the footer cannot be read.
type Chain struct {
	Parquet  Discoverer
	Fallback Discoverer
	Logger   *zap.Logger
}

// NewChain builds the default discoverer for an executor.
func NewChain(exec executor.Executor, logger *zap.Logger) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{
		Parquet:  ParquetDiscoverer{},
		Fallback: ExecutorDiscoverer{Executor: exec},
		Logger:   logger,
	}
}

// Describe implements Discoverer.
func (c *Chain) Describe(ctx context.Context, ref files.Ref) ([]Column, error) {
	if ref.Format == files.FormatParquet && c.Parquet != nil {
		cols, err := c.Parquet.Describe(ctx, ref)
		if err == nil {
			return cols, nil
		}
		c.Logger.Debug("Parquet footer unreadable, asking the engine",
			zap.String("path", ref.Path), zap.Error(err))
	}
	return c.Fallback.Describe(ctx, ref)
}
