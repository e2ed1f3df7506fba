package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nicktill/plotpurr/pkg/executor"
	"github.com/nicktill/plotpurr/pkg/files"
	"github.com/nicktill/plotpurr/pkg/schema"
	"github.com/nicktill/plotpurr/pkg/storage/memory"
	"github.com/nicktill/plotpurr/pkg/timerange"
)

func writeFile(t *testing.T, name, content string) files.Ref {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	ref, err := files.NewRef(path, "")
	require.NoError(t, err)
	return ref
}

func rangeResult(minEpoch, maxEpoch string, count string) *executor.Result {
	return &executor.Result{
		Columns: []string{"min_value", "max_value", "min_epoch", "max_epoch", "total_count"},
		Rows: [][]any{{
			"2023-11-14 22:13:20.000", "2023-11-14 22:15:00.000",
			json.Number(minEpoch), json.Number(maxEpoch), count,
		}},
	}
}

func TestRangeQuery(t *testing.T) {
	req := Request{
		File:           files.Ref{Path: "/data/a.parquet", Format: files.FormatParquet},
		TimeColumn:     "ts",
		DeclaredType:   "DateTime64(3)",
		Unit:           timerange.UnitMillis,
		NonNullColumns: []string{"temp", "rh"},
	}
	assert.True(t, req.IsTimestamp())
	assert.Equal(t,
		"SELECT toString(min(`ts`)) AS min_value, toString(max(`ts`)) AS max_value, "+
			"min(toUnixTimestamp64Milli(toDateTime64(`ts`, 3))) AS min_epoch, "+
			"max(toUnixTimestamp64Milli(toDateTime64(`ts`, 3))) AS max_epoch, count() AS total_count "+
			"FROM file('/data/a.parquet', 'Parquet') "+
			"WHERE `ts` IS NOT NULL AND (`temp` IS NOT NULL OR `rh` IS NOT NULL)",
		RangeQuery(req))

	numeric := Request{File: req.File, TimeColumn: "sample", DeclaredType: "UInt32", Unit: timerange.UnitNanos}
	assert.False(t, numeric.IsTimestamp())
	assert.Contains(t, RangeQuery(numeric), "min(toFloat64(`sample`)) AS min_epoch")
}

func TestTimeRange_CachesByFileIdentity(t *testing.T) {
	ref := writeFile(t, "a.csv", "ts,v\n1,2\n")

	calls := 0
	exec := executor.Func(func(ctx context.Context, req executor.Request) (*executor.Result, error) {
		calls++
		return rangeResult("1700000000000", "1700000100000", "42"), nil
	})
	metrics := NewMetrics()
	svc := New(exec, WithStore(memory.New()), WithLogger(zaptest.NewLogger(t)), WithMetrics(metrics))

	req := Request{File: ref, TimeColumn: "ts", DeclaredType: "DateTime64(3)", Unit: timerange.UnitMillis}
	ext, err := svc.TimeRange(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1700000000000.0, ext.MinEpoch)
	assert.Equal(t, 1700000100000.0, ext.MaxEpoch)
	assert.Equal(t, int64(42), ext.TotalCount)
	assert.False(t, ext.Empty())
	assert.Equal(t, timerange.Range{Start: 1700000000000, End: 1700000100000}, ext.Range())

	again, err := svc.TimeRange(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ext.MinEpoch, again.MinEpoch)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CacheLookups.WithLabelValues("extent", "hit")))

	// A different unit is a different question.
	req.Unit = timerange.UnitSeconds
	_, err = svc.TimeRange(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	// Rewriting the file invalidates its entries.
	require.NoError(t, os.WriteFile(ref.Path, []byte("ts,v\n1,2\n3,4\n"), 0o644))
	req.Unit = timerange.UnitMillis
	_, err = svc.TimeRange(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestTimeRange_EmptyNotCached(t *testing.T) {
	ref := writeFile(t, "empty.csv", "ts,v\n")

	calls := 0
	exec := executor.Func(func(ctx context.Context, req executor.Request) (*executor.Result, error) {
		calls++
		return rangeResult("0", "0", "0"), nil
	})
	svc := New(exec, WithStore(memory.New()))

	req := Request{File: ref, TimeColumn: "ts", DeclaredType: "Int64"}
	ext, err := svc.TimeRange(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, ext.Empty())

	_, err = svc.TimeRange(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestTimeRange_ExecutorError(t *testing.T) {
	exec := executor.Func(func(ctx context.Context, req executor.Request) (*executor.Result, error) {
		return nil, &executor.RequestError{Status: 500, Body: "boom"}
	})
	svc := New(exec)

	_, err := svc.TimeRange(context.Background(), Request{File: files.Ref{Path: "/missing.csv"}, TimeColumn: "ts"})
	require.Error(t, err)
	var reqErr *executor.RequestError
	assert.True(t, errors.As(err, &reqErr))
}

type countingDiscoverer struct {
	calls int
}

func (d *countingDiscoverer) Describe(ctx context.Context, ref files.Ref) ([]schema.Column, error) {
	d.calls++
	return []schema.Column{schema.Describe("ts", "DateTime64(3)"), schema.Describe("v", "Float64")}, nil
}

func TestDescribe_Cached(t *testing.T) {
	ref := writeFile(t, "b.csv", "ts,v\n")
	d := &countingDiscoverer{}
	svc := New(nil, WithStore(memory.New()), WithDiscoverer(d))

	cols, err := svc.Describe(context.Background(), ref)
	require.NoError(t, err)
	require.Len(t, cols, 2)

	cols, err = svc.Describe(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, schema.CategoryTemporal, cols[0].Category)
	assert.Equal(t, 1, d.calls)
}

func TestDescribe_NoStore(t *testing.T) {
	d := &countingDiscoverer{}
	svc := New(nil, WithDiscoverer(d))
	for i := 0; i < 2; i++ {
		_, err := svc.Describe(context.Background(), files.Ref{Path: "/x.csv"})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, d.calls)
}
