package viewport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nicktill/plotpurr/pkg/discovery"
	"github.com/nicktill/plotpurr/pkg/downsample"
	"github.com/nicktill/plotpurr/pkg/executor"
	"github.com/nicktill/plotpurr/pkg/files"
	"github.com/nicktill/plotpurr/pkg/registry"
	"github.com/nicktill/plotpurr/pkg/schema"
	"github.com/nicktill/plotpurr/pkg/timerange"
)

var (
	fileA = files.Ref{Path: "/data/a.csv", Format: files.FormatCSV}
	fileB = files.Ref{Path: "/data/b.csv", Format: files.FormatCSV}
	fileC = files.Ref{Path: "/data/c.csv", Format: files.FormatCSV}
)

type fakeDiscovery struct {
	mu       sync.Mutex
	columns  map[string][]schema.Column
	extents  map[string]discovery.Extent
	requests []discovery.Request

	// delay holds every range lookup open so overlapping calls are counted.
	delay     time.Duration
	active    int32
	maxActive int32
}

func newFakeDiscovery() *fakeDiscovery {
	cols := []schema.Column{
		schema.Describe("ts", "DateTime64(3)"),
		schema.Describe("temp", "Float64"),
		schema.Describe("rh", "Nullable(Float64)"),
	}
	return &fakeDiscovery{
		columns: map[string][]schema.Column{
			fileA.Path: cols,
			fileB.Path: cols,
			fileC.Path: {schema.Describe("name", "String")},
		},
		extents: map[string]discovery.Extent{
			fileA.Path: {MinEpoch: 0, MaxEpoch: 100, TotalCount: 1000},
			fileB.Path: {MinEpoch: 50, MaxEpoch: 200, TotalCount: 1000},
		},
	}
}

func (d *fakeDiscovery) Describe(_ context.Context, ref files.Ref) ([]schema.Column, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cols, ok := d.columns[ref.Path]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", ref.Path)
	}
	return cols, nil
}

func (d *fakeDiscovery) TimeRange(_ context.Context, req discovery.Request) (discovery.Extent, error) {
	n := atomic.AddInt32(&d.active, 1)
	defer atomic.AddInt32(&d.active, -1)
	for {
		m := atomic.LoadInt32(&d.maxActive)
		if n <= m || atomic.CompareAndSwapInt32(&d.maxActive, m, n) {
			break
		}
	}
	d.mu.Lock()
	delay := d.delay
	d.mu.Unlock()
	time.Sleep(delay)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	return d.extents[req.File.Path], nil
}

// fakeEngine answers count queries with total and plan queries with rows
// rows. hook runs before every query and may block or fail it.
type fakeEngine struct {
	mu      sync.Mutex
	total   int64
	rows    func(query string) int
	hook    func(query string) error
	queries []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{total: 10000}
}

func (e *fakeEngine) setHook(h func(string) error) {
	e.mu.Lock()
	e.hook = h
	e.mu.Unlock()
}

func (e *fakeEngine) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queries)
}

func (e *fakeEngine) recorded() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.queries...)
}

func (e *fakeEngine) Execute(_ context.Context, req executor.Request) (*executor.Result, error) {
	e.mu.Lock()
	e.queries = append(e.queries, req.Query)
	hook, rowsFn, total := e.hook, e.rows, e.total
	e.mu.Unlock()

	if hook != nil {
		if err := hook(req.Query); err != nil {
			return nil, err
		}
	}
	if strings.HasPrefix(req.Query, "SELECT count()") {
		return &executor.Result{Columns: []string{"total"}, Rows: [][]any{{total}}}, nil
	}

	n := 5
	if rowsFn != nil {
		n = rowsFn(req.Query)
	}
	cols := []string{downsample.TimeColumnName}
	for i := 0; strings.Contains(req.Query, downsample.ValueColumnName(i)); i++ {
		cols = append(cols, downsample.ValueColumnName(i))
	}
	res := &executor.Result{Columns: cols}
	for r := 0; r < n; r++ {
		row := []any{float64(r)}
		for range cols[1:] {
			row = append(row, float64(r)*1.5)
		}
		res.Rows = append(res.Rows, row)
	}
	return res, nil
}

type events struct {
	mu   sync.Mutex
	list []Event
}

func (e *events) record(ev Event) {
	e.mu.Lock()
	e.list = append(e.list, ev)
	e.mu.Unlock()
}

func (e *events) kinds() []EventKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []EventKind
	for _, ev := range e.list {
		out = append(out, ev.Kind)
	}
	return out
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id%d", n)
	}
}

type harness struct {
	ctl    *Controller
	engine *fakeEngine
	disc   *fakeDiscovery
	clock  *clock.Mock
	events *events
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithConfig(t, DefaultConfig())
}

func newHarnessWithConfig(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		engine: newFakeEngine(),
		disc:   newFakeDiscovery(),
		clock:  clock.NewMock(),
		events: &events{},
	}
	reg := registry.New(registry.WithIDGenerator(sequentialIDs()))
	h.ctl = New(reg, h.engine, h.disc, cfg,
		WithClock(h.clock),
		WithLogger(zaptest.NewLogger(t)),
	)
	h.ctl.Subscribe(h.events.record)
	t.Cleanup(h.ctl.Close)
	return h
}

func (h *harness) add(t *testing.T, plotID string, file files.Ref, column string) registry.Series {
	t.Helper()
	s, added, err := h.ctl.AddSeries(context.Background(), plotID, file, column, "")
	require.NoError(t, err)
	require.True(t, added)
	h.ctl.Wait()
	return s
}

func TestAddSeries_DiscoversRangeAndFetches(t *testing.T) {
	h := newHarness(t)

	snap := h.ctl.Snapshot()
	require.Len(t, snap.Plots, 1)
	assert.Equal(t, StateIdle, snap.Plots[0].State)
	assert.Nil(t, snap.FullExtent)

	s := h.add(t, "id1", fileA, "temp")
	assert.Equal(t, "ts", s.TimeColumn)

	snap = h.ctl.Snapshot()
	require.NotNil(t, snap.FullExtent)
	assert.Equal(t, timerange.Range{Start: 0, End: 100}, *snap.FullExtent)
	assert.Equal(t, timerange.Range{Start: 0, End: 100}, *snap.View)
	assert.Equal(t, timerange.Range{Start: 0, End: 100}, *snap.Fetch)

	p := snap.Plots[0]
	assert.Equal(t, StateReady, p.State)
	assert.False(t, p.Loading)
	require.Len(t, p.Series, 1)
	assert.Len(t, p.Series[0].Times, 5)
	assert.Len(t, p.Series[0].Values, 5)
	assert.Equal(t, int64(10000), p.Stats.TotalRows)
	assert.Equal(t, 5, p.Stats.ReturnedRows)
	assert.True(t, p.Stats.Downsampled)
	assert.Equal(t, string(downsample.StrategyLTTB), p.Stats.Strategy)
	assert.Equal(t, 1, p.Cached)

	require.Len(t, h.disc.requests, 1)
	assert.Equal(t, []string{"temp"}, h.disc.requests[0].NonNullColumns)
	assert.Contains(t, h.events.kinds(), EventSeriesAdded)
	assert.Contains(t, h.events.kinds(), EventDataUpdated)

	_, added, err := h.ctl.AddSeries(context.Background(), "id1", fileA, "temp", "")
	require.NoError(t, err)
	assert.False(t, added)
}

func TestAddSeries_NoTimeColumn(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.ctl.AddSeries(context.Background(), "id1", fileC, "name", "")
	assert.True(t, errors.Is(err, ErrNoTimeColumn))
	assert.Equal(t, 0, h.engine.calls())
}

func TestAddSeries_EmptyExtentAwaitsRange(t *testing.T) {
	h := newHarness(t)
	h.disc.extents[fileA.Path] = discovery.Extent{}

	h.add(t, "id1", fileA, "temp")

	snap := h.ctl.Snapshot()
	assert.Nil(t, snap.FullExtent)
	assert.Equal(t, StateAwaitingRange, snap.Plots[0].State)
	for _, q := range h.engine.recorded() {
		assert.NotContains(t, q, ">=")
	}
}

func TestAddSeries_MergesExtents(t *testing.T) {
	h := newHarness(t)
	h.add(t, "id1", fileA, "temp")
	h.add(t, "id1", fileB, "temp")

	snap := h.ctl.Snapshot()
	want := timerange.Range{Start: 0, End: 200}
	assert.Equal(t, want, *snap.FullExtent)
	assert.Equal(t, want, *snap.View)
	assert.Equal(t, want, *snap.Fetch)

	p := snap.Plots[0]
	require.Len(t, p.Series, 2)
	assert.Equal(t, "temp (a.csv)", p.Series[0].DisplayName)
	assert.Equal(t, "temp (b.csv)", p.Series[1].DisplayName)
	assert.Equal(t, int64(20000), p.Stats.TotalRows)
	assert.Equal(t, 10, p.Stats.ReturnedRows)
}

func TestOnRangeChange_SequenceIncreases(t *testing.T) {
	h := newHarness(t)
	h.add(t, "id1", fileA, "temp")

	last := h.ctl.Snapshot().Plots[0].Sequence
	for _, r := range []timerange.Range{{Start: 10, End: 20}, {Start: 15, End: 40}, {Start: 30, End: 35}} {
		require.True(t, h.ctl.OnRangeChange(RangeChange{Start: r.Start, End: r.End, Kind: KindSelect}))
		seq := h.ctl.Snapshot().Plots[0].Sequence
		assert.Greater(t, seq, last)
		last = seq
	}
	h.ctl.Wait()
}

func TestOnRangeChange_IgnoresInvalid(t *testing.T) {
	h := newHarness(t)
	h.add(t, "id1", fileA, "temp")
	issued := testutil.ToFloat64(h.ctl.Metrics().FetchesIssued)

	assert.False(t, h.ctl.OnRangeChange(RangeChange{Start: 20, End: 10, Kind: KindSelect}))
	assert.False(t, h.ctl.OnRangeChange(RangeChange{Start: 300, End: 400, Kind: KindSelect}))
	assert.Equal(t, issued, testutil.ToFloat64(h.ctl.Metrics().FetchesIssued))
}

func TestOnRangeChange_DebouncesContinuousChanges(t *testing.T) {
	h := newHarness(t)
	h.add(t, "id1", fileA, "temp")
	issued := testutil.ToFloat64(h.ctl.Metrics().FetchesIssued)

	h.ctl.OnRangeChange(RangeChange{Start: 10, End: 50, Kind: KindScroll})
	h.ctl.OnRangeChange(RangeChange{Start: 20, End: 60, Kind: KindDrag})

	snap := h.ctl.Snapshot()
	assert.Equal(t, timerange.Range{Start: 20, End: 60}, *snap.View)
	assert.Equal(t, timerange.Range{Start: 0, End: 100}, *snap.Fetch)

	h.clock.Add(DefaultConfig().DebounceDelay - time.Millisecond)
	assert.Equal(t, issued, testutil.ToFloat64(h.ctl.Metrics().FetchesIssued))

	h.clock.Add(time.Millisecond)
	h.ctl.Wait()

	assert.Equal(t, issued+1, testutil.ToFloat64(h.ctl.Metrics().FetchesIssued))
	assert.Equal(t, timerange.Range{Start: 20, End: 60}, *h.ctl.Snapshot().Fetch)
}

func TestOnRangeChange_ImmediateSkipsDebounce(t *testing.T) {
	h := newHarness(t)
	h.add(t, "id1", fileA, "temp")

	h.ctl.OnRangeChange(RangeChange{Start: 10, End: 50, Kind: KindScroll})
	h.ctl.OnRangeChange(RangeChange{Start: 20, End: 60, Kind: KindScroll, Immediate: true})
	assert.Equal(t, timerange.Range{Start: 20, End: 60}, *h.ctl.Snapshot().Fetch)

	// The superseded timer must not fire a second fetch.
	issued := testutil.ToFloat64(h.ctl.Metrics().FetchesIssued)
	h.clock.Add(time.Second)
	h.ctl.Wait()
	assert.Equal(t, issued, testutil.ToFloat64(h.ctl.Metrics().FetchesIssued))
}

func TestOnRangeChange_DiscardsStaleResponse(t *testing.T) {
	h := newHarness(t)
	h.add(t, "id1", fileA, "temp")

	release := make(chan struct{})
	h.engine.mu.Lock()
	h.engine.rows = func(q string) int {
		if strings.Contains(q, "toDateTime64(10, 9)") {
			return 3
		}
		return 7
	}
	h.engine.mu.Unlock()
	h.engine.setHook(func(q string) error {
		if strings.Contains(q, "toDateTime64(10, 9)") {
			<-release
		}
		return nil
	})

	h.ctl.OnRangeChange(RangeChange{Start: 10, End: 20, Kind: KindSelect})
	h.ctl.OnRangeChange(RangeChange{Start: 30, End: 40, Kind: KindSelect})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.ctl.Metrics().FetchesApplied) == 2
	}, 5*time.Second, 5*time.Millisecond)

	close(release)
	h.ctl.Wait()

	p := h.ctl.Snapshot().Plots[0]
	assert.Len(t, p.Series[0].Times, 7)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.ctl.Metrics().StaleDiscarded))
	assert.Equal(t, float64(2), testutil.ToFloat64(h.ctl.Metrics().FetchesApplied))
}

func TestOnRangeChange_SnapBackUsesCache(t *testing.T) {
	h := newHarness(t)
	h.add(t, "id1", fileA, "temp")
	res, err := h.ctl.Drop(context.Background(), "id1", registry.ZoneBottom, fileB, "temp", "")
	require.NoError(t, err)
	h.ctl.Wait()
	require.Len(t, h.ctl.Snapshot().Plots, 2)

	h.ctl.OnRangeChange(RangeChange{Start: 10, End: 20, Kind: KindSelect})
	h.ctl.Wait()
	before := h.ctl.Snapshot()

	calls := h.engine.calls()
	require.True(t, h.ctl.OnRangeChange(RangeChange{Start: 0.001, End: 199.999, Kind: KindScroll}))
	h.ctl.Wait()

	assert.Equal(t, calls, h.engine.calls())
	snap := h.ctl.Snapshot()
	assert.Equal(t, timerange.Range{Start: 0, End: 200}, *snap.View)
	assert.Equal(t, timerange.Range{Start: 0, End: 200}, *snap.Fetch)

	for _, id := range []string{"id1", res.PlotID} {
		p, ok := snap.Plot(id)
		require.True(t, ok)
		prev, _ := before.Plot(id)
		assert.Equal(t, prev.ResetToken+1, p.ResetToken, id)
		assert.Equal(t, StateReady, p.State, id)
		require.Len(t, p.Series, 1)
		assert.Len(t, p.Series[0].Times, 5, id)
	}
	assert.Equal(t, float64(1), testutil.ToFloat64(h.ctl.Metrics().SnapBacks))
	assert.Contains(t, h.events.kinds(), EventSnapBack)
}

func TestOnRangeChange_NearFullMissFetchesFullExtent(t *testing.T) {
	h := newHarness(t)
	h.add(t, "id1", fileA, "temp")

	h.ctl.OnRangeChange(RangeChange{Start: 10, End: 20, Kind: KindSelect})
	h.ctl.Wait()
	// No overview exists for avg yet.
	require.NoError(t, h.ctl.SetSettings(2000, downsample.MethodAvg))
	h.ctl.Wait()
	writes := testutil.ToFloat64(h.ctl.Metrics().CacheWrites)

	// A continuous near-full zoom-out is not debounced and widens to the
	// exact full extent.
	require.True(t, h.ctl.OnRangeChange(RangeChange{Start: 1, End: 99, Kind: KindScroll}))
	snap := h.ctl.Snapshot()
	require.Equal(t, timerange.Range{Start: 0, End: 100}, *snap.Fetch)
	assert.Equal(t, timerange.Range{Start: 0, End: 100}, *snap.View)
	h.ctl.Wait()
	assert.Equal(t, writes+1, testutil.ToFloat64(h.ctl.Metrics().CacheWrites))
	assert.Equal(t, float64(0), testutil.ToFloat64(h.ctl.Metrics().SnapBacks))

	h.ctl.OnRangeChange(RangeChange{Start: 10, End: 20, Kind: KindSelect})
	h.ctl.Wait()

	calls := h.engine.calls()
	require.True(t, h.ctl.OnRangeChange(RangeChange{Start: 1, End: 99, Kind: KindSelect}))
	h.ctl.Wait()
	assert.Equal(t, calls, h.engine.calls())
	assert.Equal(t, float64(1), testutil.ToFloat64(h.ctl.Metrics().SnapBacks))
	assert.Equal(t, timerange.Range{Start: 0, End: 100}, *h.ctl.Snapshot().Fetch)
}

func TestOnRangeChange_NoSnapBackWithoutOverview(t *testing.T) {
	h := newHarness(t)
	h.add(t, "id1", fileA, "temp")
	require.NoError(t, h.ctl.SetSettings(500, downsample.MethodMinMax))
	h.ctl.Wait()

	// The cached overview was built for a different method; a full zoom-out
	// after narrowing has to query again.
	h.ctl.OnRangeChange(RangeChange{Start: 10, End: 20, Kind: KindSelect})
	h.ctl.Wait()
	require.NoError(t, h.ctl.SetSettings(2000, downsample.MethodAvg))
	h.ctl.Wait()

	calls := h.engine.calls()
	h.ctl.OnRangeChange(RangeChange{Start: 0, End: 100, Kind: KindReset})
	h.ctl.Wait()
	assert.Greater(t, h.engine.calls(), calls)
	assert.Equal(t, float64(0), testutil.ToFloat64(h.ctl.Metrics().SnapBacks))
}

func TestSetSettings_RefetchesAndKeysCacheByMethod(t *testing.T) {
	h := newHarness(t)
	h.add(t, "id1", fileA, "temp")

	require.NoError(t, h.ctl.SetSettings(500, downsample.MethodMinMax))
	h.ctl.Wait()

	var sawMinMax bool
	for _, q := range h.engine.recorded() {
		if strings.Contains(q, "argMinIf") {
			sawMinMax = true
		}
	}
	assert.True(t, sawMinMax)

	snap := h.ctl.Snapshot()
	assert.Equal(t, Settings{PointBudget: 500, Method: downsample.MethodMinMax, Unit: timerange.UnitNone}, snap.Settings)
	p := snap.Plots[0]
	assert.Equal(t, string(downsample.StrategyMinMax), p.Stats.Strategy)
	assert.Equal(t, 2, p.Cached)

	// Returning to the first settings overwrites its entry instead of adding one.
	require.NoError(t, h.ctl.SetSettings(2000, downsample.MethodLTTB))
	h.ctl.Wait()
	assert.Equal(t, 2, h.ctl.Snapshot().Plots[0].Cached)

	assert.Error(t, h.ctl.SetSettings(100, "median"))
}

func TestSetSettings_SmallResultIsRaw(t *testing.T) {
	h := newHarness(t)
	h.engine.total = 10
	h.add(t, "id1", fileA, "temp")

	p := h.ctl.Snapshot().Plots[0]
	assert.False(t, p.Stats.Downsampled)
	assert.Equal(t, string(downsample.StrategyRaw), p.Stats.Strategy)
}

func TestFetchFailure_KeepsData(t *testing.T) {
	h := newHarness(t)
	h.add(t, "id1", fileA, "temp")
	h.engine.setHook(func(string) error { return errors.New("engine down") })

	h.ctl.OnRangeChange(RangeChange{Start: 10, End: 20, Kind: KindSelect})
	h.ctl.Wait()

	p := h.ctl.Snapshot().Plots[0]
	assert.Equal(t, StateReady, p.State)
	assert.Len(t, p.Series[0].Times, 5)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.ctl.Metrics().FetchErrors))
	assert.Contains(t, h.events.kinds(), EventFetchFailed)
}

func TestDrop_SplitsAndRemovalCollapses(t *testing.T) {
	h := newHarness(t)
	h.add(t, "id1", fileA, "temp")

	res, err := h.ctl.Drop(context.Background(), "id1", registry.ZoneRight, fileB, "temp", "")
	require.NoError(t, err)
	h.ctl.Wait()
	assert.True(t, res.Split)
	assert.Equal(t, "id4", res.PlotID)
	assert.Equal(t, "id3", res.Series.ID)

	snap := h.ctl.Snapshot()
	require.Len(t, snap.Plots, 2)
	assert.Equal(t, registry.Split(registry.DirectionRow, registry.Leaf("id1"), registry.Leaf("id4")), snap.Layout)
	assert.Equal(t, timerange.Range{Start: 0, End: 200}, *snap.FullExtent)

	require.NoError(t, h.ctl.RemoveSeries("id4", "id3"))
	h.ctl.Wait()

	snap = h.ctl.Snapshot()
	require.Len(t, snap.Plots, 1)
	assert.Equal(t, registry.Leaf("id1"), snap.Layout)
	assert.Equal(t, timerange.Range{Start: 0, End: 100}, *snap.FullExtent)
	assert.Equal(t, timerange.Range{Start: 0, End: 100}, *snap.View)
	assert.Equal(t, timerange.Range{Start: 0, End: 100}, *snap.Fetch)
	assert.Contains(t, h.events.kinds(), EventPlotRemoved)
}

func TestDrop_CenterAddsToPlot(t *testing.T) {
	h := newHarness(t)
	res, err := h.ctl.Drop(context.Background(), "id1", registry.ZoneCenter, fileA, "rh", "")
	require.NoError(t, err)
	h.ctl.Wait()
	assert.False(t, res.Split)
	assert.Equal(t, "id1", res.PlotID)
	assert.Len(t, h.ctl.Snapshot().Plots[0].Series, 1)
}

func TestRemoveSeries_LastPlotGoesIdle(t *testing.T) {
	h := newHarness(t)
	s := h.add(t, "id1", fileA, "temp")

	require.NoError(t, h.ctl.RemoveSeries("id1", s.ID))
	h.ctl.Wait()

	snap := h.ctl.Snapshot()
	require.Len(t, snap.Plots, 1)
	p := snap.Plots[0]
	assert.Equal(t, StateIdle, p.State)
	assert.Equal(t, Stats{}, p.Stats)
	assert.Equal(t, 0, p.Cached)
	assert.Nil(t, snap.FullExtent)
	assert.Nil(t, snap.View)

	assert.ErrorIs(t, h.ctl.RemoveSeries("id1", s.ID), registry.ErrSeriesNotFound)
	assert.ErrorIs(t, h.ctl.RemovePlot("id1"), registry.ErrLastPlot)
}

func TestRemovePlot(t *testing.T) {
	h := newHarness(t)
	h.add(t, "id1", fileA, "temp")
	id := h.ctl.AddPlot()
	h.add(t, id, fileB, "rh")
	assert.Equal(t, timerange.Range{Start: 0, End: 200}, *h.ctl.Snapshot().FullExtent)

	require.NoError(t, h.ctl.RemovePlot(id))
	h.ctl.Wait()

	snap := h.ctl.Snapshot()
	assert.Len(t, snap.Plots, 1)
	assert.Equal(t, timerange.Range{Start: 0, End: 100}, *snap.FullExtent)
}

func TestSetTimeUnit_Rediscovers(t *testing.T) {
	h := newHarness(t)
	h.add(t, "id1", fileA, "temp")
	require.Equal(t, 1, h.ctl.Snapshot().Plots[0].Cached)

	h.disc.mu.Lock()
	h.disc.extents[fileA.Path] = discovery.Extent{MinEpoch: 0, MaxEpoch: 100000, TotalCount: 1000}
	h.disc.mu.Unlock()

	require.NoError(t, h.ctl.SetTimeUnit(context.Background(), timerange.UnitMillis))
	h.ctl.Wait()

	snap := h.ctl.Snapshot()
	assert.Equal(t, timerange.UnitMillis, snap.Settings.Unit)
	assert.Equal(t, timerange.Range{Start: 0, End: 100000}, *snap.FullExtent)
	assert.Equal(t, 1, snap.Plots[0].Cached)

	h.disc.mu.Lock()
	last := h.disc.requests[len(h.disc.requests)-1]
	h.disc.mu.Unlock()
	assert.Equal(t, timerange.UnitMillis, last.Unit)

	assert.Error(t, h.ctl.SetTimeUnit(context.Background(), "fortnights"))
}

func TestSetTimeUnit_RediscoveryIsBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrency = 1
	h := newHarnessWithConfig(t, cfg)
	h.add(t, "id1", fileA, "temp")
	h.add(t, "id1", fileA, "rh")
	h.add(t, "id1", fileB, "temp")

	h.disc.mu.Lock()
	h.disc.delay = 20 * time.Millisecond
	h.disc.requests = nil
	h.disc.mu.Unlock()
	atomic.StoreInt32(&h.disc.maxActive, 0)

	require.NoError(t, h.ctl.SetTimeUnit(context.Background(), timerange.UnitMillis))
	h.ctl.Wait()

	h.disc.mu.Lock()
	assert.Len(t, h.disc.requests, 3)
	h.disc.mu.Unlock()
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.disc.maxActive))
	assert.Equal(t, timerange.Range{Start: 0, End: 200}, *h.ctl.Snapshot().FullExtent)
}

func TestSetTimeColumn_MovesSeries(t *testing.T) {
	h := newHarness(t)
	h.add(t, "id1", fileA, "temp")

	require.NoError(t, h.ctl.SetTimeColumn(context.Background(), fileA.Path, "rh"))
	h.ctl.Wait()

	p := h.ctl.Snapshot().Plots[0]
	require.Len(t, p.Series, 1)
	assert.Equal(t, "rh", p.Series[0].TimeColumn)
	assert.Len(t, p.Series[0].Times, 5)
	assert.Equal(t, "rh", h.ctl.Registry().DefaultTimeColumn(fileA.Path))
}

func TestPlans_AreTemplated(t *testing.T) {
	h := newHarness(t)
	h.add(t, "id1", fileA, "temp")
	h.add(t, "id1", fileA, "rh")

	plans, err := h.ctl.Plans(context.Background(), "id1")
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, []string{"temp", "rh"}, plans[0].Columns)
	assert.Equal(t, downsample.StrategyLTTB, plans[0].Strategy)
	assert.Contains(t, plans[0].SQL, timerange.StartToken)
	assert.Contains(t, plans[0].SQL, timerange.EndToken)

	_, err = h.ctl.Plans(context.Background(), "nope")
	assert.ErrorIs(t, err, registry.ErrPlotNotFound)
}

func TestGroupSeries(t *testing.T) {
	series := []registry.Series{
		{File: fileA, TimeColumn: "ts", Column: "temp"},
		{File: fileB, TimeColumn: "ts", Column: "temp"},
		{File: fileA, TimeColumn: "ts", Column: "rh"},
		{File: fileA, TimeColumn: "rh", Column: "temp"},
	}
	groups := groupSeries(series)
	require.Len(t, groups, 3)
	assert.Equal(t, []string{"temp", "rh"}, groups[0].columns)
	assert.Equal(t, fileB, groups[1].file)
	assert.Equal(t, "rh", groups[2].timeColumn)
}
