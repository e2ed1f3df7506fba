package viewport

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nicktill/plotpurr/pkg/downsample"
	"github.com/nicktill/plotpurr/pkg/executor"
	"github.com/nicktill/plotpurr/pkg/files"
	"github.com/nicktill/plotpurr/pkg/registry"
	"github.com/nicktill/plotpurr/pkg/schema"
	"github.com/nicktill/plotpurr/pkg/timerange"
)

// group is the set of series of one plot that share a file and time column
// and are answered by a single query.
type group struct {
	file       files.Ref
	timeColumn string
	columns    []string
}

func groupSeries(series []registry.Series) []group {
	type key struct {
		path, format, timeColumn string
	}
	idx := make(map[key]int)
	var out []group
	for _, s := range series {
		k := key{s.File.Path, s.File.Format, s.TimeColumn}
		i, ok := idx[k]
		if !ok {
			i = len(out)
			idx[k] = i
			out = append(out, group{file: s.File, timeColumn: s.TimeColumn})
		}
		if !contains(out[i].columns, s.Column) {
			out[i].columns = append(out[i].columns, s.Column)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type fetchJob struct {
	plotID   string
	seq      uint64
	series   []registry.Series
	settings Settings
	rng      timerange.Range
	hasRange bool
	started  time.Time
}

type groupResult struct {
	group    group
	frame    downsample.Frame
	total    int64
	strategy downsample.Strategy
}

func (c *Controller) fetchAllLocked() {
	for _, id := range c.reg.PlotIDs() {
		c.fetchPlotLocked(id)
	}
}

// fetchPlotLocked issues a fetch of the plot at the current fetch range.
func (c *Controller) fetchPlotLocked(plotID string) {
	p, ok := c.reg.Plot(plotID)
	if !ok {
		return
	}
	ps := c.plotStateLocked(plotID)
	ps.seq++
	if len(p.Series) == 0 {
		ps.loading = false
		return
	}
	ps.loading = true

	job := fetchJob{
		plotID:   plotID,
		seq:      ps.seq,
		series:   p.Series,
		settings: c.settings,
		rng:      c.fetch,
		hasRange: c.hasView,
		started:  c.clock.Now(),
	}
	c.metrics.FetchesIssued.Inc()
	c.inflight.Add(1)
	go c.runFetch(job)
}

func (c *Controller) runFetch(job fetchJob) {
	defer c.inflight.Done()

	groups := groupSeries(job.series)
	results := make([]groupResult, len(groups))
	errs := make([]error, len(groups))

	g, ctx := errgroup.WithContext(c.ctx)
	if c.cfg.MaxConcurrency > 0 {
		g.SetLimit(c.cfg.MaxConcurrency)
	}
	for i := range groups {
		i := i
		g.Go(func() error {
			res, err := c.fetchGroup(ctx, job, groups[i])
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", groups[i].file.Name(), err)
				return errs[i]
			}
			results[i] = res
			return nil
		})
	}
	var err error
	if g.Wait() != nil {
		err = multierr.Combine(errs...)
	}

	elapsed := c.clock.Since(job.started)
	c.apply(job, results, elapsed, err)
}

func (c *Controller) fetchGroup(ctx context.Context, job fetchJob, g group) (groupResult, error) {
	cols, err := c.disc.Describe(ctx, g.file)
	if err != nil {
		return groupResult{}, err
	}
	tc, ok := schema.Find(cols, g.timeColumn)
	if !ok {
		return groupResult{}, fmt.Errorf("%w: %s", ErrTimeColumnMissing, g.timeColumn)
	}
	isTs := schema.IsTimeEligible(tc.DeclaredType)

	pred := timerange.Build(g.timeColumn, nil, nil, isTs, job.settings.Unit)
	if job.hasRange {
		pred = timerange.Between(g.timeColumn, job.rng, isTs, job.settings.Unit)
	}

	total, err := c.count(ctx, g, pred)
	if err != nil {
		return groupResult{}, fmt.Errorf("count: %w", err)
	}
	strategy := downsample.ChooseStrategy(job.settings.Method, total, job.settings.PointBudget)

	q, err := downsample.Build(downsample.Plan{
		Source:       g.file,
		TimeColumn:   g.timeColumn,
		ValueColumns: g.columns,
		Predicate:    pred,
		PointBudget:  job.settings.PointBudget,
		Strategy:     strategy,
		IsTimestamp:  isTs,
		Unit:         job.settings.Unit,
	})
	if err != nil {
		return groupResult{}, err
	}
	res, err := c.exec.Execute(ctx, executor.Request{Query: q.SQL, Params: q.Params})
	if err != nil {
		return groupResult{}, err
	}
	frame, err := downsample.Decode(res, g.columns)
	if err != nil {
		return groupResult{}, err
	}
	return groupResult{group: g, frame: frame, total: total, strategy: q.Strategy}, nil
}

func (c *Controller) count(ctx context.Context, g group, pred timerange.Predicate) (int64, error) {
	res, err := c.exec.Execute(ctx, executor.Request{Query: downsample.CountQuery(g.file, pred, g.columns)})
	if err != nil {
		return 0, err
	}
	idx := res.ColumnIndex("total")
	if idx < 0 || len(res.Rows) == 0 || idx >= len(res.Rows[0]) {
		return 0, errors.New("count result has no total")
	}
	f := downsample.ToFloat(res.Rows[0][idx])
	if math.IsNaN(f) {
		return 0, errors.New("count result is not numeric")
	}
	return int64(f), nil
}

// apply stores a completed fetch unless a newer one was issued meanwhile.
func (c *Controller) apply(job fetchJob, results []groupResult, elapsed time.Duration, err error) {
	c.mu.Lock()
	ps, ok := c.plots[job.plotID]
	if !ok || ps.seq != job.seq {
		c.mu.Unlock()
		c.metrics.StaleDiscarded.Inc()
		c.logger.Debug("Discarding superseded fetch", zap.String("plot", job.plotID), zap.Uint64("seq", job.seq))
		return
	}
	ps.loading = false

	if err != nil {
		c.mu.Unlock()
		c.metrics.FetchErrors.Inc()
		c.logger.Error("Fetch failed", zap.String("plot", job.plotID), zap.Error(err))
		c.notify(Event{Kind: EventFetchFailed, PlotID: job.plotID, Error: err.Error()})
		return
	}

	live := make(map[registry.Signature]bool)
	if p, ok := c.reg.Plot(job.plotID); ok {
		for _, s := range p.Series {
			live[s.Signature()] = true
		}
	}

	stats := Stats{ElapsedMS: float64(elapsed) / float64(time.Millisecond)}
	var strategies []string
	for _, r := range results {
		stats.TotalRows += r.total
		stats.ReturnedRows += r.frame.Len()
		if r.strategy != downsample.StrategyRaw {
			stats.Downsampled = true
		}
		if !contains(strategies, string(r.strategy)) {
			strategies = append(strategies, string(r.strategy))
		}
	}
	sort.Strings(strategies)
	if len(strategies) == 1 {
		stats.Strategy = strategies[0]
	} else if len(strategies) > 1 {
		stats.Strategy = "mixed"
	}
	ps.stats = stats

	cacheable := job.hasRange && c.hasFull && job.rng.ApproxEqual(c.full, c.cfg.CacheTolerance)
	for _, r := range results {
		for _, col := range r.group.columns {
			sig := registry.Signature{Path: r.group.file.Path, TimeColumn: r.group.timeColumn, Column: col, Format: r.group.file.Format}
			if !live[sig] {
				continue
			}
			d := seriesData{times: r.frame.Times, values: r.frame.Values[col]}
			ps.data[sig] = d
			if cacheable {
				ps.cache[c.cacheKey(sig, job.settings)] = cacheEntry{data: d, extent: c.full, stats: stats}
			}
		}
	}
	if cacheable {
		c.metrics.CacheWrites.Inc()
	}
	c.mu.Unlock()

	c.metrics.FetchesApplied.Inc()
	c.metrics.FetchLatency.Observe(elapsed.Seconds())
	c.notify(Event{Kind: EventDataUpdated, PlotID: job.plotID})
}

// PlannedQuery is the reusable form of one group query of a plot. Its SQL
// carries timerange.StartToken and timerange.EndToken for the range bounds.
type PlannedQuery struct {
	File       files.Ref           `json:"file"`
	TimeColumn string              `json:"time_column"`
	Columns    []string            `json:"columns"`
	Strategy   downsample.Strategy `json:"strategy"`
	SQL        string              `json:"sql"`
}

// Plans returns the templated downsampling query of every group of a plot
// under the current settings.
func (c *Controller) Plans(ctx context.Context, plotID string) ([]PlannedQuery, error) {
	p, ok := c.reg.Plot(plotID)
	if !ok {
		return nil, registry.ErrPlotNotFound
	}
	settings := c.Settings()
	strategy := downsample.ChooseStrategy(settings.Method, math.MaxInt64, settings.PointBudget)

	var out []PlannedQuery
	for _, g := range groupSeries(p.Series) {
		cols, err := c.disc.Describe(ctx, g.file)
		if err != nil {
			return nil, err
		}
		tc, ok := schema.Find(cols, g.timeColumn)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrTimeColumnMissing, g.timeColumn)
		}
		isTs := schema.IsTimeEligible(tc.DeclaredType)
		q, err := downsample.Build(downsample.Plan{
			Source:       g.file,
			TimeColumn:   g.timeColumn,
			ValueColumns: g.columns,
			Predicate:    timerange.BuildTemplate(g.timeColumn, isTs, settings.Unit),
			PointBudget:  settings.PointBudget,
			Strategy:     strategy,
			IsTimestamp:  isTs,
			Unit:         settings.Unit,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, PlannedQuery{
			File:       g.file,
			TimeColumn: g.timeColumn,
			Columns:    g.columns,
			Strategy:   q.Strategy,
			SQL:        q.SQL,
		})
	}
	return out, nil
}
