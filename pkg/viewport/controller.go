// Package viewport keeps every plot's data in step with the visible time
// range. It owns the full extent, the view and fetch ranges, per-plot
// sequence numbers and the overview cache, and turns range, settings and
// registry changes into downsampled fetches.
//
// Responses are applied only when their sequence number is still the plot's
// latest; superseded requests run to completion and are dropped.
package viewport

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nicktill/plotpurr/pkg/discovery"
	"github.com/nicktill/plotpurr/pkg/downsample"
	"github.com/nicktill/plotpurr/pkg/executor"
	"github.com/nicktill/plotpurr/pkg/files"
	"github.com/nicktill/plotpurr/pkg/registry"
	"github.com/nicktill/plotpurr/pkg/schema"
	"github.com/nicktill/plotpurr/pkg/timerange"
)

// Discovery answers schema and time-range questions about files.
type Discovery interface {
	Describe(ctx context.Context, ref files.Ref) ([]schema.Column, error)
	TimeRange(ctx context.Context, req discovery.Request) (discovery.Extent, error)
}

type seriesData struct {
	times  downsample.Column
	values downsample.Column
}

type cacheEntry struct {
	data   seriesData
	extent timerange.Range
	stats  Stats
}

type plotState struct {
	seq        uint64
	data       map[registry.Signature]seriesData
	stats      Stats
	loading    bool
	resetToken uint64
	cache      map[CacheKey]cacheEntry
}

func newPlotState() *plotState {
	return &plotState{
		data:  make(map[registry.Signature]seriesData),
		cache: make(map[CacheKey]cacheEntry),
	}
}

// pendingRange is a debounced fetch range waiting on its timer. Whoever
// sets released first owns the matching inflight.Done.
type pendingRange struct {
	r        timerange.Range
	timer    *clock.Timer
	released bool
}

// Controller is the viewport state machine. All methods are safe for
// concurrent use.
type Controller struct {
	reg     *registry.Registry
	exec    executor.Executor
	disc    Discovery
	cfg     Config
	clock   clock.Clock
	logger  *zap.Logger
	metrics *Metrics

	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup

	mu       sync.Mutex
	settings Settings
	full     timerange.Range
	view     timerange.Range
	fetch    timerange.Range
	hasFull  bool
	hasView  bool
	plots    map[string]*plotState
	extents  map[registry.Signature]timerange.Range
	pending  *pendingRange
	epoch    uint64

	subMu  sync.RWMutex
	subs   map[int]func(Event)
	nextID int
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the wall clock used for debouncing.
func WithClock(c clock.Clock) Option {
	return func(ctl *Controller) { ctl.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(ctl *Controller) { ctl.logger = logger }
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(ctl *Controller) { ctl.metrics = m }
}

// New creates a controller over a registry.
func New(reg *registry.Registry, exec executor.Executor, disc Discovery, cfg Config, opts ...Option) *Controller {
	def := DefaultConfig()
	if cfg.DebounceDelay <= 0 {
		cfg.DebounceDelay = def.DebounceDelay
	}
	if cfg.SnapTolerance <= 0 {
		cfg.SnapTolerance = def.SnapTolerance
	}
	if cfg.CacheTolerance <= 0 {
		cfg.CacheTolerance = def.CacheTolerance
	}
	if cfg.Settings.Method == "" {
		cfg.Settings.Method = def.Settings.Method
	}
	if cfg.Settings.Unit == "" {
		cfg.Settings.Unit = def.Settings.Unit
	}
	cfg.Settings.PointBudget = downsample.ClampBudget(cfg.Settings.PointBudget)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		reg:      reg,
		exec:     exec,
		disc:     disc,
		cfg:      cfg,
		clock:    clock.New(),
		logger:   zap.NewNop(),
		ctx:      ctx,
		cancel:   cancel,
		settings: cfg.Settings,
		plots:    make(map[string]*plotState),
		extents:  make(map[registry.Signature]timerange.Range),
		subs:     make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics()
	}
	for _, id := range reg.PlotIDs() {
		c.plots[id] = newPlotState()
	}
	return c
}

// Registry returns the registry the controller reads.
func (c *Controller) Registry() *registry.Registry {
	return c.reg
}

// Metrics returns the controller's collectors.
func (c *Controller) Metrics() *Metrics {
	return c.metrics
}

// Settings returns the current settings.
func (c *Controller) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// Subscribe registers fn for change events and returns a function that
// removes it. fn runs on the goroutine that made the change and must not block.
func (c *Controller) Subscribe(fn func(Event)) func() {
	c.subMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *Controller) notify(ev Event) {
	c.subMu.RLock()
	subs := make([]func(Event), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.subMu.RUnlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// Wait blocks until in-flight fetches and pending debounce timers settle.
func (c *Controller) Wait() {
	c.inflight.Wait()
}

// Close cancels pending work and waits for in-flight fetches to return.
func (c *Controller) Close() {
	c.mu.Lock()
	c.cancelPendingLocked()
	c.mu.Unlock()
	c.cancel()
	c.Wait()
}

// AddSeries adds column of file to a plot, discovers its time range, merges
// it into the full extent and refetches. An empty timeColumn uses the file's
// default. Adding a duplicate is a no-op that returns false.
func (c *Controller) AddSeries(ctx context.Context, plotID string, file files.Ref, column, timeColumn string) (registry.Series, bool, error) {
	timeColumn, err := c.resolveTimeColumn(ctx, file, timeColumn)
	if err != nil {
		return registry.Series{}, false, err
	}
	s, added, err := c.reg.AddSeries(plotID, file, column, timeColumn)
	if err != nil || !added {
		return s, added, err
	}
	c.afterAdd(ctx, plotID, s)
	return s, true, nil
}

// DropResult reports what a drop did.
type DropResult struct {
	PlotID string          `json:"plot_id"`
	Series registry.Series `json:"series"`
	Added  bool            `json:"added"`
	Split  bool            `json:"split"`
}

// Drop adds a series to the target plot for a center drop, or splits the
// target and puts the series in a new plot for an edge drop.
func (c *Controller) Drop(ctx context.Context, plotID string, zone registry.Zone, file files.Ref, column, timeColumn string) (DropResult, error) {
	if zone == registry.ZoneCenter || zone == "" {
		s, added, err := c.AddSeries(ctx, plotID, file, column, timeColumn)
		return DropResult{PlotID: plotID, Series: s, Added: added}, err
	}

	timeColumn, err := c.resolveTimeColumn(ctx, file, timeColumn)
	if err != nil {
		return DropResult{}, err
	}
	newID, s, err := c.reg.SplitPlot(plotID, zone, file, column, timeColumn)
	if err != nil {
		return DropResult{}, err
	}
	c.afterAdd(ctx, newID, s)
	return DropResult{PlotID: newID, Series: s, Added: true, Split: true}, nil
}

func (c *Controller) resolveTimeColumn(ctx context.Context, file files.Ref, timeColumn string) (string, error) {
	if timeColumn != "" {
		return timeColumn, nil
	}
	if d := c.reg.DefaultTimeColumn(file.Path); d != "" {
		return d, nil
	}
	cols, err := c.disc.Describe(ctx, file)
	if err != nil {
		return "", fmt.Errorf("describe %s: %w", file.Name(), err)
	}
	d := schema.DefaultTimeColumn(cols)
	if d == "" {
		return "", fmt.Errorf("%w: %s", ErrNoTimeColumn, file.Name())
	}
	return d, nil
}

func (c *Controller) afterAdd(ctx context.Context, plotID string, s registry.Series) {
	c.mu.Lock()
	c.plotStateLocked(plotID)
	unit, epoch := c.settings.Unit, c.epoch
	c.mu.Unlock()

	r, ok, err := c.discoverExtent(ctx, s, unit)
	if err != nil {
		c.logger.Warn("Time range discovery failed",
			zap.String("file", s.File.Path), zap.String("column", s.Column), zap.Error(err))
	}

	c.mu.Lock()
	if ok && epoch == c.epoch {
		c.mergeExtentLocked(s.Signature(), r)
	}
	c.supersedeLocked()
	c.fetchAllLocked()
	c.mu.Unlock()

	c.notify(Event{Kind: EventSeriesAdded, PlotID: plotID})
}

// discoverExtent returns ok=false without error when the series' time
// column is missing or has no rows.
func (c *Controller) discoverExtent(ctx context.Context, s registry.Series, unit timerange.Unit) (timerange.Range, bool, error) {
	cols, err := c.disc.Describe(ctx, s.File)
	if err != nil {
		return timerange.Range{}, false, err
	}
	tc, found := schema.Find(cols, s.TimeColumn)
	if !found {
		c.logger.Warn("Skipping range update, time column not in schema",
			zap.String("file", s.File.Path), zap.String("time_column", s.TimeColumn))
		return timerange.Range{}, false, nil
	}

	ext, err := c.disc.TimeRange(ctx, discovery.Request{
		File:           s.File,
		TimeColumn:     s.TimeColumn,
		DeclaredType:   tc.DeclaredType,
		Unit:           unit,
		NonNullColumns: []string{s.Column},
	})
	if err != nil {
		return timerange.Range{}, false, err
	}
	if ext.Empty() || !ext.Range().Valid() {
		return timerange.Range{}, false, nil
	}
	return ext.Range(), true, nil
}

// mergeExtentLocked widens the full extent, view and fetch range by r.
func (c *Controller) mergeExtentLocked(sig registry.Signature, r timerange.Range) {
	c.extents[sig] = r
	if c.hasFull {
		c.full = c.full.Union(r)
	} else {
		c.full, c.hasFull = r, true
	}
	if c.hasView {
		c.view = c.view.Union(r)
		c.fetch = c.fetch.Union(r)
	} else {
		c.view, c.fetch, c.hasView = r, r, true
	}
}

// recomputeFullLocked rebuilds the full extent from the series still
// registered and clamps the view and fetch ranges into it.
func (c *Controller) recomputeFullLocked() {
	active := make(map[registry.Signature]bool)
	for _, sig := range c.reg.Signatures() {
		active[sig] = true
	}
	for sig := range c.extents {
		if !active[sig] {
			delete(c.extents, sig)
		}
	}

	c.hasFull = false
	for _, r := range c.extents {
		if c.hasFull {
			c.full = c.full.Union(r)
		} else {
			c.full, c.hasFull = r, true
		}
	}
	if !c.hasFull {
		c.full = timerange.Range{}
		c.hasView = false
		return
	}
	if !c.hasView {
		c.view, c.fetch, c.hasView = c.full, c.full, true
		return
	}
	if v := c.view.Clamp(c.full); v.Valid() {
		c.view = v
	} else {
		c.view = c.full
	}
	if f := c.fetch.Clamp(c.full); f.Valid() {
		c.fetch = f
	} else {
		c.fetch = c.view
	}
}

// RemoveSeries removes a series and prunes its data and cache entries.
func (c *Controller) RemoveSeries(plotID, seriesID string) error {
	removed, plotRemoved, err := c.reg.RemoveSeries(plotID, seriesID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	sig := removed.Signature()
	if plotRemoved {
		delete(c.plots, plotID)
	} else if ps, ok := c.plots[plotID]; ok {
		delete(ps.data, sig)
		pruneCache(ps, sig)
		if p, _ := c.reg.Plot(plotID); len(p.Series) == 0 {
			ps.seq++
			ps.loading = false
			ps.stats = Stats{}
		}
	}
	c.afterRemoveLocked()
	c.mu.Unlock()

	kind := EventSeriesRemoved
	if plotRemoved {
		kind = EventPlotRemoved
	}
	c.notify(Event{Kind: kind, PlotID: plotID})
	return nil
}

// RemovePlot removes a plot and everything it holds.
func (c *Controller) RemovePlot(plotID string) error {
	if _, err := c.reg.RemovePlot(plotID); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.plots, plotID)
	c.afterRemoveLocked()
	c.mu.Unlock()

	c.notify(Event{Kind: EventPlotRemoved, PlotID: plotID})
	return nil
}

func (c *Controller) afterRemoveLocked() {
	before, had := c.fetch, c.hasView
	c.recomputeFullLocked()
	if c.hasView && (!had || c.fetch != before) {
		c.supersedeLocked()
		c.fetchAllLocked()
	}
}

func pruneCache(ps *plotState, sig registry.Signature) {
	for k := range ps.cache {
		if k.Signature == sig {
			delete(ps.cache, k)
		}
	}
}

// AddPlot appends an empty plot.
func (c *Controller) AddPlot() string {
	id := c.reg.AddPlot()
	c.mu.Lock()
	c.plotStateLocked(id)
	c.mu.Unlock()
	return id
}

func (c *Controller) plotStateLocked(id string) *plotState {
	ps, ok := c.plots[id]
	if !ok {
		ps = newPlotState()
		c.plots[id] = ps
	}
	return ps
}

// OnRangeChange applies a view-range intent. Degenerate or non-finite
// ranges, and ranges entirely outside the full extent, are ignored and
// false is returned.
func (c *Controller) OnRangeChange(rc RangeChange) bool {
	r := timerange.Range{Start: rc.Start, End: rc.End}
	if !r.Valid() {
		return false
	}

	c.mu.Lock()
	if c.hasFull {
		r = r.Clamp(c.full)
		if !r.Valid() {
			c.mu.Unlock()
			return false
		}
	}

	zoomOut := !c.hasView || r.Span() > c.view.Span()
	nearFull := zoomOut && c.hasFull && r.NearlyCovers(c.full, c.cfg.SnapTolerance)
	if nearFull && c.overviewCompleteLocked() {
		c.snapBackLocked()
		c.mu.Unlock()
		c.notify(Event{Kind: EventSnapBack})
		return true
	}
	if nearFull {
		// Fetch the exact full extent at once so the result fills the
		// overview cache.
		r = c.full
	}

	c.view, c.hasView = r, true
	if rc.Kind.Continuous() && !rc.Immediate && !nearFull {
		c.scheduleLocked(r)
	} else {
		c.supersedeLocked()
		c.fetch = r
		c.fetchAllLocked()
	}
	c.mu.Unlock()

	c.notify(Event{Kind: EventViewChanged})
	return true
}

func (c *Controller) cacheKey(sig registry.Signature, s Settings) CacheKey {
	return CacheKey{Signature: sig, PointBudget: s.PointBudget, Method: s.Method}
}

// overviewCompleteLocked reports whether every series of every non-empty
// plot has an overview for the current settings and full extent.
func (c *Controller) overviewCompleteLocked() bool {
	found := false
	for _, p := range c.reg.Plots() {
		if len(p.Series) == 0 {
			continue
		}
		ps, ok := c.plots[p.ID]
		if !ok {
			return false
		}
		for _, s := range p.Series {
			e, ok := ps.cache[c.cacheKey(s.Signature(), c.settings)]
			if !ok || !e.extent.ApproxEqual(c.full, c.cfg.CacheTolerance) {
				return false
			}
			found = true
		}
	}
	return found
}

func (c *Controller) snapBackLocked() {
	c.supersedeLocked()
	c.view, c.fetch, c.hasView = c.full, c.full, true

	for _, p := range c.reg.Plots() {
		if len(p.Series) == 0 {
			continue
		}
		ps := c.plots[p.ID]
		for i, s := range p.Series {
			e := ps.cache[c.cacheKey(s.Signature(), c.settings)]
			ps.data[s.Signature()] = e.data
			if i == 0 {
				ps.stats = e.stats
			}
		}
		ps.resetToken++
	}
	c.metrics.SnapBacks.Inc()
	c.logger.Debug("Restored overview from cache", zap.Float64("start", c.full.Start), zap.Float64("end", c.full.End))
}

// scheduleLocked replaces any pending debounced range with r.
func (c *Controller) scheduleLocked(r timerange.Range) {
	c.cancelPendingLocked()
	p := &pendingRange{r: r}
	c.inflight.Add(1)
	p.timer = c.clock.AfterFunc(c.cfg.DebounceDelay, func() { c.firePending(p) })
	c.pending = p
}

func (c *Controller) firePending(p *pendingRange) {
	c.mu.Lock()
	if p.released {
		c.mu.Unlock()
		return
	}
	p.released = true
	fired := c.pending == p
	if fired {
		c.pending = nil
		c.supersedeLocked()
		c.fetch = p.r
		c.fetchAllLocked()
	}
	c.mu.Unlock()
	c.inflight.Done()

	if fired {
		c.notify(Event{Kind: EventViewChanged})
	}
}

func (c *Controller) cancelPendingLocked() {
	p := c.pending
	if p == nil {
		return
	}
	c.pending = nil
	p.timer.Stop()
	if !p.released {
		p.released = true
		c.inflight.Done()
	}
}

// supersedeLocked cancels any pending debounce and invalidates every
// in-flight fetch.
func (c *Controller) supersedeLocked() {
	c.cancelPendingLocked()
	for _, ps := range c.plots {
		ps.seq++
		ps.loading = false
	}
}

// SetSettings changes the point budget and method and refetches every plot
// at the current fetch range.
func (c *Controller) SetSettings(budget int, method downsample.Method) error {
	m, err := downsample.ParseMethod(string(method))
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.settings.PointBudget = downsample.ClampBudget(budget)
	c.settings.Method = m
	c.supersedeLocked()
	c.fetchAllLocked()
	c.mu.Unlock()

	c.notify(Event{Kind: EventSettingsChanged})
	return nil
}

// SetTimeUnit changes the numeric time unit. Extents and overviews are
// expressed in the old unit, so they are dropped and rediscovered.
func (c *Controller) SetTimeUnit(ctx context.Context, unit timerange.Unit) error {
	unit, err := timerange.ParseUnit(string(unit))
	if err != nil {
		return err
	}

	c.mu.Lock()
	if unit == c.settings.Unit {
		c.mu.Unlock()
		return nil
	}
	c.settings.Unit = unit
	c.epoch++
	c.supersedeLocked()
	c.extents = make(map[registry.Signature]timerange.Range)
	c.full, c.view, c.fetch = timerange.Range{}, timerange.Range{}, timerange.Range{}
	c.hasFull, c.hasView = false, false
	for _, ps := range c.plots {
		ps.cache = make(map[CacheKey]cacheEntry)
	}
	c.mu.Unlock()

	c.rediscover(ctx, c.uniqueSeries(""))
	c.notify(Event{Kind: EventSettingsChanged})
	return nil
}

// SetTimeColumn moves every series of a file onto a new time column.
func (c *Controller) SetTimeColumn(ctx context.Context, path, column string) error {
	if column == "" {
		return fmt.Errorf("%w: empty name", ErrTimeColumnMissing)
	}
	changed := c.reg.SetTimeColumn(path, column)

	c.mu.Lock()
	for _, s := range changed {
		sig := s.Signature()
		delete(c.extents, sig)
		for _, ps := range c.plots {
			delete(ps.data, sig)
			pruneCache(ps, sig)
		}
	}
	c.recomputeFullLocked()
	c.mu.Unlock()

	c.rediscover(ctx, c.uniqueSeries(path))
	c.notify(Event{Kind: EventSettingsChanged})
	return nil
}

// uniqueSeries returns one series per signature, optionally limited to a file.
func (c *Controller) uniqueSeries(path string) []registry.Series {
	seen := make(map[registry.Signature]bool)
	var out []registry.Series
	for _, p := range c.reg.Plots() {
		for _, s := range p.Series {
			if path != "" && s.File.Path != path {
				continue
			}
			if !seen[s.Signature()] {
				seen[s.Signature()] = true
				out = append(out, s)
			}
		}
	}
	return out
}

// rediscover finds the extents of series, merges them and refetches.
func (c *Controller) rediscover(ctx context.Context, series []registry.Series) {
	c.mu.Lock()
	unit, epoch := c.settings.Unit, c.epoch
	c.mu.Unlock()

	type found struct {
		sig registry.Signature
		r   timerange.Range
		ok  bool
	}
	results := make([]found, len(series))
	// A failed discovery only skips that series' extent, so branches never
	// return an error and never cancel each other.
	var g errgroup.Group
	if c.cfg.MaxConcurrency > 0 {
		g.SetLimit(c.cfg.MaxConcurrency)
	}
	for i, s := range series {
		i, s := i, s
		g.Go(func() error {
			r, ok, err := c.discoverExtent(ctx, s, unit)
			if err != nil {
				c.logger.Warn("Time range discovery failed",
					zap.String("file", s.File.Path), zap.String("column", s.Column), zap.Error(err))
			}
			results[i] = found{sig: s.Signature(), r: r, ok: ok}
			return nil
		})
	}
	_ = g.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return
	}
	for _, f := range results {
		if f.ok {
			c.mergeExtentLocked(f.sig, f.r)
		}
	}
	c.supersedeLocked()
	c.fetchAllLocked()
}

// Snapshot returns a consistent copy of the controller state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Layout:   c.reg.Layout(),
		Settings: c.settings,
	}
	if c.hasFull {
		full := c.full
		snap.FullExtent = &full
	}
	if c.hasView {
		view, fetch := c.view, c.fetch
		snap.View, snap.Fetch = &view, &fetch
	}

	for _, p := range c.reg.Plots() {
		ps := c.plotStateLocked(p.ID)
		ps2 := PlotSnapshot{
			ID:         p.ID,
			State:      c.stateLocked(p, ps),
			Series:     make([]SeriesSnapshot, 0, len(p.Series)),
			Loading:    ps.loading,
			Stats:      ps.stats,
			ResetToken: ps.resetToken,
			Sequence:   ps.seq,
			Cached:     len(ps.cache),
		}
		for _, s := range p.Series {
			d := ps.data[s.Signature()]
			ps2.Series = append(ps2.Series, SeriesSnapshot{Series: s, Times: d.times, Values: d.values})
		}
		snap.Plots = append(snap.Plots, ps2)
	}
	return snap
}

func (c *Controller) stateLocked(p registry.Plot, ps *plotState) State {
	switch {
	case len(p.Series) == 0:
		return StateIdle
	case ps.loading:
		return StateFetching
	case !c.hasFull:
		return StateAwaitingRange
	default:
		return StateReady
	}
}
