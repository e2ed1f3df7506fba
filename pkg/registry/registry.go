// Package registry owns the plots, their series and the split-pane layout.
// It knows nothing about fetching; the viewport controller reads it to
// decide what to query.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/nicktill/plotpurr/pkg/files"
)

var (
	ErrPlotNotFound   = errors.New("plot not found")
	ErrSeriesNotFound = errors.New("series not found")
	ErrLastPlot       = errors.New("cannot remove the last plot")
	ErrCenterSplit    = errors.New("center drops add to the plot instead of splitting it")
)

// Palette assigns series colors by position within a plot.
var Palette = []string{
	"#5470c6", "#91cc75", "#fac858", "#ee6666", "#73c0de",
	"#3ba272", "#fc8452", "#9a60b4", "#ea7ccc",
}

// Signature identifies logically equivalent series across plots and fetches.
type Signature struct {
	Path       string `json:"path"`
	TimeColumn string `json:"time_column"`
	Column     string `json:"column"`
	Format     string `json:"format"`
}

// Series is one value column of one file, plotted against a time column.
type Series struct {
	ID          string    `json:"id"`
	File        files.Ref `json:"file"`
	TimeColumn  string    `json:"time_column"`
	Column      string    `json:"column"`
	DisplayName string    `json:"display_name"`
	Color       string    `json:"color"`
}

// Signature returns the series' cache identity.
func (s Series) Signature() Signature {
	return Signature{Path: s.File.Path, TimeColumn: s.TimeColumn, Column: s.Column, Format: s.File.Format}
}

// Plot is an ordered list of series sharing one chart.
type Plot struct {
	ID     string   `json:"id"`
	Series []Series `json:"series"`
}

// Registry holds plots and the layout tree. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	plots  map[string]*Plot
	layout *Layout
	newID  func() string

	// defaultTime is the time column new series of a file start with
	defaultTime map[string]string
}

// Option configures a Registry.
type Option func(*Registry)

// WithIDGenerator overrides uuid-based ids.
func WithIDGenerator(gen func() string) Option {
	return func(r *Registry) { r.newID = gen }
}

// New creates a registry with one empty plot.
func New(opts ...Option) *Registry {
	r := &Registry{
		plots:       make(map[string]*Plot),
		newID:       uuid.NewString,
		defaultTime: make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	id := r.newID()
	r.plots[id] = &Plot{ID: id}
	r.layout = Leaf(id)
	return r
}

// Plots returns copies of all plots in layout order, with display names
// and colors resolved.
func (r *Registry) Plots() []Plot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := Leaves(r.layout)
	out := make([]Plot, 0, len(ids))
	for _, id := range ids {
		out = append(out, resolve(r.plots[id]))
	}
	return out
}

// Plot returns a copy of one plot.
func (r *Registry) Plot(id string) (Plot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.plots[id]
	if !ok {
		return Plot{}, false
	}
	return resolve(p), true
}

// PlotIDs returns plot ids in layout order.
func (r *Registry) PlotIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Leaves(r.layout)
}

// Layout returns the current layout tree. The tree is immutable.
func (r *Registry) Layout() *Layout {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.layout
}

// AddPlot appends an empty plot to the right of the layout.
func (r *Registry) AddPlot() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.newID()
	r.plots[id] = &Plot{ID: id}
	r.layout = Split(DirectionRow, r.layout, Leaf(id))
	return id
}

// AddSeries appends a series to a plot. An empty timeColumn uses the file's
// default. Returns false without error when the plot already has a series
// with the same signature.
func (r *Registry) AddSeries(plotID string, file files.Ref, column, timeColumn string) (Series, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.plots[plotID]
	if !ok {
		return Series{}, false, fmt.Errorf("%w: %s", ErrPlotNotFound, plotID)
	}
	s := r.newSeries(file, column, timeColumn)
	for _, existing := range p.Series {
		if existing.Signature() == s.Signature() {
			return existing, false, nil
		}
	}
	p.Series = append(p.Series, s)
	return s, true, nil
}

// SplitPlot replaces the target's leaf with a split holding a new plot that
// contains one series. Left/right zones split in a row, top/bottom in a column.
func (r *Registry) SplitPlot(targetID string, zone Zone, file files.Ref, column, timeColumn string) (string, Series, error) {
	if zone == ZoneCenter {
		return "", Series{}, ErrCenterSplit
	}
	if _, ok := ParseZone(string(zone)); !ok {
		return "", Series{}, fmt.Errorf("invalid drop zone %q", zone)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.plots[targetID]; !ok {
		return "", Series{}, fmt.Errorf("%w: %s", ErrPlotNotFound, targetID)
	}

	s := r.newSeries(file, column, timeColumn)
	id := r.newID()
	r.plots[id] = &Plot{ID: id, Series: []Series{s}}

	target, added := Leaf(targetID), Leaf(id)
	var split *Layout
	if zone.NewFirst() {
		split = Split(zone.Direction(), added, target)
	} else {
		split = Split(zone.Direction(), target, added)
	}
	r.layout = ReplaceLeaf(r.layout, targetID, split)
	return id, s, nil
}

// RemovePlot removes a plot and its series. The last plot cannot be removed.
// Returns the removed series.
func (r *Registry) RemovePlot(id string) ([]Series, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removePlotLocked(id)
}

func (r *Registry) removePlotLocked(id string) ([]Series, error) {
	p, ok := r.plots[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlotNotFound, id)
	}
	if len(r.plots) == 1 {
		return nil, ErrLastPlot
	}
	delete(r.plots, id)
	r.layout = RemoveLeaf(r.layout, id)
	for _, s := range p.Series {
		r.releaseTimeColumn(s.File.Path)
	}
	return p.Series, nil
}

// RemoveSeries removes one series. When that empties a plot that is not the
// last one, the plot is removed too and plotRemoved is true.
func (r *Registry) RemoveSeries(plotID, seriesID string) (removed Series, plotRemoved bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.plots[plotID]
	if !ok {
		return Series{}, false, fmt.Errorf("%w: %s", ErrPlotNotFound, plotID)
	}
	idx := -1
	for i, s := range p.Series {
		if s.ID == seriesID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Series{}, false, fmt.Errorf("%w: %s", ErrSeriesNotFound, seriesID)
	}

	removed = p.Series[idx]
	p.Series = append(p.Series[:idx:idx], p.Series[idx+1:]...)
	r.releaseTimeColumn(removed.File.Path)

	if len(p.Series) == 0 && len(r.plots) > 1 {
		if _, err := r.removePlotLocked(plotID); err != nil {
			return removed, false, err
		}
		return removed, true, nil
	}
	return removed, false, nil
}

// Signatures returns every active series signature, deduplicated.
func (r *Registry) Signatures() []Signature {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[Signature]bool)
	var out []Signature
	for _, id := range Leaves(r.layout) {
		for _, s := range r.plots[id].Series {
			sig := s.Signature()
			if !seen[sig] {
				seen[sig] = true
				out = append(out, sig)
			}
		}
	}
	return out
}

// DefaultTimeColumn returns the time column new series of path start with.
func (r *Registry) DefaultTimeColumn(path string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultTime[path]
}

// SetDefaultTimeColumn sets the file's default time column. Existing series
// keep the time column they were created with.
func (r *Registry) SetDefaultTimeColumn(path, column string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if column == "" {
		delete(r.defaultTime, path)
		return
	}
	r.defaultTime[path] = column
}

// SetTimeColumn moves every series of path to a new time column, dropping
// series that would then duplicate a signature in the same plot. Returns the
// series whose signature changed, before the change.
func (r *Registry) SetTimeColumn(path, column string) []Series {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.defaultTime[path] = column
	var changed []Series
	for _, p := range r.plots {
		kept := p.Series[:0]
		seen := make(map[Signature]bool)
		for _, s := range p.Series {
			if s.File.Path == path && s.TimeColumn != column {
				changed = append(changed, s)
				s.TimeColumn = column
			}
			if seen[s.Signature()] {
				continue
			}
			seen[s.Signature()] = true
			kept = append(kept, s)
		}
		p.Series = kept
	}
	return changed
}

func (r *Registry) newSeries(file files.Ref, column, timeColumn string) Series {
	if timeColumn == "" {
		timeColumn = r.defaultTime[file.Path]
	}
	if _, ok := r.defaultTime[file.Path]; !ok && timeColumn != "" {
		r.defaultTime[file.Path] = timeColumn
	}
	return Series{
		ID:         r.newID(),
		File:       file,
		TimeColumn: timeColumn,
		Column:     column,
	}
}

// releaseTimeColumn recomputes a file's default time column from the series
// still using that file. Other series are never changed.
func (r *Registry) releaseTimeColumn(path string) {
	current, ok := r.defaultTime[path]
	if !ok {
		return
	}
	var fallback string
	for _, id := range Leaves(r.layout) {
		p, ok := r.plots[id]
		if !ok {
			continue
		}
		for _, s := range p.Series {
			if s.File.Path != path {
				continue
			}
			if s.TimeColumn == current {
				return
			}
			if fallback == "" {
				fallback = s.TimeColumn
			}
		}
	}
	if fallback == "" {
		delete(r.defaultTime, path)
		return
	}
	r.defaultTime[path] = fallback
}

// resolve copies p and fills in display names and colors.
func resolve(p *Plot) Plot {
	out := Plot{ID: p.ID, Series: make([]Series, len(p.Series))}
	columns := make(map[string]int)
	for _, s := range p.Series {
		columns[s.Column]++
	}
	for i, s := range p.Series {
		s.DisplayName = s.Column
		if columns[s.Column] > 1 {
			s.DisplayName = fmt.Sprintf("%s (%s)", s.Column, s.File.Name())
		}
		s.Color = Palette[i%len(Palette)]
		out.Series[i] = s
	}
	return out
}
