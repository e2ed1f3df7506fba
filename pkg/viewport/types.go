package viewport

import (
	"errors"
	"time"

	"github.com/nicktill/plotpurr/pkg/downsample"
	"github.com/nicktill/plotpurr/pkg/registry"
	"github.com/nicktill/plotpurr/pkg/timerange"
)

var (
	// ErrNoTimeColumn is returned when a file has no usable time axis.
	ErrNoTimeColumn = errors.New("file has no time axis candidate")
	// ErrTimeColumnMissing is returned when a series' time column is not in its file.
	ErrTimeColumnMissing = errors.New("time column not found")
)

// Kind classifies where a range change came from.
type Kind string

const (
	KindScroll Kind = "scroll"
	KindDrag   Kind = "drag"
	KindReset  Kind = "reset"
	KindSelect Kind = "select"
	KindOther  Kind = "other"
)

// Continuous reports whether changes of this kind arrive in bursts and
// are debounced.
func (k Kind) Continuous() bool {
	return k == KindScroll || k == KindDrag
}

// RangeChange is a normalized view-range intent from the presentation layer.
type RangeChange struct {
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	Kind      Kind    `json:"kind"`
	Immediate bool    `json:"immediate,omitempty"`
}

// Settings are the user-selected fetch parameters shared by every plot.
type Settings struct {
	PointBudget int               `json:"point_budget"`
	Method      downsample.Method `json:"method"`
	Unit        timerange.Unit    `json:"time_unit"`
}

// Config tunes the controller.
type Config struct {
	// DebounceDelay coalesces scroll and drag changes.
	DebounceDelay time.Duration

	// SnapTolerance is the fraction of the full extent's span within which a
	// zoom-out snaps back to the cached overview.
	SnapTolerance float64

	// CacheTolerance is the absolute tolerance for treating a fetch range as
	// the full extent.
	CacheTolerance float64

	// MaxConcurrency bounds concurrent group queries per fetch. 0 = unbounded.
	MaxConcurrency int

	Settings Settings
}

// DefaultConfig returns the controller defaults.
func DefaultConfig() Config {
	return Config{
		DebounceDelay:  120 * time.Millisecond,
		SnapTolerance:  0.03,
		CacheTolerance: 1e-4,
		Settings: Settings{
			PointBudget: 2000,
			Method:      downsample.MethodLTTB,
			Unit:        timerange.UnitNone,
		},
	}
}

// State is the lifecycle state of one plot.
type State string

const (
	StateIdle          State = "idle"
	StateAwaitingRange State = "awaiting-range"
	StateReady         State = "ready"
	StateFetching      State = "fetching"
)

// Stats summarizes the last applied fetch of a plot.
type Stats struct {
	TotalRows    int64   `json:"total_rows"`
	ReturnedRows int     `json:"returned_rows"`
	Downsampled  bool    `json:"downsampled"`
	ElapsedMS    float64 `json:"elapsed_ms"`
	Strategy     string  `json:"strategy,omitempty"`
}

// CacheKey identifies one overview cache entry.
type CacheKey struct {
	Signature   registry.Signature
	PointBudget int
	Method      downsample.Method
}

// EventKind names what changed.
type EventKind string

const (
	EventSeriesAdded     EventKind = "series_added"
	EventSeriesRemoved   EventKind = "series_removed"
	EventPlotRemoved     EventKind = "plot_removed"
	EventViewChanged     EventKind = "view_changed"
	EventDataUpdated     EventKind = "data_updated"
	EventFetchFailed     EventKind = "fetch_failed"
	EventSnapBack        EventKind = "snap_back"
	EventSettingsChanged EventKind = "settings_changed"
)

// Event is delivered to subscribers after a change has been applied.
type Event struct {
	Kind   EventKind `json:"kind"`
	PlotID string    `json:"plot_id,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// SeriesSnapshot is a series with its current data.
type SeriesSnapshot struct {
	registry.Series
	Times  downsample.Column `json:"times"`
	Values downsample.Column `json:"values"`
}

// PlotSnapshot is the presentation contract for one plot.
type PlotSnapshot struct {
	ID         string           `json:"id"`
	State      State            `json:"state"`
	Series     []SeriesSnapshot `json:"series"`
	Loading    bool             `json:"loading"`
	Stats      Stats            `json:"stats"`
	ResetToken uint64           `json:"reset_token"`
	Sequence   uint64           `json:"sequence"`
	Cached     int              `json:"cached_overviews"`
}

// Snapshot is a consistent copy of the controller state.
type Snapshot struct {
	Plots      []PlotSnapshot   `json:"plots"`
	Layout     *registry.Layout `json:"layout"`
	FullExtent *timerange.Range `json:"full_extent,omitempty"`
	View       *timerange.Range `json:"view,omitempty"`
	Fetch      *timerange.Range `json:"fetch,omitempty"`
	Settings   Settings         `json:"settings"`
}

// Plot returns the snapshot of one plot.
func (s Snapshot) Plot(id string) (PlotSnapshot, bool) {
	for _, p := range s.Plots {
		if p.ID == id {
			return p, true
		}
	}
	return PlotSnapshot{}, false
}
