// Package discovery answers the slow questions about a file (its schema and
// the extent of a time column) through the engine, caching answers in a
// storage.Store keyed by the file's identity.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/nicktill/plotpurr/pkg/downsample"
	"github.com/nicktill/plotpurr/pkg/executor"
	"github.com/nicktill/plotpurr/pkg/files"
	"github.com/nicktill/plotpurr/pkg/schema"
	"github.com/nicktill/plotpurr/pkg/storage"
	"github.com/nicktill/plotpurr/pkg/timerange"
)

// DefaultTTL bounds how long cached answers are kept.
const DefaultTTL = 7 * 24 * time.Hour

// Request asks for the extent of a time column.
type Request struct {
	File         files.Ref
	TimeColumn   string
	DeclaredType string
	Unit         timerange.Unit

	// NonNullColumns limits the scan to rows where any of these is non-null.
	NonNullColumns []string
}

// IsTimestamp reports whether the time column is a timestamp type.
func (r Request) IsTimestamp() bool {
	return schema.IsTimeEligible(r.DeclaredType)
}

// Extent is the range of a time column. The epoch fields are in the
// requested unit for timestamps and raw values for numeric columns.
type Extent struct {
	Min        any     `json:"min"`
	Max        any     `json:"max"`
	MinEpoch   float64 `json:"min_epoch"`
	MaxEpoch   float64 `json:"max_epoch"`
	TotalCount int64   `json:"total_count"`
}

// Empty reports whether no rows matched.
func (e Extent) Empty() bool {
	return e.TotalCount == 0 || math.IsNaN(e.MinEpoch) || math.IsNaN(e.MaxEpoch)
}

// Range returns the epoch bounds.
func (e Extent) Range() timerange.Range {
	return timerange.Range{Start: e.MinEpoch, End: e.MaxEpoch}
}

// RangeQuery builds the SQL that computes an Extent.
func RangeQuery(req Request) string {
	col := timerange.QuoteIdent(req.TimeColumn)
	epoch := timerange.TimeExpr(col, req.IsTimestamp(), req.Unit)

	conds := []string{col + " IS NOT NULL"}
	if len(req.NonNullColumns) > 0 {
		nn := make([]string, len(req.NonNullColumns))
		for i, c := range req.NonNullColumns {
			nn[i] = timerange.QuoteIdent(c) + " IS NOT NULL"
		}
		conds = append(conds, "("+strings.Join(nn, " OR ")+")")
	}

	return fmt.Sprintf(
		"SELECT toString(min(%s)) AS min_value, toString(max(%s)) AS max_value, "+
			"min(%s) AS min_epoch, max(%s) AS max_epoch, count() AS total_count "+
			"FROM %s WHERE %s",
		col, col, epoch, epoch, req.File.TableExpr(), strings.Join(conds, " AND "))
}

// Service runs discovery queries with a cache in front.
type Service struct {
	exec       executor.Executor
	discoverer schema.Discoverer
	store      storage.Store
	ttl        time.Duration
	logger     *zap.Logger
	metrics    *Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithStore caches answers in store.
func WithStore(store storage.Store) Option {
	return func(s *Service) { s.store = store }
}

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) { s.ttl = ttl }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithDiscoverer overrides the default parquet-then-engine schema discoverer.
func WithDiscoverer(d schema.Discoverer) Option {
	return func(s *Service) { s.discoverer = d }
}

// WithMetrics records cache hits and misses.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// New creates a discovery service over exec.
func New(exec executor.Executor, opts ...Option) *Service {
	s := &Service{exec: exec, ttl: DefaultTTL, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	if s.discoverer == nil {
		s.discoverer = schema.NewChain(exec, s.logger)
	}
	return s
}

// Describe implements schema.Discoverer with caching.
func (s *Service) Describe(ctx context.Context, ref files.Ref) ([]schema.Column, error) {
	key := s.cacheKey(storage.NamespaceSchema, ref.Path, ref.Format)

	var cols []schema.Column
	if s.lookup(ctx, key, "schema", &cols) {
		return cols, nil
	}

	cols, err := s.discoverer.Describe(ctx, ref)
	if err != nil {
		return nil, err
	}
	s.save(ctx, key, cols)
	return cols, nil
}

// TimeRange returns the extent of req's time column.
func (s *Service) TimeRange(ctx context.Context, req Request) (Extent, error) {
	key := s.cacheKey(storage.NamespaceExtent, req.File.Path, req.File.Format,
		req.TimeColumn, req.DeclaredType, string(req.Unit), strings.Join(req.NonNullColumns, "\x1f"))

	var ext Extent
	if s.lookup(ctx, key, "extent", &ext) {
		return ext, nil
	}

	start := time.Now()
	res, err := s.exec.Execute(ctx, executor.Request{Query: RangeQuery(req)})
	if err != nil {
		return Extent{}, fmt.Errorf("time range of %s.%s: %w", req.File.Name(), req.TimeColumn, err)
	}
	ext, err = decodeExtent(res)
	if err != nil {
		return Extent{}, err
	}
	s.logger.Debug("Discovered time range",
		zap.String("file", req.File.Path),
		zap.String("column", req.TimeColumn),
		zap.Float64("min", ext.MinEpoch),
		zap.Float64("max", ext.MaxEpoch),
		zap.Int64("rows", ext.TotalCount),
		zap.Duration("elapsed", time.Since(start)))

	s.save(ctx, key, ext)
	return ext, nil
}

func decodeExtent(res *executor.Result) (Extent, error) {
	if res == nil || len(res.Rows) == 0 {
		return Extent{MinEpoch: math.NaN(), MaxEpoch: math.NaN()}, nil
	}
	row := res.Rows[0]
	get := func(name string) any {
		idx := res.ColumnIndex(name)
		if idx < 0 || idx >= len(row) {
			return nil
		}
		return row[idx]
	}
	if res.ColumnIndex("min_epoch") < 0 || res.ColumnIndex("max_epoch") < 0 {
		return Extent{}, fmt.Errorf("time range result is missing epoch columns: %v", res.Columns)
	}

	ext := Extent{
		Min:      get("min_value"),
		Max:      get("max_value"),
		MinEpoch: downsample.ToFloat(get("min_epoch")),
		MaxEpoch: downsample.ToFloat(get("max_epoch")),
	}
	if n := downsample.ToFloat(get("total_count")); !math.IsNaN(n) {
		ext.TotalCount = int64(n)
	}
	if ext.TotalCount == 0 {
		ext.MinEpoch, ext.MaxEpoch = math.NaN(), math.NaN()
	}
	return ext, nil
}

// cacheKey includes the file's size and modification time so a rewritten
// file never hits an old entry. Returns nil when caching is unavailable.
func (s *Service) cacheKey(ns storage.Namespace, path string, parts ...string) []byte {
	if s.store == nil {
		return nil
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil
	}
	all := append([]string{path,
		strconv.FormatInt(fi.Size(), 10),
		strconv.FormatInt(fi.ModTime().UnixNano(), 10)}, parts...)
	return storage.Key(ns, all...)
}

func (s *Service) lookup(ctx context.Context, key []byte, kind string, dst any) bool {
	if key == nil {
		return false
	}
	raw, ok, err := s.store.Get(ctx, key)
	if err != nil {
		s.logger.Warn("Discovery cache read failed", zap.String("kind", kind), zap.Error(err))
	}
	if err != nil || !ok {
		s.metrics.observe(kind, false)
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		s.logger.Warn("Discarding corrupt discovery cache entry", zap.String("kind", kind), zap.Error(err))
		s.metrics.observe(kind, false)
		return false
	}
	s.metrics.observe(kind, true)
	return true
}

func (s *Service) save(ctx context.Context, key []byte, v any) {
	if key == nil {
		return
	}
	if ext, ok := v.(Extent); ok && ext.Empty() {
		// NaN does not survive JSON
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("Failed to encode discovery cache entry", zap.Error(err))
		return
	}
	if err := s.store.Put(ctx, key, raw, s.ttl); err != nil {
		s.logger.Warn("Discovery cache write failed", zap.Error(err))
	}
}

// Metrics counts discovery cache lookups.
type Metrics struct {
	CacheLookups *prometheus.CounterVec
}

// NewMetrics creates the discovery collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plotpurr",
			Subsystem: "discovery",
			Name:      "cache_lookups_total",
			Help:      "Number of discovery cache lookups",
		}, []string{"kind", "result"}),
	}
}

// PrometheusCollectors returns all collectors to register.
func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{m.CacheLookups}
}

func (m *Metrics) observe(kind string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(kind, result).Inc()
}
