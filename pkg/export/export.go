package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nicktill/plotpurr/pkg/downsample"
	"github.com/nicktill/plotpurr/pkg/registry"
	"github.com/nicktill/plotpurr/pkg/timerange"
	"github.com/nicktill/plotpurr/pkg/viewport"
)

// Version of the JSON document layout.
const Version = "1.0"

// Source is what the exporter reads plots from. *viewport.Controller satisfies it.
type Source interface {
	Snapshot() viewport.Snapshot
	Plans(ctx context.Context, plotID string) ([]viewport.PlannedQuery, error)
}

// Exporter writes a plot's current data or queries in portable formats.
type Exporter struct {
	source Source
	now    func() time.Time
}

// NewExporter creates an exporter.
func NewExporter(source Source) *Exporter {
	return &Exporter{source: source, now: time.Now}
}

// Metadata describes an export.
type Metadata struct {
	ExportedAt  time.Time         `json:"exported_at"`
	PlotID      string            `json:"plot_id"`
	Range       *timerange.Range  `json:"range,omitempty"`
	Settings    viewport.Settings `json:"settings"`
	Stats       viewport.Stats    `json:"stats"`
	SeriesCount int               `json:"series_count"`
	Format      string            `json:"format"`
	Version     string            `json:"version"`
}

// SeriesData is one exported series.
type SeriesData struct {
	Name       string            `json:"name"`
	File       string            `json:"file"`
	TimeColumn string            `json:"time_column"`
	Column     string            `json:"column"`
	Times      downsample.Column `json:"times"`
	Values     downsample.Column `json:"values"`
}

// Document is the JSON export layout.
type Document struct {
	Metadata Metadata     `json:"metadata"`
	Series   []SeriesData `json:"series"`
}

// Result contains stats about an export.
type Result struct {
	PlotID     string    `json:"plot_id"`
	Series     int       `json:"series"`
	Rows       int       `json:"rows"`
	Format     string    `json:"format"`
	ExportedAt time.Time `json:"exported_at"`
}

func (e *Exporter) document(plotID, format string) (Document, error) {
	snap := e.source.Snapshot()
	p, ok := snap.Plot(plotID)
	if !ok {
		return Document{}, fmt.Errorf("%w: %s", registry.ErrPlotNotFound, plotID)
	}

	doc := Document{Metadata: Metadata{
		ExportedAt:  e.now(),
		PlotID:      plotID,
		Range:       snap.Fetch,
		Settings:    snap.Settings,
		Stats:       p.Stats,
		SeriesCount: len(p.Series),
		Format:      format,
		Version:     Version,
	}}
	for _, s := range p.Series {
		doc.Series = append(doc.Series, SeriesData{
			Name:       s.DisplayName,
			File:       s.File.Path,
			TimeColumn: s.TimeColumn,
			Column:     s.Column,
			Times:      s.Times,
			Values:     s.Values,
		})
	}
	return doc, nil
}

// ExportToJSON writes the plot's current series with metadata.
func (e *Exporter) ExportToJSON(w io.Writer, plotID string) (*Result, error) {
	doc, err := e.document(plotID, "json")
	if err != nil {
		return nil, err
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to encode JSON: %w", err)
	}

	rows := 0
	for _, s := range doc.Series {
		rows += len(s.Times)
	}
	return &Result{PlotID: plotID, Series: len(doc.Series), Rows: rows, Format: "json", ExportedAt: doc.Metadata.ExportedAt}, nil
}

// ExportToCSV writes one row per distinct time across the plot's series,
// with one column per series. Series without a value at a time get an empty cell.
func (e *Exporter) ExportToCSV(w io.Writer, plotID string) (*Result, error) {
	doc, err := e.document(plotID, "csv")
	if err != nil {
		return nil, err
	}

	writer := csv.NewWriter(w)
	header := []string{"time"}
	for _, s := range doc.Series {
		header = append(header, s.Name)
	}
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	times, lookup := alignTimes(doc.Series)
	for _, t := range times {
		row := []string{formatValue(t)}
		for i := range doc.Series {
			if v, ok := lookup[i][t]; ok {
				row = append(row, formatValue(v))
			} else {
				row = append(row, "")
			}
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return &Result{PlotID: plotID, Series: len(doc.Series), Rows: len(times), Format: "csv", ExportedAt: doc.Metadata.ExportedAt}, nil
}

// ExportSQL writes the plot's templated queries, one statement per group of
// series, each preceded by a comment naming its file and columns.
func (e *Exporter) ExportSQL(ctx context.Context, w io.Writer, plotID string) (*Result, error) {
	plans, err := e.source.Plans(ctx, plotID)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "-- plotpurr export of plot %s\n", plotID)
	fmt.Fprintf(&b, "-- substitute %s and %s before running\n", timerange.StartToken, timerange.EndToken)
	for _, p := range plans {
		fmt.Fprintf(&b, "\n-- %s: %s vs %s (%s)\n", p.File.Name(), strings.Join(p.Columns, ", "), p.TimeColumn, p.Strategy)
		b.WriteString(p.SQL)
		b.WriteString(";\n")
	}
	if _, err := io.WriteString(w, b.String()); err != nil {
		return nil, err
	}
	return &Result{PlotID: plotID, Series: len(plans), Format: "sql", ExportedAt: e.now()}, nil
}

// TemplateQuery renders p with StartToken and EndToken in place of the
// range bounds. The plan's own predicate is ignored.
func TemplateQuery(p downsample.Plan) (string, error) {
	p.Predicate = timerange.BuildTemplate(p.TimeColumn, p.IsTimestamp, p.Unit)
	q, err := downsample.Build(p)
	if err != nil {
		return "", err
	}
	return q.SQL, nil
}

// Fill substitutes a range into a templated query.
func Fill(template string, r timerange.Range) string {
	return timerange.Substitute(template, r.Start, r.End)
}

func alignTimes(series []SeriesData) ([]float64, []map[float64]float64) {
	seen := make(map[float64]bool)
	var times []float64
	lookup := make([]map[float64]float64, len(series))
	for i, s := range series {
		lookup[i] = make(map[float64]float64, len(s.Times))
		for j, t := range s.Times {
			if math.IsNaN(t) || j >= len(s.Values) {
				continue
			}
			if _, dup := lookup[i][t]; !dup {
				lookup[i][t] = s.Values[j]
			}
			if !seen[t] {
				seen[t] = true
				times = append(times, t)
			}
		}
	}
	sort.Float64s(times)
	return times, lookup
}

func formatValue(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
