// Package render draws downsampled series as a standalone HTML line chart.
package render

import (
	"fmt"
	"io"
	"math"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/nicktill/plotpurr/pkg/downsample"
)

// Series is one named line.
type Series struct {
	Name   string
	Color  string
	Times  downsample.Column
	Values downsample.Column
}

// Options tune the chart.
type Options struct {
	Title    string
	Subtitle string
	// TimeAxis renders the x axis as dates. Times must then be epoch milliseconds.
	TimeAxis bool
}

// Chart builds the line chart for series. Missing values break the line.
func Chart(o Options, series []Series) *charts.Line {
	xType := "value"
	if o.TimeAxis {
		xType = "time"
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: o.Title, Subtitle: o.Subtitle}),
		charts.WithXAxisOpts(opts.XAxis{Type: xType}),
		charts.WithYAxisOpts(opts.YAxis{Scale: opts.Bool(true)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithDataZoomOpts(
			opts.DataZoom{Type: "slider", Start: 0, End: 100},
			opts.DataZoom{Type: "inside", Start: 0, End: 100},
		),
	)

	for _, s := range series {
		items := make([]opts.LineData, 0, len(s.Times))
		for i, t := range s.Times {
			if i >= len(s.Values) || math.IsNaN(t) {
				break
			}
			v := s.Values[i]
			if math.IsNaN(v) || math.IsInf(v, 0) {
				items = append(items, opts.LineData{Value: []interface{}{t, "-"}})
				continue
			}
			items = append(items, opts.LineData{Value: []interface{}{t, v}})
		}
		seriesOpts := []charts.SeriesOpts{charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)})}
		if s.Color != "" {
			seriesOpts = append(seriesOpts, charts.WithItemStyleOpts(opts.ItemStyle{Color: s.Color}))
		}
		line.AddSeries(s.Name, items, seriesOpts...)
	}
	return line
}

// HTML writes the chart as a self-contained page.
func HTML(w io.Writer, o Options, series []Series) error {
	if len(series) == 0 {
		return fmt.Errorf("render: nothing to draw")
	}
	return Chart(o, series).Render(w)
}
