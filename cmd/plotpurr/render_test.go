package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nicktill/plotpurr/pkg/discovery"
	"github.com/nicktill/plotpurr/pkg/downsample"
	"github.com/nicktill/plotpurr/pkg/executor"
	"github.com/nicktill/plotpurr/pkg/files"
	"github.com/nicktill/plotpurr/pkg/registry"
	"github.com/nicktill/plotpurr/pkg/render"
	"github.com/nicktill/plotpurr/pkg/schema"
	"github.com/nicktill/plotpurr/pkg/timerange"
	"github.com/nicktill/plotpurr/pkg/viewport"
)

var sensors = files.Ref{Path: "/data/sensors.csv", Format: files.FormatCSV}

type staticSchema []schema.Column

func (s staticSchema) Describe(context.Context, files.Ref) ([]schema.Column, error) {
	return s, nil
}

// sensorEngine serves a 10000-row file spanning epoch seconds [0, 100].
func sensorEngine(fail bool) executor.Func {
	return func(_ context.Context, req executor.Request) (*executor.Result, error) {
		switch {
		case strings.HasPrefix(req.Query, "SELECT toString(min("):
			return &executor.Result{
				Columns: []string{"min_value", "max_value", "min_epoch", "max_epoch", "total_count"},
				Rows:    [][]any{{"a", "b", json.Number("0"), json.Number("100"), json.Number("10000")}},
			}, nil
		case strings.HasPrefix(req.Query, "SELECT count()"):
			return &executor.Result{Columns: []string{"total"}, Rows: [][]any{{json.Number("10000")}}}, nil
		case fail:
			return nil, errors.New("Code: 241. Memory limit exceeded")
		}
		res := &executor.Result{Columns: []string{downsample.TimeColumnName, downsample.ValueColumnName(0)}}
		for i := 0; i < 4; i++ {
			res.Rows = append(res.Rows, []any{float64(i * 25), float64(i)})
		}
		return res, nil
	}
}

func newRenderController(t *testing.T, fail bool) (*viewport.Controller, *discovery.Service) {
	t.Helper()
	exec := sensorEngine(fail)
	disc := discovery.New(exec, discovery.WithDiscoverer(staticSchema{
		schema.Describe("ts", "DateTime"),
		schema.Describe("temp", "Float64"),
	}))
	n := 0
	reg := registry.New(registry.WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("p%d", n)
	}))
	ctrl := viewport.New(reg, exec, disc, viewport.DefaultConfig(), viewport.WithLogger(zaptest.NewLogger(t)))
	t.Cleanup(ctrl.Close)
	return ctrl, disc
}

func TestRenderPlot(t *testing.T) {
	ctrl, disc := newRenderController(t, false)

	o, series, err := renderPlot(context.Background(), ctrl, disc, renderRequest{file: sensors, columns: []string{"temp"}})
	require.NoError(t, err)
	require.Len(t, series, 1)

	assert.Equal(t, "sensors.csv", o.Title)
	assert.True(t, o.TimeAxis)
	assert.Equal(t, "4 of 10000 rows, lttb", o.Subtitle)
	// epoch seconds are drawn as milliseconds
	assert.Equal(t, downsample.Column{0, 25000, 50000, 75000}, series[0].Times)

	var buf bytes.Buffer
	require.NoError(t, render.HTML(&buf, o, series))
	assert.Contains(t, buf.String(), "sensors.csv")
}

func TestRenderPlot_Range(t *testing.T) {
	ctrl, disc := newRenderController(t, false)

	_, _, err := renderPlot(context.Background(), ctrl, disc, renderRequest{
		file:    sensors,
		columns: []string{"temp"},
		rng:     &timerange.Range{Start: 500, End: 600},
	})
	assert.Error(t, err)

	_, series, err := renderPlot(context.Background(), ctrl, disc, renderRequest{
		file:    sensors,
		columns: []string{"temp"},
		rng:     &timerange.Range{Start: 10, End: 20},
	})
	require.NoError(t, err)
	require.Len(t, series, 1)
	view := ctrl.Snapshot().View
	require.NotNil(t, view)
	assert.Equal(t, 10.0, view.Start)
}

func TestRenderPlot_FetchFailure(t *testing.T) {
	ctrl, disc := newRenderController(t, true)

	_, _, err := renderPlot(context.Background(), ctrl, disc, renderRequest{file: sensors, columns: []string{"temp"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Memory limit exceeded")
}
