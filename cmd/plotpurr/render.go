package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/nicktill/plotpurr/pkg/downsample"
	"github.com/nicktill/plotpurr/pkg/files"
	"github.com/nicktill/plotpurr/pkg/render"
	"github.com/nicktill/plotpurr/pkg/schema"
	"github.com/nicktill/plotpurr/pkg/timerange"
	"github.com/nicktill/plotpurr/pkg/viewport"
)

type renderRequest struct {
	file       files.Ref
	columns    []string
	timeColumn string
	rng        *timerange.Range
}

func newRenderCmd() *cobra.Command {
	var (
		format     string
		timeColumn string
		out        string
		title      string
		method     string
		budget     int
		start, end float64
	)
	cmd := &cobra.Command{
		Use:   "render FILE COLUMN...",
		Short: "Fetch a downsampled view through the engine and write it as an HTML chart",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("budget") {
				cfg.Viewport.PointBudget = budget
			}
			if cmd.Flags().Changed("method") {
				if cfg.Viewport.Method, err = downsample.ParseMethod(method); err != nil {
					return err
				}
			}
			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ref, err := files.NewRef(args[0], format)
			if err != nil {
				return err
			}
			req := renderRequest{file: ref, columns: args[1:], timeColumn: timeColumn}
			if cmd.Flags().Changed("start") && cmd.Flags().Changed("end") {
				req.rng = &timerange.Range{Start: start, End: end}
			}

			eng, err := newEngine(cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := eng.Close(); err != nil {
					logger.Warn("Failed to close cache", zap.Error(err))
				}
			}()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			o, series, err := renderPlot(ctx, eng.ctrl, eng.disc, req)
			if err != nil {
				return err
			}
			if title != "" {
				o.Title = title
			}

			f, err := os.Create(out)
			if err != nil {
				return fmt.Errorf("failed to create output: %w", err)
			}
			defer f.Close()
			if err := render.HTML(f, o, series); err != nil {
				return err
			}
			logger.Info("Chart written", zap.String("path", out), zap.String("subtitle", o.Subtitle))
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "Engine format (inferred from the extension by default)")
	cmd.Flags().StringVar(&timeColumn, "time-column", "", "Time column (default: the file's first time candidate)")
	cmd.Flags().StringVarP(&out, "output", "o", "plotpurr.html", "Output HTML path")
	cmd.Flags().StringVar(&title, "title", "", "Chart title (default: the file name)")
	cmd.Flags().StringVar(&method, "method", string(downsample.MethodLTTB), "Downsampling method: lttb, minmax, avg")
	cmd.Flags().IntVar(&budget, "budget", 2000, "Point budget")
	cmd.Flags().Float64Var(&start, "start", 0, "Range start in the numeric time unit")
	cmd.Flags().Float64Var(&end, "end", 0, "Range end in the numeric time unit")
	return cmd
}

// renderPlot adds the requested columns to the controller's first plot,
// optionally selects a range, and returns the fetched series ready to draw.
func renderPlot(ctx context.Context, ctrl *viewport.Controller, disc schema.Discoverer, req renderRequest) (render.Options, []render.Series, error) {
	var (
		mu       sync.Mutex
		failures error
	)
	unsubscribe := ctrl.Subscribe(func(ev viewport.Event) {
		if ev.Kind == viewport.EventFetchFailed {
			mu.Lock()
			failures = multierr.Append(failures, fmt.Errorf("plot %s: %s", ev.PlotID, ev.Error))
			mu.Unlock()
		}
	})
	defer unsubscribe()

	plotID := ctrl.Snapshot().Plots[0].ID
	for _, col := range req.columns {
		if _, _, err := ctrl.AddSeries(ctx, plotID, req.file, col, req.timeColumn); err != nil {
			return render.Options{}, nil, err
		}
	}
	ctrl.Wait()

	if req.rng != nil {
		if !ctrl.OnRangeChange(viewport.RangeChange{
			Start: req.rng.Start, End: req.rng.End, Kind: viewport.KindSelect, Immediate: true,
		}) {
			return render.Options{}, nil, fmt.Errorf("range [%v, %v] does not overlap the data", req.rng.Start, req.rng.End)
		}
		ctrl.Wait()
	}

	mu.Lock()
	err := failures
	mu.Unlock()
	if err != nil {
		return render.Options{}, nil, err
	}

	snap := ctrl.Snapshot()
	plot, ok := snap.Plot(plotID)
	if !ok || len(plot.Series) == 0 {
		return render.Options{}, nil, fmt.Errorf("no series to render")
	}

	cols, err := disc.Describe(ctx, req.file)
	if err != nil {
		return render.Options{}, nil, err
	}
	tc, _ := schema.Find(cols, plot.Series[0].TimeColumn)
	timeAxis := schema.IsTimeEligible(tc.DeclaredType)
	toMillis := 1e3 / snap.Settings.Unit.Divisor()

	series := make([]render.Series, 0, len(plot.Series))
	for _, s := range plot.Series {
		times := s.Times
		if timeAxis {
			times = make(downsample.Column, len(s.Times))
			for i, t := range s.Times {
				times[i] = t * toMillis
			}
		}
		series = append(series, render.Series{Name: s.DisplayName, Color: s.Color, Times: times, Values: s.Values})
	}

	o := render.Options{
		Title:    req.file.Name(),
		Subtitle: fmt.Sprintf("%d of %d rows, %s", plot.Stats.ReturnedRows, plot.Stats.TotalRows, plot.Stats.Strategy),
		TimeAxis: timeAxis,
	}
	return o, series, nil
}
