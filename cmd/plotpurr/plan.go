package main

import (
	"context"
	"fmt"
	"io"
	"math"

	"github.com/spf13/cobra"

	"github.com/nicktill/plotpurr/pkg/downsample"
	"github.com/nicktill/plotpurr/pkg/export"
	"github.com/nicktill/plotpurr/pkg/files"
	"github.com/nicktill/plotpurr/pkg/schema"
	"github.com/nicktill/plotpurr/pkg/timerange"
)

type planOptions struct {
	format     string
	timeColumn string
	timestamp  bool
	method     string
	unit       string
	budget     int
	rows       int64
	start, end float64
	hasRange   bool
}

func newPlanCmd() *cobra.Command {
	var o planOptions
	cmd := &cobra.Command{
		Use:   "plan FILE COLUMN...",
		Short: "Print the SQL a downsampling plan would run, without running it",
		Long: `plan prints the query plotpurr would send to the engine for the given
value columns. Without --start and --end the range bounds are left as
placeholders. Parquet files are inspected locally to pick the time column.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			o.hasRange = cmd.Flags().Changed("start") && cmd.Flags().Changed("end")
			if !cmd.Flags().Changed("timestamp") {
				o.timestamp = true
			}
			return runPlan(cmd.Context(), cmd.OutOrStdout(), args[0], args[1:], o)
		},
	}
	cmd.Flags().StringVar(&o.format, "format", "", "Engine format (inferred from the extension by default)")
	cmd.Flags().StringVar(&o.timeColumn, "time-column", "", "Time column (required for non-parquet files)")
	cmd.Flags().BoolVar(&o.timestamp, "timestamp", true, "Treat the time column as a timestamp type (non-parquet files)")
	cmd.Flags().StringVar(&o.method, "method", string(downsample.MethodLTTB), "Downsampling method: lttb, minmax, avg")
	cmd.Flags().StringVar(&o.unit, "unit", string(timerange.UnitNone), "Numeric time unit: none, unix_s, unix_ms, unix_us, unix_ns")
	cmd.Flags().IntVar(&o.budget, "budget", 2000, "Point budget")
	cmd.Flags().Int64Var(&o.rows, "rows", -1, "Rows in range, if known (raw plan when within budget)")
	cmd.Flags().Float64Var(&o.start, "start", 0, "Range start in the numeric time unit")
	cmd.Flags().Float64Var(&o.end, "end", 0, "Range end in the numeric time unit")
	return cmd
}

func runPlan(ctx context.Context, w io.Writer, path string, columns []string, o planOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ref, err := files.NewRef(path, o.format)
	if err != nil {
		return err
	}
	method, err := downsample.ParseMethod(o.method)
	if err != nil {
		return err
	}
	unit, err := timerange.ParseUnit(o.unit)
	if err != nil {
		return err
	}

	timeColumn, isTs := o.timeColumn, o.timestamp
	if ref.Format == files.FormatParquet {
		cols, err := schema.ParquetDiscoverer{}.Describe(ctx, ref)
		if err != nil {
			return err
		}
		if timeColumn == "" {
			timeColumn = schema.DefaultTimeColumn(cols)
		}
		tc, ok := schema.Find(cols, timeColumn)
		if !ok {
			return fmt.Errorf("time column %q not found in %s", timeColumn, ref.Name())
		}
		isTs = schema.IsTimeEligible(tc.DeclaredType)
	}
	if timeColumn == "" {
		return fmt.Errorf("--time-column is required for %s files", ref.Format)
	}

	total := o.rows
	if total < 0 {
		total = math.MaxInt64
	}
	budget := downsample.ClampBudget(o.budget)
	strategy := downsample.ChooseStrategy(method, total, budget)

	sql, err := export.TemplateQuery(downsample.Plan{
		Source:       ref,
		TimeColumn:   timeColumn,
		ValueColumns: columns,
		PointBudget:  budget,
		Strategy:     strategy,
		IsTimestamp:  isTs,
		Unit:         unit,
	})
	if err != nil {
		return err
	}
	if o.hasRange {
		r := timerange.Range{Start: o.start, End: o.end}
		if !r.Valid() {
			return fmt.Errorf("invalid range [%v, %v]", o.start, o.end)
		}
		sql = export.Fill(sql, r)
	}

	fmt.Fprintf(w, "-- file: %s (%s)\n", ref.Path, ref.Format)
	fmt.Fprintf(w, "-- time column: %s, strategy: %s, budget: %d\n", timeColumn, strategy, budget)
	_, err = fmt.Fprintf(w, "%s;\n", sql)
	return err
}
