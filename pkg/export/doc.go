// Package export writes a plot's current view in portable formats.
//
// # Formats
//
// JSON:
//   - The plot's series with display names, source file and columns
//   - Export metadata: fetch range, settings, last fetch stats
//   - Missing values encode as null
//
// CSV:
//   - One row per distinct time value across the plot's series
//   - One column per series, empty where a series has no sample at that time
//
// SQL:
//   - The downsampling query of each group of series, with {start} and {end}
//     placeholders for the time range, so the same view can be re-run
//     outside the viewer
//
// # HTTP API
//
// Export endpoint: GET /v1/plots/{id}/export
// Query parameters:
//   - format: "json", "csv" or "sql" (default: json)
//
// Example:
//
//	curl "http://localhost:8080/v1/plots/$PLOT/export?format=csv" -o view.csv
//
// # Programmatic Usage
//
//	tmpl, err := export.TemplateQuery(plan)
//	if err != nil {
//	    return err
//	}
//	sql := export.Fill(tmpl, timerange.Range{Start: 0, End: 3600})
package export
