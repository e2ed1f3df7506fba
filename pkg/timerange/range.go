package timerange

import "math"

// Range is a closed numeric time window.
type Range struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Valid reports whether the range is finite and non-degenerate.
func (r Range) Valid() bool {
	return !math.IsNaN(r.Start) && !math.IsNaN(r.End) &&
		!math.IsInf(r.Start, 0) && !math.IsInf(r.End, 0) &&
		r.Start < r.End
}

// Span returns End - Start.
func (r Range) Span() float64 {
	return r.End - r.Start
}

// Union returns the smallest range covering both.
func (r Range) Union(o Range) Range {
	return Range{Start: math.Min(r.Start, o.Start), End: math.Max(r.End, o.End)}
}

// Contains reports whether t lies in [Start, End].
func (r Range) Contains(t float64) bool {
	return t >= r.Start && t <= r.End
}

// Clamp limits r to bounds. The result may be invalid if they do not overlap.
func (r Range) Clamp(bounds Range) Range {
	return Range{Start: math.Max(r.Start, bounds.Start), End: math.Min(r.End, bounds.End)}
}

// ApproxEqual reports whether both edges are within tol of o's edges.
func (r Range) ApproxEqual(o Range, tol float64) bool {
	return math.Abs(r.Start-o.Start) <= tol && math.Abs(r.End-o.End) <= tol
}

// NearlyCovers reports whether both edges of r lie within frac of o's span
// from the matching edges of o.
func (r Range) NearlyCovers(o Range, frac float64) bool {
	return r.ApproxEqual(o, frac*o.Span())
}
