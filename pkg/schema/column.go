package schema

// Column describes one column of a data file. Built once per file and never mutated.
type Column struct {
	Name         string   `json:"name"`
	DeclaredType string   `json:"type"`
	Category     Category `json:"category"`
	TimeEligible bool     `json:"time_eligible"`
}

// Describe classifies a raw (name, type) pair.
func Describe(name, declaredType string) Column {
	return Column{
		Name:         name,
		DeclaredType: declaredType,
		Category:     Classify(declaredType),
		TimeEligible: IsTimeEligible(declaredType),
	}
}

// Find returns the column with the given name.
func Find(cols []Column, name string) (Column, bool) {
	for _, c := range cols {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// TimeAxisCandidates returns temporal and numeric columns, temporal first.
func TimeAxisCandidates(cols []Column) []Column {
	var temporal, numeric []Column
	for _, c := range cols {
		switch c.Category {
		case CategoryTemporal:
			temporal = append(temporal, c)
		case CategoryNumeric:
			numeric = append(numeric, c)
		}
	}
	return append(temporal, numeric...)
}

// ValueAxisCandidates returns the numeric columns.
func ValueAxisCandidates(cols []Column) []Column {
	var out []Column
	for _, c := range cols {
		if c.Category == CategoryNumeric {
			out = append(out, c)
		}
	}
	return out
}

// DefaultTimeColumn picks the first time axis candidate, preferring
// time-eligible columns. Returns "" when the file has none.
func DefaultTimeColumn(cols []Column) string {
	for _, c := range cols {
		if c.TimeEligible && c.Category == CategoryTemporal {
			return c.Name
		}
	}
	if candidates := TimeAxisCandidates(cols); len(candidates) > 0 {
		return candidates[0].Name
	}
	return ""
}
