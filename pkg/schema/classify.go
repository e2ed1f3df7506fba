package schema

import "strings"

// Category is the coarse kind of a column, used to decide which axis it may drive.
type Category string

const (
	CategoryTemporal Category = "temporal"
	CategoryNumeric  Category = "numeric"
	CategoryString   Category = "string"
	CategoryBoolean  Category = "boolean"
	CategoryOther    Category = "other"
)

// Keyword sets are matched as substrings of the lower-cased type, in this order.
var (
	temporalKeywords = []string{"timestamp", "datetime", "date", "time"}
	numericKeywords  = []string{"int", "float", "double", "decimal", "numeric", "real", "number"}
	stringKeywords   = []string{"string", "char", "text", "utf8", "enum", "uuid"}
	booleanKeywords  = []string{"bool"}
)

// timeEligibleKeywords decide whether a column may be treated as a timestamp.
var timeEligibleKeywords = []string{"timestamp", "datetime", "date", "time"}

// Classify maps a declared type string to a Category. Unknown types map to CategoryOther.
func Classify(declaredType string) Category {
	t := strings.ToLower(declaredType)
	switch {
	case containsAny(t, temporalKeywords):
		return CategoryTemporal
	case containsAny(t, numericKeywords):
		return CategoryNumeric
	case containsAny(t, stringKeywords):
		return CategoryString
	case containsAny(t, booleanKeywords):
		return CategoryBoolean
	default:
		return CategoryOther
	}
}

// IsTimeEligible reports whether the declared type is a timestamp-like type.
// A numeric column can still serve as a time axis (e.g. a sample index)
// without being time-eligible.
func IsTimeEligible(declaredType string) bool {
	return containsAny(strings.ToLower(declaredType), timeEligibleKeywords)
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
