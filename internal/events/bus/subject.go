package bus

import "regexp"

// SubjectFilter matches event subjects against a NATS-style pattern
// (* matches one token, > matches one or more trailing tokens). It is
// for local consumers that receive events from a broad subscription and
// narrow them down per recipient, such as the websocket event tap.
type SubjectFilter struct {
	pattern string
	regex   *regexp.Regexp
}

// NewSubjectFilter compiles a pattern into a reusable filter.
func NewSubjectFilter(pattern string) SubjectFilter {
	return SubjectFilter{pattern: pattern, regex: compilePattern(pattern)}
}

// Pattern returns the pattern the filter was built from.
func (f SubjectFilter) Pattern() string {
	return f.pattern
}

// Matches reports whether the subject matches the filter's pattern.
func (f SubjectFilter) Matches(subject string) bool {
	return matches(subject, f.pattern, f.regex)
}
