package learning

import (
	"regexp"
	"strings"
)

// maxPatternLen bounds canonical error patterns.
const maxPatternLen = 100

var volatileTokens = []*regexp.Regexp{
	regexp.MustCompile(`\d{4}-\d{2}-\d{2}`),      // dates
	regexp.MustCompile(`\d{2}:\d{2}:\d{2}`),      // times
	regexp.MustCompile(`/\S+`),                   // file paths
	regexp.MustCompile(`(?i)\[?PID\s+\d+\]?`),    // process IDs
	regexp.MustCompile(`(?i)port\s+\d+`),         // port numbers
}

var multiSpace = regexp.MustCompile(`\s+`)

// ExtractErrorPattern canonicalizes a raw error message so that messages
// differing only in timestamps, paths, PIDs, or ports share one pattern
// key. The function is idempotent: extract(extract(x)) == extract(x).
func ExtractErrorPattern(message string) string {
	s := message
	for _, re := range volatileTokens {
		s = re.ReplaceAllString(s, " ")
	}
	s = multiSpace.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	if len(s) > maxPatternLen {
		s = strings.TrimSpace(s[:maxPatternLen])
	}
	return s
}

// PatternKey builds the unique aggregate key issue_type:error_pattern:strategy.
func PatternKey(issueType, errorPattern, strategy string) string {
	return issueType + ":" + errorPattern + ":" + strategy
}

// ErrorSignature builds the diagnosis cache key issue_type:error_pattern.
func ErrorSignature(issueType, errorPattern string) string {
	return issueType + ":" + errorPattern
}
