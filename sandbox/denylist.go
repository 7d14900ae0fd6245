package sandbox

import (
	"fmt"
	"regexp"
)

// DefaultPythonDenyPatterns is the deny list applied to Python sources
// unless configuration replaces it.
var DefaultPythonDenyPatterns = []string{
	`import\s+os`,
	`import\s+sys`,
	`import\s+subprocess`,
	`\bexec\s*\(`,
	`\beval\s*\(`,
	`\bopen\s*\(`,
}

// DenyList rejects source text matching any of a fixed set of patterns.
//
// It is a best-effort filter on raw text and not an isolation boundary:
// string concatenation, __import__ and similar tricks pass straight through.
// A nil *DenyList denies nothing.
type DenyList struct {
	patterns []*regexp.Regexp
}

// NewDenyList compiles patterns into a DenyList
func NewDenyList(patterns []string) (*DenyList, error) {
	d := &DenyList{patterns: make([]*regexp.Regexp, 0, len(patterns))}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid deny pattern %q: %w", p, err)
		}
		d.patterns = append(d.patterns, re)
	}
	return d, nil
}

// Denied reports whether source matches any pattern
func (d *DenyList) Denied(source string) bool {
	if d == nil {
		return false
	}
	for _, re := range d.patterns {
		if re.MatchString(source) {
			return true
		}
	}
	return false
}

// Patterns returns the source patterns in order
func (d *DenyList) Patterns() []string {
	if d == nil {
		return nil
	}
	out := make([]string, len(d.patterns))
	for i, re := range d.patterns {
		out[i] = re.String()
	}
	return out
}
