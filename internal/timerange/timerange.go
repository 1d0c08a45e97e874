// Package timerange parses, validates and formats the start/end bounds of a segment.
//
// Accepted inputs are HH:MM:SS, MM:SS and bare integer seconds. Every component
// after the first must be in 0..59.
package timerange

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/clipforge/clipforge-agent/internal/apperr"
)

// Range is a half-open span of whole seconds. A Range obtained from New or Parse
// always satisfies 0 <= Start < End.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// MaxSeconds bounds every parsed timestamp so arithmetic on ranges cannot overflow.
const MaxSeconds = math.MaxInt32

// ParseSeconds converts a timestamp into whole seconds.
func ParseSeconds(text string) (int, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return 0, apperr.Validation("parse time", "empty timestamp")
	}

	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, apperr.Validation("parse time", "%q has too many components", text)
	}

	total := 0
	for i, p := range parts {
		if p == "" {
			return 0, apperr.Validation("parse time", "%q has an empty component", text)
		}
		for _, r := range p {
			if r < '0' || r > '9' {
				return 0, apperr.Validation("parse time", "%q is not a valid timestamp", text)
			}
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, apperr.Validation("parse time", "%q is out of range", text)
		}
		if i > 0 && n > 59 {
			return 0, apperr.Validation("parse time", "%q: component %q must be below 60", text, p)
		}
		if n > MaxSeconds || total > (MaxSeconds-n)/60 {
			return 0, apperr.Validation("parse time", "%q is out of range", text)
		}
		total = total*60 + n
	}
	return total, nil
}

// New validates explicit second bounds.
func New(start, end int) (Range, error) {
	if start < 0 || end < 0 {
		return Range{}, apperr.Validation("time range", "bounds must not be negative")
	}
	if end <= start {
		return Range{}, apperr.Validation("time range", "end %s must be after start %s",
			FormatSeconds(end), FormatSeconds(start))
	}
	return Range{Start: start, End: end}, nil
}

func Parse(start, end string) (Range, error) {
	s, err := ParseSeconds(start)
	if err != nil {
		return Range{}, err
	}
	e, err := ParseSeconds(end)
	if err != nil {
		return Range{}, err
	}
	return New(s, e)
}

// ParseSpan parses "start-end", e.g. "00:10-00:25".
func ParseSpan(text string) (Range, error) {
	start, end, ok := strings.Cut(text, "-")
	if !ok {
		return Range{}, apperr.Validation("parse span", "%q must look like start-end", text)
	}
	return Parse(start, end)
}

// FormatSeconds renders HH:MM:SS when the value reaches an hour, MM:SS otherwise.
func FormatSeconds(total int) string {
	if total < 0 {
		total = 0
	}
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

// Valid reports whether r satisfies the Range invariant. The zero Range is invalid.
func (r Range) Valid() bool {
	return r.Start >= 0 && r.End > r.Start
}

// Validate re-checks r, for values that were built without New.
func (r Range) Validate() error {
	_, err := New(r.Start, r.End)
	return err
}

func (r Range) Duration() time.Duration {
	return time.Duration(r.End-r.Start) * time.Second
}

func (r Range) String() string {
	return FormatSeconds(r.Start) + "-" + FormatSeconds(r.End)
}

// Slug is a filename-safe rendering such as "00-10_00-25".
func (r Range) Slug() string {
	return strings.ReplaceAll(FormatSeconds(r.Start), ":", "-") + "_" +
		strings.ReplaceAll(FormatSeconds(r.End), ":", "-")
}

// Contains reports whether second t lies inside r.
func (r Range) Contains(t int) bool {
	return t >= r.Start && t < r.End
}
