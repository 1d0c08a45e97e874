package timerange

import (
	"testing"
	"time"

	"github.com/clipforge/clipforge-agent/internal/apperr"
)

func TestParseSeconds(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"90", 90, false},
		{"0", 0, false},
		{"01:30", 90, false},
		{"1:05", 65, false},
		{"75:00", 4500, false},
		{"01:02:03", 3723, false},
		{" 00:10 ", 10, false},
		{"", 0, true},
		{"abc", 0, true},
		{"-5", 0, true},
		{"1:-5", 0, true},
		{"01:75", 0, true},
		{"1::2", 0, true},
		{"1:2:3:4", 0, true},
		{"1.5", 0, true},
		{"2147483647", 2147483647, false},
		{"2147483648", 0, true},
		{"99999999999999999999", 0, true},
		{"9223372036854775807:00", 0, true},
		{"5124095576030432:00:00", 0, true},
		{"596523:14:07", 2147483647, false},
		{"596523:14:08", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSeconds(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseSeconds(%q) = %d, want error", tt.in, got)
				}
				if !apperr.Is(err, apperr.KindValidation) {
					t.Errorf("error kind = %q, want validation", apperr.KindOf(err))
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSeconds(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseSeconds(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestParse_OrderingRule(t *testing.T) {
	if _, err := Parse("00:10", "00:10"); err == nil {
		t.Error("expected error for end == start")
	}
	if _, err := Parse("00:20", "00:10"); err == nil {
		t.Error("expected error for end < start")
	}

	r, err := Parse("00:10", "00:25")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if r.Start != 10 || r.End != 25 {
		t.Errorf("Parse() = %+v, want {10 25}", r)
	}
	if r.Duration() != 15*time.Second {
		t.Errorf("Duration() = %v, want 15s", r.Duration())
	}
}

func TestNew_RejectsNegative(t *testing.T) {
	if _, err := New(-1, 5); err == nil {
		t.Error("expected error for negative start")
	}
}

func TestFormatSeconds(t *testing.T) {
	tests := []struct {
		in   int
		want string
	}{
		{0, "00:00"},
		{65, "01:05"},
		{3599, "59:59"},
		{3600, "01:00:00"},
		{3723, "01:02:03"},
	}
	for _, tt := range tests {
		if got := FormatSeconds(tt.in); got != tt.want {
			t.Errorf("FormatSeconds(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	for _, in := range []string{"90", "1:30", "01:30", "75:00", "1:02:03"} {
		n, err := ParseSeconds(in)
		if err != nil {
			t.Fatalf("ParseSeconds(%q) error = %v", in, err)
		}
		back, err := ParseSeconds(FormatSeconds(n))
		if err != nil {
			t.Fatalf("reparse of %q error = %v", FormatSeconds(n), err)
		}
		if back != n {
			t.Errorf("round trip %q: got %d, want %d", in, back, n)
		}
	}
}

func TestParseSpan(t *testing.T) {
	r, err := ParseSpan("00:10-1:00")
	if err != nil {
		t.Fatalf("ParseSpan() error = %v", err)
	}
	if r.String() != "00:10-01:00" {
		t.Errorf("String() = %q", r.String())
	}
	if r.Slug() != "00-10_01-00" {
		t.Errorf("Slug() = %q", r.Slug())
	}
	if _, err := ParseSpan("0:10"); err == nil {
		t.Error("expected error without separator")
	}
}

func TestValid(t *testing.T) {
	if (Range{}).Valid() {
		t.Error("zero Range must be invalid")
	}
	if err := (Range{Start: 5, End: 3}).Validate(); err == nil {
		t.Error("Validate() should reject inverted bounds")
	}
	r := Range{Start: 5, End: 8}
	if !r.Contains(5) || r.Contains(8) {
		t.Error("Contains() is not half-open")
	}
}
