package main

import (
	"strings"
	"testing"
)

func TestRenderTable(t *testing.T) {
	out := renderTable(
		[]string{"Segment", "Size"},
		[][]string{{"00:05-00:20", "1.2 MB"}, {"00:30-00:45"}},
		[]columnAlignment{alignLeft, alignRight},
	)
	for _, want := range []string{"SEGMENT", "00:05-00:20", "1.2 MB", "00:30-00:45"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
	if renderTable(nil, nil, nil) != "" {
		t.Error("empty headers should render nothing")
	}
}

func TestShortPath(t *testing.T) {
	if got := shortPath("/nowhere/clip.mp4"); got != "/nowhere/clip.mp4" {
		t.Errorf("shortPath() = %q", got)
	}
}
