package ui

import (
	"testing"

	"github.com/clipforge/clipforge-agent/internal/session"
)

func TestStatusLine(t *testing.T) {
	tests := []struct {
		name string
		st   session.Status
		want string
	}{
		{"signed out", session.Status{}, "Signed out"},
		{"no asset", session.Status{Authenticated: true}, "No video selected"},
		{"idle", session.Status{Authenticated: true, Asset: "/v/a.mp4"}, "Idle"},
		{"one build", session.Status{Authenticated: true, Asset: "/v/a.mp4", ActiveBuilds: 1}, "Building 1 clip"},
		{"many builds", session.Status{Authenticated: true, ActiveBuilds: 3}, "Building 3 clips"},
		{"bulk", session.Status{Authenticated: true, ActiveBuilds: 2, RunningBatches: 1}, "Building all (2 active)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusLine(tt.st); got != tt.want {
				t.Errorf("StatusLine() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIconEmbedded(t *testing.T) {
	if len(iconBytes) < 8 || string(iconBytes[1:4]) != "PNG" {
		t.Fatal("tray icon is not an embedded PNG")
	}
}
