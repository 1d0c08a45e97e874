// Package export turns the segment list into files a user can take elsewhere: an edit
// decision list and downloaded clips with stable names.
package export

import (
	"github.com/clipforge/clipforge-agent/internal/segment"
	"github.com/clipforge/clipforge-agent/internal/timerange"
)

const (
	DefaultFrameRate   = 30.0
	DefaultProjectName = "clipforge_export"

	maxProjectName = 120
	maxClipName    = 160
)

// Clip is one EDL event cut from MediaPath.
type Clip struct {
	Name      string
	MediaPath string
	Range     timerange.Range
}

// ClipsFromSegments keeps the registry order. Unlabelled segments are named by range.
func ClipsFromSegments(segs []segment.Segment, mediaPath string) []Clip {
	clips := make([]Clip, 0, len(segs))
	for _, s := range segs {
		name := CleanLabel(s.Label, maxClipName)
		if name == "" {
			name = s.Range.String()
		}
		clips = append(clips, Clip{Name: name, MediaPath: mediaPath, Range: s.Range})
	}
	return clips
}
