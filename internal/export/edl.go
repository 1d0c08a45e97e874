package export

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
)

// GenerateEDL renders a CMX3600-style list. Record time runs back to back in clip order.
func GenerateEDL(clips []Clip, title string, frameRate float64) string {
	fps := int(math.Round(frameRate))
	if fps <= 0 {
		fps = int(DefaultFrameRate)
	}

	isDropFrame := math.Abs(frameRate-29.97) < 0.01 || math.Abs(frameRate-59.94) < 0.01

	lines := []string{fmt.Sprintf("TITLE: %s", title)}
	if isDropFrame {
		lines = append(lines, "FCM: DROP FRAME")
	} else {
		lines = append(lines, "FCM: NON-DROP FRAME")
	}
	lines = append(lines, "")

	record := 0
	for i, clip := range clips {
		length := clip.Range.End - clip.Range.Start
		lines = append(lines,
			fmt.Sprintf("%03d  %-8s %-5s C        %s %s %s %s", i+1, "AX", "V",
				timecode(clip.Range.Start, fps), timecode(clip.Range.End, fps),
				timecode(record, fps), timecode(record+length, fps)),
			fmt.Sprintf("* FROM CLIP NAME:  %s", clip.Name),
			fmt.Sprintf("* MEDIA PATH:  %s", clip.MediaPath),
		)
		record += length
	}

	lines = append(lines, "")
	return strings.Join(lines, "\n")
}

// timecode renders whole seconds as HH:MM:SS:FF.
func timecode(seconds, fps int) string {
	totalFrames := seconds * fps
	frames := totalFrames % fps
	totalSeconds := totalFrames / fps
	return fmt.Sprintf("%02d:%02d:%02d:%02d", totalSeconds/3600, (totalSeconds/60)%60, totalSeconds%60, frames)
}

// WriteEDL writes the list for clips into dir and returns the file path.
func WriteEDL(dir, projectName string, clips []Clip, frameRate float64) (string, error) {
	if len(clips) == 0 {
		return "", fmt.Errorf("no clips to export")
	}
	dir, err := ResolveOutputDir(dir)
	if err != nil {
		return "", err
	}
	name := CleanLabel(projectName, maxProjectName)
	if name == "" {
		name = DefaultProjectName
	}
	if frameRate <= 0 {
		frameRate = DefaultFrameRate
	}

	out := filepath.Join(dir, name+".edl")
	if err := os.WriteFile(out, []byte(GenerateEDL(clips, name, frameRate)), 0o644); err != nil {
		return "", fmt.Errorf("write edl: %w", err)
	}
	return out, nil
}
