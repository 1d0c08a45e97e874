package export

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/clipforge/clipforge-agent/internal/artifact"
	"github.com/clipforge/clipforge-agent/internal/timerange"
)

// ArtifactFileName is the download name of a built clip, e.g. clip_00-10-00-25_preview.mp4.
func ArtifactFileName(r timerange.Range, kind artifact.Kind) string {
	suffix := "_preview.mp4"
	if kind == artifact.KindFinal {
		suffix = "_1080.mp4"
	}
	return "clip_" + dashed(r.Start) + "-" + dashed(r.End) + suffix
}

// BundleFileName names the archive of a bulk build.
func BundleFileName(batchID string) string {
	id := CleanLabel(batchID, 8)
	if id == "" {
		return "clips.zip"
	}
	return "clips_" + id + ".zip"
}

func dashed(seconds int) string {
	return strings.ReplaceAll(timerange.FormatSeconds(seconds), ":", "-")
}

// CopyArtifact copies the local file of h into dir under name and returns the new path.
func CopyArtifact(h *artifact.Handle, dir, name string) (string, error) {
	if h == nil || h.Released() {
		return "", fmt.Errorf("artifact is no longer available")
	}
	dir, err := ResolveOutputDir(dir)
	if err != nil {
		return "", err
	}

	src, err := os.Open(h.LocalPath())
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer src.Close()

	out := filepath.Join(dir, filepath.Base(name))
	dst, err := os.Create(out)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", out, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(out)
		return "", fmt.Errorf("copy artifact: %w", err)
	}
	if err := dst.Close(); err != nil {
		return "", err
	}
	return out, nil
}

const labelPunct = "-_.,()"

// CleanLabel makes a user supplied label safe to use as an EDL field and as a file name.
// Whitespace runs become one space, control characters are dropped and every run of other
// unsupported characters becomes a single '_'. Leading dots are removed so the result never
// names a hidden file or a parent directory. maxRunes <= 0 means no limit.
func CleanLabel(s string, maxRunes int) string {
	var b strings.Builder
	b.Grow(len(s))
	var last rune
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			r = ' '
		case unicode.IsControl(r):
			continue
		case unicode.IsLetter(r), unicode.IsDigit(r), strings.ContainsRune(labelPunct, r):
		default:
			r = '_'
			if last == '_' {
				continue
			}
		}
		if r == ' ' && (last == ' ' || b.Len() == 0) {
			continue
		}
		b.WriteRune(r)
		last = r
	}

	out := strings.TrimLeft(strings.TrimSpace(b.String()), ".")
	if maxRunes > 0 && utf8.RuneCountInString(out) > maxRunes {
		out = string([]rune(out)[:maxRunes])
	}
	return strings.TrimSpace(out)
}

// ResolveOutputDir returns the absolute form of dir, which must be an existing directory
// given without ".." elements.
func ResolveOutputDir(dir string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", fmt.Errorf("output directory is required")
	}
	if slices.Contains(strings.Split(filepath.ToSlash(dir), "/"), "..") {
		return "", fmt.Errorf("output directory %s must not contain ..", dir)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve output directory: %w", err)
	}
	info, err := os.Stat(abs)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("output directory %s does not exist", dir)
	case err != nil:
		return "", fmt.Errorf("stat output directory: %w", err)
	case !info.IsDir():
		return "", fmt.Errorf("output directory %s is not a directory", dir)
	}
	return abs, nil
}
