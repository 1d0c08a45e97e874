// Package playback streams built artifacts to the browser, with byte-range support so
// previews can be scrubbed.
package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/clipforge/clipforge-agent/internal/artifact"
)

// ErrGone is returned for a handle whose file was already released.
var ErrGone = errors.New("artifact released")

type Server struct {
	logger *slog.Logger
}

func NewServer(logger *slog.Logger) *Server {
	return &Server{logger: logger}
}

// ServeArtifact writes the local file of h. A non-empty downloadName asks the browser to
// save the file under that name instead of playing it inline.
func (s *Server) ServeArtifact(w http.ResponseWriter, r *http.Request, h *artifact.Handle, downloadName string) error {
	if h == nil || h.Released() {
		return ErrGone
	}
	file, err := os.Open(h.LocalPath())
	if err != nil {
		if os.IsNotExist(err) {
			return ErrGone
		}
		return fmt.Errorf("failed to open artifact: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat artifact: %w", err)
	}

	w.Header().Set("Content-Type", contentType(h.LocalPath()))
	w.Header().Set("Cache-Control", "no-store")
	if downloadName != "" {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": downloadName}))
	}

	s.logger.Debug("serving artifact", "handle_id", h.ID(), "kind", h.Kind(), "range", r.Header.Get("Range"))
	http.ServeContent(w, r, filepath.Base(h.LocalPath()), stat.ModTime(), file)
	return nil
}

func contentType(path string) string {
	ext := filepath.Ext(path)
	switch ext {
	case ".mp4":
		return "video/mp4"
	case ".zip":
		return "application/zip"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}
