// Package artifact owns the local transient copies of remotely produced clips and bundles.
//
// Every local file is created by Acquire and removed by Release or Close. Callers hold
// *Handle pointers but never touch the underlying file lifecycle themselves.
package artifact

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

type Kind string

const (
	KindPreview Kind = "preview"
	KindFinal   Kind = "final"
	KindBundle  Kind = "bundle"
)

// Fetcher streams the bytes behind a remote reference.
type Fetcher interface {
	Fetch(ctx context.Context, remoteRef string, w io.Writer) (int64, error)
}

type FetcherFunc func(ctx context.Context, remoteRef string, w io.Writer) (int64, error)

func (f FetcherFunc) Fetch(ctx context.Context, remoteRef string, w io.Writer) (int64, error) {
	return f(ctx, remoteRef, w)
}

type Handle struct {
	id        string
	remoteRef string
	kind      Kind
	localPath string
	size      int64
	released  atomic.Bool
}

func (h *Handle) ID() string        { return h.id }
func (h *Handle) RemoteRef() string { return h.remoteRef }
func (h *Handle) Kind() Kind        { return h.kind }
func (h *Handle) LocalPath() string { return h.localPath }
func (h *Handle) Size() int64       { return h.size }
func (h *Handle) Released() bool    { return h.released.Load() }

type Manager struct {
	fetcher Fetcher
	dir     string
	logger  *slog.Logger

	mu   sync.Mutex
	live map[string]*Handle
}

func NewManager(fetcher Fetcher, dir string, logger *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}
	return &Manager{
		fetcher: fetcher,
		dir:     dir,
		logger:  logger,
		live:    make(map[string]*Handle),
	}, nil
}

// Acquire downloads remoteRef into a new local file and registers the handle as live.
func (m *Manager) Acquire(ctx context.Context, remoteRef string, kind Kind) (*Handle, error) {
	if strings.TrimSpace(remoteRef) == "" {
		return nil, fmt.Errorf("acquire %s artifact: empty remote reference", kind)
	}

	f, err := os.CreateTemp(m.dir, string(kind)+"-*"+extensionFor(remoteRef, kind))
	if err != nil {
		return nil, fmt.Errorf("acquire %s artifact: %w", kind, err)
	}

	n, fetchErr := m.fetcher.Fetch(ctx, remoteRef, f)
	closeErr := f.Close()
	if fetchErr == nil && closeErr != nil {
		fetchErr = closeErr
	}
	if fetchErr != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("acquire %s artifact: %w", kind, fetchErr)
	}

	h := &Handle{
		id:        uuid.NewString(),
		remoteRef: remoteRef,
		kind:      kind,
		localPath: f.Name(),
		size:      n,
	}

	m.mu.Lock()
	m.live[h.id] = h
	m.mu.Unlock()

	m.logger.Debug("artifact acquired",
		"handle_id", h.id,
		"kind", kind,
		"size", humanize.Bytes(uint64(n)),
	)
	return h, nil
}

// Release removes the local file behind h. Releasing nil or an already released handle is a no-op.
func (m *Manager) Release(h *Handle) error {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return nil
	}

	m.mu.Lock()
	delete(m.live, h.id)
	m.mu.Unlock()

	if err := os.Remove(h.localPath); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("failed to remove artifact file", "handle_id", h.id, "error", err)
		return fmt.Errorf("release artifact %s: %w", h.id, err)
	}
	m.logger.Debug("artifact released", "handle_id", h.id, "kind", h.kind)
	return nil
}

// Replace acquires remoteRef and only then releases old. If the acquisition fails, old stays live.
func (m *Manager) Replace(ctx context.Context, old *Handle, remoteRef string, kind Kind) (*Handle, error) {
	h, err := m.Acquire(ctx, remoteRef, kind)
	if err != nil {
		return nil, err
	}
	if err := m.Release(old); err != nil {
		m.logger.Warn("replace: release of previous artifact failed", "error", err)
	}
	return h, nil
}

func (m *Manager) Lookup(id string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.live[id]
	return h, ok
}

// Live returns the number of handles not yet released.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Close releases every live handle.
func (m *Manager) Close() error {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.live))
	for _, h := range m.live {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	var firstErr error
	for _, h := range handles {
		if err := m.Release(h); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if len(handles) > 0 {
		m.logger.Info("released artifacts on teardown", "count", len(handles))
	}
	return firstErr
}

func extensionFor(remoteRef string, kind Kind) string {
	ref := remoteRef
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		ref = ref[:i]
	}
	if ext := path.Ext(ref); ext != "" && len(ext) <= 5 {
		return ext
	}
	if kind == KindBundle {
		return ".zip"
	}
	return ".mp4"
}
