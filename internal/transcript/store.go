// Package transcript keeps the single transcript of the currently selected asset.
package transcript

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/clipforge/clipforge-agent/internal/apperr"
)

type Status string

const (
	StatusAbsent  Status = "absent"
	StatusPending Status = "pending"
	StatusReady   Status = "ready"
	StatusFailed  Status = "failed"
)

type Transcript struct {
	AssetRef  string       `json:"asset_ref"`
	Text      string       `json:"text"`
	Status    Status       `json:"status"`
	Error     *apperr.Info `json:"error,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Service produces the text for a media reference.
type Service interface {
	Transcribe(ctx context.Context, assetRef string) (string, error)
}

// ErrSuperseded is returned to a request that a newer request replaced before it finished.
var ErrSuperseded = errors.New("transcript request superseded")

type Store struct {
	svc    Service
	logger *slog.Logger

	mu     sync.Mutex
	cur    Transcript
	gen    uint64
	cancel context.CancelFunc
}

func NewStore(svc Service, logger *slog.Logger) *Store {
	return &Store{
		svc:    svc,
		logger: logger,
		cur:    Transcript{Status: StatusAbsent},
	}
}

// Request transcribes assetRef. Only the latest request may write to the store; an
// earlier in-flight request is cancelled and returns ErrSuperseded.
func (s *Store) Request(ctx context.Context, assetRef string) (Transcript, error) {
	if strings.TrimSpace(assetRef) == "" {
		return Transcript{}, apperr.Validation("transcribe", "no asset selected")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.gen++
	gen := s.gen
	s.cancel = cancel
	s.cur.Status = StatusPending
	s.cur.Error = nil
	s.cur.UpdatedAt = time.Now().UTC()
	if s.cur.AssetRef != assetRef {
		s.cur.AssetRef = assetRef
	}
	s.mu.Unlock()

	s.logger.Info("transcript requested", "generation", gen)
	text, err := s.svc.Transcribe(ctx, assetRef)

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		s.logger.Debug("discarding superseded transcript result", "generation", gen)
		return Transcript{}, ErrSuperseded
	}
	s.cancel = nil

	if err != nil {
		s.cur.Status = StatusFailed
		s.cur.Error = apperr.Describe(err)
		s.cur.UpdatedAt = time.Now().UTC()
		s.logger.Warn("transcript failed", "error", err)
		return s.cur, err
	}

	s.cur = Transcript{
		AssetRef:  assetRef,
		Text:      text,
		Status:    StatusReady,
		UpdatedAt: time.Now().UTC(),
	}
	s.logger.Info("transcript ready", "chars", len(text))
	return s.cur, nil
}

func (s *Store) Current() Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// ReadyText returns the transcript text when the store holds a usable transcript. A failed
// refresh that kept earlier text still counts.
func (s *Store) ReadyText() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(s.cur.Text) == "" {
		return "", false
	}
	return s.cur.Text, true
}

// Reset drops the transcript, cancelling any pending request.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.gen++
	s.cur = Transcript{Status: StatusAbsent, UpdatedAt: time.Now().UTC()}
}
