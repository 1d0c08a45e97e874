// Package assistant keeps the ordered conversation with the remote assistant and builds
// the transcript and segment context sent with every question.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/clipforge/clipforge-agent/internal/apperr"
	"github.com/clipforge/clipforge-agent/internal/logging"
	"github.com/clipforge/clipforge-agent/internal/segment"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

const noReply = "(no reply)"

type Turn struct {
	Role    Role      `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// ClipContext narrows a question to one segment.
type ClipContext struct {
	SegmentID  string `json:"segment_id,omitempty"`
	Label      string `json:"label,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// Request is what the assistant endpoint receives. History holds the turns before Message.
type Request struct {
	Message string
	Context string
	History []Turn
}

type Service interface {
	Ask(ctx context.Context, req Request) (string, error)
}

type TranscriptSource interface {
	ReadyText() (string, bool)
}

type SegmentSource interface {
	List() []segment.Segment
}

// ErrCleared is returned to a caller whose reply arrived after the conversation was cleared.
var ErrCleared = errors.New("conversation cleared")

type Session struct {
	svc        Service
	transcript TranscriptSource
	segments   SegmentSource
	logger     *slog.Logger

	mu    sync.Mutex
	turns []Turn
	epoch uint64
	// tail is closed when the most recently issued Ask has finished.
	tail chan struct{}
}

func NewSession(svc Service, transcript TranscriptSource, segments SegmentSource, logger *slog.Logger) *Session {
	return &Session{
		svc:        svc,
		transcript: transcript,
		segments:   segments,
		logger:     logging.WithComponent(logger, "assistant"),
	}
}

// Ask sends message and appends the user and assistant turns. Calls are served one at a
// time in the order they were made. If the request fails the user turn is removed again.
func (s *Session) Ask(ctx context.Context, message string, clip *ClipContext) (Turn, error) {
	const op = "ask assistant"

	message = strings.TrimSpace(message)
	if message == "" {
		return Turn{}, apperr.Validation(op, "message is empty")
	}

	s.mu.Lock()
	prev := s.tail
	mine := make(chan struct{})
	s.tail = mine
	s.mu.Unlock()

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			// Keep the chain intact for whoever queued behind us.
			go func() {
				<-prev
				close(mine)
			}()
			return Turn{}, apperr.New(apperr.KindCancelled, op, ctx.Err())
		}
	}
	defer close(mine)

	s.mu.Lock()
	epoch := s.epoch
	history := append([]Turn(nil), s.turns...)
	s.turns = append(s.turns, Turn{Role: RoleUser, Content: message, At: time.Now().UTC()})
	s.mu.Unlock()

	start := time.Now()
	reply, err := s.svc.Ask(ctx, Request{
		Message: message,
		Context: s.buildContext(clip),
		History: history,
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.epoch != epoch {
		s.logger.Debug("discarding reply for cleared conversation")
		return Turn{}, apperr.New(apperr.KindCancelled, op, ErrCleared)
	}
	if err != nil {
		s.turns = s.turns[:len(s.turns)-1]
		if ctx.Err() != nil {
			err = apperr.New(apperr.KindCancelled, op, ctx.Err())
		} else if apperr.KindOf(err) == apperr.KindInternal {
			err = apperr.New(apperr.KindUpstream, op, err)
		}
		s.logger.Warn("assistant request failed", "error", err)
		return Turn{}, err
	}

	reply = strings.TrimSpace(reply)
	if reply == "" {
		reply = noReply
	}
	turn := Turn{Role: RoleAssistant, Content: reply, At: time.Now().UTC()}
	s.turns = append(s.turns, turn)
	s.logger.Info("assistant replied", "turns", len(s.turns), "duration_ms", time.Since(start).Milliseconds())
	return turn, nil
}

// AskPreset sends one of the canned prompts.
func (s *Session) AskPreset(ctx context.Context, name string, clip *ClipContext) (Turn, error) {
	p, ok := LookupPreset(name)
	if !ok {
		return Turn{}, apperr.Validation("ask preset", "unknown preset %q", name)
	}
	return s.Ask(ctx, p.Prompt, clip)
}

// Turns returns a copy of the conversation.
func (s *Session) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Turn(nil), s.turns...)
}

// Clear drops the conversation. Replies still in flight are discarded when they arrive.
func (s *Session) Clear() {
	s.mu.Lock()
	s.turns = nil
	s.epoch++
	s.mu.Unlock()
}

func (s *Session) buildContext(clip *ClipContext) string {
	var parts []string

	var segs []segment.Segment
	if s.segments != nil {
		segs = s.segments.List()
	}

	if clip != nil {
		if line := clipLine(clip, segs); line != "" {
			parts = append(parts, "[Clip]\n"+line)
		}
		if t := strings.TrimSpace(clip.Transcript); t != "" {
			parts = append(parts, "[Clip Transcript]\n"+t)
		}
	}
	if len(segs) > 0 {
		parts = append(parts, "[Segments]\n"+summarize(segs))
	}
	if s.transcript != nil {
		if text, ok := s.transcript.ReadyText(); ok {
			parts = append(parts, "[Full Transcript]\n"+text)
		}
	}
	return strings.Join(parts, "\n\n")
}

func clipLine(clip *ClipContext, segs []segment.Segment) string {
	label := strings.TrimSpace(clip.Label)
	for _, seg := range segs {
		if seg.ID != clip.SegmentID {
			continue
		}
		if label == "" {
			label = seg.Label
		}
		if label == "" {
			return seg.Range.String()
		}
		return fmt.Sprintf("%s %s", seg.Range.String(), label)
	}
	return label
}

func summarize(segs []segment.Segment) string {
	var b strings.Builder
	for i, seg := range segs {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d. %s", i+1, seg.Range.String())
		if seg.Label != "" {
			fmt.Fprintf(&b, " %s", seg.Label)
		}
		fmt.Fprintf(&b, " (%s)", seg.State)
	}
	return b.String()
}
