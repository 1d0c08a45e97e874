// Package suggest turns suggested moments from a transcript into the session's segment list.
package suggest

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/clipforge/clipforge-agent/internal/apperr"
	"github.com/clipforge/clipforge-agent/internal/cloud"
	"github.com/clipforge/clipforge-agent/internal/logging"
	"github.com/clipforge/clipforge-agent/internal/segment"
)

const maxLabelRunes = 80

// Service proposes moments for a transcript.
type Service interface {
	Suggest(ctx context.Context, transcript string, maxCount int) ([]cloud.Moment, error)
}

var ErrNoSuggestions = errors.New("no moments suggested")

type Adapter struct {
	svc    Service
	reg    *segment.Registry
	logger *slog.Logger
}

func NewAdapter(svc Service, reg *segment.Registry, logger *slog.Logger) *Adapter {
	return &Adapter{svc: svc, reg: reg, logger: logging.WithComponent(logger, "suggest")}
}

// Suggest asks the service for up to maxCount moments and replaces the segment list with
// them, in the order returned. On an error or an empty answer the list is left as it was.
func (a *Adapter) Suggest(ctx context.Context, transcript string, maxCount int) ([]segment.Segment, error) {
	const op = "suggest"

	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return nil, apperr.Validation(op, "transcript is empty")
	}
	n := maxCount
	if n <= 0 || n > segment.MaxSegments {
		n = segment.MaxSegments
	}

	moments, err := a.svc.Suggest(ctx, transcript, n)
	if ctx.Err() != nil {
		return nil, apperr.New(apperr.KindCancelled, op, ctx.Err())
	}
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			err = apperr.New(apperr.KindUpstream, op, err)
		}
		a.logger.Warn("suggestion request failed", "error", err)
		return nil, err
	}

	drafts := toDrafts(moments, n)
	if len(drafts) == 0 {
		return nil, apperr.New(apperr.KindUpstream, op, ErrNoSuggestions)
	}

	segs, err := a.reg.ReplaceAll(drafts)
	if err != nil {
		return nil, err
	}
	a.logger.Info("applied suggested moments", "received", len(moments), "applied", len(segs))
	return segs, nil
}

// toDrafts keeps the first n valid, distinct moments.
func toDrafts(moments []cloud.Moment, n int) []segment.Draft {
	drafts := make([]segment.Draft, 0, n)
	seen := make(map[string]bool, len(moments))
	for _, m := range moments {
		if len(drafts) == n {
			break
		}
		if !m.Range.Valid() || seen[m.Range.String()] {
			continue
		}
		seen[m.Range.String()] = true
		drafts = append(drafts, segment.Draft{Range: m.Range, Label: label(m.Reason)})
	}
	return drafts
}

func label(reason string) string {
	reason = strings.Join(strings.Fields(reason), " ")
	if r := []rune(reason); len(r) > maxLabelRunes {
		return strings.TrimSpace(string(r[:maxLabelRunes-1])) + "…"
	}
	return reason
}
