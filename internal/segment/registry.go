// Package segment holds the ordered, capacity-bounded list of user-defined segments.
//
// The Registry is the single source of truth for segment state. Readers get copies;
// build jobs write back by segment id and job id so results for removed or superseded
// segments are never applied.
package segment

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clipforge/clipforge-agent/internal/apperr"
	"github.com/clipforge/clipforge-agent/internal/artifact"
	"github.com/clipforge/clipforge-agent/internal/timerange"
)

const MaxSegments = 5

type State string

const (
	StateDraft     State = "draft"
	StateQueued    State = "queued"
	StateInFlight  State = "in_flight"
	StateReady     State = "ready"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Settled reports whether no job is working on the segment.
func (s State) Settled() bool {
	return s != StateQueued && s != StateInFlight
}

type Segment struct {
	ID        string
	Range     timerange.Range
	Label     string
	State     State
	Preview   *artifact.Handle
	Final     *artifact.Handle
	Error     *apperr.Info
	JobID     string
	UpdatedAt time.Time
}

// Draft is a segment before it has an identity.
type Draft struct {
	Range timerange.Range
	Label string
}

type Patch struct {
	Range *timerange.Range
	Label *string
}

// Releaser gives artifact handles back to their owner.
type Releaser interface {
	Release(h *artifact.Handle) error
}

var (
	errNoSegment = errors.New("no such segment")

	ErrAtCapacity = apperr.Validation("add segment", "at most %d segments are allowed", MaxSegments)
	ErrBusy       = apperr.Validation("update segment", "segment is being built")
)

type Registry struct {
	releaser Releaser
	logger   *slog.Logger

	mu        sync.RWMutex
	items     []*Segment
	listeners []func(id string)
}

func NewRegistry(releaser Releaser, logger *slog.Logger) *Registry {
	return &Registry{releaser: releaser, logger: logger}
}

// OnRemove registers fn to be called, outside the lock, with the id of every removed segment.
func (r *Registry) OnRemove(fn func(id string)) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

func (r *Registry) Add(rng timerange.Range, label string) (Segment, error) {
	if err := rng.Validate(); err != nil {
		return Segment{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.items) >= MaxSegments {
		return Segment{}, ErrAtCapacity
	}

	s := &Segment{
		ID:        uuid.NewString(),
		Range:     rng,
		Label:     label,
		State:     StateDraft,
		UpdatedAt: time.Now().UTC(),
	}
	r.items = append(r.items, s)
	return *s, nil
}

// Update edits a segment the user owns. A range change drops stale artifacts and returns
// the segment to draft.
func (r *Registry) Update(id string, p Patch) (Segment, error) {
	if p.Range != nil {
		if err := p.Range.Validate(); err != nil {
			return Segment{}, apperr.WithSegment(err, id)
		}
	}

	r.mu.Lock()
	s, _ := r.find(id)
	if s == nil {
		r.mu.Unlock()
		return Segment{}, notFound(id)
	}
	if s.State == StateInFlight {
		r.mu.Unlock()
		return Segment{}, apperr.WithSegment(ErrBusy, id)
	}

	var stale []*artifact.Handle
	if p.Range != nil && *p.Range != s.Range {
		s.Range = *p.Range
		stale = append(stale, s.Preview, s.Final)
		s.Preview, s.Final = nil, nil
		s.Error = nil
		if s.State.Settled() {
			s.State = StateDraft
		}
	}
	if p.Label != nil {
		s.Label = *p.Label
	}
	s.UpdatedAt = time.Now().UTC()
	out := *s
	r.mu.Unlock()

	r.release(stale...)
	return out, nil
}

func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	s, idx := r.find(id)
	if s == nil {
		r.mu.Unlock()
		return notFound(id)
	}
	r.items = append(r.items[:idx:idx], r.items[idx+1:]...)
	listeners := r.listeners
	r.mu.Unlock()

	r.notify(listeners, id)
	r.release(s.Preview, s.Final)
	return nil
}

func (r *Registry) Clear() {
	r.swap(nil)
}

// ReplaceAll atomically swaps the whole list, e.g. for suggested moments.
func (r *Registry) ReplaceAll(drafts []Draft) ([]Segment, error) {
	if len(drafts) > MaxSegments {
		return nil, ErrAtCapacity
	}
	now := time.Now().UTC()
	next := make([]*Segment, 0, len(drafts))
	for _, d := range drafts {
		if err := d.Range.Validate(); err != nil {
			return nil, err
		}
		next = append(next, &Segment{
			ID:        uuid.NewString(),
			Range:     d.Range,
			Label:     d.Label,
			State:     StateDraft,
			UpdatedAt: now,
		})
	}
	r.swap(next)

	out := make([]Segment, len(next))
	for i, s := range next {
		out[i] = *s
	}
	return out, nil
}

func (r *Registry) swap(next []*Segment) {
	r.mu.Lock()
	old := r.items
	r.items = next
	listeners := r.listeners
	r.mu.Unlock()

	for _, s := range old {
		r.notify(listeners, s.ID)
		r.release(s.Preview, s.Final)
	}
}

// List returns copies in display order.
func (r *Registry) List() []Segment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Segment, len(r.items))
	for i, s := range r.items {
		out[i] = *s
	}
	return out
}

func (r *Registry) Get(id string) (Segment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, _ := r.find(id)
	if s == nil {
		return Segment{}, false
	}
	return *s, true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// BeginBuild records a new job for the segment and moves it to queued.
func (r *Registry) BeginBuild(id, jobID string) (Segment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, _ := r.find(id)
	if s == nil {
		return Segment{}, notFound(id)
	}
	s.JobID = jobID
	s.State = StateQueued
	s.Error = nil
	s.UpdatedAt = time.Now().UTC()
	return *s, nil
}

// MarkInFlight moves the segment to in_flight and returns the range to build. It fails
// if the segment is gone or owned by another job.
func (r *Registry) MarkInFlight(id, jobID string) (timerange.Range, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.owned(id, jobID)
	if s == nil {
		return timerange.Range{}, false
	}
	s.State = StateInFlight
	s.UpdatedAt = time.Now().UTC()
	return s.Range, true
}

// Complete attaches freshly acquired handles and releases the ones they replace. When
// the segment is gone or superseded it returns false and the caller keeps ownership of
// preview and final.
func (r *Registry) Complete(id, jobID string, preview, final *artifact.Handle) bool {
	r.mu.Lock()
	s := r.owned(id, jobID)
	if s == nil {
		r.mu.Unlock()
		return false
	}
	prev, fin := s.Preview, s.Final
	s.Preview, s.Final = preview, final
	s.State = StateReady
	s.Error = nil
	s.JobID = ""
	s.UpdatedAt = time.Now().UTC()
	r.mu.Unlock()

	if prev != preview {
		r.release(prev)
	}
	if fin != final {
		r.release(fin)
	}
	return true
}

func (r *Registry) Fail(id, jobID string, info *apperr.Info) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.owned(id, jobID)
	if s == nil {
		return false
	}
	s.State = StateFailed
	s.Error = info
	s.JobID = ""
	s.UpdatedAt = time.Now().UTC()
	return true
}

// MarkCancelled settles the segment as cancelled. Existing artifacts stay attached.
func (r *Registry) MarkCancelled(id, jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.owned(id, jobID)
	if s == nil {
		return false
	}
	s.State = StateCancelled
	s.JobID = ""
	s.UpdatedAt = time.Now().UTC()
	return true
}

func (r *Registry) owned(id, jobID string) *Segment {
	s, _ := r.find(id)
	if s == nil || jobID == "" || s.JobID != jobID {
		return nil
	}
	return s
}

func (r *Registry) find(id string) (*Segment, int) {
	for i, s := range r.items {
		if s.ID == id {
			return s, i
		}
	}
	return nil, -1
}

func (r *Registry) notify(listeners []func(string), id string) {
	for _, fn := range listeners {
		fn(id)
	}
}

func (r *Registry) release(handles ...*artifact.Handle) {
	if r.releaser == nil {
		return
	}
	for _, h := range handles {
		if h == nil {
			continue
		}
		if err := r.releaser.Release(h); err != nil {
			r.logger.Warn("failed to release segment artifact", "handle_id", h.ID(), "error", err)
		}
	}
}

func notFound(id string) error {
	return &apperr.Error{Kind: apperr.KindNotFound, Op: "segment", SegmentID: id, Err: errNoSegment}
}
