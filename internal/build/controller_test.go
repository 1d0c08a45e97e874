package build

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/clipforge/clipforge-agent/internal/apperr"
	"github.com/clipforge/clipforge-agent/internal/artifact"
	"github.com/clipforge/clipforge-agent/internal/cloud"
	"github.com/clipforge/clipforge-agent/internal/segment"
	"github.com/clipforge/clipforge-agent/internal/store"
	"github.com/clipforge/clipforge-agent/internal/timerange"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeService struct {
	calls   atomic.Int32
	handler func(ctx context.Context, req cloud.BuildRequest) (*cloud.BuildResult, error)
}

func (f *fakeService) Build(ctx context.Context, req cloud.BuildRequest) (*cloud.BuildResult, error) {
	f.calls.Add(1)
	return f.handler(ctx, req)
}

func okResult(req cloud.BuildRequest) *cloud.BuildResult {
	return &cloud.BuildResult{PreviewRef: "/media/previews/" + req.Range.Slug() + ".mp4"}
}

type fakeJournal struct {
	mu       sync.Mutex
	statuses map[string][]string
}

func (j *fakeJournal) UpsertJob(ctx context.Context, rec *store.JobRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.statuses == nil {
		j.statuses = map[string][]string{}
	}
	j.statuses[rec.ID] = append(j.statuses[rec.ID], rec.Status)
	return nil
}

type harness struct {
	reg     *segment.Registry
	mgr     *artifact.Manager
	svc     *fakeService
	journal *fakeJournal
	ctrl    *Controller
	asset   atomic.Value
	fetch   func(ctx context.Context, ref string, w io.Writer) (int64, error)
}

func newHarness(t *testing.T, handler func(ctx context.Context, req cloud.BuildRequest) (*cloud.BuildResult, error)) *harness {
	t.Helper()
	h := &harness{svc: &fakeService{handler: handler}, journal: &fakeJournal{}}
	h.fetch = func(ctx context.Context, ref string, w io.Writer) (int64, error) {
		return io.Copy(w, strings.NewReader(ref))
	}

	mgr, err := artifact.NewManager(artifact.FetcherFunc(func(ctx context.Context, ref string, w io.Writer) (int64, error) {
		return h.fetch(ctx, ref, w)
	}), t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	h.mgr = mgr
	h.reg = segment.NewRegistry(mgr, testLogger())
	h.asset.Store("/videos/talk.mp4")
	h.ctrl = NewController(Config{
		Registry:  h.reg,
		Service:   h.svc,
		Artifacts: mgr,
		Asset: func() (string, bool) {
			a := h.asset.Load().(string)
			return a, a != ""
		},
		Journal: h.journal,
		Logger:  testLogger(),
	})
	t.Cleanup(h.ctrl.Close)
	return h
}

func (h *harness) add(t *testing.T, start, end int) segment.Segment {
	t.Helper()
	r, err := timerange.New(start, end)
	if err != nil {
		t.Fatalf("timerange.New() error = %v", err)
	}
	s, err := h.reg.Add(r, "")
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	return s
}

func outcome(t *testing.T, job *Job) Outcome {
	t.Helper()
	select {
	case <-job.Done():
		return job.Outcome()
	case <-time.After(3 * time.Second):
		t.Fatalf("job %s did not settle", job.ID())
		return Outcome{}
	}
}

func waitState(t *testing.T, reg *segment.Registry, id string, want segment.State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s, ok := reg.Get(id); ok && s.State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	s, _ := reg.Get(id)
	t.Fatalf("segment %s state = %q, want %q", id, s.State, want)
}

var previewOnly = cloud.Options{Preview: true}

func TestDispatch_ValidationNeverReachesNetwork(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, req cloud.BuildRequest) (*cloud.BuildResult, error) {
		return okResult(req), nil
	})
	s := h.add(t, 0, 5)

	h.asset.Store("")
	if _, err := h.ctrl.Dispatch(context.Background(), s.ID, previewOnly); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("Dispatch(no asset) error = %v, want validation", err)
	}

	h.asset.Store("/videos/talk.mp4")
	if _, err := h.ctrl.Dispatch(context.Background(), s.ID, cloud.Options{}); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("Dispatch(no outputs) error = %v, want validation", err)
	}
	if _, err := h.ctrl.Dispatch(context.Background(), "missing", previewOnly); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("Dispatch(missing) error = %v, want not found", err)
	}

	if h.svc.calls.Load() != 0 {
		t.Errorf("service called %d times", h.svc.calls.Load())
	}
	got, _ := h.reg.Get(s.ID)
	if got.State != segment.StateDraft {
		t.Errorf("State = %q, want draft", got.State)
	}
}

func TestDispatch_Ready(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, req cloud.BuildRequest) (*cloud.BuildResult, error) {
		if req.AssetPath != "/videos/talk.mp4" {
			t.Errorf("AssetPath = %q", req.AssetPath)
		}
		return &cloud.BuildResult{PreviewRef: "/p.mp4", FinalRef: "/f.mp4"}, nil
	})
	s := h.add(t, 10, 25)

	job, err := h.ctrl.Dispatch(context.Background(), s.ID, cloud.Options{Preview: true, Final: true})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	out := outcome(t, job)

	if out.State != segment.StateReady || out.Err != nil {
		t.Fatalf("outcome = %+v", out)
	}
	got, _ := h.reg.Get(s.ID)
	if got.State != segment.StateReady || got.Preview == nil || got.Final == nil {
		t.Fatalf("segment = %+v", got)
	}
	if got.Preview.LocalPath() == "" || got.Preview.Released() {
		t.Error("preview handle not live")
	}
	if h.mgr.Live() != 2 {
		t.Errorf("Live() = %d, want 2", h.mgr.Live())
	}

	h.journal.mu.Lock()
	statuses := h.journal.statuses[job.ID()]
	h.journal.mu.Unlock()
	want := []string{"queued", "in_flight", "ready"}
	if strings.Join(statuses, ",") != strings.Join(want, ",") {
		t.Errorf("journal = %v, want %v", statuses, want)
	}
}

func TestDispatch_RebuildReleasesPreviousArtifacts(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, req cloud.BuildRequest) (*cloud.BuildResult, error) {
		return okResult(req), nil
	})
	s := h.add(t, 0, 5)

	job, _ := h.ctrl.Dispatch(context.Background(), s.ID, previewOnly)
	outcome(t, job)
	first, _ := h.reg.Get(s.ID)

	job, _ = h.ctrl.Dispatch(context.Background(), s.ID, previewOnly)
	outcome(t, job)
	second, _ := h.reg.Get(s.ID)

	if !first.Preview.Released() {
		t.Error("previous preview not released")
	}
	if second.Preview == first.Preview || second.Preview.Released() {
		t.Error("new preview not attached")
	}
	if h.mgr.Live() != 1 {
		t.Errorf("Live() = %d, want 1", h.mgr.Live())
	}
}

func TestDispatch_FailureIsolated(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, req cloud.BuildRequest) (*cloud.BuildResult, error) {
		if req.Range.Start == 0 {
			return nil, apperr.New(apperr.KindUpstream, "build", &cloud.UpstreamError{Op: "build", StatusCode: 500})
		}
		return okResult(req), nil
	})
	bad := h.add(t, 0, 5)
	good := h.add(t, 5, 10)

	badJob, _ := h.ctrl.Dispatch(context.Background(), bad.ID, previewOnly)
	goodJob, _ := h.ctrl.Dispatch(context.Background(), good.ID, previewOnly)

	badOut := outcome(t, badJob)
	goodOut := outcome(t, goodJob)

	if badOut.State != segment.StateFailed || !apperr.Is(badOut.Err, apperr.KindUpstream) {
		t.Errorf("bad outcome = %+v", badOut)
	}
	if goodOut.State != segment.StateReady {
		t.Errorf("good outcome = %+v", goodOut)
	}

	got, _ := h.reg.Get(bad.ID)
	if got.Error == nil || got.Error.Kind != apperr.KindUpstream || !got.Error.Retryable {
		t.Errorf("segment error = %+v", got.Error)
	}
	if got.Error.SegmentID != bad.ID {
		t.Errorf("error segment id = %q", got.Error.SegmentID)
	}
}

func TestCancel_NoResultWritten(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, func(ctx context.Context, req cloud.BuildRequest) (*cloud.BuildResult, error) {
		<-gate
		return okResult(req), nil
	})
	s := h.add(t, 0, 5)

	job, err := h.ctrl.Dispatch(context.Background(), s.ID, previewOnly)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	waitState(t, h.reg, s.ID, segment.StateInFlight)

	if !h.ctrl.Cancel(s.ID) {
		t.Fatal("Cancel() = false")
	}
	got, _ := h.reg.Get(s.ID)
	if got.State != segment.StateCancelled {
		t.Fatalf("State = %q immediately after Cancel, want cancelled", got.State)
	}

	close(gate)
	out := outcome(t, job)
	if out.State != segment.StateCancelled || !apperr.Is(out.Err, apperr.KindCancelled) {
		t.Errorf("outcome = %+v", out)
	}

	got, _ = h.reg.Get(s.ID)
	if got.State != segment.StateCancelled || got.Preview != nil {
		t.Errorf("late result applied: %+v", got)
	}
	if h.mgr.Live() != 0 {
		t.Errorf("Live() = %d, want 0", h.mgr.Live())
	}
	if h.ctrl.Cancel(s.ID) {
		t.Error("Cancel() on settled segment = true")
	}
}

func TestRemove_BeforeResultDiscardsAndReleases(t *testing.T) {
	fetchStarted := make(chan struct{})
	fetchGate := make(chan struct{})
	h := newHarness(t, func(ctx context.Context, req cloud.BuildRequest) (*cloud.BuildResult, error) {
		return okResult(req), nil
	})
	h.fetch = func(ctx context.Context, ref string, w io.Writer) (int64, error) {
		close(fetchStarted)
		<-fetchGate
		return io.Copy(w, strings.NewReader(ref))
	}
	s := h.add(t, 0, 5)
	other := h.add(t, 5, 10)

	job, _ := h.ctrl.Dispatch(context.Background(), s.ID, previewOnly)
	<-fetchStarted

	if err := h.reg.Remove(s.ID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	close(fetchGate)

	out := outcome(t, job)
	if out.State == segment.StateReady {
		t.Fatalf("result applied to removed segment: %+v", out)
	}
	if h.mgr.Live() != 0 {
		t.Errorf("Live() = %d, want 0 (acquired handle must be released)", h.mgr.Live())
	}
	list := h.reg.List()
	if len(list) != 1 || list[0].ID != other.ID || list[0].State != segment.StateDraft {
		t.Errorf("other segments touched: %+v", list)
	}
}

func TestDispatch_SupersedesLiveJob(t *testing.T) {
	var n atomic.Int32
	firstGate := make(chan struct{})
	h := newHarness(t, func(ctx context.Context, req cloud.BuildRequest) (*cloud.BuildResult, error) {
		if n.Add(1) == 1 {
			<-firstGate
			return &cloud.BuildResult{PreviewRef: "/first.mp4"}, nil
		}
		return &cloud.BuildResult{PreviewRef: "/second.mp4"}, nil
	})
	s := h.add(t, 0, 5)

	first, _ := h.ctrl.Dispatch(context.Background(), s.ID, previewOnly)
	waitState(t, h.reg, s.ID, segment.StateInFlight)

	second, err := h.ctrl.Dispatch(context.Background(), s.ID, previewOnly)
	if err != nil {
		t.Fatalf("second Dispatch() error = %v", err)
	}
	secondOut := outcome(t, second)
	close(firstGate)
	firstOut := outcome(t, first)

	if secondOut.State != segment.StateReady {
		t.Fatalf("second outcome = %+v", secondOut)
	}
	if firstOut.State == segment.StateReady {
		t.Fatalf("superseded job wrote a result: %+v", firstOut)
	}
	got, _ := h.reg.Get(s.ID)
	if got.Preview == nil || !strings.HasSuffix(got.Preview.RemoteRef(), "/second.mp4") {
		t.Errorf("segment preview = %v", got.Preview)
	}
	if h.mgr.Live() != 1 {
		t.Errorf("Live() = %d, want 1", h.mgr.Live())
	}
}

func TestDispatch_ParentContextCancels(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, req cloud.BuildRequest) (*cloud.BuildResult, error) {
		<-ctx.Done()
		return nil, apperr.New(apperr.KindCancelled, "build", ctx.Err())
	})
	s := h.add(t, 0, 5)

	ctx, cancel := context.WithCancel(context.Background())
	job, _ := h.ctrl.Dispatch(ctx, s.ID, previewOnly)
	waitState(t, h.reg, s.ID, segment.StateInFlight)
	cancel()

	out := outcome(t, job)
	if out.State != segment.StateCancelled {
		t.Errorf("outcome = %+v", out)
	}
	if !errors.Is(out.Err, context.Canceled) {
		t.Errorf("Err = %v, want context.Canceled in chain", out.Err)
	}
	if h.ctrl.Active() != 0 {
		t.Errorf("Active() = %d, want 0", h.ctrl.Active())
	}
}
