// Package bulk builds many segments at once with bounded concurrency and optionally
// assembles the successful ones into a single downloadable bundle.
package bulk

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/clipforge/clipforge-agent/internal/apperr"
	"github.com/clipforge/clipforge-agent/internal/artifact"
	"github.com/clipforge/clipforge-agent/internal/build"
	"github.com/clipforge/clipforge-agent/internal/cloud"
	"github.com/clipforge/clipforge-agent/internal/logging"
	"github.com/clipforge/clipforge-agent/internal/segment"
	"github.com/clipforge/clipforge-agent/internal/store"
	"github.com/clipforge/clipforge-agent/internal/timerange"
)

const DefaultMaxConcurrency = 2

type BundleService interface {
	Bundle(ctx context.Context, req cloud.BundleRequest) (*cloud.BundleResult, error)
}

type BundleArtifacts interface {
	Replace(ctx context.Context, old *artifact.Handle, remoteRef string, kind artifact.Kind) (*artifact.Handle, error)
	Release(h *artifact.Handle) error
}

type Journal interface {
	UpsertBatch(ctx context.Context, b *store.BatchRecord) error
}

type Config struct {
	Controller *build.Controller
	Registry   *segment.Registry
	Bundler    BundleService
	Artifacts  BundleArtifacts
	Asset      func() (string, bool)
	Journal    Journal
	// DefaultConcurrency applies when a request does not set MaxConcurrency.
	DefaultConcurrency int
	Logger             *slog.Logger
}

type Request struct {
	SegmentIDs     []string
	Options        cloud.Options
	MaxConcurrency int
	Bundle         bool
}

type Bundle struct {
	Handle     *artifact.Handle
	RemoteRef  string
	SegmentIDs []string
}

// Result is the settled state of a batch. Outcomes follow request order.
type Result struct {
	BatchID   string
	Outcomes  []build.Outcome
	Bundle    *Bundle
	BundleErr error
	Cancelled bool
}

func (r Result) Count(state segment.State) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.State == state {
			n++
		}
	}
	return n
}

type Batch struct {
	id          string
	req         Request
	concurrency int
	ctx         context.Context
	cancel      context.CancelFunc
	outcomes    chan build.Outcome
	done        chan struct{}

	mu        sync.Mutex
	jobs      map[string]*build.Job
	settled   map[string]build.Outcome
	cancelled bool
	result    Result
}

func (b *Batch) ID() string { return b.id }

// Outcomes streams each segment's outcome as it settles, in completion order. The channel
// is closed once every job has settled and the bundle step has finished.
func (b *Batch) Outcomes() <-chan build.Outcome { return b.outcomes }

func (b *Batch) Done() <-chan struct{} { return b.done }

// Wait blocks until the batch is done or ctx ends.
func (b *Batch) Wait(ctx context.Context) (Result, error) {
	select {
	case <-b.done:
		return b.Snapshot(), nil
	case <-ctx.Done():
		return b.Snapshot(), ctx.Err()
	}
}

// Snapshot returns the outcomes settled so far, in request order.
func (b *Batch) Snapshot() Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	res := b.result
	res.BatchID = b.id
	res.Cancelled = b.cancelled
	res.Outcomes = make([]build.Outcome, 0, len(b.req.SegmentIDs))
	for _, id := range b.req.SegmentIDs {
		if o, ok := b.settled[id]; ok {
			res.Outcomes = append(res.Outcomes, o)
		}
	}
	return res
}

// Pending returns the ids of segments that have not settled yet.
func (b *Batch) Pending() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ids []string
	for _, id := range b.req.SegmentIDs {
		if _, ok := b.settled[id]; !ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (b *Batch) isCancelled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelled
}

func (b *Batch) settle(o build.Outcome) {
	b.mu.Lock()
	if _, dup := b.settled[o.SegmentID]; dup {
		b.mu.Unlock()
		return
	}
	b.settled[o.SegmentID] = o
	b.mu.Unlock()
	b.outcomes <- o
}

type Coordinator struct {
	ctrl       *build.Controller
	reg        *segment.Registry
	bundler    BundleService
	artifacts  BundleArtifacts
	asset      func() (string, bool)
	journal    Journal
	defaultMax int
	logger     *slog.Logger

	mu         sync.Mutex
	active     map[string]*Batch
	latest     *Batch
	lastBundle *artifact.Handle

	// swapMu is held from reading lastBundle until the replacement is stored.
	swapMu sync.Mutex
}

func NewCoordinator(cfg Config) *Coordinator {
	def := cfg.DefaultConcurrency
	if def <= 0 {
		def = DefaultMaxConcurrency
	}
	return &Coordinator{
		ctrl:       cfg.Controller,
		reg:        cfg.Registry,
		bundler:    cfg.Bundler,
		artifacts:  cfg.Artifacts,
		asset:      cfg.Asset,
		journal:    cfg.Journal,
		defaultMax: def,
		logger:     logging.WithComponent(cfg.Logger, "bulk"),
		active:     make(map[string]*Batch),
	}
}

// BuildAll starts one build per segment id with at most MaxConcurrency in flight. A failing
// segment becomes a failed outcome and never aborts the batch.
func (c *Coordinator) BuildAll(ctx context.Context, req Request) (*Batch, error) {
	ids := dedupe(req.SegmentIDs)
	if len(ids) == 0 {
		return nil, apperr.Validation("build all", "no segments to build")
	}
	if req.Bundle && c.bundler == nil {
		return nil, apperr.Validation("build all", "bundling is not available")
	}
	req.SegmentIDs = ids

	n := req.MaxConcurrency
	if n <= 0 {
		n = c.defaultMax
	}
	n = min(max(n, 1), segment.MaxSegments)

	bctx, cancel := context.WithCancel(ctx)
	b := &Batch{
		id:          uuid.NewString(),
		req:         req,
		concurrency: n,
		ctx:         bctx,
		cancel:      cancel,
		outcomes:    make(chan build.Outcome, len(ids)),
		done:        make(chan struct{}),
		jobs:        make(map[string]*build.Job, len(ids)),
		settled:     make(map[string]build.Outcome, len(ids)),
	}

	c.mu.Lock()
	c.active[b.id] = b
	c.latest = b
	c.mu.Unlock()

	log := logging.WithBatchID(c.logger, b.id)
	log.Info("batch started", "segments", len(ids), "max_concurrency", n, "bundle", req.Bundle)
	c.record(b, "running")

	sem := semaphore.NewWeighted(int64(n))
	var g errgroup.Group
	for _, id := range ids {
		if b.isCancelled() {
			b.settle(build.Outcome{SegmentID: id, BatchID: b.id, State: segment.StateCancelled, Err: apperr.WithSegment(apperr.Cancelled("build all"), id)})
			continue
		}
		job, err := c.ctrl.Dispatch(bctx, id, req.Options, build.WithLimiter(sem), build.WithBatch(b.id))
		if err != nil {
			b.settle(build.Outcome{SegmentID: id, BatchID: b.id, State: segment.StateFailed, Err: err})
			continue
		}
		b.mu.Lock()
		b.jobs[id] = job
		cancelled := b.cancelled
		b.mu.Unlock()
		// A cancel that ran before the job was registered could not see it.
		if cancelled {
			c.ctrl.CancelJob(job)
		}

		g.Go(func() error {
			<-job.Done()
			b.settle(job.Outcome())
			return nil
		})
	}

	go func() {
		g.Wait()
		c.finish(b, log)
	}()
	return b, nil
}

func (c *Coordinator) finish(b *Batch, log *slog.Logger) {
	defer func() {
		b.cancel()
		close(b.outcomes)
		close(b.done)
		c.mu.Lock()
		delete(c.active, b.id)
		c.mu.Unlock()
	}()

	if b.req.Bundle && !b.isCancelled() {
		bundle, err := c.bundle(b)
		b.mu.Lock()
		b.result.Bundle, b.result.BundleErr = bundle, err
		b.mu.Unlock()
		if err != nil {
			log.Warn("bundle failed", "error", err)
		}
	}

	res := b.Snapshot()
	status := "completed"
	if res.Cancelled {
		status = "cancelled"
	}
	c.record(b, status)
	log.Info("batch settled",
		"ready", res.Count(segment.StateReady),
		"failed", res.Count(segment.StateFailed),
		"cancelled", res.Count(segment.StateCancelled),
		"bundled", res.Bundle != nil,
	)
}

// bundle assembles every segment that built successfully. Failed and cancelled segments
// are left out.
func (c *Coordinator) bundle(b *Batch) (*Bundle, error) {
	const op = "bundle"
	res := b.Snapshot()

	var ranges []timerange.Range
	var ids []string
	for _, o := range res.Outcomes {
		if o.State != segment.StateReady {
			continue
		}
		s, ok := c.reg.Get(o.SegmentID)
		if !ok {
			continue
		}
		ranges = append(ranges, s.Range)
		ids = append(ids, o.SegmentID)
	}
	if len(ranges) == 0 {
		return nil, apperr.Validation(op, "no successfully built segments to bundle")
	}

	asset, ok := "", false
	if c.asset != nil {
		asset, ok = c.asset()
	}
	if !ok {
		return nil, apperr.Validation(op, "no asset selected")
	}

	out, err := c.bundler.Bundle(b.ctx, cloud.BundleRequest{AssetPath: asset, Ranges: ranges, Options: b.req.Options})
	if err != nil {
		return nil, err
	}

	c.swapMu.Lock()
	defer c.swapMu.Unlock()

	c.mu.Lock()
	old := c.lastBundle
	c.mu.Unlock()

	h, err := c.artifacts.Replace(b.ctx, old, out.BundleRef, artifact.KindBundle)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.lastBundle = h
	c.mu.Unlock()

	// Replace released old, so a batch cancelled during the download leaves no bundle at all.
	if err := b.ctx.Err(); err != nil {
		c.mu.Lock()
		c.lastBundle = nil
		c.mu.Unlock()
		if rerr := c.artifacts.Release(h); rerr != nil {
			c.logger.Warn("failed to release bundle", "handle_id", h.ID(), "error", rerr)
		}
		return nil, apperr.New(apperr.KindCancelled, op, err)
	}

	return &Bundle{Handle: h, RemoteRef: out.BundleRef, SegmentIDs: ids}, nil
}

// cancelPending stops every job of the batch that has not settled. Settled outcomes are kept.
func (b *Batch) cancelPending(ctrl *build.Controller) int {
	b.mu.Lock()
	b.cancelled = true
	var pending []*build.Job
	for id, job := range b.jobs {
		if _, ok := b.settled[id]; !ok {
			pending = append(pending, job)
		}
	}
	b.mu.Unlock()

	n := 0
	for _, job := range pending {
		if ctrl.CancelJob(job) {
			n++
		}
	}
	// Aborts a bundle request that is already under way.
	b.cancel()
	return n
}

// Cancel cancels the pending jobs of one batch.
func (c *Coordinator) Cancel(b *Batch) int {
	n := b.cancelPending(c.ctrl)
	c.logger.Info("batch cancelled", "batch_id", b.id, "jobs_cancelled", n)
	return n
}

// CancelAll cancels the pending jobs of every running batch.
func (c *Coordinator) CancelAll() int {
	c.mu.Lock()
	batches := make([]*Batch, 0, len(c.active))
	for _, b := range c.active {
		batches = append(batches, b)
	}
	c.mu.Unlock()

	n := 0
	for _, b := range batches {
		n += c.Cancel(b)
	}
	return n
}

// Latest returns the most recently started batch, running or not.
func (c *Coordinator) Latest() (*Batch, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest, c.latest != nil
}

// LastBundle returns the handle of the most recent bundle, if it is still live.
func (c *Coordinator) LastBundle() (*artifact.Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastBundle == nil || c.lastBundle.Released() {
		return nil, false
	}
	return c.lastBundle, true
}

// DropBundle releases the last bundle. It is called when the session is reset.
func (c *Coordinator) DropBundle() {
	c.swapMu.Lock()
	defer c.swapMu.Unlock()

	c.mu.Lock()
	h := c.lastBundle
	c.lastBundle = nil
	c.mu.Unlock()
	if h == nil {
		return
	}
	if err := c.artifacts.Release(h); err != nil {
		c.logger.Warn("failed to release bundle", "handle_id", h.ID(), "error", err)
	}
}

func (c *Coordinator) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

func (c *Coordinator) record(b *Batch, status string) {
	if c.journal == nil {
		return
	}
	res := b.Snapshot()
	rec := &store.BatchRecord{
		ID:             b.id,
		SegmentCount:   len(b.req.SegmentIDs),
		MaxConcurrency: b.concurrency,
		Bundle:         b.req.Bundle,
		Status:         status,
		Succeeded:      res.Count(segment.StateReady),
		Failed:         res.Count(segment.StateFailed),
		Cancelled:      res.Count(segment.StateCancelled),
	}
	if res.Bundle != nil {
		rec.BundleRef = res.Bundle.RemoteRef
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(b.ctx), 5*time.Second)
	defer cancel()
	if err := c.journal.UpsertBatch(ctx, rec); err != nil {
		c.logger.Warn("failed to journal batch", "batch_id", b.id, "error", err)
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
