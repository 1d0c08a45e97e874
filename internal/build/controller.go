// Package build runs one remote clip build per segment and reconciles its result back
// into the segment registry by identity.
package build

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/clipforge/clipforge-agent/internal/apperr"
	"github.com/clipforge/clipforge-agent/internal/artifact"
	"github.com/clipforge/clipforge-agent/internal/cloud"
	"github.com/clipforge/clipforge-agent/internal/logging"
	"github.com/clipforge/clipforge-agent/internal/segment"
	"github.com/clipforge/clipforge-agent/internal/store"
)

// Service renders a clip remotely.
type Service interface {
	Build(ctx context.Context, req cloud.BuildRequest) (*cloud.BuildResult, error)
}

// Artifacts acquires and releases local copies of build results.
type Artifacts interface {
	Acquire(ctx context.Context, remoteRef string, kind artifact.Kind) (*artifact.Handle, error)
	Release(h *artifact.Handle) error
}

// Journal records job transitions. It is optional.
type Journal interface {
	UpsertJob(ctx context.Context, j *store.JobRecord) error
}

type Config struct {
	Registry  *segment.Registry
	Service   Service
	Artifacts Artifacts
	// Asset returns the path of the selected media asset.
	Asset   func() (string, bool)
	Journal Journal
	Logger  *slog.Logger
}

// Outcome is how a job settled. Discarded is set when the segment was removed or the job
// superseded before its result could be written.
type Outcome struct {
	SegmentID string
	JobID     string
	BatchID   string
	State     segment.State
	Preview   *artifact.Handle
	Final     *artifact.Handle
	Err       error
	Discarded bool
}

type Job struct {
	id        string
	segmentID string
	batchID   string
	asset     string
	opts      cloud.Options
	limiter   *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	record  store.JobRecord
	outcome Outcome
}

func (j *Job) ID() string        { return j.id }
func (j *Job) SegmentID() string { return j.segmentID }

// Done is closed once the job has settled.
func (j *Job) Done() <-chan struct{} { return j.done }

// Outcome is valid after Done is closed.
func (j *Job) Outcome() Outcome {
	<-j.done
	return j.outcome
}

type DispatchOption func(*Job)

// WithLimiter makes the job wait for one unit of sem before going in flight.
func WithLimiter(sem *semaphore.Weighted) DispatchOption {
	return func(j *Job) { j.limiter = sem }
}

func WithBatch(batchID string) DispatchOption {
	return func(j *Job) { j.batchID = batchID }
}

type Controller struct {
	reg       *segment.Registry
	svc       Service
	artifacts Artifacts
	asset     func() (string, bool)
	journal   Journal
	logger    *slog.Logger

	mu   sync.Mutex
	jobs map[string]*Job
	wg   sync.WaitGroup
}

func NewController(cfg Config) *Controller {
	c := &Controller{
		reg:       cfg.Registry,
		svc:       cfg.Service,
		artifacts: cfg.Artifacts,
		asset:     cfg.Asset,
		journal:   cfg.Journal,
		logger:    logging.WithComponent(cfg.Logger, "build"),
		jobs:      make(map[string]*Job),
	}
	cfg.Registry.OnRemove(c.abandon)
	return c
}

// Dispatch validates the segment and starts a build job for it. The job lives until ctx
// is cancelled, Cancel is called, or the job settles. A live job for the same segment is
// cancelled and superseded.
func (c *Controller) Dispatch(ctx context.Context, segmentID string, opts cloud.Options, options ...DispatchOption) (*Job, error) {
	const op = "dispatch build"

	asset, ok := "", false
	if c.asset != nil {
		asset, ok = c.asset()
	}
	if !ok || asset == "" {
		return nil, apperr.WithSegment(apperr.Validation(op, "no asset selected"), segmentID)
	}
	seg, ok := c.reg.Get(segmentID)
	if !ok {
		return nil, apperr.WithSegment(apperr.NotFound(op, "segment not found"), segmentID)
	}
	if err := seg.Range.Validate(); err != nil {
		return nil, apperr.WithSegment(err, segmentID)
	}
	if !opts.Preview && !opts.Final {
		return nil, apperr.WithSegment(apperr.Validation(op, "at least one of preview or final output is required"), segmentID)
	}

	jobCtx, cancel := context.WithCancel(ctx)
	job := &Job{
		id:        uuid.NewString(),
		segmentID: segmentID,
		asset:     asset,
		opts:      opts,
		ctx:       jobCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	for _, o := range options {
		o(job)
	}

	c.mu.Lock()
	prev := c.jobs[segmentID]
	c.jobs[segmentID] = job
	c.mu.Unlock()

	if prev != nil {
		c.logger.Info("superseding running build", "segment_id", segmentID, "previous_job_id", prev.id)
		prev.cancel()
	}

	if _, err := c.reg.BeginBuild(segmentID, job.id); err != nil {
		cancel()
		c.forget(job)
		return nil, err
	}

	job.record = store.JobRecord{
		ID:         job.id,
		SegmentID:  segmentID,
		BatchID:    job.batchID,
		RangeStart: seg.Range.Start,
		RangeEnd:   seg.Range.End,
	}
	c.record(job, segment.StateQueued, nil)

	c.wg.Add(1)
	go c.run(job)

	logging.WithJobID(c.logger, job.id).Info("build dispatched",
		"segment_id", segmentID,
		"range", seg.Range.String(),
		"batch_id", job.batchID,
	)
	return job, nil
}

// Cancel stops the live job of a segment. The segment becomes cancelled immediately and no
// result of that job is written afterwards.
func (c *Controller) Cancel(segmentID string) bool {
	c.mu.Lock()
	job := c.jobs[segmentID]
	c.mu.Unlock()
	if job == nil {
		return false
	}
	return c.CancelJob(job)
}

// CancelJob cancels job if it has not settled yet.
func (c *Controller) CancelJob(job *Job) bool {
	select {
	case <-job.done:
		return false
	default:
	}
	job.cancel()
	if c.reg.MarkCancelled(job.segmentID, job.id) {
		c.logger.Info("build cancelled", "segment_id", job.segmentID, "job_id", job.id)
	}
	return true
}

// Job returns the live job of a segment.
func (c *Controller) Job(segmentID string) (*Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[segmentID]
	return j, ok
}

func (c *Controller) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}

// Close cancels every live job and waits for all of them to settle.
func (c *Controller) Close() {
	c.mu.Lock()
	for _, j := range c.jobs {
		j.cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// abandon is called when a segment leaves the registry.
func (c *Controller) abandon(segmentID string) {
	c.mu.Lock()
	job := c.jobs[segmentID]
	c.mu.Unlock()
	if job != nil {
		job.cancel()
	}
}

func (c *Controller) run(job *Job) {
	defer c.wg.Done()
	defer close(job.done)
	defer c.forget(job)

	log := logging.WithJobID(c.logger, job.id).With("segment_id", job.segmentID)

	if job.limiter != nil {
		if err := job.limiter.Acquire(job.ctx, 1); err != nil {
			c.settleCancelled(job)
			return
		}
		defer job.limiter.Release(1)
	}

	rng, ok := c.reg.MarkInFlight(job.segmentID, job.id)
	if !ok {
		c.settleDiscarded(job, nil, nil)
		return
	}
	job.record.RangeStart, job.record.RangeEnd = rng.Start, rng.End
	c.record(job, segment.StateInFlight, nil)

	start := time.Now()
	res, err := c.svc.Build(job.ctx, cloud.BuildRequest{AssetPath: job.asset, Range: rng, Options: job.opts})
	if job.ctx.Err() != nil {
		c.settleCancelled(job)
		return
	}
	if err != nil {
		c.settleFailed(job, err)
		return
	}

	preview, final, err := c.acquire(job, res)
	if job.ctx.Err() != nil {
		c.release(preview, final)
		c.settleCancelled(job)
		return
	}
	if err != nil {
		c.settleFailed(job, err)
		return
	}

	if !c.reg.Complete(job.segmentID, job.id, preview, final) {
		c.settleDiscarded(job, preview, final)
		return
	}

	job.outcome = Outcome{
		SegmentID: job.segmentID,
		JobID:     job.id,
		BatchID:   job.batchID,
		State:     segment.StateReady,
		Preview:   preview,
		Final:     final,
	}
	c.record(job, segment.StateReady, nil)
	log.Info("build ready", "range", rng.String(), "duration_ms", time.Since(start).Milliseconds())
}

func (c *Controller) acquire(job *Job, res *cloud.BuildResult) (preview, final *artifact.Handle, err error) {
	if res.PreviewRef != "" {
		preview, err = c.artifacts.Acquire(job.ctx, res.PreviewRef, artifact.KindPreview)
		if err != nil {
			return nil, nil, err
		}
	}
	if res.FinalRef != "" {
		final, err = c.artifacts.Acquire(job.ctx, res.FinalRef, artifact.KindFinal)
		if err != nil {
			c.release(preview)
			return nil, nil, err
		}
	}
	return preview, final, nil
}

func (c *Controller) settleCancelled(job *Job) {
	c.reg.MarkCancelled(job.segmentID, job.id)
	job.outcome = Outcome{
		SegmentID: job.segmentID,
		JobID:     job.id,
		BatchID:   job.batchID,
		State:     segment.StateCancelled,
		Err:       apperr.WithSegment(apperr.Cancelled("build"), job.segmentID),
	}
	c.record(job, segment.StateCancelled, job.outcome.Err)
}

func (c *Controller) settleFailed(job *Job, err error) {
	err = apperr.WithSegment(err, job.segmentID)
	if !c.reg.Fail(job.segmentID, job.id, apperr.Describe(err)) {
		c.settleDiscarded(job, nil, nil)
		return
	}
	job.outcome = Outcome{
		SegmentID: job.segmentID,
		JobID:     job.id,
		BatchID:   job.batchID,
		State:     segment.StateFailed,
		Err:       err,
	}
	c.record(job, segment.StateFailed, err)
	c.logger.Warn("build failed", "segment_id", job.segmentID, "job_id", job.id, "error", err)
}

func (c *Controller) settleDiscarded(job *Job, preview, final *artifact.Handle) {
	c.release(preview, final)
	job.outcome = Outcome{
		SegmentID: job.segmentID,
		JobID:     job.id,
		BatchID:   job.batchID,
		State:     segment.StateCancelled,
		Err:       apperr.WithSegment(apperr.Cancelled("build"), job.segmentID),
		Discarded: true,
	}
	c.record(job, segment.StateCancelled, errDiscarded)
	c.logger.Debug("build result discarded", "segment_id", job.segmentID, "job_id", job.id)
}

var errDiscarded = errors.New("segment removed or rebuilt")

func (c *Controller) release(handles ...*artifact.Handle) {
	for _, h := range handles {
		if h == nil {
			continue
		}
		if err := c.artifacts.Release(h); err != nil {
			c.logger.Warn("failed to release artifact", "handle_id", h.ID(), "error", err)
		}
	}
}

func (c *Controller) forget(job *Job) {
	c.mu.Lock()
	if c.jobs[job.segmentID] == job {
		delete(c.jobs, job.segmentID)
	}
	c.mu.Unlock()
}

func (c *Controller) record(job *Job, state segment.State, err error) {
	if c.journal == nil {
		return
	}
	rec := job.record
	rec.Status = string(state)
	rec.ErrorKind, rec.Error = "", ""
	if err != nil {
		rec.ErrorKind = string(apperr.KindOf(err))
		rec.Error = err.Error()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(job.ctx), 5*time.Second)
	defer cancel()
	if e := c.journal.UpsertJob(ctx, &rec); e != nil {
		c.logger.Warn("failed to journal build job", "job_id", job.id, "error", e)
	}
	job.record.CreatedAt = rec.CreatedAt
}
