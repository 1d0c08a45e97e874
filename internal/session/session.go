// Package session wires the clip orchestration components into the single workspace a
// signed-in user drives: one asset, its transcript, up to five segments with their builds,
// and the assistant conversation.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/clipforge/clipforge-agent/internal/apperr"
	"github.com/clipforge/clipforge-agent/internal/artifact"
	"github.com/clipforge/clipforge-agent/internal/assistant"
	"github.com/clipforge/clipforge-agent/internal/auth"
	"github.com/clipforge/clipforge-agent/internal/build"
	"github.com/clipforge/clipforge-agent/internal/bulk"
	"github.com/clipforge/clipforge-agent/internal/cloud"
	"github.com/clipforge/clipforge-agent/internal/logging"
	"github.com/clipforge/clipforge-agent/internal/segment"
	"github.com/clipforge/clipforge-agent/internal/suggest"
	"github.com/clipforge/clipforge-agent/internal/timerange"
	"github.com/clipforge/clipforge-agent/internal/transcript"
)

const maxWatermarkText = 64

// Service is the remote processing service. *cloud.HTTPClient implements it.
type Service interface {
	build.Service
	bulk.BundleService
	transcript.Service
	suggest.Service
	artifact.Fetcher
	Ask(ctx context.Context, req cloud.AskRequest) (string, error)
}

// Journal records build jobs and batches.
type Journal interface {
	build.Journal
	bulk.Journal
}

type Config struct {
	Service      Service
	Auth         *auth.Session
	Journal      Journal
	ArtifactsDir string
	Options      cloud.Options
	// MaxConcurrency is the default bulk build limit.
	MaxConcurrency int

	// Suggester and Assistant replace the processing service for those features when set.
	Suggester suggest.Service
	Assistant assistant.Service

	Logger *slog.Logger
}

// Status is a point-in-time summary of the workspace.
type Status struct {
	Authenticated  bool
	Asset          string
	Segments       int
	Ready          int
	ActiveBuilds   int
	RunningBatches int
	Transcript     transcript.Status
	Turns          int
	LiveArtifacts  int
}

type Session struct {
	svc    Service
	auth   *auth.Session
	logger *slog.Logger

	root   context.Context
	cancel context.CancelFunc

	artifacts   *artifact.Manager
	registry    *segment.Registry
	builds      *build.Controller
	bulk        *bulk.Coordinator
	transcripts *transcript.Store
	suggester   *suggest.Adapter
	chat        *assistant.Session

	mu    sync.RWMutex
	asset string
	opts  cloud.Options
}

func New(cfg Config) (*Session, error) {
	if cfg.Service == nil {
		return nil, fmt.Errorf("session: service is required")
	}
	logger := logging.WithComponent(cfg.Logger, "session")

	mgr, err := artifact.NewManager(cfg.Service, cfg.ArtifactsDir, logging.WithComponent(cfg.Logger, "artifact"))
	if err != nil {
		return nil, err
	}

	opts := cfg.Options
	if !opts.Preview && !opts.Final {
		opts = cloud.DefaultOptions()
	}

	root, cancel := context.WithCancel(context.Background())
	s := &Session{
		svc:    cfg.Service,
		auth:   cfg.Auth,
		logger: logger,
		root:   root,
		cancel: cancel,
		opts:   opts,
	}

	s.artifacts = mgr
	s.registry = segment.NewRegistry(mgr, logging.WithComponent(cfg.Logger, "segment"))

	buildCfg := build.Config{
		Registry:  s.registry,
		Service:   cfg.Service,
		Artifacts: mgr,
		Asset:     s.Asset,
		Logger:    cfg.Logger,
	}
	bulkCfg := bulk.Config{
		Registry:           s.registry,
		Bundler:            cfg.Service,
		Artifacts:          mgr,
		Asset:              s.Asset,
		DefaultConcurrency: cfg.MaxConcurrency,
		Logger:             cfg.Logger,
	}
	if cfg.Journal != nil {
		buildCfg.Journal = cfg.Journal
		bulkCfg.Journal = cfg.Journal
	}
	s.builds = build.NewController(buildCfg)
	bulkCfg.Controller = s.builds
	s.bulk = bulk.NewCoordinator(bulkCfg)

	s.transcripts = transcript.NewStore(cfg.Service, logging.WithComponent(cfg.Logger, "transcript"))

	var suggester suggest.Service = cfg.Service
	if cfg.Suggester != nil {
		suggester = cfg.Suggester
	}
	s.suggester = suggest.NewAdapter(suggester, s.registry, logging.WithComponent(cfg.Logger, "suggest"))

	var asker assistant.Service = cloudAssistant{svc: cfg.Service}
	if cfg.Assistant != nil {
		asker = cfg.Assistant
	}
	s.chat = assistant.NewSession(asker, s.transcripts, s.registry, logging.WithComponent(cfg.Logger, "assistant"))

	if s.auth != nil {
		s.auth.OnEnd(s.reset)
	}
	return s, nil
}

func (s *Session) require(op string) error {
	if s.auth == nil {
		return nil
	}
	return s.auth.Require(op)
}

func (s *Session) Status() Status {
	asset, _ := s.Asset()
	segs := s.registry.List()
	ready := 0
	for _, seg := range segs {
		if seg.State == segment.StateReady {
			ready++
		}
	}
	return Status{
		Authenticated:  s.auth == nil || s.auth.IsAuthenticated(),
		Asset:          asset,
		Segments:       len(segs),
		Ready:          ready,
		ActiveBuilds:   s.builds.Active(),
		RunningBatches: s.bulk.Running(),
		Transcript:     s.transcripts.Current().Status,
		Turns:          len(s.chat.Turns()),
		LiveArtifacts:  s.artifacts.Live(),
	}
}

// Asset returns the selected media path.
func (s *Session) Asset() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.asset, s.asset != ""
}

// SelectAsset makes path the working media. Choosing a different file cancels running
// builds and drops everything derived from the previous one.
func (s *Session) SelectAsset(path string) error {
	const op = "select asset"
	if err := s.require(op); err != nil {
		return err
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return apperr.Validation(op, "asset path is empty")
	}
	info, err := os.Stat(path)
	if err != nil {
		return apperr.NotFound(op, "asset %s: %v", logging.SanitizePath(path), err)
	}
	if info.IsDir() {
		return apperr.Validation(op, "asset %s is a directory", logging.SanitizePath(path))
	}

	s.mu.Lock()
	changed := s.asset != path
	s.asset = path
	s.mu.Unlock()

	if changed {
		s.resetDerived()
		s.logger.Info("asset selected", "path", logging.SanitizePath(path), "size", info.Size())
	}
	return nil
}

func (s *Session) Options() cloud.Options {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opts
}

func (s *Session) SetOptions(o cloud.Options) (cloud.Options, error) {
	const op = "set options"
	if !o.Preview && !o.Final {
		return cloud.Options{}, apperr.Validation(op, "at least one of preview or final output is required")
	}
	o.WatermarkText = strings.TrimSpace(o.WatermarkText)
	if len([]rune(o.WatermarkText)) > maxWatermarkText {
		return cloud.Options{}, apperr.Validation(op, "watermark text longer than %d characters", maxWatermarkText)
	}
	s.mu.Lock()
	s.opts = o
	s.mu.Unlock()
	return o, nil
}

func (s *Session) Segments() []segment.Segment {
	return s.registry.List()
}

func (s *Session) Segment(id string) (segment.Segment, bool) {
	return s.registry.Get(id)
}

// AddSegment parses start and end as seconds, MM:SS or HH:MM:SS.
func (s *Session) AddSegment(start, end, label string) (segment.Segment, error) {
	if err := s.require("add segment"); err != nil {
		return segment.Segment{}, err
	}
	r, err := timerange.Parse(start, end)
	if err != nil {
		return segment.Segment{}, err
	}
	return s.registry.Add(r, strings.TrimSpace(label))
}

// SegmentPatch carries optional edits in their textual form.
type SegmentPatch struct {
	Start *string
	End   *string
	Label *string
}

func (s *Session) UpdateSegment(id string, p SegmentPatch) (segment.Segment, error) {
	const op = "update segment"
	if err := s.require(op); err != nil {
		return segment.Segment{}, err
	}
	cur, ok := s.registry.Get(id)
	if !ok {
		return segment.Segment{}, apperr.WithSegment(apperr.NotFound(op, "segment not found"), id)
	}

	var patch segment.Patch
	if p.Start != nil || p.End != nil {
		start, end := timerange.FormatSeconds(cur.Range.Start), timerange.FormatSeconds(cur.Range.End)
		if p.Start != nil {
			start = *p.Start
		}
		if p.End != nil {
			end = *p.End
		}
		r, err := timerange.Parse(start, end)
		if err != nil {
			return segment.Segment{}, apperr.WithSegment(err, id)
		}
		patch.Range = &r
	}
	if p.Label != nil {
		l := strings.TrimSpace(*p.Label)
		patch.Label = &l
	}
	return s.registry.Update(id, patch)
}

func (s *Session) RemoveSegment(id string) error {
	if err := s.require("remove segment"); err != nil {
		return err
	}
	return s.registry.Remove(id)
}

func (s *Session) ClearSegments() error {
	if err := s.require("clear segments"); err != nil {
		return err
	}
	s.registry.Clear()
	return nil
}

// Build starts a build of one segment with the current options. The job outlives the
// caller's request and ends with the session.
func (s *Session) Build(id string) (*build.Job, error) {
	if err := s.require("build segment"); err != nil {
		return nil, err
	}
	return s.builds.Dispatch(s.root, id, s.Options())
}

func (s *Session) CancelBuild(id string) (bool, error) {
	if err := s.require("cancel build"); err != nil {
		return false, err
	}
	return s.builds.Cancel(id), nil
}

// BuildAllRequest selects the segments of a bulk build. No ids means every segment.
type BuildAllRequest struct {
	SegmentIDs     []string
	MaxConcurrency int
	Bundle         bool
}

func (s *Session) BuildAll(req BuildAllRequest) (*bulk.Batch, error) {
	if err := s.require("build all"); err != nil {
		return nil, err
	}
	ids := req.SegmentIDs
	if len(ids) == 0 {
		for _, seg := range s.registry.List() {
			ids = append(ids, seg.ID)
		}
	}
	return s.bulk.BuildAll(s.root, bulk.Request{
		SegmentIDs:     ids,
		Options:        s.Options(),
		MaxConcurrency: req.MaxConcurrency,
		Bundle:         req.Bundle,
	})
}

// CurrentBatch returns the most recent bulk build.
func (s *Session) CurrentBatch() (*bulk.Batch, bool) {
	return s.bulk.Latest()
}

// CancelAll cancels every running batch and every single-segment build.
func (s *Session) CancelAll() int {
	n := s.bulk.CancelAll()
	for _, seg := range s.registry.List() {
		if !seg.State.Settled() && s.builds.Cancel(seg.ID) {
			n++
		}
	}
	return n
}

// Bundle returns the handle of the latest bundle archive.
func (s *Session) Bundle() (*artifact.Handle, bool) {
	return s.bulk.LastBundle()
}

// Artifact looks up a live artifact handle by id.
func (s *Session) Artifact(id string) (*artifact.Handle, bool) {
	return s.artifacts.Lookup(id)
}

func (s *Session) Transcript() transcript.Transcript {
	return s.transcripts.Current()
}

// Transcribe requests the transcript of the selected asset.
func (s *Session) Transcribe(ctx context.Context) (transcript.Transcript, error) {
	const op = "transcribe"
	if err := s.require(op); err != nil {
		return transcript.Transcript{}, err
	}
	asset, ok := s.Asset()
	if !ok {
		return transcript.Transcript{}, apperr.Validation(op, "no asset selected")
	}
	return s.transcripts.Request(ctx, asset)
}

// TranscribeClip transcribes the built preview of one segment.
func (s *Session) TranscribeClip(ctx context.Context, id string) (string, error) {
	const op = "transcribe clip"
	if err := s.require(op); err != nil {
		return "", err
	}
	seg, ok := s.registry.Get(id)
	if !ok {
		return "", apperr.WithSegment(apperr.NotFound(op, "segment not found"), id)
	}
	h := seg.Preview
	if h == nil {
		h = seg.Final
	}
	if h == nil || h.Released() {
		return "", apperr.WithSegment(apperr.Validation(op, "segment has no built clip"), id)
	}
	text, err := s.svc.Transcribe(ctx, h.LocalPath())
	if err != nil {
		return "", apperr.WithSegment(err, id)
	}
	return text, nil
}

// Suggest replaces the segment list with moments picked from the ready transcript.
func (s *Session) Suggest(ctx context.Context, maxCount int) ([]segment.Segment, error) {
	const op = "suggest moments"
	if err := s.require(op); err != nil {
		return nil, err
	}
	text, ok := s.transcripts.ReadyText()
	if !ok {
		return nil, apperr.Validation(op, "transcript is not ready")
	}
	return s.suggester.Suggest(ctx, text, maxCount)
}

// ClipContext builds the assistant context for segment id. The clip transcript is optional.
func (s *Session) ClipContext(id, clipTranscript string) (*assistant.ClipContext, error) {
	seg, ok := s.registry.Get(id)
	if !ok {
		return nil, apperr.WithSegment(apperr.NotFound("assistant context", "segment not found"), id)
	}
	return &assistant.ClipContext{SegmentID: seg.ID, Label: seg.Label, Transcript: clipTranscript}, nil
}

func (s *Session) Ask(ctx context.Context, message string, clip *assistant.ClipContext) (assistant.Turn, error) {
	if err := s.require("ask assistant"); err != nil {
		return assistant.Turn{}, err
	}
	return s.chat.Ask(ctx, message, clip)
}

func (s *Session) AskPreset(ctx context.Context, preset string, clip *assistant.ClipContext) (assistant.Turn, error) {
	if err := s.require("ask assistant"); err != nil {
		return assistant.Turn{}, err
	}
	return s.chat.AskPreset(ctx, preset, clip)
}

func (s *Session) Conversation() []assistant.Turn {
	return s.chat.Turns()
}

func (s *Session) ClearConversation() {
	s.chat.Clear()
}

// EndSession signs the user out. Every build is cancelled and all session state dropped.
func (s *Session) EndSession(ctx context.Context) error {
	if s.auth == nil {
		s.reset()
		return nil
	}
	return s.auth.EndSession(ctx)
}

// reset runs when the auth session ends.
func (s *Session) reset() {
	s.mu.Lock()
	s.asset = ""
	s.mu.Unlock()
	s.resetDerived()
	s.logger.Info("session reset")
}

func (s *Session) resetDerived() {
	s.CancelAll()
	s.registry.Clear()
	s.bulk.DropBundle()
	s.transcripts.Reset()
	s.chat.Clear()
}

// Close cancels all work, waits for jobs to settle and removes the local artifacts.
func (s *Session) Close() error {
	s.cancel()
	s.builds.Close()
	s.bulk.DropBundle()
	return s.artifacts.Close()
}

// cloudAssistant adapts the processing service's /ask-ai endpoint.
type cloudAssistant struct {
	svc interface {
		Ask(ctx context.Context, req cloud.AskRequest) (string, error)
	}
}

func (c cloudAssistant) Ask(ctx context.Context, req assistant.Request) (string, error) {
	history := make([]cloud.ChatTurn, 0, len(req.History))
	for _, t := range req.History {
		history = append(history, cloud.ChatTurn{Role: string(t.Role), Content: t.Content})
	}
	return c.svc.Ask(ctx, cloud.AskRequest{
		Prompt:     req.Message,
		Transcript: req.Context,
		History:    history,
	})
}
