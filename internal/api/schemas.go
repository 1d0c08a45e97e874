package api

import (
	"time"

	"github.com/clipforge/clipforge-agent/internal/apperr"
	"github.com/clipforge/clipforge-agent/internal/artifact"
	"github.com/clipforge/clipforge-agent/internal/assistant"
	"github.com/clipforge/clipforge-agent/internal/build"
	"github.com/clipforge/clipforge-agent/internal/bulk"
	"github.com/clipforge/clipforge-agent/internal/cloud"
	"github.com/clipforge/clipforge-agent/internal/export"
	"github.com/clipforge/clipforge-agent/internal/segment"
	"github.com/clipforge/clipforge-agent/internal/session"
	"github.com/clipforge/clipforge-agent/internal/store"
	"github.com/clipforge/clipforge-agent/internal/timerange"
	"github.com/clipforge/clipforge-agent/internal/transcript"
)

type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	UptimeS  int64  `json:"uptime_s"`
	DeviceID string `json:"device_id"`
}

type StatusResponse struct {
	State          string `json:"state"`
	Authenticated  bool   `json:"authenticated"`
	Asset          string `json:"asset,omitempty"`
	Segments       int    `json:"segments"`
	MaxSegments    int    `json:"max_segments"`
	Ready          int    `json:"ready"`
	ActiveBuilds   int    `json:"active_builds"`
	RunningBatches int    `json:"running_batches"`
	Transcript     string `json:"transcript"`
	Turns          int    `json:"turns"`
	LiveArtifacts  int    `json:"live_artifacts"`
}

type AssetRequest struct {
	Path string `json:"path"`
}

type SignInRequest struct {
	Token string `json:"token"`
}

type OptionsBody struct {
	Watermark     bool   `json:"watermark"`
	WatermarkText string `json:"watermark_text"`
	Preview       bool   `json:"preview_480"`
	Final         bool   `json:"final_1080"`
}

type CreateSegmentRequest struct {
	Start string `json:"start"`
	End   string `json:"end"`
	Label string `json:"label,omitempty"`
}

type UpdateSegmentRequest struct {
	Start *string `json:"start,omitempty"`
	End   *string `json:"end,omitempty"`
	Label *string `json:"label,omitempty"`
}

type ArtifactResponse struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

type SegmentResponse struct {
	ID           string            `json:"id"`
	Start        string            `json:"start"`
	End          string            `json:"end"`
	StartSeconds int               `json:"start_seconds"`
	EndSeconds   int               `json:"end_seconds"`
	Label        string            `json:"label,omitempty"`
	State        string            `json:"state"`
	JobID        string            `json:"job_id,omitempty"`
	Preview      *ArtifactResponse `json:"preview,omitempty"`
	Final        *ArtifactResponse `json:"final,omitempty"`
	Error        *apperr.Info      `json:"error,omitempty"`
	UpdatedAt    string            `json:"updated_at"`
}

type SegmentsResponse struct {
	Segments []SegmentResponse `json:"segments"`
}

type BuildResponse struct {
	JobID     string `json:"job_id"`
	SegmentID string `json:"segment_id"`
}

type BuildAllRequest struct {
	SegmentIDs     []string `json:"segment_ids,omitempty"`
	MaxConcurrency int      `json:"max_concurrency,omitempty"`
	Bundle         bool     `json:"bundle"`
}

type OutcomeResponse struct {
	SegmentID string       `json:"segment_id"`
	JobID     string       `json:"job_id,omitempty"`
	State     string       `json:"state"`
	Error     *apperr.Info `json:"error,omitempty"`
}

type BatchResponse struct {
	BatchID     string            `json:"batch_id"`
	Done        bool              `json:"done"`
	Cancelled   bool              `json:"cancelled"`
	Pending     []string          `json:"pending"`
	Outcomes    []OutcomeResponse `json:"outcomes"`
	Bundle      *ArtifactResponse `json:"bundle,omitempty"`
	BundleError *apperr.Info      `json:"bundle_error,omitempty"`
}

type CancelResponse struct {
	Cancelled int `json:"cancelled"`
}

type TranscriptResponse struct {
	Status    string       `json:"status"`
	Text      string       `json:"text,omitempty"`
	Error     *apperr.Info `json:"error,omitempty"`
	UpdatedAt string       `json:"updated_at,omitempty"`
}

type ClipTranscriptResponse struct {
	SegmentID string `json:"segment_id"`
	Text      string `json:"text"`
}

type SuggestRequest struct {
	MaxCount int `json:"max_count,omitempty"`
}

type AskRequest struct {
	Message        string `json:"message,omitempty"`
	Preset         string `json:"preset,omitempty"`
	SegmentID      string `json:"segment_id,omitempty"`
	ClipTranscript string `json:"clip_transcript,omitempty"`
}

type TurnResponse struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	At      string `json:"at"`
}

type ConversationResponse struct {
	Turns   []TurnResponse   `json:"turns"`
	Presets []PresetResponse `json:"presets"`
}

type PresetResponse struct {
	Name  string `json:"name"`
	Label string `json:"label"`
}

type JobResponse struct {
	ID        string `json:"id"`
	SegmentID string `json:"segment_id"`
	BatchID   string `json:"batch_id,omitempty"`
	Status    string `json:"status"`
	Range     string `json:"range"`
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type JobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Op        string `json:"op,omitempty"`
	SegmentID string `json:"segment_id,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func StatusToResponse(st session.Status) StatusResponse {
	state := "idle"
	switch {
	case !st.Authenticated:
		state = "signed_out"
	case st.ActiveBuilds > 0 || st.RunningBatches > 0:
		state = "building"
	}
	return StatusResponse{
		State:          state,
		Authenticated:  st.Authenticated,
		Asset:          st.Asset,
		Segments:       st.Segments,
		MaxSegments:    segment.MaxSegments,
		Ready:          st.Ready,
		ActiveBuilds:   st.ActiveBuilds,
		RunningBatches: st.RunningBatches,
		Transcript:     string(st.Transcript),
		Turns:          st.Turns,
		LiveArtifacts:  st.LiveArtifacts,
	}
}

func OptionsToBody(o cloud.Options) OptionsBody {
	return OptionsBody{Watermark: o.Watermark, WatermarkText: o.WatermarkText, Preview: o.Preview, Final: o.Final}
}

func (b OptionsBody) options() cloud.Options {
	return cloud.Options{Watermark: b.Watermark, WatermarkText: b.WatermarkText, Preview: b.Preview, Final: b.Final}
}

func ArtifactToResponse(h *artifact.Handle, name string) *ArtifactResponse {
	if h == nil || h.Released() {
		return nil
	}
	return &ArtifactResponse{
		ID:       h.ID(),
		Kind:     string(h.Kind()),
		URL:      "/artifacts/" + h.ID(),
		Filename: name,
		Size:     h.Size(),
	}
}

func SegmentToResponse(s segment.Segment) SegmentResponse {
	return SegmentResponse{
		ID:           s.ID,
		Start:        timerange.FormatSeconds(s.Range.Start),
		End:          timerange.FormatSeconds(s.Range.End),
		StartSeconds: s.Range.Start,
		EndSeconds:   s.Range.End,
		Label:        s.Label,
		State:        string(s.State),
		JobID:        s.JobID,
		Preview:      ArtifactToResponse(s.Preview, export.ArtifactFileName(s.Range, artifact.KindPreview)),
		Final:        ArtifactToResponse(s.Final, export.ArtifactFileName(s.Range, artifact.KindFinal)),
		Error:        s.Error,
		UpdatedAt:    s.UpdatedAt.Format(time.RFC3339),
	}
}

func SegmentsToResponse(segs []segment.Segment) SegmentsResponse {
	resp := SegmentsResponse{Segments: make([]SegmentResponse, len(segs))}
	for i, s := range segs {
		resp.Segments[i] = SegmentToResponse(s)
	}
	return resp
}

func OutcomeToResponse(o build.Outcome) OutcomeResponse {
	return OutcomeResponse{
		SegmentID: o.SegmentID,
		JobID:     o.JobID,
		State:     string(o.State),
		Error:     apperr.Describe(o.Err),
	}
}

func BatchToResponse(b *bulk.Batch) BatchResponse {
	done := false
	select {
	case <-b.Done():
		done = true
	default:
	}
	res := b.Snapshot()
	resp := BatchResponse{
		BatchID:     res.BatchID,
		Done:        done,
		Cancelled:   res.Cancelled,
		Pending:     b.Pending(),
		Outcomes:    make([]OutcomeResponse, len(res.Outcomes)),
		BundleError: apperr.Describe(res.BundleErr),
	}
	if resp.Pending == nil {
		resp.Pending = []string{}
	}
	for i, o := range res.Outcomes {
		resp.Outcomes[i] = OutcomeToResponse(o)
	}
	if res.Bundle != nil {
		resp.Bundle = ArtifactToResponse(res.Bundle.Handle, export.BundleFileName(res.BatchID))
	}
	return resp
}

func TranscriptToResponse(t transcript.Transcript) TranscriptResponse {
	resp := TranscriptResponse{Status: string(t.Status), Text: t.Text, Error: t.Error}
	if !t.UpdatedAt.IsZero() {
		resp.UpdatedAt = t.UpdatedAt.Format(time.RFC3339)
	}
	return resp
}

func TurnToResponse(t assistant.Turn) TurnResponse {
	return TurnResponse{Role: string(t.Role), Content: t.Content, At: t.At.Format(time.RFC3339)}
}

func ConversationToResponse(turns []assistant.Turn) ConversationResponse {
	resp := ConversationResponse{Turns: make([]TurnResponse, len(turns))}
	for i, t := range turns {
		resp.Turns[i] = TurnToResponse(t)
	}
	for _, p := range assistant.Presets() {
		resp.Presets = append(resp.Presets, PresetResponse{Name: p.Name, Label: p.Label})
	}
	return resp
}

func JobToResponse(j *store.JobRecord) JobResponse {
	rng := timerange.Range{Start: j.RangeStart, End: j.RangeEnd}
	return JobResponse{
		ID:        j.ID,
		SegmentID: j.SegmentID,
		BatchID:   j.BatchID,
		Status:    j.Status,
		Range:     rng.String(),
		ErrorKind: j.ErrorKind,
		Error:     j.Error,
		CreatedAt: j.CreatedAt.Format(time.RFC3339),
		UpdatedAt: j.UpdatedAt.Format(time.RFC3339),
	}
}
