package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/clipforge/clipforge-agent/internal/apperr"
	"github.com/clipforge/clipforge-agent/internal/artifact"
	"github.com/clipforge/clipforge-agent/internal/assistant"
	"github.com/clipforge/clipforge-agent/internal/export"
	"github.com/clipforge/clipforge-agent/internal/playback"
	"github.com/clipforge/clipforge-agent/internal/session"
)

const maxBodyBytes = 1 << 20

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(LoopbackGuard())
	r.Use(CORSAllowlist(cfg.AllowedOrigins))

	r.Get("/health", healthHandler(cfg))

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Store, cfg.Logger))

		r.Get("/status", statusHandler(cfg))
		r.Post("/session/sign-in", signInHandler(cfg))
		r.Post("/session/end", endSessionHandler(cfg))

		r.Put("/asset", selectAssetHandler(cfg))
		r.Get("/options", getOptionsHandler(cfg))
		r.Put("/options", setOptionsHandler(cfg))

		r.Get("/segments", listSegmentsHandler(cfg))
		r.Post("/segments", createSegmentHandler(cfg))
		r.Delete("/segments", clearSegmentsHandler(cfg))
		r.Patch("/segments/{id}", updateSegmentHandler(cfg))
		r.Delete("/segments/{id}", deleteSegmentHandler(cfg))
		r.Post("/segments/{id}/build", buildSegmentHandler(cfg))
		r.Delete("/segments/{id}/build", cancelSegmentBuildHandler(cfg))
		r.Post("/segments/{id}/transcript", clipTranscriptHandler(cfg))

		r.Post("/builds", buildAllHandler(cfg))
		r.Get("/builds/current", currentBatchHandler(cfg))
		r.Delete("/builds/current", cancelAllHandler(cfg))

		r.Get("/transcript", getTranscriptHandler(cfg))
		r.Post("/transcript", requestTranscriptHandler(cfg))
		r.Post("/suggestions", suggestHandler(cfg))

		r.Get("/conversation", getConversationHandler(cfg))
		r.Post("/conversation", askHandler(cfg))
		r.Delete("/conversation", clearConversationHandler(cfg))

		r.Get("/artifacts/{id}", artifactHandler(cfg))
		r.Get("/export/edl", exportEDLHandler(cfg))
		r.Get("/jobs", listJobsHandler(cfg))
	})

	return r
}

// decodeBody decodes a JSON body into v. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
		return false
	}
	return true
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(time.Since(cfg.StartTime).Seconds())
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:   "ok",
			Version:  cfg.Version,
			UptimeS:  uptime,
			DeviceID: cfg.DeviceID,
		})
	}
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, StatusToResponse(cfg.Session.Status()))
	}
}

func signInHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SignInRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if cfg.Auth == nil {
			WriteError(w, http.StatusNotFound, "sign-in is not enabled", "NOT_FOUND")
			return
		}
		if err := cfg.Auth.SignIn(r.Context(), req.Token); err != nil {
			WriteAppError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, StatusToResponse(cfg.Session.Status()))
	}
}

func endSessionHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cfg.Session.EndSession(r.Context()); err != nil {
			WriteAppError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func selectAssetHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AssetRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if err := cfg.Session.SelectAsset(req.Path); err != nil {
			WriteAppError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, StatusToResponse(cfg.Session.Status()))
	}
}

func getOptionsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, OptionsToBody(cfg.Session.Options()))
	}
}

func setOptionsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := OptionsToBody(cfg.Session.Options())
		if !decodeBody(w, r, &body) {
			return
		}
		opts, err := cfg.Session.SetOptions(body.options())
		if err != nil {
			WriteAppError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, OptionsToBody(opts))
	}
}

func listSegmentsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, SegmentsToResponse(cfg.Session.Segments()))
	}
}

func createSegmentHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateSegmentRequest
		if !decodeBody(w, r, &req) {
			return
		}
		seg, err := cfg.Session.AddSegment(req.Start, req.End, req.Label)
		if err != nil {
			WriteAppError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, SegmentToResponse(seg))
	}
}

func clearSegmentsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cfg.Session.ClearSegments(); err != nil {
			WriteAppError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func updateSegmentHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req UpdateSegmentRequest
		if !decodeBody(w, r, &req) {
			return
		}
		seg, err := cfg.Session.UpdateSegment(chi.URLParam(r, "id"), session.SegmentPatch{
			Start: req.Start,
			End:   req.End,
			Label: req.Label,
		})
		if err != nil {
			WriteAppError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, SegmentToResponse(seg))
	}
}

func deleteSegmentHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cfg.Session.RemoveSegment(chi.URLParam(r, "id")); err != nil {
			WriteAppError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func buildSegmentHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := cfg.Session.Build(chi.URLParam(r, "id"))
		if err != nil {
			WriteAppError(w, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, BuildResponse{JobID: job.ID(), SegmentID: job.SegmentID()})
	}
}

func cancelSegmentBuildHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		ok, err := cfg.Session.CancelBuild(id)
		if err != nil {
			WriteAppError(w, err)
			return
		}
		if !ok {
			WriteError(w, http.StatusNotFound, "no running build for segment", "NOT_FOUND")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func clipTranscriptHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		text, err := cfg.Session.TranscribeClip(r.Context(), id)
		if err != nil {
			WriteAppError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, ClipTranscriptResponse{SegmentID: id, Text: text})
	}
}

func buildAllHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BuildAllRequest
		if !decodeBody(w, r, &req) {
			return
		}
		b, err := cfg.Session.BuildAll(session.BuildAllRequest{
			SegmentIDs:     req.SegmentIDs,
			MaxConcurrency: req.MaxConcurrency,
			Bundle:         req.Bundle,
		})
		if err != nil {
			WriteAppError(w, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, BatchToResponse(b))
	}
}

func currentBatchHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, ok := cfg.Session.CurrentBatch()
		if !ok {
			WriteError(w, http.StatusNotFound, "no bulk build has run", "NOT_FOUND")
			return
		}
		WriteJSON(w, http.StatusOK, BatchToResponse(b))
	}
}

func cancelAllHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, CancelResponse{Cancelled: cfg.Session.CancelAll()})
	}
}

func getTranscriptHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, TranscriptToResponse(cfg.Session.Transcript()))
	}
}

func requestTranscriptHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := cfg.Session.Transcribe(r.Context())
		if err != nil {
			WriteAppError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, TranscriptToResponse(t))
	}
}

func suggestHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SuggestRequest
		if !decodeBody(w, r, &req) {
			return
		}
		segs, err := cfg.Session.Suggest(r.Context(), req.MaxCount)
		if err != nil {
			WriteAppError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, SegmentsToResponse(segs))
	}
}

func getConversationHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, ConversationToResponse(cfg.Session.Conversation()))
	}
}

func askHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AskRequest
		if !decodeBody(w, r, &req) {
			return
		}

		ctx := r.Context()
		clip, err := clipContext(cfg, req)
		if err != nil {
			WriteAppError(w, err)
			return
		}

		var turnErr error
		if req.Preset != "" {
			_, turnErr = cfg.Session.AskPreset(ctx, req.Preset, clip)
		} else {
			_, turnErr = cfg.Session.Ask(ctx, req.Message, clip)
		}
		if turnErr != nil {
			WriteAppError(w, turnErr)
			return
		}
		WriteJSON(w, http.StatusOK, ConversationToResponse(cfg.Session.Conversation()))
	}
}

func clipContext(cfg ServerConfig, req AskRequest) (*assistant.ClipContext, error) {
	if req.SegmentID == "" {
		return nil, nil
	}
	return cfg.Session.ClipContext(req.SegmentID, req.ClipTranscript)
}

func clearConversationHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg.Session.ClearConversation()
		w.WriteHeader(http.StatusNoContent)
	}
}

func artifactHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h, ok := cfg.Session.Artifact(chi.URLParam(r, "id"))
		if !ok {
			WriteError(w, http.StatusNotFound, "artifact not found", "NOT_FOUND")
			return
		}

		name := ""
		if dl, _ := strconv.ParseBool(r.URL.Query().Get("download")); dl {
			name = downloadName(cfg, h)
		}

		if err := cfg.Playback.ServeArtifact(w, r, h, name); err != nil {
			if errors.Is(err, playback.ErrGone) {
				WriteError(w, http.StatusGone, "artifact was released", "GONE")
				return
			}
			cfg.Logger.Error("artifact playback error", "error", err, "handle_id", h.ID())
			WriteError(w, http.StatusInternalServerError, "failed to serve artifact", "INTERNAL_ERROR")
		}
	}
}

func downloadName(cfg ServerConfig, h *artifact.Handle) string {
	if h.Kind() == artifact.KindBundle {
		if b, ok := cfg.Session.CurrentBatch(); ok {
			return export.BundleFileName(b.ID())
		}
		return export.BundleFileName("")
	}
	for _, seg := range cfg.Session.Segments() {
		if seg.Preview == h || seg.Final == h {
			return export.ArtifactFileName(seg.Range, h.Kind())
		}
	}
	return ""
}

func exportEDLHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		asset, ok := cfg.Session.Asset()
		if !ok {
			WriteAppError(w, apperr.Validation("export edl", "no asset selected"))
			return
		}
		segs := cfg.Session.Segments()
		if len(segs) == 0 {
			WriteAppError(w, apperr.Validation("export edl", "no segments to export"))
			return
		}

		frameRate := export.DefaultFrameRate
		if v := r.URL.Query().Get("frame_rate"); v != "" {
			fr, err := strconv.ParseFloat(v, 64)
			if err != nil || fr <= 0 {
				WriteError(w, http.StatusBadRequest, "frame_rate must be a positive number", "BAD_REQUEST")
				return
			}
			frameRate = fr
		}
		title := export.CleanLabel(r.URL.Query().Get("title"), 120)
		if title == "" {
			title = export.DefaultProjectName
		}

		edl := export.GenerateEDL(export.ClipsFromSegments(segs, asset), title, frameRate)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="`+title+`.edl"`)
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, edl)
	}
}

func listJobsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 || n > 500 {
				WriteError(w, http.StatusBadRequest, "limit must be between 1 and 500", "BAD_REQUEST")
				return
			}
			limit = n
		}

		jobs, err := cfg.Store.ListJobs(r.Context(), limit)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list jobs", "INTERNAL_ERROR")
			return
		}

		resp := JobsResponse{Jobs: make([]JobResponse, len(jobs))}
		for i, j := range jobs {
			resp.Jobs[i] = JobToResponse(j)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}
