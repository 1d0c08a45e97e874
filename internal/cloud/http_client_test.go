package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/clipforge/clipforge-agent/internal/apperr"
	"github.com/clipforge/clipforge-agent/internal/timerange"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type staticToken string

func (s staticToken) AccessToken() string { return string(s) }

func writeAsset(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "talk.mp4")
	if err := os.WriteFile(p, []byte("fake video bytes"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return p
}

func newClient(t *testing.T, url string) *HTTPClient {
	t.Helper()
	c, err := NewHTTPClient(url, staticToken("test-token"), 5*time.Second, testLogger())
	if err != nil {
		t.Fatalf("NewHTTPClient() error = %v", err)
	}
	return c
}

func TestHTTPClient_Build_SendsFormFields(t *testing.T) {
	var fields map[string]string
	var fileBody, auth, requestID string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/clip" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		requestID = r.Header.Get(headerRequestID)

		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm() error = %v", err)
		}
		fields = map[string]string{}
		for k, v := range r.MultipartForm.Value {
			fields[k] = v[0]
		}
		f, _, err := r.FormFile("file")
		if err == nil {
			b, _ := io.ReadAll(f)
			fileBody = string(b)
		}

		json.NewEncoder(w).Encode(map[string]any{
			"ok":          true,
			"preview_url": "/media/previews/p1.mp4",
			"final_url":   "https://cdn.example.com/final/f1.mp4",
		})
	}))
	defer server.Close()

	client := newClient(t, server.URL)
	res, err := client.Build(context.Background(), BuildRequest{
		AssetPath: writeAsset(t),
		Range:     timerange.Range{Start: 10, End: 25},
		Options:   Options{Watermark: true, WatermarkText: "@me", Preview: true, Final: true},
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	want := map[string]string{
		"start": "10", "end": "25", "watermark": "1", "wm_text": "@me",
		"preview_480": "1", "final_1080": "1",
	}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("field %s = %q, want %q", k, fields[k], v)
		}
	}
	if fileBody != "fake video bytes" {
		t.Errorf("file part = %q", fileBody)
	}
	if auth != "Bearer test-token" {
		t.Errorf("auth = %q, want %q", auth, "Bearer test-token")
	}
	if requestID == "" {
		t.Error("expected request id header")
	}
	if res.PreviewRef != server.URL+"/media/previews/p1.mp4" {
		t.Errorf("PreviewRef = %q, want resolved against base url", res.PreviewRef)
	}
	if res.FinalRef != "https://cdn.example.com/final/f1.mp4" {
		t.Errorf("FinalRef = %q", res.FinalRef)
	}
}

func TestHTTPClient_Build_OKFalseIsUpstream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.Write([]byte(`{"ok":false,"error":"ffmpeg exited 1"}`))
	}))
	defer server.Close()

	_, err := newClient(t, server.URL).Build(context.Background(), BuildRequest{
		AssetPath: writeAsset(t),
		Range:     timerange.Range{Start: 0, End: 5},
	})
	if !apperr.Is(err, apperr.KindUpstream) {
		t.Fatalf("error kind = %q, want upstream (err=%v)", apperr.KindOf(err), err)
	}
	var upErr *UpstreamError
	if !errors.As(err, &upErr) || !strings.Contains(upErr.Message, "ffmpeg") {
		t.Fatalf("expected UpstreamError with message, got %v", err)
	}
	if upErr.IsRetryable() {
		t.Error("in-body rejection should not be retryable")
	}
}

func TestHTTPClient_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"detail":"worker offline"}`))
	}))
	defer server.Close()

	_, err := newClient(t, server.URL).Ask(context.Background(), AskRequest{Prompt: "hi"})

	var upErr *UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("expected UpstreamError, got %T: %v", err, err)
	}
	if upErr.StatusCode != http.StatusBadGateway || upErr.Message != "worker offline" {
		t.Errorf("upstream error = %+v", upErr)
	}
	if !upErr.IsRetryable() {
		t.Error("expected 5xx to be retryable")
	}
}

func TestUpstreamError_IsRetryable(t *testing.T) {
	if !(&UpstreamError{StatusCode: http.StatusInternalServerError}).IsRetryable() {
		t.Fatal("expected 5xx error to be retryable")
	}
	if (&UpstreamError{StatusCode: http.StatusBadRequest}).IsRetryable() {
		t.Fatal("expected 4xx error to be permanent")
	}
}

func TestHTTPClient_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := newClient(t, url).Ask(context.Background(), AskRequest{Prompt: "hi"})
	if !apperr.Is(err, apperr.KindTransport) {
		t.Fatalf("error kind = %q, want transport", apperr.KindOf(err))
	}
}

func TestHTTPClient_CancelledContext(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := newClient(t, server.URL).Ask(ctx, AskRequest{Prompt: "hi"})
	if !apperr.Is(err, apperr.KindCancelled) {
		t.Fatalf("error kind = %q, want cancelled (err=%v)", apperr.KindOf(err), err)
	}
}

func TestHTTPClient_Bundle(t *testing.T) {
	var sections string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/clip_multi" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		r.ParseMultipartForm(1 << 20)
		sections = r.FormValue("sections")
		w.Write([]byte(`{"ok":true,"zip_url":"/media/zips/b.zip","items":[
			{"start":"00:10","end":20,"preview_url":"/media/p/1.mp4"},
			{"start":30,"end":"40","preview_url":"/media/p/2.mp4","final_url":"/media/f/2.mp4"}]}`))
	}))
	defer server.Close()

	res, err := newClient(t, server.URL).Bundle(context.Background(), BundleRequest{
		AssetPath: writeAsset(t),
		Ranges:    []timerange.Range{{Start: 10, End: 20}, {Start: 30, End: 40}},
	})
	if err != nil {
		t.Fatalf("Bundle() error = %v", err)
	}
	if sections != `[{"start":10,"end":20},{"start":30,"end":40}]` {
		t.Errorf("sections = %s", sections)
	}
	if res.BundleRef != server.URL+"/media/zips/b.zip" {
		t.Errorf("BundleRef = %q", res.BundleRef)
	}
	if len(res.Items) != 2 || res.Items[0].Range.Start != 10 || res.Items[1].FinalRef == "" {
		t.Errorf("Items = %+v", res.Items)
	}
}

func TestHTTPClient_Suggest_DropsInvalid(t *testing.T) {
	var got suggestRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"clips":[
			{"start":"00:05","end":"00:15","reason":"hook"},
			{"start":30,"end":20,"reason":"inverted"},
			{"start":"1:00","end":"1:30","title":"punchline"}]}`))
	}))
	defer server.Close()

	moments, err := newClient(t, server.URL).Suggest(context.Background(), "text", 3)
	if err != nil {
		t.Fatalf("Suggest() error = %v", err)
	}
	if got.Transcript != "text" || got.MaxCount != 3 {
		t.Errorf("request = %+v", got)
	}
	if len(moments) != 2 {
		t.Fatalf("len = %d, want 2", len(moments))
	}
	if moments[1].Reason != "punchline" || moments[1].Range.Start != 60 {
		t.Errorf("moments[1] = %+v", moments[1])
	}
}

func TestHTTPClient_TranscribeAndFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/transcribe":
			w.Write([]byte(`{"text":"hello world"}`))
		case "/media/previews/p.mp4":
			w.Write([]byte("clip-bytes"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	c := newClient(t, server.URL)
	text, err := c.Transcribe(context.Background(), writeAsset(t))
	if err != nil || text != "hello world" {
		t.Fatalf("Transcribe() = %q, %v", text, err)
	}

	var buf bytes.Buffer
	n, err := c.Fetch(context.Background(), "/media/previews/p.mp4", &buf)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if n != int64(len("clip-bytes")) || buf.String() != "clip-bytes" {
		t.Errorf("Fetch() = %d %q", n, buf.String())
	}

	if _, err := c.Fetch(context.Background(), "/missing", io.Discard); !apperr.Is(err, apperr.KindUpstream) {
		t.Errorf("Fetch(missing) kind = %q, want upstream", apperr.KindOf(err))
	}
}

func TestHTTPClient_MissingAssetIsValidation(t *testing.T) {
	c := newClient(t, "http://127.0.0.1:1")
	_, err := c.Transcribe(context.Background(), filepath.Join(t.TempDir(), "nope.mp4"))
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("error kind = %q, want validation", apperr.KindOf(err))
	}
}

func TestNewHTTPClient_InvalidBaseURL(t *testing.T) {
	if _, err := NewHTTPClient("not a url", nil, time.Second, testLogger()); err == nil {
		t.Fatal("expected error")
	}
}
