package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clipforge/clipforge-agent/internal/apperr"
	"github.com/clipforge/clipforge-agent/internal/timerange"
)

const (
	headerRequestID = "X-Clipforge-Request-Id"
	headerDeviceID  = "X-Clipforge-Device-Id"

	maxErrorBody = 4096
)

// TokenSource supplies the bearer token of the signed-in user, if any.
type TokenSource interface {
	AccessToken() string
}

// HTTPClient talks to the remote clip processing service. Media is uploaded as
// multipart/form-data; everything else is JSON.
type HTTPClient struct {
	baseURL    *url.URL
	tokens     TokenSource
	deviceID   string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewHTTPClient(baseURL string, tokens TokenSource, timeout time.Duration, logger *slog.Logger) (*HTTPClient, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid service base url %q", baseURL)
	}
	return &HTTPClient{
		baseURL:    u,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

func (c *HTTPClient) SetDeviceID(id string) {
	c.deviceID = id
}

// Resolve turns a service-relative reference such as /media/previews/x.mp4 into an absolute URL.
func (c *HTTPClient) Resolve(ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	if u.IsAbs() {
		return ref
	}
	return c.baseURL.ResolveReference(u).String()
}

func (c *HTTPClient) endpoint(path string) string {
	return c.baseURL.JoinPath(path).String()
}

// Build renders one clip.
func (c *HTTPClient) Build(ctx context.Context, req BuildRequest) (*BuildResult, error) {
	const op = "build"
	fields := append([]formField{
		{"start", strconv.Itoa(req.Range.Start)},
		{"end", strconv.Itoa(req.Range.End)},
	}, optionFields(req.Options)...)

	var resp clipResponse
	if err := c.postForm(ctx, op, "/clip", req.AssetPath, fields, &resp); err != nil {
		return nil, err
	}
	if resp.OK != nil && !*resp.OK {
		return nil, upstream(op, http.StatusOK, resp.Error, "")
	}
	if resp.PreviewURL == "" && resp.FinalURL == "" {
		return nil, upstream(op, http.StatusOK, "response carried no clip url", "")
	}
	return &BuildResult{
		PreviewRef: resolveOptional(c, resp.PreviewURL),
		FinalRef:   resolveOptional(c, resp.FinalURL),
	}, nil
}

// Bundle renders every range again in one request and returns the combined archive.
func (c *HTTPClient) Bundle(ctx context.Context, req BundleRequest) (*BundleResult, error) {
	const op = "bundle"
	if len(req.Ranges) == 0 {
		return nil, apperr.Validation(op, "no ranges to bundle")
	}
	sections := make([]section, len(req.Ranges))
	for i, r := range req.Ranges {
		sections[i] = section{Start: r.Start, End: r.End}
	}
	encoded, err := json.Marshal(sections)
	if err != nil {
		return nil, apperr.New(apperr.KindInternal, op, err)
	}
	fields := append([]formField{{"sections", string(encoded)}}, optionFields(req.Options)...)

	var resp clipMultiResponse
	if err := c.postForm(ctx, op, "/clip_multi", req.AssetPath, fields, &resp); err != nil {
		return nil, err
	}
	if resp.OK != nil && !*resp.OK {
		return nil, upstream(op, http.StatusOK, resp.Error, "")
	}
	if resp.ZipURL == "" {
		return nil, upstream(op, http.StatusOK, "response carried no bundle url", "")
	}

	out := &BundleResult{BundleRef: c.Resolve(resp.ZipURL)}
	for _, it := range resp.Items {
		out.Items = append(out.Items, BundleItem{
			Range:      timerange.Range{Start: int(it.Start), End: int(it.End)},
			PreviewRef: resolveOptional(c, it.PreviewURL),
			FinalRef:   resolveOptional(c, it.FinalURL),
		})
	}
	return out, nil
}

// Transcribe uploads a media file (the full asset or a rendered clip) and returns its text.
func (c *HTTPClient) Transcribe(ctx context.Context, mediaPath string) (string, error) {
	const op = "transcribe"
	var resp transcribeResponse
	if err := c.postForm(ctx, op, "/transcribe", mediaPath, nil, &resp); err != nil {
		return "", err
	}
	text := resp.Transcript
	if text == "" {
		text = resp.Text
	}
	if strings.TrimSpace(text) == "" {
		msg := resp.Error
		if msg == "" {
			msg = "empty transcript"
		}
		return "", upstream(op, http.StatusOK, msg, "")
	}
	return text, nil
}

func (c *HTTPClient) Suggest(ctx context.Context, transcript string, maxCount int) ([]Moment, error) {
	const op = "suggest"
	var resp suggestResponse
	if err := c.postJSON(ctx, op, "/suggest", suggestRequest{Transcript: transcript, MaxCount: maxCount}, &resp); err != nil {
		return nil, err
	}

	moments := make([]Moment, 0, len(resp.Clips))
	for _, clip := range resp.Clips {
		r, err := timerange.New(int(clip.Start), int(clip.End))
		if err != nil {
			c.logger.Debug("dropping invalid suggested moment", "start", int(clip.Start), "end", int(clip.End))
			continue
		}
		reason := clip.Reason
		if reason == "" {
			reason = clip.Title
		}
		moments = append(moments, Moment{Range: r, Reason: reason})
	}
	return moments, nil
}

func (c *HTTPClient) Ask(ctx context.Context, req AskRequest) (string, error) {
	const op = "ask"
	var resp askResponse
	body := askRequest{Prompt: req.Prompt, Transcript: req.Transcript, History: req.History}
	if err := c.postJSON(ctx, op, "/ask-ai", body, &resp); err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Reply) == "" {
		msg := resp.Error
		if msg == "" {
			msg = "empty reply"
		}
		return "", upstream(op, http.StatusOK, msg, "")
	}
	return resp.Reply, nil
}

// Fetch streams the artifact behind ref into w.
func (c *HTTPClient) Fetch(ctx context.Context, ref string, w io.Writer) (int64, error) {
	const op = "download"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Resolve(ref), nil)
	if err != nil {
		return 0, apperr.New(apperr.KindInternal, op, err)
	}
	c.decorate(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, transport(ctx, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, readUpstream(op, resp)
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, transport(ctx, op, err)
	}
	return n, nil
}

type formField struct {
	name  string
	value string
}

func optionFields(o Options) []formField {
	return []formField{
		{"watermark", boolField(o.Watermark)},
		{"wm_text", o.WatermarkText},
		{"preview_480", boolField(o.Preview)},
		{"final_1080", boolField(o.Final)},
	}
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// postForm streams the file at filePath as the "file" part followed by fields.
func (c *HTTPClient) postForm(ctx context.Context, op, path, filePath string, fields []formField, out any) error {
	f, err := os.Open(filePath)
	if err != nil {
		return apperr.Validation(op, "cannot read asset: %v", err)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		defer f.Close()
		part, err := mw.CreateFormFile("file", filepath.Base(filePath))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		for _, fld := range fields {
			if err != nil {
				break
			}
			err = mw.WriteField(fld.name, fld.value)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), pr)
	if err != nil {
		pr.Close()
		return apperr.New(apperr.KindInternal, op, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(ctx, op, req, out)
}

func (c *HTTPClient) postJSON(ctx context.Context, op, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return apperr.New(apperr.KindInternal, op, fmt.Errorf("marshal request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(body))
	if err != nil {
		return apperr.New(apperr.KindInternal, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(ctx, op, req, out)
}

func (c *HTTPClient) do(ctx context.Context, op string, req *http.Request, out any) error {
	c.decorate(req)
	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transport(ctx, op, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("service request",
		"op", op,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
		"request_id", req.Header.Get(headerRequestID),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readUpstream(op, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return apperr.New(apperr.KindCancelled, op, ctx.Err())
		}
		return upstream(op, resp.StatusCode, "malformed response: "+err.Error(), "")
	}
	return nil
}

func (c *HTTPClient) decorate(req *http.Request) {
	req.Header.Set(headerRequestID, uuid.NewString())
	if c.deviceID != "" {
		req.Header.Set(headerDeviceID, c.deviceID)
	}
	if c.tokens != nil {
		if tok := c.tokens.AccessToken(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
}

func resolveOptional(c *HTTPClient, ref string) string {
	if ref == "" {
		return ""
	}
	return c.Resolve(ref)
}

func transport(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return apperr.New(apperr.KindCancelled, op, err)
	}
	return apperr.New(apperr.KindTransport, op, err)
}

func readUpstream(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var eb errorBody
	msg := ""
	if json.Unmarshal(raw, &eb) == nil {
		msg = eb.Error
		if msg == "" {
			msg = eb.Detail
		}
	}
	return upstream(op, resp.StatusCode, msg, string(raw))
}

func upstream(op string, status int, msg, body string) error {
	return apperr.New(apperr.KindUpstream, op, &UpstreamError{
		Op:         op,
		StatusCode: status,
		Message:    msg,
		Body:       body,
	})
}
