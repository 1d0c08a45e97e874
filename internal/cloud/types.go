package cloud

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/clipforge/clipforge-agent/internal/timerange"
)

// Options are the per-build rendering switches sent with every clip request.
type Options struct {
	Watermark     bool   `json:"watermark" toml:"watermark"`
	WatermarkText string `json:"watermark_text" toml:"watermark_text"`
	Preview       bool   `json:"preview_480" toml:"preview_480"`
	Final         bool   `json:"final_1080" toml:"final_1080"`
}

func DefaultOptions() Options {
	return Options{Preview: true}
}

type BuildRequest struct {
	AssetPath string
	Range     timerange.Range
	Options   Options
}

type BuildResult struct {
	PreviewRef string
	FinalRef   string
}

type BundleRequest struct {
	AssetPath string
	Ranges    []timerange.Range
	Options   Options
}

type BundleItem struct {
	Range      timerange.Range
	PreviewRef string
	FinalRef   string
}

type BundleResult struct {
	Items     []BundleItem
	BundleRef string
}

// Moment is one suggested span returned by the suggestion endpoint.
type Moment struct {
	Range  timerange.Range
	Reason string
}

type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type AskRequest struct {
	Prompt     string
	Transcript string
	History    []ChatTurn
}

type clipResponse struct {
	OK         *bool  `json:"ok"`
	Error      string `json:"error"`
	PreviewURL string `json:"preview_url"`
	FinalURL   string `json:"final_url"`
}

type clipMultiResponse struct {
	OK     *bool  `json:"ok"`
	Error  string `json:"error"`
	ZipURL string `json:"zip_url"`
	Items  []struct {
		Start      flexSeconds `json:"start"`
		End        flexSeconds `json:"end"`
		PreviewURL string      `json:"preview_url"`
		FinalURL   string      `json:"final_url"`
	} `json:"items"`
}

type section struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type transcribeResponse struct {
	Transcript string `json:"transcript"`
	Text       string `json:"text"`
	Error      string `json:"error"`
}

type suggestRequest struct {
	Transcript string `json:"transcript"`
	MaxCount   int    `json:"max_count"`
}

type suggestResponse struct {
	Clips []struct {
		Start  flexSeconds `json:"start"`
		End    flexSeconds `json:"end"`
		Reason string      `json:"reason"`
		Title  string      `json:"title"`
	} `json:"clips"`
}

type askRequest struct {
	Prompt     string     `json:"prompt"`
	Transcript string     `json:"transcript"`
	History    []ChatTurn `json:"history,omitempty"`
}

type askResponse struct {
	Reply string `json:"reply"`
	Error string `json:"error"`
}

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// flexSeconds accepts 12, 12.5, "12" or "00:12".
type flexSeconds int

func (f *flexSeconds) UnmarshalJSON(b []byte) error {
	var n float64
	if err := json.Unmarshal(b, &n); err == nil {
		*f = flexSeconds(int(n))
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("time value %s is neither number nor string", b)
	}
	if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
		*f = flexSeconds(int(v))
		return nil
	}
	secs, err := timerange.ParseSeconds(s)
	if err != nil {
		return err
	}
	*f = flexSeconds(secs)
	return nil
}
