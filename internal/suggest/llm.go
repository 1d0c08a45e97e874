package suggest

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/clipforge/clipforge-agent/internal/apperr"
	"github.com/clipforge/clipforge-agent/internal/cloud"
	"github.com/clipforge/clipforge-agent/internal/llm"
	"github.com/clipforge/clipforge-agent/internal/timerange"
)

//go:embed prompts/moments.yaml
var defaultPromptYAML []byte

// Prompt is a YAML prompt template. Prompt is rendered with text/template and receives
// MaxCount, MinDuration, MaxDuration and Transcript.
type Prompt struct {
	Title       string `yaml:"title"`
	Role        string `yaml:"role"`
	Prompt      string `yaml:"prompt"`
	MinDuration int    `yaml:"min_duration"`
	MaxDuration int    `yaml:"max_duration"`
}

func DefaultPrompt() Prompt {
	p, err := parsePrompt(defaultPromptYAML)
	if err != nil {
		panic(fmt.Sprintf("suggest: embedded prompt: %v", err))
	}
	return p
}

// LoadPrompt reads a prompt template from path. Fields it leaves empty fall back to the
// built-in template.
func LoadPrompt(path string) (Prompt, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Prompt{}, fmt.Errorf("read prompt template: %w", err)
	}
	p, err := parsePrompt(data)
	if err != nil {
		return Prompt{}, err
	}
	def := DefaultPrompt()
	if p.Role == "" {
		p.Role = def.Role
	}
	if p.Prompt == "" {
		p.Prompt = def.Prompt
	}
	if p.MinDuration <= 0 {
		p.MinDuration = def.MinDuration
	}
	if p.MaxDuration <= 0 {
		p.MaxDuration = def.MaxDuration
	}
	return p, nil
}

func parsePrompt(data []byte) (Prompt, error) {
	var p Prompt
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Prompt{}, fmt.Errorf("parse prompt template: %w", err)
	}
	if _, err := template.New("prompt").Parse(p.Prompt); err != nil {
		return Prompt{}, fmt.Errorf("parse prompt template: %w", err)
	}
	return p, nil
}

func (p Prompt) render(transcript string, maxCount int) (string, error) {
	tmpl, err := template.New("prompt").Parse(p.Prompt)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	err = tmpl.Execute(&buf, map[string]any{
		"MaxCount":    maxCount,
		"MinDuration": p.MinDuration,
		"MaxDuration": p.MaxDuration,
		"Transcript":  transcript,
	})
	return buf.String(), err
}

// Completer is the part of the llm client this provider needs.
type Completer interface {
	CompleteJSON(ctx context.Context, messages []llm.Message) (string, error)
}

// LLMService suggests moments by prompting a chat model instead of the processing service.
type LLMService struct {
	model  Completer
	prompt Prompt
}

func NewLLMService(model Completer, prompt Prompt) *LLMService {
	return &LLMService{model: model, prompt: prompt}
}

func (s *LLMService) Suggest(ctx context.Context, transcript string, maxCount int) ([]cloud.Moment, error) {
	const op = "suggest with llm"

	user, err := s.prompt.render(transcript, maxCount)
	if err != nil {
		return nil, apperr.New(apperr.KindInternal, op, err)
	}
	reply, err := s.model.CompleteJSON(ctx, []llm.Message{llm.System(s.prompt.Role), llm.User(user)})
	if err != nil {
		return nil, err
	}
	moments, err := ParseMoments(reply)
	if err != nil {
		return nil, apperr.New(apperr.KindUpstream, op, err)
	}
	return moments, nil
}

// stamp is a time given either as a number of seconds or as HH:MM:SS text.
type stamp string

func (s *stamp) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: time must be a scalar", n.Line)
	}
	*s = stamp(n.Value)
	return nil
}

func (s stamp) seconds() (int, error) {
	text := strings.TrimSpace(string(s))
	if f, err := strconv.ParseFloat(text, 64); err == nil && strings.Contains(text, ".") {
		return int(math.Floor(f)), nil
	}
	if dot := strings.IndexByte(text, '.'); dot > 0 && strings.Contains(text, ":") {
		text = text[:dot]
	}
	return timerange.ParseSeconds(text)
}

type candidate struct {
	Start     stamp  `yaml:"start"`
	End       stamp  `yaml:"end"`
	StartTime stamp  `yaml:"startTime"`
	EndTime   stamp  `yaml:"endTime"`
	Reason    string `yaml:"reason"`
	Title     string `yaml:"title"`
}

type candidateList struct {
	Clips  []candidate `yaml:"clips"`
	Shorts []candidate `yaml:"shorts"`
}

// ParseMoments reads moments from a model reply. JSON and YAML are both accepted, either as
// an object with a clips (or shorts) list or as a bare list. Candidates with unusable times
// are dropped.
func ParseMoments(reply string) ([]cloud.Moment, error) {
	cands, err := decodeCandidates(llm.StripFence(reply))
	if err != nil {
		extracted := llm.ExtractPayload(reply)
		if cands, err = decodeCandidates(extracted); err != nil {
			return nil, err
		}
	}

	moments := make([]cloud.Moment, 0, len(cands))
	for _, c := range cands {
		start, end := c.Start, c.End
		if start == "" && end == "" {
			start, end = c.StartTime, c.EndTime
		}
		s, err1 := start.seconds()
		e, err2 := end.seconds()
		if err1 != nil || err2 != nil {
			continue
		}
		r, err := timerange.New(s, e)
		if err != nil {
			continue
		}
		reason := c.Reason
		if reason == "" {
			reason = c.Title
		}
		moments = append(moments, cloud.Moment{Range: r, Reason: reason})
	}
	return moments, nil
}

var errNoCandidates = errors.New("reply has no clips")

func decodeCandidates(text string) ([]candidate, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errNoCandidates
	}
	if strings.HasPrefix(text, "[") || strings.HasPrefix(text, "-") {
		var list []candidate
		if err := yaml.Unmarshal([]byte(text), &list); err != nil {
			return nil, err
		}
		return list, nil
	}
	var obj candidateList
	if err := yaml.Unmarshal([]byte(text), &obj); err != nil {
		return nil, err
	}
	if len(obj.Clips) > 0 {
		return obj.Clips, nil
	}
	if len(obj.Shorts) > 0 {
		return obj.Shorts, nil
	}
	return nil, errNoCandidates
}
