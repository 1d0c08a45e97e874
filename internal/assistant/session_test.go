package assistant

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clipforge/clipforge-agent/internal/apperr"
	"github.com/clipforge/clipforge-agent/internal/artifact"
	"github.com/clipforge/clipforge-agent/internal/llm"
	"github.com/clipforge/clipforge-agent/internal/segment"
	"github.com/clipforge/clipforge-agent/internal/timerange"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type serviceFunc func(ctx context.Context, req Request) (string, error)

func (f serviceFunc) Ask(ctx context.Context, req Request) (string, error) { return f(ctx, req) }

type staticTranscript string

func (s staticTranscript) ReadyText() (string, bool) { return string(s), s != "" }

func echo(ctx context.Context, req Request) (string, error) {
	return "re: " + req.Message, nil
}

func TestAsk_AppendsTurns(t *testing.T) {
	s := NewSession(serviceFunc(echo), nil, nil, testLogger())

	turn, err := s.Ask(context.Background(), "  summarize  ", nil)
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if turn.Role != RoleAssistant || turn.Content != "re: summarize" {
		t.Errorf("turn = %+v", turn)
	}
	turns := s.Turns()
	if len(turns) != 2 || turns[0].Role != RoleUser || turns[0].Content != "summarize" {
		t.Fatalf("turns = %+v", turns)
	}
}

func TestAsk_SendsPriorTurnsAsHistory(t *testing.T) {
	var got []Request
	s := NewSession(serviceFunc(func(ctx context.Context, req Request) (string, error) {
		got = append(got, req)
		return "ok", nil
	}), nil, nil, testLogger())

	s.Ask(context.Background(), "first", nil)
	s.Ask(context.Background(), "second", nil)

	if len(got[0].History) != 0 {
		t.Errorf("first history = %+v", got[0].History)
	}
	if len(got[1].History) != 2 || got[1].History[0].Content != "first" || got[1].History[1].Content != "ok" {
		t.Errorf("second history = %+v", got[1].History)
	}
}

func TestAsk_ResolvesInIssueOrder(t *testing.T) {
	firstGate := make(chan struct{})
	started := make(chan string, 2)
	s := NewSession(serviceFunc(func(ctx context.Context, req Request) (string, error) {
		started <- req.Message
		if req.Message == "summarize" {
			<-firstGate
		}
		return "answer to " + req.Message, nil
	}), nil, nil, testLogger())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.Ask(context.Background(), "summarize", nil)
	}()
	if msg := <-started; msg != "summarize" {
		t.Fatalf("first request = %q", msg)
	}
	go func() {
		defer wg.Done()
		s.Ask(context.Background(), "titles", nil)
	}()

	select {
	case msg := <-started:
		t.Fatalf("%q started before the first ask resolved", msg)
	case <-time.After(50 * time.Millisecond):
	}
	close(firstGate)
	wg.Wait()

	turns := s.Turns()
	want := []string{"summarize", "answer to summarize", "titles", "answer to titles"}
	if len(turns) != len(want) {
		t.Fatalf("turns = %+v", turns)
	}
	for i, w := range want {
		if turns[i].Content != w {
			t.Errorf("turns[%d] = %q, want %q", i, turns[i].Content, w)
		}
	}
}

func TestAsk_FailureRollsBackUserTurn(t *testing.T) {
	fail := true
	s := NewSession(serviceFunc(func(ctx context.Context, req Request) (string, error) {
		if fail {
			return "", apperr.New(apperr.KindTransport, "ask", errors.New("connection refused"))
		}
		return "fine", nil
	}), nil, nil, testLogger())

	fail = false
	s.Ask(context.Background(), "hello", nil)
	before := s.Turns()

	fail = true
	_, err := s.Ask(context.Background(), "again", nil)
	if !apperr.Is(err, apperr.KindTransport) {
		t.Fatalf("Ask() error = %v, want transport", err)
	}
	after := s.Turns()
	if len(after) != len(before) {
		t.Errorf("turns after failure = %+v, want %+v", after, before)
	}
}

func TestAsk_UntypedErrorIsUpstream(t *testing.T) {
	s := NewSession(serviceFunc(func(ctx context.Context, req Request) (string, error) {
		return "", errors.New("bad gateway")
	}), nil, nil, testLogger())
	if _, err := s.Ask(context.Background(), "hi", nil); !apperr.Is(err, apperr.KindUpstream) {
		t.Errorf("Ask() error = %v", err)
	}
}

func TestClear_DiscardsLateReply(t *testing.T) {
	gate := make(chan struct{})
	s := NewSession(serviceFunc(func(ctx context.Context, req Request) (string, error) {
		<-gate
		return "late", nil
	}), nil, nil, testLogger())

	done := make(chan error, 1)
	go func() {
		_, err := s.Ask(context.Background(), "question", nil)
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(s.Turns()) == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	s.Clear()
	close(gate)

	err := <-done
	if !errors.Is(err, ErrCleared) {
		t.Errorf("Ask() error = %v, want ErrCleared", err)
	}
	if turns := s.Turns(); len(turns) != 0 {
		t.Errorf("turns after clear = %+v", turns)
	}
}

func TestAsk_EmptyReplyPlaceholder(t *testing.T) {
	s := NewSession(serviceFunc(func(ctx context.Context, req Request) (string, error) {
		return "   ", nil
	}), nil, nil, testLogger())
	turn, err := s.Ask(context.Background(), "hi", nil)
	if err != nil || turn.Content != noReply {
		t.Errorf("turn = %+v, err = %v", turn, err)
	}
}

func TestAsk_EmptyMessageIsValidation(t *testing.T) {
	called := false
	s := NewSession(serviceFunc(func(ctx context.Context, req Request) (string, error) {
		called = true
		return "", nil
	}), nil, nil, testLogger())
	if _, err := s.Ask(context.Background(), " ", nil); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("Ask() error = %v", err)
	}
	if called {
		t.Error("service called for empty message")
	}
}

func TestAsk_CancelledWhileQueuedKeepsOrder(t *testing.T) {
	gate := make(chan struct{})
	s := NewSession(serviceFunc(func(ctx context.Context, req Request) (string, error) {
		if req.Message == "first" {
			<-gate
		}
		return req.Message + "!", nil
	}), nil, nil, testLogger())

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		s.Ask(context.Background(), "first", nil)
	}()
	for len(s.Turns()) == 0 {
		time.Sleep(2 * time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Ask(ctx, "skipped", nil); !apperr.Is(err, apperr.KindCancelled) {
		t.Fatalf("queued Ask() error = %v, want cancelled", err)
	}

	thirdDone := make(chan struct{})
	go func() {
		defer close(thirdDone)
		s.Ask(context.Background(), "third", nil)
	}()
	select {
	case <-thirdDone:
		t.Fatal("third ask ran before the first resolved")
	case <-time.After(30 * time.Millisecond):
	}

	close(gate)
	<-firstDone
	<-thirdDone

	var contents []string
	for _, turn := range s.Turns() {
		contents = append(contents, turn.Content)
	}
	if got := strings.Join(contents, ","); got != "first,first!,third,third!" {
		t.Errorf("turns = %s", got)
	}
}

func TestBuildContext(t *testing.T) {
	mgr, err := artifact.NewManager(artifact.FetcherFunc(func(ctx context.Context, ref string, w io.Writer) (int64, error) {
		return 0, nil
	}), t.TempDir(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	reg := segment.NewRegistry(mgr, testLogger())
	r, _ := timerange.New(10, 25)
	seg, _ := reg.Add(r, "cold open")

	var got Request
	s := NewSession(serviceFunc(func(ctx context.Context, req Request) (string, error) {
		got = req
		return "ok", nil
	}), staticTranscript("full talk text"), reg, testLogger())

	if _, err := s.Ask(context.Background(), "titles", &ClipContext{SegmentID: seg.ID, Transcript: "clip words"}); err != nil {
		t.Fatal(err)
	}

	want := "[Clip]\n00:10-00:25 cold open\n\n" +
		"[Clip Transcript]\nclip words\n\n" +
		"[Segments]\n1. 00:10-00:25 cold open (draft)\n\n" +
		"[Full Transcript]\nfull talk text"
	if got.Context != want {
		t.Errorf("Context =\n%s\nwant\n%s", got.Context, want)
	}

	s2 := NewSession(serviceFunc(func(ctx context.Context, req Request) (string, error) {
		got = req
		return "ok", nil
	}), staticTranscript(""), nil, testLogger())
	s2.Ask(context.Background(), "hi", nil)
	if got.Context != "" {
		t.Errorf("Context without transcript = %q", got.Context)
	}
}

func TestPresets(t *testing.T) {
	names := []string{}
	for _, p := range Presets() {
		names = append(names, p.Name)
		if p.Prompt == "" {
			t.Errorf("preset %s has no prompt", p.Name)
		}
	}
	if strings.Join(names, ",") != "titles,hooks,hashtags,summary,autocut" {
		t.Errorf("presets = %v", names)
	}
	if p, ok := LookupPreset("Auto-Cut"); !ok || !strings.Contains(p.Prompt, "clips") {
		t.Errorf("LookupPreset(Auto-Cut) = %+v, %v", p, ok)
	}

	var sent string
	s := NewSession(serviceFunc(func(ctx context.Context, req Request) (string, error) {
		sent = req.Message
		return "ok", nil
	}), nil, nil, testLogger())
	if _, err := s.AskPreset(context.Background(), "hooks", nil); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(sent, "Give 7 short opening hooks") {
		t.Errorf("sent = %q", sent)
	}
	if _, err := s.AskPreset(context.Background(), "nope", nil); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("AskPreset(nope) error = %v", err)
	}
}

type completerFunc func(ctx context.Context, messages []llm.Message) (string, error)

func (f completerFunc) Complete(ctx context.Context, messages []llm.Message) (string, error) {
	return f(ctx, messages)
}

func TestLLMService_Ask(t *testing.T) {
	var got []llm.Message
	svc := NewLLMService(completerFunc(func(ctx context.Context, messages []llm.Message) (string, error) {
		got = messages
		return "sure", nil
	}))

	reply, err := svc.Ask(context.Background(), Request{
		Message: "and hooks?",
		Context: "[Full Transcript]\ntext",
		History: []Turn{{Role: RoleUser, Content: "titles"}, {Role: RoleAssistant, Content: "A, B"}},
	})
	if err != nil || reply != "sure" {
		t.Fatalf("Ask() = %q, %v", reply, err)
	}
	if len(got) != 4 {
		t.Fatalf("messages = %+v", got)
	}
	if got[0].Role != "system" || !strings.Contains(got[0].Content, "[Full Transcript]") {
		t.Errorf("system = %+v", got[0])
	}
	if got[2].Role != "assistant" || got[3].Content != "and hooks?" {
		t.Errorf("messages = %+v", got)
	}
}
