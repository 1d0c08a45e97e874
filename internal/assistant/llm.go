package assistant

import (
	"context"

	"github.com/clipforge/clipforge-agent/internal/llm"
)

const systemPrompt = "You help a video creator turn a long recording into short clips. " +
	"Answer briefly and use the context below when it is relevant."

// Completer is the part of the llm client the assistant needs.
type Completer interface {
	Complete(ctx context.Context, messages []llm.Message) (string, error)
}

// LLMService answers questions with a chat model instead of the processing service.
type LLMService struct {
	model Completer
}

func NewLLMService(model Completer) *LLMService {
	return &LLMService{model: model}
}

func (s *LLMService) Ask(ctx context.Context, req Request) (string, error) {
	sys := systemPrompt
	if req.Context != "" {
		sys += "\n\n" + req.Context
	}
	messages := make([]llm.Message, 0, len(req.History)+2)
	messages = append(messages, llm.System(sys))
	for _, t := range req.History {
		if t.Role == RoleAssistant {
			messages = append(messages, llm.Assistant(t.Content))
		} else {
			messages = append(messages, llm.User(t.Content))
		}
	}
	messages = append(messages, llm.User(req.Message))
	return s.model.Complete(ctx, messages)
}
