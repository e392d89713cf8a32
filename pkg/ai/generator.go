package ai

import (
	"context"
	"strings"
)

// Chat roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a chat-completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatModel completes a multi-turn conversation.
// All LLM providers (OpenAI-compatible, OpenAI, Gemini, Ollama) implement this interface.
type ChatModel interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// GenerateText runs a single system+user exchange on model.
func GenerateText(ctx context.Context, model ChatModel, systemPrompt, userPrompt string) (string, error) {
	messages := make([]Message, 0, 2)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: systemPrompt})
	}
	messages = append(messages, Message{Role: RoleUser, Content: userPrompt})
	return model.Complete(ctx, messages)
}

// splitSystem separates leading system turns, for providers that take the
// system prompt out of band.
func splitSystem(messages []Message) (string, []Message) {
	var system []string
	rest := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}
