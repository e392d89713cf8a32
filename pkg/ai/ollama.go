package ai

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

const defaultOllamaBaseURL = "http://127.0.0.1:11434"

// OllamaModel talks to a local Ollama daemon with streaming disabled.
type OllamaModel struct {
	api     endpoint
	baseURL string
	model   string
}

func NewOllamaModel(baseURL, model string, timeout time.Duration) *OllamaModel {
	if baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/"); baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OllamaModel{
		api: newEndpoint("ollama", timeout, func(body []byte) string {
			var v struct {
				Error string `json:"error"`
			}
			_ = json.Unmarshal(body, &v)
			return v.Error
		}),
		baseURL: baseURL,
		model:   strings.TrimSpace(model),
	}
}

func (o *OllamaModel) Complete(ctx context.Context, messages []Message) (string, error) {
	if o.model == "" {
		return "", errors.New("ollama model required")
	}
	var resp struct {
		Message Message `json:"message"`
	}
	req := ollamaChatRequest{Model: o.model, Messages: messages}
	if err := o.api.post(ctx, o.baseURL+"/api/chat", req, &resp); err != nil {
		return "", err
	}
	return nonEmpty("ollama", resp.Message.Content)
}

type ollamaChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}
