package ai

import (
	"context"
	"errors"
	"strings"
	"time"
)

// OpenAICompatModel calls a /chat/completions endpoint that speaks the
// OpenAI wire format, such as vLLM, LiteLLM or a hosted gateway. baseURL
// includes the version prefix, e.g. "http://localhost:8000/v1".
type OpenAICompatModel struct {
	api         endpoint
	baseURL     string
	model       string
	temperature *float64
}

// NewOpenAICompatModel builds the model. apiKey may be empty for local
// servers without authentication.
func NewOpenAICompatModel(baseURL, apiKey, model string, timeout time.Duration) *OpenAICompatModel {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	api := newEndpoint("openai-compat", timeout, nestedErrorMessage)
	if key := strings.TrimSpace(apiKey); key != "" {
		api.header.Set("Authorization", "Bearer "+key)
	}
	return &OpenAICompatModel{
		api:     api,
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		model:   strings.TrimSpace(model),
	}
}

// WithTemperature pins the sampling temperature sent with each request.
func (m *OpenAICompatModel) WithTemperature(t float64) *OpenAICompatModel {
	m.temperature = &t
	return m
}

func (m *OpenAICompatModel) Complete(ctx context.Context, messages []Message) (string, error) {
	switch {
	case m.model == "":
		return "", errors.New("openai-compat model required")
	case len(messages) == 0:
		return "", errors.New("openai-compat: at least one message required")
	}
	var resp struct {
		Choices []struct {
			Message Message `json:"message"`
		} `json:"choices"`
	}
	req := compatRequest{Model: m.model, Messages: messages, Temperature: m.temperature}
	if err := m.api.post(ctx, m.baseURL+"/chat/completions", req, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("empty response from openai-compat")
	}
	return nonEmpty("openai-compat", resp.Choices[0].Message.Content)
}

type compatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
}
