package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiModel calls the Gemini generateContent API.
type GeminiModel struct {
	api     endpoint
	baseURL string
	model   string
}

// NewGeminiModel constructs a Gemini ChatModel. An empty baseURL uses the
// public endpoint; the model may carry the "models/" prefix.
func NewGeminiModel(apiKey, baseURL, model string, timeout time.Duration) (*GeminiModel, error) {
	apiKey = strings.TrimSpace(apiKey)
	model = strings.TrimPrefix(strings.TrimSpace(model), "models/")
	switch {
	case apiKey == "":
		return nil, errors.New("gemini api key required")
	case model == "":
		return nil, errors.New("gemini model required")
	}
	if baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/"); baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	api := newEndpoint("gemini", timeout, nestedErrorMessage)
	api.header.Set("x-goog-api-key", apiKey)
	return &GeminiModel{api: api, baseURL: baseURL, model: model}, nil
}

// Complete sends assistant turns with Gemini's "model" role and folds system
// turns into the system instruction.
func (g *GeminiModel) Complete(ctx context.Context, messages []Message) (string, error) {
	system, turns := splitSystem(messages)
	if len(turns) == 0 {
		return "", errors.New("gemini: at least one non-system message required")
	}
	req := geminiRequest{Contents: make([]geminiContent, 0, len(turns))}
	for _, m := range turns {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		req.Contents = append(req.Contents, geminiContent{Role: role, Parts: []geminiPart{{Text: m.Content}}})
	}
	if strings.TrimSpace(system) != "" {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}

	var resp geminiResponse
	url := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, g.model)
	if err := g.api.post(ctx, url, req, &resp); err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 {
		return "", errors.New("empty response from gemini")
	}
	var out strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		out.WriteString(p.Text)
	}
	return nonEmpty("gemini", out.String())
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}
