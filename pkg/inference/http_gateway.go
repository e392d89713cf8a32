package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"medconsult/internal/util"
	"medconsult/pkg/domain"
)

// HTTPGateway calls a remote inference service that owns its own prompts.
type HTTPGateway struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPGateway builds a client for the service at baseURL.
func NewHTTPGateway(baseURL string, timeout time.Duration) (*HTTPGateway, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("inference base url required")
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPGateway{baseURL: baseURL, httpClient: &http.Client{Timeout: timeout}}, nil
}

type chatHistoryRequest struct {
	ChatHistory []domain.Turn `json:"chat_history"`
}

type chatResponse struct {
	Response string `json:"response"`
}

type combinedResponse struct {
	Summary  string `json:"summary"`
	Symptoms []struct {
		Symptom string `json:"symptom"`
	} `json:"symptoms"`
	Conditions []domain.Condition `json:"conditions"`
}

type improveNoteRequest struct {
	TargetState string        `json:"target_state"`
	DoctorNote  string        `json:"doctor_note"`
	ChatHistory []domain.Turn `json:"chat_history"`
}

type improveNoteResponse struct {
	ImprovedNote string `json:"improved_note"`
}

func (g *HTTPGateway) Chat(ctx context.Context, transcript []domain.Turn) (string, error) {
	var resp chatResponse
	if err := g.post(ctx, "/chat", chatHistoryRequest{ChatHistory: transcript}, &resp); err != nil {
		return "", err
	}
	reply := strings.TrimSpace(resp.Response)
	if reply == "" {
		return "", fmt.Errorf("inference chat: empty response")
	}
	return reply, nil
}

func (g *HTTPGateway) Extract(ctx context.Context, transcript []domain.Turn) (domain.Extraction, error) {
	var resp combinedResponse
	if err := g.post(ctx, "/process_chat", chatHistoryRequest{ChatHistory: transcript}, &resp); err != nil {
		return domain.Extraction{}, err
	}
	out := domain.Extraction{
		Summary:    strings.TrimSpace(resp.Summary),
		Symptoms:   make([]string, 0, len(resp.Symptoms)),
		Conditions: resp.Conditions,
	}
	for _, s := range resp.Symptoms {
		if label := strings.TrimSpace(s.Symptom); label != "" {
			out.Symptoms = append(out.Symptoms, label)
		}
	}
	return out, nil
}

func (g *HTTPGateway) ImproveNote(ctx context.Context, target domain.ConsultationState, note string, transcript []domain.Turn) (string, error) {
	var resp improveNoteResponse
	req := improveNoteRequest{TargetState: string(target), DoctorNote: note, ChatHistory: transcript}
	if err := g.post(ctx, "/improve_note", req, &resp); err != nil {
		return "", err
	}
	improved := strings.TrimSpace(resp.ImprovedNote)
	if improved == "" {
		return "", fmt.Errorf("inference improve note: empty response")
	}
	return improved, nil
}

func (g *HTTPGateway) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	util.PropagateRequestID(ctx, req)
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("inference %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("inference %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("inference %s: decode: %w", path, err)
	}
	return nil
}
