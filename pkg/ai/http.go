package ai

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
)

// ProviderError is a non-2xx answer from a model provider.
type ProviderError struct {
	Provider string
	Status   int
	Message  string
}

func (e *ProviderError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s api error: %d %s", e.Provider, e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("%s api error: %s", e.Provider, e.Message)
}

// Temporary reports whether retrying the call later may succeed.
func (e *ProviderError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}

// endpoint is one JSON-over-HTTP model API.
type endpoint struct {
	provider string
	client   *http.Client
	header   http.Header
	// errMessage pulls the human message out of an error body.
	errMessage func(body []byte) string
}

func newEndpoint(provider string, timeout time.Duration, errMessage func([]byte) string) endpoint {
	return endpoint{
		provider:   provider,
		client:     &http.Client{Timeout: timeout},
		header:     http.Header{"Content-Type": {"application/json"}},
		errMessage: errMessage,
	}
}

func (e endpoint) post(ctx context.Context, url string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s encode: %w", e.provider, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header = e.header.Clone()
	util.PropagateRequestID(ctx, req)

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", e.provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		perr := &ProviderError{Provider: e.provider, Status: resp.StatusCode}
		if e.errMessage != nil {
			perr.Message = e.errMessage(raw)
		}
		return perr
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s decode: %w", e.provider, err)
	}
	return nil
}

// nestedErrorMessage reads {"error":{"message":...}} bodies.
func nestedErrorMessage(body []byte) string {
	var v struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &v)
	return v.Error.Message
}

// nonEmpty trims a model reply and rejects a blank one.
func nonEmpty(provider, text string) (string, error) {
	if text = strings.TrimSpace(text); text == "" {
		return "", fmt.Errorf("empty response from %s", provider)
	}
	return text, nil
}
