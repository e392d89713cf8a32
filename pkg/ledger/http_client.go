package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"medconsult/internal/util"
	"medconsult/pkg/domain"
)

// Audience is the service-token audience of the ledger service.
const Audience = "ledger"

// TokenSource issues bearer tokens for a service audience.
type TokenSource interface {
	Sign(audience string) (string, error)
}

// HTTPClient talks to the ledger service over its internal API.
type HTTPClient struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
}

func NewHTTPClient(baseURL string, tokens TokenSource, timeout time.Duration) (*HTTPClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("ledger base url required")
	}
	if tokens == nil {
		return nil, errors.New("ledger token source required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{baseURL: baseURL, tokens: tokens, httpClient: &http.Client{Timeout: timeout}}, nil
}

func (c *HTTPClient) Append(ctx context.Context, rec domain.DiagnosisRecord) (Receipt, error) {
	var out Receipt
	status, err := c.do(ctx, http.MethodPost, "/internal/ledger/records", rec, &out)
	if err != nil {
		return Receipt{}, err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return Receipt{}, fmt.Errorf("ledger append: unexpected status %d", status)
	}
	return out, nil
}

func (c *HTTPClient) Read(ctx context.Context, consultationID int64) (domain.DiagnosisRecord, bool, error) {
	var out domain.DiagnosisRecord
	status, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/internal/ledger/records/%d", consultationID), nil, &out)
	if err != nil {
		return domain.DiagnosisRecord{}, false, err
	}
	switch status {
	case http.StatusOK:
		return out, true, nil
	case http.StatusNotFound:
		return domain.DiagnosisRecord{}, false, nil
	default:
		return domain.DiagnosisRecord{}, false, fmt.Errorf("ledger read: unexpected status %d", status)
	}
}

func (c *HTTPClient) AnchorDocument(ctx context.Context, doc Document) error {
	path := fmt.Sprintf("/internal/ledger/records/%d/documents", doc.ConsultationID)
	status, err := c.do(ctx, http.MethodPost, path, doc, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return fmt.Errorf("ledger anchor document: unexpected status %d", status)
	}
	return nil
}

func (c *HTTPClient) ListDocuments(ctx context.Context, consultationID int64) ([]Document, error) {
	var out struct {
		Documents []Document `json:"documents"`
	}
	status, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/internal/ledger/records/%d/documents", consultationID), nil, &out)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("ledger list documents: unexpected status %d", status)
	}
	return out.Documents, nil
}

// do sends the request and decodes a 2xx body into out. Non-2xx statuses
// are returned to the caller without an error so 404 can be told apart.
func (c *HTTPClient) do(ctx context.Context, method, path string, payload any, out any) (int, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, err
	}
	token, err := c.tokens.Sign(Audience)
	if err != nil {
		return 0, fmt.Errorf("sign ledger token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	util.PropagateRequestID(ctx, req)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("ledger %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusUnauthorized {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("ledger %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("ledger %s %s: decode: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}
