// Package signing delegates XML-DSig to the external signing service that
// holds the A1 certificates. Documents never carry a signature locally.
package signing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/filipemelo-aux/agiliza-fiscal/internal/fiscal/domain"
)

// Config holds signing service configuration.
type Config struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
}

// Request asks the signing service to sign one document payload.
type Request struct {
	DocumentXML     string `json:"document_xml"`
	DocumentType    string `json:"document_type"`
	DocumentID      string `json:"document_id"`
	EstablishmentID string `json:"establishment_id"`
}

// Response carries the signed payload back.
type Response struct {
	SignedDocument string `json:"signed_document"`
	Digest         string `json:"digest,omitempty"`
	SignatureValue string `json:"signature_value,omitempty"`
}

// Client calls the signing service over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a signing service client.
func NewClient(cfg *Config, logger *slog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Sign submits the document XML and returns the signed payload. Transport
// failures are wrapped as retryable so the queue backs off and tries again.
func (c *Client) Sign(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode signing request: %w", err)
	}

	c.logger.Info("Requesting document signature",
		slog.String("document_id", req.DocumentID),
		slog.String("document_type", req.DocumentType),
	)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sign", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build signing request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, domain.NewRetryableError(fmt.Errorf("signing request failed: %w", err))
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, domain.NewRetryableError(fmt.Errorf("failed to read signing response: %w", err))
	}

	if httpResp.StatusCode >= 500 {
		return nil, domain.NewRetryableError(fmt.Errorf("signing service returned HTTP %d", httpResp.StatusCode))
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("signing service returned HTTP %d: %s", httpResp.StatusCode, raw)
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode signing response: %w", err)
	}
	if resp.SignedDocument == "" {
		return nil, fmt.Errorf("signing service returned an empty signed document")
	}

	return &resp, nil
}
