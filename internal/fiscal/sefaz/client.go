package sefaz

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

// Request is one call to the authorizing webservice.
type Request struct {
	Action          Action                 `json:"action"`
	SignedDocument  string                 `json:"signed_xml,omitempty"`
	AccessKey       string                 `json:"chave_acesso,omitempty"`
	Protocol        string                 `json:"protocolo,omitempty"`
	Justification   string                 `json:"justificativa,omitempty"`
	DocumentID      string                 `json:"document_id"`
	EstablishmentID string                 `json:"establishment_id"`
	UFCode          string                 `json:"cuf"`
	EnvironmentCode string                 `json:"tp_amb"`
	EmissionType    string                 `json:"tp_emis"`
	UF              string                 `json:"-"`
	Environment     domain.Environment     `json:"-"`
	ContingencyMode domain.ContingencyMode `json:"-"`
}

// Response is the normalized reply from the webservice.
type Response struct {
	Success         bool   `json:"success"`
	Status          string `json:"status"`
	AccessKey       string `json:"chave_acesso,omitempty"`
	Protocol        string `json:"protocolo,omitempty"`
	AuthorizedAt    string `json:"data_autorizacao,omitempty"`
	RejectionReason string `json:"motivo_rejeicao,omitempty"`
	AuthorizedXML   string `json:"xml_autorizado,omitempty"`
	Raw             string `json:"raw_response,omitempty"`

	// Endpoint the request was sent to; filled by the client, not the wire.
	Endpoint string `json:"-"`
}

// Config holds webservice client configuration.
type Config struct {
	RequestTimeout time.Duration
}

// Client sends normalized requests to the resolved gateway. It holds no
// state between calls.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger

	// resolveURL overrides gateway resolution, used by tests
	resolveURL func(uf string, env domain.Environment, action Action, mode domain.ContingencyMode) (string, error)
}

// NewClient creates a webservice client.
func NewClient(cfg *Config, logger *slog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		resolveURL: ResolveURL,
	}
}

// Send resolves the endpoint for the request's UF, environment and
// contingency mode, posts the payload and normalizes the reply.
//
// Transport failures come back wrapped: offline-pattern failures as
// *domain.OfflineError, other transient ones as *domain.RetryableError.
func (c *Client) Send(ctx context.Context, req *Request) (*Response, error) {
	url, err := c.resolveURL(req.UF, req.Environment, req.Action, req.ContingencyMode)
	if err != nil {
		return nil, err
	}

	cuf, err := UFCode(req.UF)
	if err != nil {
		return nil, err
	}
	req.UFCode = cuf
	req.EnvironmentCode = EnvironmentCode(req.Environment)
	req.EmissionType = domain.EmissionType(req.ContingencyMode)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	c.logger.Info("Sending request to SEFAZ",
		slog.String("action", string(req.Action)),
		slog.String("endpoint", url),
		slog.String("uf", req.UF),
		slog.String("contingency_mode", string(req.ContingencyMode)),
	)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Error("SEFAZ transport error",
			slog.String("endpoint", url),
			slog.Any("error", err),
		)
		if IsOfflineSignal("", err.Error()) {
			return nil, &domain.OfflineError{Err: err}
		}
		return nil, domain.NewRetryableError(fmt.Errorf("sefaz request failed: %w", err))
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, domain.NewRetryableError(fmt.Errorf("failed to read sefaz response: %w", err))
	}

	if httpResp.StatusCode >= 500 {
		err := fmt.Errorf("sefaz returned HTTP %d", httpResp.StatusCode)
		return nil, &domain.OfflineError{Status: fmt.Sprintf("%d", httpResp.StatusCode), Err: err}
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sefaz returned HTTP %d: %s", httpResp.StatusCode, truncate(string(raw), 200))
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode sefaz response: %w", err)
	}
	resp.Endpoint = url
	if resp.Raw == "" {
		resp.Raw = string(raw)
	}

	c.logger.Info("SEFAZ response received",
		slog.String("action", string(req.Action)),
		slog.Bool("success", resp.Success),
		slog.String("status", resp.Status),
		slog.Duration("latency", time.Since(start)),
	)

	return &resp, nil
}

// CheckServiceStatus probes the status-service endpoint of the normal
// channel for a UF. A nil error means the primary service is reachable.
func (c *Client) CheckServiceStatus(ctx context.Context, uf string, env domain.Environment, docType domain.DocumentType) error {
	action := ActionStatusCte
	if docType == domain.DocumentTypeMdfe {
		action = ActionStatusMdfe
	}

	url, err := c.resolveURL(uf, env, action, domain.ContingencyNormal)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build probe request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("status probe failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("status probe returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
