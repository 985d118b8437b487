package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ledger-api/internal/config"
	"ledger-api/internal/monitoring"
	"ledger-api/internal/money"
	"ledger-api/internal/webhook"
	apperrors "ledger-api/pkg/errors"
)

// PixGateway creates PIX charges and payouts. Calls are never retried: a
// retried cash-out could pay twice.
type PixGateway interface {
	CreateCashIn(ctx context.Context, req *CashInRequest) (*CashInResponse, error)
	CreateCashOut(ctx context.Context, req *CashOutRequest) (*CashOutResponse, error)
}

type pixGateway struct {
	config     *GatewayConfig
	httpClient *http.Client
	metrics    monitoring.MetricsService
}

type GatewayConfig struct {
	BaseURL         string
	APIKey          string
	CallbackBaseURL string
	Timeout         time.Duration
}

func GatewayConfigFrom(cfg config.GatewayConfig) *GatewayConfig {
	return &GatewayConfig{
		BaseURL:         cfg.BaseURL,
		APIKey:          cfg.APIKey,
		CallbackBaseURL: cfg.CallbackBaseURL,
		Timeout:         cfg.Timeout,
	}
}

func NewPixGateway(config *GatewayConfig, metrics monitoring.MetricsService) PixGateway {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	return &pixGateway{
		config:  config,
		metrics: metrics,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Request/Response types
type CashInRequest struct {
	Amount     money.Amount
	ExternalID string
	UserID     string
}

type CashInResponse struct {
	IDTransaction string                 `json:"id_transaction"`
	QRCode        string                 `json:"qr_code"`
	Raw           map[string]interface{} `json:"raw,omitempty"`
}

type CashOutRequest struct {
	Amount     money.Amount
	ExternalID string
	PixKey     string
	PixKeyType string
}

type CashOutResponse struct {
	IDTransaction string                 `json:"id_transaction"`
	Raw           map[string]interface{} `json:"raw,omitempty"`
}

func (g *pixGateway) CreateCashIn(ctx context.Context, req *CashInRequest) (*CashInResponse, error) {
	payload := map[string]interface{}{
		"amount":      req.Amount,
		"external_id": req.ExternalID,
		"user_id":     req.UserID,
	}
	if url := g.callbackURL("deposit"); url != "" {
		payload["callback_url"] = url
	}

	result, err := g.call(ctx, "cashin", "/pix/cashin", payload)
	if err != nil {
		return nil, err
	}

	id := webhook.TransactionID(result)
	if id == "" {
		return nil, fmt.Errorf("%w: cash-in response without transaction id", apperrors.ErrUpstreamUnavailable)
	}

	return &CashInResponse{
		IDTransaction: id,
		QRCode:        firstString(result, "qrcode", "qr_code", "qrCode", "pix_code"),
		Raw:           result,
	}, nil
}

func (g *pixGateway) CreateCashOut(ctx context.Context, req *CashOutRequest) (*CashOutResponse, error) {
	payload := map[string]interface{}{
		"amount":       req.Amount,
		"external_id":  req.ExternalID,
		"pix_key":      req.PixKey,
		"pix_key_type": req.PixKeyType,
	}
	if url := g.callbackURL("withdraw"); url != "" {
		payload["callback_url"] = url
	}

	result, err := g.call(ctx, "cashout", "/pix/cashout", payload)
	if err != nil {
		return nil, err
	}

	id := webhook.TransactionID(result)
	if id == "" {
		return nil, fmt.Errorf("%w: cash-out response without transaction id", apperrors.ErrUpstreamUnavailable)
	}

	return &CashOutResponse{IDTransaction: id, Raw: result}, nil
}

func (g *pixGateway) callbackURL(kind string) string {
	if g.config.CallbackBaseURL == "" {
		return ""
	}
	return strings.TrimRight(g.config.CallbackBaseURL, "/") + "/api/webhooks/pix/" + kind
}

// call posts payload and decodes the JSON object answer. Every failure is
// reported as ErrUpstreamUnavailable.
func (g *pixGateway) call(ctx context.Context, operation, endpoint string, payload interface{}) (map[string]interface{}, error) {
	start := time.Now()
	result, err := g.makeRequest(ctx, endpoint, payload)
	if g.metrics != nil {
		g.metrics.RecordExternalServiceCall("pix_gateway", operation, err == nil, time.Since(start))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", apperrors.ErrUpstreamUnavailable, operation, err)
	}
	return result, nil
}

func (g *pixGateway) makeRequest(ctx context.Context, endpoint string, payload interface{}) (map[string]interface{}, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	url := strings.TrimRight(g.config.BaseURL, "/") + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if g.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.config.APIKey)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errorResp struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}

		if json.Unmarshal(responseBody, &errorResp) == nil && (errorResp.Error != "" || errorResp.Message != "") {
			return nil, fmt.Errorf("API error %d: %s - %s", resp.StatusCode, errorResp.Error, errorResp.Message)
		}

		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(responseBody))
	}

	decoder := json.NewDecoder(bytes.NewReader(responseBody))
	decoder.UseNumber()

	var result map[string]interface{}
	if err := decoder.Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return result, nil
}

func firstString(payload map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if s, ok := payload[key].(string); ok && s != "" {
			return s
		}
	}
	if data, ok := payload["data"].(map[string]interface{}); ok {
		for _, key := range keys {
			if s, ok := data[key].(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}
