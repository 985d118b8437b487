package external

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"ledger-api/internal/config"
	"ledger-api/internal/monitoring"
	"ledger-api/internal/money"
)

// ErrPermanentFailure marks a tracking call that will never succeed on retry.
var ErrPermanentFailure = errors.New("permanent tracking failure")

// ConversionTracker reports first deposits to the marketing conversion API.
type ConversionTracker interface {
	TrackFirstDeposit(ctx context.Context, conv *Conversion) error
}

type Conversion struct {
	UserID  string       `json:"user_id"`
	OrderID string       `json:"order_id"`
	Value   money.Amount `json:"value"`
}

type conversionTracker struct {
	url         string
	apiKey      string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	metrics     monitoring.MetricsService
}

func NewConversionTracker(cfg config.ConversionConfig, metrics monitoring.MetricsService) ConversionTracker {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	return &conversionTracker{
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		metrics:     metrics,
	}
}

func (t *conversionTracker) TrackFirstDeposit(ctx context.Context, conv *Conversion) error {
	if err := t.rateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("conversion: rate limit wait cancelled: %w", err)
	}

	start := time.Now()
	err := t.post(ctx, conv)
	if t.metrics != nil {
		t.metrics.RecordExternalServiceCall("conversion_tracker", "first_deposit", err == nil, time.Since(start))
	}
	return err
}

func (t *conversionTracker) post(ctx context.Context, conv *Conversion) error {
	body, err := json.Marshal(map[string]interface{}{
		"event":    "first_deposit",
		"user_id":  conv.UserID,
		"order_id": conv.OrderID,
		"value":    conv.Value,
	})
	if err != nil {
		return fmt.Errorf("%w: failed to marshal conversion: %v", ErrPermanentFailure, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: failed to create request: %v", ErrPermanentFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("conversion: request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("conversion: API error %d", resp.StatusCode)
	default:
		return fmt.Errorf("%w: API error %d", ErrPermanentFailure, resp.StatusCode)
	}
}
