package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/greenloop/backend/internal/config"
	"github.com/greenloop/backend/internal/errs"
)

// StripeGateway pays out through the Stripe Payouts API. Destination refs
// are connected-account identifiers.
type StripeGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewStripeGateway creates a new Stripe gateway
func NewStripeGateway(cfg config.GatewayConfig, timeout time.Duration) *StripeGateway {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.stripe.com"
	}

	return &StripeGateway{
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (g *StripeGateway) Name() string {
	return "stripe"
}

// stripePayoutResponse is the subset of Stripe's payout object we read
type stripePayoutResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// InitiatePayout creates a Stripe payout. Stripe speaks form encoding, not
// JSON, on its request side.
func (g *StripeGateway) InitiatePayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	// Stripe wants the amount in the smallest currency unit
	cents := req.Amount.Mul(decimalHundred).IntPart()

	form := url.Values{}
	form.Set("amount", fmt.Sprintf("%d", cents))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("destination", req.DestinationRef)
	form.Set("metadata[reference]", req.Reference)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/payouts", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Idempotency-Key", req.Reference)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, errs.Transient("error sending request to stripe", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Transient("error reading stripe response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyHTTPStatus(g.Name(), resp.StatusCode, respBody)
	}

	var payout stripePayoutResponse
	if err := json.Unmarshal(respBody, &payout); err != nil {
		return nil, fmt.Errorf("error parsing stripe response: %w", err)
	}

	return &PayoutResult{
		GatewayTxnID: payout.ID,
		Status:       mapStripeStatus(payout.Status),
	}, nil
}

func mapStripeStatus(status string) Status {
	switch status {
	case "paid":
		return StatusSucceeded
	case "failed":
		return StatusFailed
	case "canceled":
		return StatusCancelled
	default:
		// pending and in_transit settle through the webhook
		return StatusProcessing
	}
}
