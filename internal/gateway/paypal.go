package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/greenloop/backend/internal/config"
	"github.com/greenloop/backend/internal/errs"
)

// PayPalGateway pays out through the PayPal Payouts API.
type PayPalGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewPayPalGateway creates a new PayPal gateway
func NewPayPalGateway(cfg config.GatewayConfig, timeout time.Duration) *PayPalGateway {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api-m.paypal.com"
	}

	return &PayPalGateway{
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (g *PayPalGateway) Name() string {
	return "paypal"
}

// payoutBatchRequest is the PayPal payout batch envelope
type payoutBatchRequest struct {
	SenderBatchHeader struct {
		SenderBatchID string `json:"sender_batch_id"`
		EmailSubject  string `json:"email_subject"`
	} `json:"sender_batch_header"`
	Items []payoutItem `json:"items"`
}

type payoutItem struct {
	RecipientType string `json:"recipient_type"`
	Amount        struct {
		Value    string `json:"value"`
		Currency string `json:"currency"`
	} `json:"amount"`
	Receiver     string `json:"receiver"`
	SenderItemID string `json:"sender_item_id"`
}

// payoutBatchResponse is the PayPal payout batch reply
type payoutBatchResponse struct {
	BatchHeader struct {
		PayoutBatchID string `json:"payout_batch_id"`
		BatchStatus   string `json:"batch_status"`
	} `json:"batch_header"`
}

// InitiatePayout dispatches a single-item payout batch to PayPal
func (g *PayPalGateway) InitiatePayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	var batch payoutBatchRequest
	batch.SenderBatchHeader.SenderBatchID = req.Reference
	batch.SenderBatchHeader.EmailSubject = "Your GreenLoop cashout"

	item := payoutItem{
		RecipientType: "EMAIL",
		Receiver:      req.DestinationRef,
		SenderItemID:  req.Reference,
	}
	item.Amount.Value = req.Amount.StringFixed(2)
	item.Amount.Currency = req.Currency
	batch.Items = []payoutItem{item}

	reqBody, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/payments/payouts", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, errs.Transient("error sending request to paypal", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Transient("error reading paypal response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyHTTPStatus(g.Name(), resp.StatusCode, respBody)
	}

	var batchResp payoutBatchResponse
	if err := json.Unmarshal(respBody, &batchResp); err != nil {
		return nil, fmt.Errorf("error parsing paypal response: %w", err)
	}

	return &PayoutResult{
		GatewayTxnID: batchResp.BatchHeader.PayoutBatchID,
		Status:       mapPayPalStatus(batchResp.BatchHeader.BatchStatus),
	}, nil
}

func mapPayPalStatus(batchStatus string) Status {
	switch batchStatus {
	case "SUCCESS":
		return StatusSucceeded
	case "DENIED", "CANCELED":
		return StatusFailed
	default:
		// PENDING and PROCESSING settle through the webhook
		return StatusProcessing
	}
}
