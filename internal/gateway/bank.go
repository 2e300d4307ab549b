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

// BankGateway pays out through the partner bank-transfer API. Destination
// refs are recipient codes minted when the user registered their account.
type BankGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewBankGateway creates a new bank transfer gateway
func NewBankGateway(cfg config.GatewayConfig, timeout time.Duration) *BankGateway {
	return &BankGateway{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (g *BankGateway) Name() string {
	return "bank_transfer"
}

// bankTransferRequest initiates a transfer to a registered recipient
type bankTransferRequest struct {
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Recipient string `json:"recipient"`
	Reference string `json:"reference"`
	Narration string `json:"narration"`
}

// bankTransferResponse is the partner's reply
type bankTransferResponse struct {
	TransferCode string `json:"transfer_code"`
	Status       string `json:"status"`
}

// InitiatePayout dispatches a transfer to the partner bank API
func (g *BankGateway) InitiatePayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	transfer := bankTransferRequest{
		Amount:    req.Amount.StringFixed(2),
		Currency:  req.Currency,
		Recipient: req.DestinationRef,
		Reference: req.Reference,
		Narration: "GreenLoop cashout",
	}

	reqBody, err := json.Marshal(transfer)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/transfers", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, errs.Transient("error sending request to bank gateway", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Transient("error reading bank gateway response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyHTTPStatus(g.Name(), resp.StatusCode, respBody)
	}

	var transferResp bankTransferResponse
	if err := json.Unmarshal(respBody, &transferResp); err != nil {
		return nil, fmt.Errorf("error parsing bank gateway response: %w", err)
	}

	return &PayoutResult{
		GatewayTxnID: transferResp.TransferCode,
		Status:       mapBankStatus(transferResp.Status),
	}, nil
}

func mapBankStatus(status string) Status {
	switch status {
	case "success":
		return StatusSucceeded
	case "failed", "reversed":
		return StatusFailed
	default:
		// pending and otp settle through the webhook
		return StatusProcessing
	}
}
