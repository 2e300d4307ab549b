package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/greenloop/backend/internal/config"
	"github.com/greenloop/backend/internal/errs"
)

// vpaPattern matches a UPI virtual payment address like name@bank.
var vpaPattern = regexp.MustCompile(`^[a-zA-Z0-9.\-_]{2,256}@[a-zA-Z]{2,64}$`)

// UPIGateway pays out through a UPI aggregator. Destination refs are
// virtual payment addresses.
type UPIGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewUPIGateway creates a new UPI gateway
func NewUPIGateway(cfg config.GatewayConfig, timeout time.Duration) *UPIGateway {
	return &UPIGateway{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (g *UPIGateway) Name() string {
	return "upi"
}

// upiPayoutRequest initiates a collect-to-VPA payout
type upiPayoutRequest struct {
	VPA       string `json:"vpa"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Reference string `json:"reference"`
}

// upiPayoutResponse is the aggregator's reply
type upiPayoutResponse struct {
	PayoutID string `json:"payout_id"`
	Status   string `json:"status"`
}

// InitiatePayout validates the VPA and dispatches the payout
func (g *UPIGateway) InitiatePayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	// A malformed VPA is a definitive rejection, never retried
	if !vpaPattern.MatchString(req.DestinationRef) {
		return nil, errs.New(errs.KindValidation, "invalid_vpa", fmt.Sprintf("destination %q is not a valid UPI address", req.DestinationRef))
	}

	payout := upiPayoutRequest{
		VPA:       req.DestinationRef,
		Amount:    req.Amount.StringFixed(2),
		Currency:  req.Currency,
		Reference: req.Reference,
	}

	reqBody, err := json.Marshal(payout)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/payouts", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, errs.Transient("error sending request to upi gateway", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Transient("error reading upi gateway response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyHTTPStatus(g.Name(), resp.StatusCode, respBody)
	}

	var payoutResp upiPayoutResponse
	if err := json.Unmarshal(respBody, &payoutResp); err != nil {
		return nil, fmt.Errorf("error parsing upi gateway response: %w", err)
	}

	return &PayoutResult{
		GatewayTxnID: payoutResp.PayoutID,
		Status:       mapUPIStatus(payoutResp.Status),
	}, nil
}

func mapUPIStatus(status string) Status {
	switch status {
	case "SUCCESS":
		return StatusSucceeded
	case "FAILED", "REJECTED":
		return StatusFailed
	default:
		return StatusProcessing
	}
}
