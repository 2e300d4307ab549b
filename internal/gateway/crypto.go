package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/greenloop/backend/internal/config"
	"github.com/greenloop/backend/internal/errs"
)

// CryptoGateway pays out stablecoins through the treasury service. The
// destination ref is an EVM address.
type CryptoGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewCryptoGateway creates a new crypto treasury gateway
func NewCryptoGateway(cfg config.GatewayConfig, timeout time.Duration) *CryptoGateway {
	return &CryptoGateway{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (g *CryptoGateway) Name() string {
	return "crypto"
}

// transferRequest asks the treasury to move stablecoins on-chain
type transferRequest struct {
	ToAddress string `json:"to_address"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Reference string `json:"reference"`
}

// transferResponse is the treasury's reply
type transferResponse struct {
	TransferID string `json:"transfer_id"`
	Status     string `json:"status"`
}

// InitiatePayout validates the destination address and asks the treasury
// service to dispatch the transfer.
func (g *CryptoGateway) InitiatePayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	// A malformed address is a definitive rejection, never retried
	if !ethcommon.IsHexAddress(req.DestinationRef) {
		return nil, errs.New(errs.KindValidation, "invalid_address", fmt.Sprintf("destination %q is not a valid EVM address", req.DestinationRef))
	}

	transfer := transferRequest{
		ToAddress: ethcommon.HexToAddress(req.DestinationRef).Hex(),
		Amount:    req.Amount.StringFixed(2),
		Currency:  req.Currency,
		Reference: req.Reference,
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
		return nil, errs.Transient("error sending request to treasury", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Transient("error reading treasury response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyHTTPStatus(g.Name(), resp.StatusCode, respBody)
	}

	var transferResp transferResponse
	if err := json.Unmarshal(respBody, &transferResp); err != nil {
		return nil, fmt.Errorf("error parsing treasury response: %w", err)
	}

	return &PayoutResult{
		GatewayTxnID: transferResp.TransferID,
		Status:       mapTreasuryStatus(transferResp.Status),
	}, nil
}

func mapTreasuryStatus(status string) Status {
	switch status {
	case "confirmed":
		return StatusSucceeded
	case "rejected", "reverted":
		return StatusFailed
	default:
		// submitted and broadcasting settle through the webhook once the
		// transaction confirms on-chain
		return StatusProcessing
	}
}
