// Package gateway talks to the external payout rails. Each rail implements
// PayoutGateway; the cashout flow only ever sees the interface.
package gateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/greenloop/backend/internal/config"
	"github.com/greenloop/backend/internal/errs"
	"github.com/greenloop/backend/internal/models"
	"github.com/shopspring/decimal"
)

var decimalHundred = decimal.NewFromInt(100)

// Status is the gateway's view of a payout.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// PayoutRequest describes one payout to dispatch.
type PayoutRequest struct {
	Amount         decimal.Decimal
	Currency       string
	Method         models.CashoutMethod
	DestinationRef string
	// Reference is the cashout request ID; gateways echo it back in
	// webhooks so deliveries can be correlated.
	Reference string
}

// PayoutResult is what a gateway reports synchronously. Most rails answer
// with StatusProcessing and settle through a webhook later.
type PayoutResult struct {
	GatewayTxnID string
	Status       Status
}

// PayoutGateway is one payout rail.
type PayoutGateway interface {
	Name() string
	// InitiatePayout dispatches the payout. A transient error (see the errs
	// package) means the attempt may be retried; any other error is a
	// definitive rejection.
	InitiatePayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error)
}

// Registry resolves the gateway serving a cashout method.
type Registry struct {
	gateways map[models.CashoutMethod]PayoutGateway
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{gateways: make(map[models.CashoutMethod]PayoutGateway)}
}

// Register maps a cashout method to its gateway
func (r *Registry) Register(method models.CashoutMethod, gw PayoutGateway) {
	r.gateways[method] = gw
}

// For returns the gateway registered for method.
func (r *Registry) For(method models.CashoutMethod) (PayoutGateway, error) {
	gw, ok := r.gateways[method]
	if !ok {
		return nil, errs.New(errs.KindValidation, "unsupported_method", fmt.Sprintf("no payout gateway registered for method %s", method))
	}
	return gw, nil
}

// ByName returns the gateway with the given name, for webhook routing.
func (r *Registry) ByName(name string) (PayoutGateway, error) {
	for _, gw := range r.gateways {
		if gw.Name() == name {
			return gw, nil
		}
	}
	return nil, errs.NotFound("payout gateway " + name)
}

// NewDefaultRegistry wires up all supported rails from configuration.
func NewDefaultRegistry(cfg config.GatewaysConfig) *Registry {
	r := NewRegistry()
	r.Register(models.CashoutMethodPayPal, NewPayPalGateway(cfg.PayPal, cfg.Timeout))
	r.Register(models.CashoutMethodStripe, NewStripeGateway(cfg.Stripe, cfg.Timeout))
	r.Register(models.CashoutMethodBankTransfer, NewBankGateway(cfg.Bank, cfg.Timeout))
	r.Register(models.CashoutMethodCrypto, NewCryptoGateway(cfg.Crypto, cfg.Timeout))
	r.Register(models.CashoutMethodUPI, NewUPIGateway(cfg.UPI, cfg.Timeout))
	return r
}

// classifyHTTPStatus turns a non-2xx gateway response into either a
// retryable or a definitive error. Rate limiting and server-side trouble
// are worth another attempt; everything else is a rejection.
func classifyHTTPStatus(name string, code int, body []byte) error {
	msg := fmt.Sprintf("%s returned status %d: %s", name, code, truncateBody(body))
	if code >= http.StatusInternalServerError || code == http.StatusTooManyRequests {
		return errs.Transient(msg, nil)
	}
	return errs.New(errs.KindValidation, "gateway_rejected", msg)
}

const maxLoggedBody = 512

func truncateBody(body []byte) string {
	if len(body) > maxLoggedBody {
		return string(body[:maxLoggedBody]) + "..."
	}
	return string(body)
}
