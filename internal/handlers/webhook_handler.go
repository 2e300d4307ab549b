package handlers

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/greenloop/backend/internal/config"
	"github.com/greenloop/backend/internal/errs"
	"github.com/greenloop/backend/internal/metrics"
	"github.com/greenloop/backend/internal/services/cashout"
	"github.com/greenloop/backend/internal/utils"
)

// maxWebhookBody caps a webhook delivery; real payloads are a few KB.
const maxWebhookBody = 1 << 20

// signatureHeaderByGateway names the header each rail signs its
// deliveries with.
var signatureHeaderByGateway = map[string]string{
	"paypal": "Paypal-Transmission-Sig",
	"stripe": "Stripe-Signature",
	"bank":   "X-Bank-Signature",
	"crypto": "X-Treasury-Signature",
	"upi":    "X-Upi-Signature",
}

// PayoutWebhookHandler receives payout status notifications from the
// gateways. Deliveries are authenticated by an HMAC over the raw body;
// everything after the signature check is delegated to the cashout service.
type PayoutWebhookHandler struct {
	cashouts *cashout.CashoutService
	gateways config.GatewaysConfig
}

// NewPayoutWebhookHandler creates a new payout webhook handler
func NewPayoutWebhookHandler(cashouts *cashout.CashoutService, gateways config.GatewaysConfig) *PayoutWebhookHandler {
	return &PayoutWebhookHandler{cashouts: cashouts, gateways: gateways}
}

// payoutNotification is the normalized shape every rail's delivery is
// mapped onto before it reaches the cashout service.
type payoutNotification struct {
	Reference     string `json:"reference"`
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id"`
	FailureReason string `json:"failure_reason"`
}

// Handle processes one webhook delivery for the gateway named in the path.
func (h *PayoutWebhookHandler) Handle(c *gin.Context) {
	gatewayName := c.Param("gateway")
	secret, ok := h.webhookSecret(gatewayName)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown gateway"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	signature := c.GetHeader(signatureHeaderByGateway[gatewayName])
	if signature == "" || !utils.VerifyHMACHex(string(body), signature, secret) {
		log.Printf("Rejected %s webhook with bad signature", gatewayName)
		metrics.WebhookEvents.WithLabelValues(gatewayName, "rejected_signature").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	var payload payoutNotification
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if payload.Reference == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing reference"})
		return
	}

	status := normalizePayoutStatus(payload.Status)
	log.Printf("Received %s webhook for %s, status: %s", gatewayName, payload.Reference, status)

	err = h.cashouts.HandleWebhook(c.Request.Context(), cashout.WebhookEvent{
		Gateway:       gatewayName,
		Reference:     payload.Reference,
		Status:        status,
		GatewayTxnID:  payload.TransactionID,
		RawPayload:    body,
		FailureReason: payload.FailureReason,
	})
	switch {
	case err == nil:
		metrics.WebhookEvents.WithLabelValues(gatewayName, status).Inc()
		c.JSON(http.StatusOK, gin.H{"status": "processed"})
	case errs.KindOf(err) == errs.KindNotFound:
		// Not a request of ours; acknowledge so the gateway stops resending
		log.Printf("Received %s webhook for unknown reference %s", gatewayName, payload.Reference)
		metrics.WebhookEvents.WithLabelValues(gatewayName, "ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
	case errs.IsTransient(err):
		// Tell the gateway to redeliver once the request has settled down
		metrics.WebhookEvents.WithLabelValues(gatewayName, "deferred").Inc()
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not ready, retry later"})
	default:
		log.Printf("Failed to process %s webhook for %s: %v", gatewayName, payload.Reference, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process webhook"})
	}
}

func (h *PayoutWebhookHandler) webhookSecret(gatewayName string) (string, bool) {
	switch gatewayName {
	case "paypal":
		return h.gateways.PayPal.WebhookSecret, true
	case "stripe":
		return h.gateways.Stripe.WebhookSecret, true
	case "bank":
		return h.gateways.Bank.WebhookSecret, true
	case "crypto":
		return h.gateways.Crypto.WebhookSecret, true
	case "upi":
		return h.gateways.UPI.WebhookSecret, true
	}
	return "", false
}

// normalizePayoutStatus folds each rail's status vocabulary onto the
// canonical set the cashout service understands. Anything unrecognized
// passes through lowercased and is ignored downstream.
func normalizePayoutStatus(raw string) string {
	switch strings.ToLower(raw) {
	case "succeeded", "success", "paid", "confirmed", "completed", "settled":
		return "succeeded"
	case "failed", "denied", "rejected", "reversed", "reverted", "returned":
		return "failed"
	case "cancelled", "canceled":
		return "cancelled"
	case "processing", "pending", "in_transit":
		return "processing"
	}
	return strings.ToLower(raw)
}
