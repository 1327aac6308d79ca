package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/Checker-Finance/p2p-autotrader/internal/metrics"
	"github.com/Checker-Finance/p2p-autotrader/internal/release"
	"github.com/Checker-Finance/p2p-autotrader/pkg/model"
)

// PaymentHandler consumes normalized bank payments.
type PaymentHandler interface {
	HandlePayment(ctx context.Context, p model.BankPayment) (release.PaymentResult, error)
}

// BankWebhookHandler receives payment notifications pushed by the bank collaborator.
type BankWebhookHandler struct {
	logger    *zap.Logger
	payments  PaymentHandler
	secret    string
	sigHeader string
}

// NewBankWebhookHandler creates a new BankWebhookHandler. An empty secret
// disables signature checks.
func NewBankWebhookHandler(logger *zap.Logger, payments PaymentHandler, secret, sigHeader string) *BankWebhookHandler {
	if strings.TrimSpace(sigHeader) == "" {
		sigHeader = "X-Bank-Signature"
	}
	return &BankWebhookHandler{
		logger:    logger,
		payments:  payments,
		secret:    secret,
		sigHeader: sigHeader,
	}
}

// HandlePayment processes one bank payment notification.
// POST /webhooks/bank/payments
func (h *BankWebhookHandler) HandlePayment(c *fiber.Ctx) error {
	if h.secret != "" {
		signature := c.Get(h.sigHeader)
		if signature == "" || !validateWebhookSignature(h.secret, signature, c.Body()) {
			h.logger.Warn("bank.webhook.invalid_signature",
				zap.String("header", h.sigHeader))
			metrics.IncPayment("webhook", "unauthorized")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid signature",
			})
		}
	}

	var p model.BankPayment
	if err := c.BodyParser(&p); err != nil {
		h.logger.Warn("bank.webhook.parse_error", zap.Error(err))
		metrics.IncPayment("webhook", "invalid")
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid payload",
		})
	}
	if err := p.Validate(); err != nil {
		metrics.IncPayment("webhook", "invalid")
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	h.logger.Info("bank.webhook.received",
		zap.String("tx_id", p.TxID),
		zap.String("amount", p.Amount.String()),
		zap.String("currency", p.Currency),
		zap.String("status", p.Status))

	res, err := h.payments.HandlePayment(c.UserContext(), p)
	switch {
	case errors.Is(err, release.ErrPaymentAlreadyClaimed):
		metrics.IncPayment("webhook", "duplicate")
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"duplicate":    true,
			"order_number": res.OrderNumber,
		})
	case err != nil:
		h.logger.Error("bank.webhook.handle_failed",
			zap.String("tx_id", p.TxID),
			zap.Error(err))
		metrics.IncPayment("webhook", "error")
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "payment not processed"})
	}

	metrics.IncPayment("webhook", paymentResultLabel(res))
	return c.Status(fiber.StatusOK).JSON(res)
}

func paymentResultLabel(res release.PaymentResult) string {
	switch {
	case res.Matched:
		return "matched"
	case res.Pooled:
		return "pooled"
	}
	return "ignored"
}

func validateWebhookSignature(secret, signature string, body []byte) bool {
	normalized := strings.TrimSpace(signature)
	if strings.HasPrefix(strings.ToLower(normalized), "sha256=") {
		normalized = normalized[7:]
	}
	expected, err := hex.DecodeString(normalized)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}
