package controllers

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/timipay/kkbridge/internal/pkg/kkpay"
	"github.com/timipay/kkbridge/internal/pkg/metrics"
	"github.com/timipay/kkbridge/internal/pkg/reconcile"
)

// WebhookController terminates KKPay gateway callbacks. It authenticates the
// delivery, decodes the payload and hands it to the reconciliation engine;
// every response code is chosen around the gateway's retry behavior: 2xx
// stops retries, anything else invites another delivery.
type WebhookController struct {
	engine     *reconcile.Engine
	merchantID string
	secret     string
}

// NewWebhookController creates the callback ingress. merchantID and secret
// are the KKPay credentials deliveries must present.
func NewWebhookController(engine *reconcile.Engine, merchantID, secret string) *WebhookController {
	return &WebhookController{
		engine:     engine,
		merchantID: merchantID,
		secret:     secret,
	}
}

// HandleKKPayCallback processes POST /kkpay/callback.
//
// The body is kept as raw bytes until the signature is verified; the
// signature covers the base64 text exactly as sent, so any re-encoding
// before verification would break authentication.
func (wc *WebhookController) HandleKKPayCallback(c *fiber.Ctx) error {
	start := time.Now()
	defer func() {
		metrics.CallbackDuration.Observe(time.Since(start).Seconds())
	}()

	rawBody := append([]byte(nil), c.BodyRaw()...)
	merchantID := strings.TrimSpace(c.Get(kkpay.HeaderMerchantID))
	signature := strings.TrimSpace(c.Get(kkpay.HeaderSignature))

	if merchantID == "" || merchantID != wc.merchantID {
		metrics.CallbacksTotal.WithLabelValues(metrics.OutcomeUnauthorized).Inc()
		log.Warnf("[Webhook] Callback for unknown merchant %q rejected", merchantID)
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unknown_merchant"})
	}

	if !kkpay.Verify(rawBody, signature, wc.secret) {
		metrics.CallbacksTotal.WithLabelValues(metrics.OutcomeUnauthorized).Inc()
		log.Warnf("[Webhook] Invalid signature on callback for merchant %s", merchantID)
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature"})
	}

	payload, err := kkpay.DecodeCallback(rawBody)
	if err != nil {
		metrics.CallbacksTotal.WithLabelValues(metrics.OutcomeMalformed).Inc()
		log.Warnf("[Webhook] Malformed callback body from merchant %s: %v", merchantID, err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	res, err := wc.engine.Process(ctx, payload)
	if err != nil {
		// Infrastructure failure. A non-2xx answer makes the gateway retry,
		// which is exactly what an unapplied, unacknowledged event needs.
		metrics.CallbacksTotal.WithLabelValues(metrics.OutcomeError).Inc()
		log.Errorf("[Webhook] Processing %s/%s failed: %v", payload.BusinessType, payload.TxID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "ledger_unavailable"})
	}

	metrics.CallbacksTotal.WithLabelValues(string(res.Outcome)).Inc()
	switch res.Outcome {
	case reconcile.OutcomeDuplicate:
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
	case reconcile.OutcomeIgnored:
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "ignored": true})
	default:
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
	}
}

// HandleHealth returns a liveness handler. It touches no backing store so
// probes keep working while the database is down.
func HandleHealth(service string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "healthy", "service": service})
	}
}
