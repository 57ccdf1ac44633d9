package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	maxWebhookAttempts   = 5
	maxWebhookBackoff    = 5 * time.Minute
	webhookPollInterval  = time.Second
	webhookSendTimeout   = 10 * time.Second
	webhookDrainBatchMax = 16
)

// WebhookWorker drains the outbox and posts deliveries to their targets,
// signing each payload so receivers can verify its origin.
type WebhookWorker struct {
	outbox     *Outbox
	targets    map[string]WebhookTarget
	client     *http.Client
	logger     *slog.Logger
	nowFn      func() time.Time
	deliveries metric.Int64Counter
}

func NewWebhookWorker(outbox *Outbox, targets []WebhookTarget, logger *slog.Logger) *WebhookWorker {
	if logger == nil {
		logger = slog.Default()
	}
	byURL := make(map[string]WebhookTarget, len(targets))
	for _, target := range targets {
		byURL[target.URL] = target
	}
	worker := &WebhookWorker{
		outbox:  outbox,
		targets: byURL,
		client:  &http.Client{Timeout: webhookSendTimeout},
		logger:  logger,
		nowFn:   time.Now,
	}
	meter := otel.Meter("optionvault/services/options-gateway")
	counter, err := meter.Int64Counter("optionvault_gateway_webhook_deliveries",
		metric.WithDescription("Webhook delivery outcomes grouped by result."))
	if err == nil {
		worker.deliveries = counter
	}
	return worker
}

// Run drains due deliveries until the context is cancelled.
func (w *WebhookWorker) Run(ctx context.Context) {
	if w.outbox == nil {
		return
	}
	ticker := time.NewTicker(webhookPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

func (w *WebhookWorker) drain(ctx context.Context) {
	due, err := w.outbox.Due(w.nowFn(), webhookDrainBatchMax)
	if err != nil {
		w.logger.Warn("scan outbox", "error", err)
		return
	}
	for _, queued := range due {
		if ctx.Err() != nil {
			return
		}
		w.send(ctx, queued)
	}
}

func (w *WebhookWorker) send(ctx context.Context, queued QueuedDelivery) {
	delivery := queued.Delivery
	target, ok := w.targets[delivery.URL]
	if !ok {
		// Target removed from config; drop rather than retry forever.
		w.logger.Warn("dropping delivery for unknown target", "url", delivery.URL, "delivery", delivery.ID)
		_ = w.outbox.Complete(queued.Key)
		w.count(ctx, "dropped")
		return
	}
	err := w.post(ctx, target, delivery)
	if err == nil {
		_ = w.outbox.Complete(queued.Key)
		w.count(ctx, "delivered")
		return
	}
	delivery.Attempts++
	if delivery.Attempts >= maxWebhookAttempts {
		w.logger.Error("webhook delivery failed permanently",
			"url", delivery.URL, "delivery", delivery.ID, "attempts", delivery.Attempts, "error", err)
		_ = w.outbox.Complete(queued.Key)
		w.count(ctx, "failed")
		return
	}
	delivery.NextAttempt = w.nowFn().Add(backoffDuration(delivery.Attempts))
	if err := w.outbox.Reschedule(queued.Key, delivery); err != nil {
		w.logger.Error("reschedule webhook delivery", "delivery", delivery.ID, "error", err)
		return
	}
	w.logger.Warn("webhook delivery failed",
		"url", delivery.URL, "delivery", delivery.ID, "attempt", delivery.Attempts, "error", err)
	w.count(ctx, "retried")
}

func (w *WebhookWorker) post(ctx context.Context, target WebhookTarget, delivery Delivery) error {
	sendCtx, cancel := context.WithTimeout(ctx, webhookSendTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(sendCtx, http.MethodPost, target.URL, bytes.NewReader(delivery.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Delivery", delivery.ID)
	req.Header.Set("X-Webhook-Event", delivery.EventType)
	if target.Secret != "" {
		req.Header.Set("X-Webhook-Signature", signPayload([]byte(target.Secret), delivery.Payload))
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func (w *WebhookWorker) count(ctx context.Context, result string) {
	if w.deliveries == nil {
		return
	}
	w.deliveries.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// backoffDuration doubles per attempt and caps at maxWebhookBackoff.
func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := time.Second << uint(attempt-1)
	if backoff > maxWebhookBackoff {
		return maxWebhookBackoff
	}
	return backoff
}

// signPayload computes the hex HMAC-SHA256 receivers use to verify the body.
func signPayload(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
