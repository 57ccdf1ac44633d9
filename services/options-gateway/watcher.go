package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

const (
	defaultWatchInterval = 5 * time.Second
	defaultWatchBatch    = 100
)

// webhookPayload is the body posted to webhook targets for one option event.
type webhookPayload struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	OptionID   string            `json:"optionId,omitempty"`
	Attributes map[string]string `json:"attributes"`
	ObservedAt time.Time         `json:"observedAt"`
}

// EventWatcher tails the node event feed and fans committed option events out
// to the webhook outbox.
type EventWatcher struct {
	node     NodeClient
	outbox   *Outbox
	targets  []WebhookTarget
	interval time.Duration
	batch    int
	logger   *slog.Logger
	nowFn    func() time.Time
}

func NewEventWatcher(node NodeClient, outbox *Outbox, targets []WebhookTarget, logger *slog.Logger) *EventWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventWatcher{
		node:     node,
		outbox:   outbox,
		targets:  targets,
		interval: defaultWatchInterval,
		batch:    defaultWatchBatch,
		logger:   logger,
		nowFn:    time.Now,
	}
}

// Run polls the node until the context is cancelled.
func (w *EventWatcher) Run(ctx context.Context) {
	if w.node == nil || w.outbox == nil || len(w.targets) == 0 {
		return
	}
	cursor, err := w.outbox.Cursor()
	if err != nil {
		w.logger.Error("load event cursor", "error", err)
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cursor = w.poll(ctx, cursor)
		}
	}
}

func (w *EventWatcher) poll(ctx context.Context, cursor uint64) uint64 {
	events, _, err := w.node.Events(ctx, cursor, w.batch)
	if err != nil {
		w.logger.Warn("fetch node events", "error", err)
		return cursor
	}
	if len(events) == 0 {
		return cursor
	}
	for _, evt := range events {
		if evt.Sequence <= cursor {
			continue
		}
		w.dispatch(evt)
		cursor = evt.Sequence
	}
	if err := w.outbox.SetCursor(cursor); err != nil {
		w.logger.Warn("store event cursor", "error", err)
	}
	return cursor
}

func (w *EventWatcher) dispatch(evt NodeEvent) {
	payload, err := json.Marshal(webhookPayload{
		Sequence:   evt.Sequence,
		Type:       evt.Event.Type,
		OptionID:   evt.Event.Attributes["id"],
		Attributes: evt.Event.Attributes,
		ObservedAt: w.nowFn().UTC(),
	})
	if err != nil {
		w.logger.Error("encode webhook payload", "sequence", evt.Sequence, "error", err)
		return
	}
	for _, target := range w.targets {
		if !target.matches(evt.Event.Type) {
			continue
		}
		delivery := Delivery{
			URL:       target.URL,
			EventType: evt.Event.Type,
			Sequence:  evt.Sequence,
			Payload:   payload,
		}
		if err := w.outbox.Enqueue(delivery); err != nil {
			w.logger.Error("enqueue webhook delivery", "url", target.URL, "sequence", evt.Sequence, "error", err)
		}
	}
}
