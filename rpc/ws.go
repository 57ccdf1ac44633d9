package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"optionvault/core"

	"nhooyr.io/websocket"
)

const (
	wsWriteTimeout    = 10 * time.Second
	wsSubscribeBuffer = 64
)

// handleEventsWS streams option lifecycle events over a websocket. Clients may
// supply a ?cursor=N query parameter to replay every event with a sequence
// greater than N before the live feed begins.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s == nil || s.node == nil {
		http.Error(w, "node unavailable", http.StatusServiceUnavailable)
		return
	}
	var cursor uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("cursor")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		cursor = parsed
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	if err := s.streamEvents(r.Context(), conn, cursor); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, cursor uint64) error {
	// Subscribe before draining the backlog so no event published in
	// between is lost; duplicates are skipped by sequence below.
	id, live := s.node.SubscribeEvents(wsSubscribeBuffer)
	defer s.node.UnsubscribeEvents(id)

	lastSent := cursor
	backlog, _ := s.node.EventsAfter(cursor, 0)
	for _, event := range backlog {
		if err := writeStreamEvent(ctx, conn, event); err != nil {
			return err
		}
		lastSent = event.Sequence
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-live:
			if !ok {
				return nil
			}
			if event.Sequence <= lastSent {
				continue
			}
			if err := writeStreamEvent(ctx, conn, event); err != nil {
				return err
			}
			lastSent = event.Sequence
		}
	}
}

func writeStreamEvent(ctx context.Context, conn *websocket.Conn, event core.StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
