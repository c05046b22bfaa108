package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"rewardpool/core/events"
	"rewardpool/observability"
)

const wsWriteTimeout = 10 * time.Second

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.broadcast == nil {
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}
	types := parseTypes(r.URL.Query().Get("types"))
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	updates, cancel := s.broadcast.Subscribe()
	observability.Events().SetSubscribers(s.broadcast.Subscribers())
	defer func() {
		cancel()
		observability.Events().SetSubscribers(s.broadcast.Subscribers())
	}()

	ctx := conn.CloseRead(r.Context())
	if err := streamEvents(ctx, conn, updates, types); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func streamEvents(ctx context.Context, conn *websocket.Conn, updates <-chan events.Envelope, types map[string]struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-updates:
			if !ok {
				return nil
			}
			if len(types) > 0 {
				if _, want := types[env.Record.Type]; !want {
					continue
				}
			}
			if err := writeEnvelope(ctx, conn, env); err != nil {
				return err
			}
		}
	}
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, env events.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func parseTypes(raw string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out[part] = struct{}{}
		}
	}
	return out
}
