package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"stakepool/core/types"
)

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	cursor := strings.TrimSpace(r.URL.Query().Get("cursor"))
	filter := strings.TrimSpace(r.URL.Query().Get("addr"))
	if filter != "" {
		addr, err := decodeAddress(filter)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		filter = addr.String()
	}
	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: origins})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	// The stream is write only; CloseRead discards client frames and cancels
	// ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, cursor, filter); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, cursor, filter string) error {
	updates, cancel, backlog := s.hub.Subscribe(ctx, cursor)
	defer cancel()

	for _, evt := range backlog {
		if !matchesAddress(evt, filter) {
			continue
		}
		if err := writeEvent(ctx, conn, evt, s.cfg.WSWriteTimeout); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				return nil
			}
			if !matchesAddress(evt, filter) {
				continue
			}
			if err := writeEvent(ctx, conn, evt, s.cfg.WSWriteTimeout); err != nil {
				return err
			}
		}
	}
}

func matchesAddress(evt types.Event, filter string) bool {
	return filter == "" || evt.Attributes["addr"] == filter
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt types.Event, timeout time.Duration) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
