package query

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/blackbox-rec/blackboxd/internal/logger"
)

const wsWriteTimeout = 5 * time.Second

// handleWS upgrades the connection and streams broadcast-hub events as JSON
// text frames until the client disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	log := logger.Component("query.ws")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	conn.SetReadLimit(4096)

	sub := s.hub.Subscribe()
	defer sub.Close()

	ctx := r.Context()

	// Drain client-initiated messages (none expected, but this also detects
	// the client closing the connection) on its own goroutine.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				log.Warn("marshal event for ws failed", "err", err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
