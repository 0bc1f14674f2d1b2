package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/DoyleJ11/moonshot/internal/spectate"
)

const (
	spectatorOutbox       = 16
	spectatorWriteTimeout = 3 * time.Second
)

// Spectate upgrades to a websocket and streams every broadcast turn as a
// binary message holding the exact frame players received. Spectators are
// read-only; anything they send is discarded.
func Spectate(h *spectate.Hub, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := GenerateCode()
		if err != nil {
			http.Error(w, "failed to generate id", http.StatusInternalServerError)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		out := make(chan []byte, spectatorOutbox)
		select {
		case h.Inbox() <- spectate.Join{ID: id, Outbox: out}:
		case <-h.Done():
			conn.Close(websocket.StatusGoingAway, "match over")
			return
		}
		defer func() {
			select {
			case h.Inbox() <- spectate.Leave{ID: id}:
			case <-h.Done():
			}
		}()

		// CloseRead drains and discards inbound messages; ctx ends when the
		// spectator goes away.
		ctx := conn.CloseRead(r.Context())
		for {
			select {
			case <-ctx.Done():
				return
			case f, ok := <-out:
				if !ok {
					conn.Close(websocket.StatusPolicyViolation, "too slow")
					return
				}
				wctx, cancel := context.WithTimeout(ctx, spectatorWriteTimeout)
				err := conn.Write(wctx, websocket.MessageBinary, f)
				cancel()
				if err != nil {
					log.Debug("spectator write failed", zap.String("id", id), zap.Error(err))
					return
				}
			}
		}
	}
}
