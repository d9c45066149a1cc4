package httpapi

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const streamWriteTimeout = 5 * time.Second

// handleSyncStream sends the current status and then every change until the
// client goes away.
func (s *Server) handleSyncStream(w http.ResponseWriter, r *http.Request, correlationID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Warn("status stream upgrade failed", "error", err, "correlationId", correlationID)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	updates, cancel := s.syncer.Subscribe()
	defer cancel()
	ctx := conn.CloseRead(r.Context())

	if err := writeStatus(ctx, conn, s.syncer.Status()); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case status, ok := <-updates:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := writeStatus(ctx, conn, status); err != nil {
				s.logger.Debug("status stream write failed", "error", err, "correlationId", correlationID)
				return
			}
		}
	}
}

func writeStatus(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}
