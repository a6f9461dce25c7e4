package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

// ServeHTTP upgrades GET /socket?session=<token>&userId=<leadId> and runs
// the session until either side closes it.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hs := Handshake{
		Session: r.URL.Query().Get("session"),
		UserID:  r.URL.Query().Get("userId"),
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	c, err := h.Connect(ctx, hs)
	if err != nil {
		_ = ws.Close(websocket.StatusTryAgainLater, err.Error())
		return
	}
	defer h.Disconnect(c)

	readErr := make(chan error, 1)
	go func() {
		readErr <- h.readLoop(ctx, ws, c)
	}()

	err = h.writeLoop(ctx, ws, c, readErr)
	cancel()

	var closeErr websocket.CloseError
	switch {
	case err == nil, errors.As(err, &closeErr), errors.Is(err, context.Canceled):
		_ = ws.Close(websocket.StatusNormalClosure, "closed")
	case errors.Is(err, ErrHubClosed):
		_ = ws.Close(websocket.StatusGoingAway, "shutting down")
	default:
		h.logger.Debug("Socket closed", zap.String("conn_id", c.id), zap.Error(err))
		_ = ws.Close(websocket.StatusInternalError, "write_failed")
	}
}

func (h *Hub) readLoop(ctx context.Context, ws *websocket.Conn, c *Conn) error {
	for {
		var raw map[string]json.RawMessage
		if err := wsjson.Read(ctx, ws, &raw); err != nil {
			return err
		}
		in, err := parseInbound(raw)
		if err != nil {
			h.logger.Debug("Malformed socket frame", zap.String("conn_id", c.id), zap.Error(err))
			continue
		}
		if in.Type != "" && in.Type != FrameRequest {
			continue
		}
		if !h.goTracked(func() { h.handleRequest(ctx, c, in) }) {
			return ErrHubClosed
		}
	}
}

func (h *Hub) writeLoop(ctx context.Context, ws *websocket.Conn, c *Conn, readErr <-chan error) error {
	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case frame, ok := <-c.Outbox():
			if !ok {
				return nil
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, h.writeTimeout)
			err := wsjson.Write(writeCtx, ws, frame)
			cancelWrite()
			if err != nil {
				return err
			}
		case <-ping.C:
			pingCtx, cancelPing := context.WithTimeout(ctx, h.writeTimeout)
			err := ws.Ping(pingCtx)
			cancelPing()
			if err != nil {
				return err
			}
		}
	}
}
