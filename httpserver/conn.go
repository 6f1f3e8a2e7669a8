package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ruteri/mpc-relay/metrics"
	"github.com/ruteri/mpc-relay/protocol"
	"github.com/ruteri/mpc-relay/relay"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// serve runs the pumps of one admitted connection. The read pump feeds
// frames to the router; the write pump is the only writer to the socket and
// drains the connection's outbound queue.
func (h *Handler) serve(ws *websocket.Conn, conn *relay.Conn, resumeToken string) {
	log := h.log.With("party", conn.Party(), "conn", conn.ID())

	h.router.Connect(conn, resumeToken)
	defer h.router.Disconnect(conn)

	g, ctx := errgroup.WithContext(h.ctx)
	g.Go(func() error { return h.readPump(ctx, ws, conn, log) })
	g.Go(func() error { return h.writePump(ctx, ws, conn) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Debug("Connection ended with error", "err", err)
	}
	log.Debug("Connection closed", "reason", conn.CloseReason())
}

func (h *Handler) readPump(ctx context.Context, ws *websocket.Conn, conn *relay.Conn, log *slog.Logger) error {
	defer conn.Close("disconnected")

	ws.SetReadLimit(h.cfg.MaxFrameSize)
	extend := func() error { return ws.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout)) }
	if err := extend(); err != nil {
		return err
	}
	ws.SetPongHandler(func(string) error { return extend() })

	limiter := rate.NewLimiter(rate.Limit(h.cfg.RequestRate), h.cfg.RequestBurst)
	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("Read failed", "err", err)
			}
			return nil
		}
		if err := extend(); err != nil {
			return err
		}

		var resp []byte
		switch {
		case kind != websocket.TextMessage:
			resp = h.reject(nil, protocol.Errorf(protocol.CodeProtocolError, "only text frames are accepted"))
		case !limiter.Allow():
			resp = h.reject(protocol.DecodeCall(data).RequestID(), protocol.Errorf(protocol.CodeBackpressure, "request rate exceeded"))
		default:
			resp = h.router.Handle(conn, data)
		}

		if err := conn.Reply(ctx, resp); err != nil {
			if errors.Is(err, relay.ErrConnClosed) {
				return nil
			}
			return err
		}
	}
}

func (h *Handler) reject(id json.RawMessage, perr *protocol.Error) []byte {
	metrics.RequestErrors.WithLabelValues(string(perr.Code)).Inc()
	return protocol.EncodeError(id, perr)
}

func (h *Handler) writePump(ctx context.Context, ws *websocket.Conn, conn *relay.Conn) error {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case frame := <-conn.Outbox():
			if err := h.write(ws, frame); err != nil {
				conn.Close("disconnected")
				return err
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				conn.Close("disconnected")
				return err
			}
		case <-conn.Done():
			return h.closeGracefully(ws, conn)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// closeGracefully writes what is still queued, then a close frame carrying
// the close reason.
func (h *Handler) closeGracefully(ws *websocket.Conn, conn *relay.Conn) error {
drain:
	for {
		select {
		case frame := <-conn.Outbox():
			if err := h.write(ws, frame); err != nil {
				return err
			}
		default:
			break drain
		}
	}

	reason := conn.CloseReason()
	code := websocket.CloseNormalClosure
	switch reason {
	case "superseded":
		code = protocol.CloseSuperseded
	case "shutdown":
		code = websocket.CloseGoingAway
	}
	msg := websocket.FormatCloseMessage(code, reason)
	return ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.cfg.WriteTimeout))
}

func (h *Handler) write(ws *websocket.Conn, frame []byte) error {
	if err := ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout)); err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, frame)
}
