package hub

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/isdmx/codestation/protocol"
)

// Client is one websocket connection
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	id      string
	limiter *rate.Limiter
	logger  *zap.Logger

	// owned by the hub loop
	room string
}

func (c *Client) readPump(ctx context.Context, handler Handler) {
	defer func() {
		c.hub.enqueue(op{kind: opUnregister, client: c})
		_ = c.conn.Close()
		handler.HandleDisconnect(ctx, c.id)
	}()

	opts := c.hub.opts
	c.conn.SetReadLimit(opts.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	})

	violations := 0

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read failed", zap.String("conn", c.id), zap.Error(err))
			}
			return
		}

		if !c.limiter.Allow() {
			violations++
			if violations%100 == 1 {
				c.logger.Warn("rate limit exceeded", zap.String("conn", c.id), zap.Int("violations", violations))
			}
			if violations >= opts.MaxRateViolations {
				c.logger.Warn("disconnecting client for excessive rate limit violations", zap.String("conn", c.id))
				return
			}
			continue
		}

		env, err := protocol.Decode(frame)
		if err != nil {
			c.logger.Debug("skipping frame", zap.String("conn", c.id), zap.Error(err))
			continue
		}
		if !protocol.IsClientEvent(env.Type) {
			c.logger.Debug("skipping unknown event", zap.String("conn", c.id), zap.String("type", env.Type))
			continue
		}

		handler.HandleMessage(ctx, c.id, env)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	writeWait := c.hub.opts.WriteWait
	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
