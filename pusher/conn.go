package pusher

import (
	"context"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// wsConn wraps websocket.Conn with per-operation timeouts.
type wsConn struct {
	ws           *websocket.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func newWSConn(ws *websocket.Conn, readTimeout, writeTimeout time.Duration) *wsConn {
	return &wsConn{ws: ws, readTimeout: readTimeout, writeTimeout: writeTimeout}
}

func (c *wsConn) Read(ctx context.Context, v any) error {
	if c.readTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.readTimeout)
		defer cancel()
	}
	return wsjson.Read(ctx, c.ws, v)
}

func (c *wsConn) Write(ctx context.Context, v any) error {
	if c.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.writeTimeout)
		defer cancel()
	}
	return wsjson.Write(ctx, c.ws, v)
}

func (c *wsConn) Close(code websocket.StatusCode, reason string) error {
	return c.ws.Close(code, reason)
}
