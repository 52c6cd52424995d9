package realtime

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
)

// CoderDialer dials with github.com/coder/websocket.
type CoderDialer struct {
	// HTTPClient is used for the handshake (nil means http.DefaultClient).
	HTTPClient *http.Client
	// Subprotocols offered during the handshake.
	Subprotocols []string
	// ReadLimit caps inbound frames; <= 0 uses the package default.
	ReadLimit int64
}

// Dial implements Dialer.
func (d *CoderDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient:   d.HTTPClient,
		Subprotocols: d.Subprotocols,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = maxFrameBytes
	}
	conn.SetReadLimit(limit)
	return &coderConn{c: conn}, nil
}

type coderConn struct {
	c *websocket.Conn
}

func (c *coderConn) Read(ctx context.Context) ([]byte, error) {
	for {
		mt, data, err := c.c.Read(ctx)
		if err != nil {
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				return nil, &CloseError{Code: int(ce.Code), Reason: ce.Reason}
			}
			return nil, err
		}
		if mt == websocket.MessageText || mt == websocket.MessageBinary {
			return data, nil
		}
	}
}

func (c *coderConn) Write(ctx context.Context, data []byte) error {
	return c.c.Write(ctx, websocket.MessageText, data)
}

func (c *coderConn) Ping(ctx context.Context) error {
	return c.c.Ping(ctx)
}

func (c *coderConn) Close(code int, reason string) error {
	return c.c.Close(websocket.StatusCode(code), reason)
}
