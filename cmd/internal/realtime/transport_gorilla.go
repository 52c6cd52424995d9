package realtime

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// GorillaDialer dials with github.com/gorilla/websocket.
type GorillaDialer struct {
	// Dialer overrides websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// ReadLimit caps inbound frames; <= 0 uses the package default.
	ReadLimit int64
}

// Dial implements Dialer.
func (d *GorillaDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, url, nil)
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

	gc := &gorillaConn{c: conn, pongs: make(chan struct{}, 1)}
	conn.SetPongHandler(func(string) error {
		select {
		case gc.pongs <- struct{}{}:
		default:
		}
		return nil
	})
	return gc, nil
}

// gorillaConn adapts a gorilla connection, which permits one concurrent writer
// and has no context support, to Conn.
type gorillaConn struct {
	c *websocket.Conn

	writeMu sync.Mutex
	pongs   chan struct{}

	closeOnce sync.Once
}

func (g *gorillaConn) Read(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = g.c.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		mt, data, err := g.c.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				// gorilla answers the close frame but leaves the socket open.
				g.closeOnce.Do(func() { _ = g.c.Close() })
				return nil, &CloseError{Code: ce.Code, Reason: ce.Text}
			}
			if cerr := ctx.Err(); cerr != nil {
				return nil, cerr
			}
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (g *gorillaConn) Write(ctx context.Context, data []byte) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	if err := g.c.SetWriteDeadline(deadline(ctx)); err != nil {
		return err
	}
	return g.c.WriteMessage(websocket.TextMessage, data)
}

// Ping writes a ping and waits for the pong. Pongs are observed by the
// read loop, so Ping only succeeds while Read is being called.
func (g *gorillaConn) Ping(ctx context.Context) error {
	select {
	case <-g.pongs:
	default:
	}

	g.writeMu.Lock()
	err := g.c.WriteControl(websocket.PingMessage, nil, deadline(ctx))
	g.writeMu.Unlock()
	if err != nil {
		return err
	}

	select {
	case <-g.pongs:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gorillaConn) Close(code int, reason string) error {
	err := net.ErrClosed
	g.closeOnce.Do(func() {
		g.writeMu.Lock()
		_ = g.c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		g.writeMu.Unlock()
		err = g.c.Close()
	})
	return err
}

func deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(writeTimeout)
}
