// Package main provides a CI-friendly smoke test for an arclink stream endpoint.
//
// It validates:
//   - handshake with a bearer token in the query string
//   - the subscribed greeting carries a connection id
//   - ping -> pong
//   - status_update fans back out as status
//
// Run it against `arclink mock-server --issue` output:
//
//	go run ./tools/scripts/stream-smoke.go -url http://127.0.0.1:8090 -token "$ACCESS"
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "arclink/contracts/stream/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

func main() {
	var (
		baseURL = flag.String("url", "http://127.0.0.1:8090", "API base URL (http, https, ws or wss)")
		token   = flag.String("token", "", "Access token")
		channel = flag.String("channel", "smoke", "Channel name")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		fatalf("missing -token")
	}
	if *timeout <= 0 {
		fatalf("invalid -timeout: must be > 0")
	}
	target, err := streamURL(*baseURL, *channel, *token)
	if err != nil {
		fatalf("invalid -url: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 4*(*timeout))
	defer cancel()

	conn := mustConnect(ctx, target, *timeout)
	defer closeWS(conn)

	greeting := mustRead(ctx, conn, v1.TypeSubscribed, *timeout)
	var p v1.ConnectedPayload
	if err := json.Unmarshal(greeting.Data, &p); err != nil {
		fatalf("unmarshal greeting: %v", err)
	}
	if strings.TrimSpace(p.ConnectionID) == "" {
		fatalf("greeting missing connection_id")
	}
	if *verbose {
		fmt.Printf("subscribed channel=%s connection_id=%s subject=%s\n", greeting.Channel, p.ConnectionID, p.Subject)
	}

	mustWrite(ctx, conn, v1.New(v1.TypePing, *channel, nil, time.Now()), *timeout)
	mustRead(ctx, conn, v1.TypePong, *timeout)
	if *verbose {
		fmt.Println("pong ok")
	}

	status := json.RawMessage(`{"state":"smoke"}`)
	mustWrite(ctx, conn, v1.New(v1.TypeStatusUpdate, *channel, status, time.Now()), *timeout)
	echo := mustRead(ctx, conn, v1.TypeStatus, *timeout)
	var got map[string]any
	if err := json.Unmarshal(echo.Data, &got); err != nil {
		fatalf("unmarshal status: %v", err)
	}
	if got["state"] != "smoke" {
		fatalf("status mismatch: got=%v", got)
	}
	if *verbose {
		fmt.Println("status ok")
	}

	fmt.Println("OK")
}

func streamURL(base, channel, token string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("missing host")
	}
	if strings.TrimSpace(channel) == "" {
		return "", errors.New("empty channel")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/stream/" + url.PathEscape(channel)
	u.RawPath = ""
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String(), nil
}

func mustConnect(parent context.Context, target string, stepTimeout time.Duration) *websocket.Conn {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect: %v", err)
	}
	conn.SetReadLimit(maxReadBytes)
	return conn
}

// mustRead skips envelopes of other types until want arrives. An error
// envelope or a close frame fails the run.
func mustRead(parent context.Context, conn *websocket.Conn, want string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if code := websocket.CloseStatus(err); code != -1 {
				fatalf("closed while waiting for %q: code=%d", want, code)
			}
			fatalf("read while waiting for %q: %v", want, err)
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			fatalf("bad json: %v", err)
		}
		if err := env.Validate(); err != nil {
			fatalf("bad envelope: %v", err)
		}
		switch env.Type {
		case want:
			return env
		case v1.TypeError:
			var ep v1.ErrorPayload
			_ = json.Unmarshal(env.Data, &ep)
			fatalf("server error: code=%q msg=%q", ep.Code, ep.Message)
		}
	}
}

func mustWrite(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
