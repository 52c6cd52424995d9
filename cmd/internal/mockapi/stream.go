package mockapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"arclink/cmd/internal/ids"
	"arclink/cmd/internal/mockapi/signer"
	"arclink/cmd/internal/realtime"
	v1 "arclink/contracts/stream/v1"
)

const maxPingFailures = 3

// handleStream subscribes a websocket to the topic named in the path.
// The upgrade always completes so a rejected token can be reported with a
// close code the client understands.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	claims, authErr := s.authenticate(r.URL.Query().Get("token"))

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		s.log.Error("stream.accept.fail", "err", err)
		return
	}
	if authErr != nil || name == "" {
		s.log.Info("stream.reject.auth", "channel", name, "remote", r.RemoteAddr, "err", authErr)
		_ = conn.Close(websocket.StatusCode(v1.CloseUnauthorized), "Unauthorized")
		return
	}
	conn.SetReadLimit(s.cfg.MaxFrameBytes)

	sub := newSubscriber(ids.MustULID(s.now()), claims.Subject, s.cfg.SendQueue)
	s.hub.join(name, sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once
	shutdown := func(code int, reason string) {
		closeOnce.Do(func() {
			s.hub.leave(name, sub)
			_ = conn.Close(websocket.StatusCode(code), reason)
			cancel()
		})
	}

	// The token authorised the upgrade only until it expires.
	expiry := time.AfterFunc(time.Unix(claims.ExpiresAt, 0).Sub(s.now()), func() {
		s.log.Info("stream.token.expired", "channel", name, "connection_id", sub.id)
		shutdown(v1.CloseTokenExpired, "token expired")
	})
	defer expiry.Stop()

	greeting, _ := json.Marshal(v1.ConnectedPayload{ConnectionID: sub.id, Subject: claims.Subject})
	sub.enqueue(v1.New(v1.TypeSubscribed, name, greeting, s.now()))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.done:
				return
			case env := <-sub.send:
				if err := s.writeEnvelope(ctx, conn, env); err != nil {
					s.log.Info("stream.write.fail", "connection_id", sub.id, "err", err)
					shutdown(v1.CloseAbnormal, "write failed")
					return
				}
			}
		}
	}()

	if s.cfg.HeartbeatInterval > 0 {
		go s.heartbeat(ctx, conn, sub, shutdown)
	}

	s.readLoop(ctx, conn, name, sub, claims, shutdown)

	shutdown(v1.CloseNormal, "bye")
	<-writerDone
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, name string, sub *subscriber, claims signer.Claims, shutdown func(int, string)) {
	rl := realtime.NewRateLimiter(s.cfg.RateEvents, s.cfg.RateWindow)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				shutdown(v1.CloseNormal, "peer closed")
			} else {
				shutdown(v1.CloseAbnormal, "read failed")
			}
			return
		}

		if !rl.Allow(time.Now()) {
			// Written inline: shutdown stops the writer before it drains the queue.
			_ = s.writeEnvelope(ctx, conn, s.errorEnvelope("rate_limited", "too many messages"))
			shutdown(v1.ClosePolicy, "rate limited")
			return
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.sendError(sub, "bad_json", "invalid JSON")
			continue
		}
		if err := env.Validate(); err != nil {
			s.sendError(sub, "bad_envelope", err.Error())
			continue
		}

		now := s.now()
		switch env.Type {
		case v1.TypePing:
			sub.enqueue(v1.New(v1.TypePong, name, nil, now))

		case v1.TypeStatusUpdate:
			s.hub.Broadcast(name, v1.New(v1.TypeStatus, name, env.Data, now))

		case v1.TypeEvent:
			out := v1.New(v1.TypeEvent, name, env.Data, now)
			out.EventType = env.EventType
			s.hub.Broadcast(name, out)

		default:
			s.sendError(sub, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
		s.log.Debug("stream.message", "channel", name, "type", env.Type, "subject", claims.Subject)
	}
}

func (s *Server) heartbeat(ctx context.Context, conn *websocket.Conn, sub *subscriber, shutdown func(int, string)) {
	t := time.NewTicker(s.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, s.cfg.HeartbeatTimeout)
			err := conn.Ping(hbCtx)
			hbCancel()

			if err == nil {
				failures = 0
				continue
			}
			failures++
			s.log.Info("stream.ping.fail", "connection_id", sub.id, "failures", failures, "err", err)
			if failures >= maxPingFailures {
				shutdown(v1.CloseGoingAway, "heartbeat failed")
				return
			}
		}
	}
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request, c signer.Claims) {
	name := strings.TrimSpace(r.PathValue("name"))

	var req publishRequest
	if err := decodeJSON(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	env := v1.New(v1.TypeEvent, name, req.Data, s.now())
	env.EventType = strings.TrimSpace(req.EventType)
	if err := env.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_envelope", err.Error())
		return
	}

	n := s.hub.Broadcast(name, env)
	s.log.Info("stream.publish", "channel", name, "event_type", env.EventType, "subject", c.Subject, "delivered", n)
	writeJSON(w, http.StatusAccepted, publishResponse{Delivered: n})
}

func (s *Server) sendError(sub *subscriber, code, msg string) {
	sub.enqueue(s.errorEnvelope(code, msg))
}

func (s *Server) errorEnvelope(code, msg string) v1.Envelope {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	return v1.New(v1.TypeError, "", p, s.now())
}

func (s *Server) writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.WriteTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}
