package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"arclink/cmd/internal/events"
	"arclink/cmd/internal/mockapi"
	"arclink/cmd/internal/mockapi/signer"
	"arclink/cmd/internal/realtime"
	v1 "arclink/contracts/stream/v1"
)

func (c *cli) watchCmd() *cobra.Command {
	var ping time.Duration

	cmd := &cobra.Command{
		Use:   "watch CHANNEL...",
		Short: "Subscribe to channels and print every message as a JSON line",
		Long: "Subscribe to channels and print every message as a JSON line.\n" +
			"Channels reconnect with backoff after abnormal closes. The command exits\n" +
			"when interrupted or when every channel has stopped.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *App) error {
				return c.watch(cmd.Context(), cmd.OutOrStdout(), a, args, ping)
			})
		},
	}
	cmd.Flags().DurationVar(&ping, "ping", 0, "send an application ping on every channel at this interval (0 disables)")
	return cmd
}

type watchLine struct {
	Channel    string          `json:"channel"`
	ReceivedAt time.Time       `json:"received_at"`
	Message    json.RawMessage `json:"message"`
}

func (c *cli) watch(parent context.Context, w io.Writer, a *App, names []string, ping time.Duration) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var (
		outMu sync.Mutex
		enc   = json.NewEncoder(w)

		endMu sync.Mutex
		ended = make(map[string]error, len(names))
	)
	names = dedupe(names)

	finish := func(name string, err error) {
		endMu.Lock()
		defer endMu.Unlock()
		if _, done := ended[name]; done {
			return
		}
		ended[name] = err
		if len(ended) == len(names) {
			cancel()
		}
	}

	unsubscribe := a.Events().Subscribe(func(e events.Event) {
		switch e.Kind {
		case events.KindChannelDisconnected, events.KindChannelMaxRetries:
			finish(e.Channel, e.Err)
		}
	})
	defer unsubscribe()

	for _, name := range names {
		a.Channels.Connect(name, realtime.Handlers{
			OnOpen: func() { c.log.Info("watch.open", "channel", name) },
			OnMessage: func(msg json.RawMessage) {
				outMu.Lock()
				defer outMu.Unlock()
				_ = enc.Encode(watchLine{Channel: name, ReceivedAt: time.Now().UTC(), Message: msg})
			},
			OnClose: func(code int, reason string) {
				c.log.Info("watch.close", "channel", name, "code", code, "reason", reason)
			},
			OnError: func(err error) {
				c.log.Warn("watch.error", "channel", name, "err", err)
			},
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.ServeOps(gctx) })
	g.Go(func() error { return a.WatchStore(gctx) })
	if ping > 0 {
		g.Go(func() error {
			pingAll(gctx, a.Channels, names, ping)
			return nil
		})
	}

	// gctx also ends when the ops server fails to start.
	<-gctx.Done()
	cancel()
	if err := g.Wait(); err != nil {
		return err
	}

	endMu.Lock()
	defer endMu.Unlock()
	var errs []error
	for _, name := range names {
		if err := ended[name]; err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func pingAll(ctx context.Context, m *realtime.Manager, names []string, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, name := range names {
				if m.IsConnected(name) {
					m.Send(ctx, name, v1.Envelope{Type: v1.TypePing})
				}
			}
		}
	}
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := names[:0:0]
	for _, n := range names {
		n = strings.TrimSpace(n)
		if _, ok := seen[n]; ok || n == "" {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (c *cli) mockServerCmd() *cobra.Command {
	var addr string
	var issue []string

	cmd := &cobra.Command{
		Use:   "mock-server",
		Short: "Run the development backend (auth endpoints and /stream/{name})",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := mockSigningKey(c.cfg, c.log)
			if err != nil {
				return err
			}
			mcfg := mockapi.LoadConfigFromEnv()
			sg, err := signer.New(key, mcfg.Issuer)
			if err != nil {
				return err
			}
			srv, err := mockapi.New(mcfg, sg, mockapi.WithLogger(c.log))
			if err != nil {
				return err
			}

			for _, subject := range issue {
				pair, err := srv.IssueSession(subject)
				if err != nil {
					return err
				}
				line, _ := json.Marshal(map[string]string{
					"subject":       subject,
					"access_token":  pair.AccessToken,
					"refresh_token": pair.RefreshToken,
				})
				printf(cmd, "%s\n", line)
			}

			if addr == "" {
				addr = c.cfg.MockAddr
			}
			return serveHTTP(cmd.Context(), c.log, "mock", addr, WithSecurityHeaders(srv.Handler()))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default ARC_MOCK_ADDR or 127.0.0.1:8080)")
	cmd.Flags().StringArrayVar(&issue, "issue", nil, "issue a session for this subject at startup and print its tokens (repeatable)")
	return cmd
}
