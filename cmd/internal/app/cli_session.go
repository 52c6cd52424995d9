package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"arclink/cmd/internal/auth/session"
	"arclink/cmd/internal/auth/tokenstore"
)

func (c *cli) loginCmd() *cobra.Command {
	var username, access, refresh string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store a session: --username against the development backend, or an existing token pair",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(a *App) error {
				pair := tokenstore.Pair{AccessToken: access, RefreshToken: refresh}
				if username != "" {
					var err error
					if pair, err = c.devLogin(cmd.Context(), a.Session.BaseURL(), username); err != nil {
						return err
					}
				}
				if err := a.Session.Establish(cmd.Context(), pair); err != nil {
					return fmt.Errorf("login: %w", err)
				}
				printf(cmd, "logged in (%s)\n", a.Session.State(cmd.Context()))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "log in to the development backend as this user")
	cmd.Flags().StringVar(&access, "access-token", "", "access token obtained elsewhere")
	cmd.Flags().StringVar(&refresh, "refresh-token", "", "refresh token obtained elsewhere")
	cmd.MarkFlagsMutuallyExclusive("username", "access-token")
	cmd.MarkFlagsMutuallyExclusive("username", "refresh-token")
	cmd.MarkFlagsRequiredTogether("access-token", "refresh-token")
	cmd.MarkFlagsOneRequired("username", "access-token")
	return cmd
}

// devLogin calls the development backend's passwordless login.
func (c *cli) devLogin(ctx context.Context, baseURL, username string) (tokenstore.Pair, error) {
	body, _ := json.Marshal(map[string]string{"username": username})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/auth/login", bytes.NewReader(body))
	if err != nil {
		return tokenstore.Pair{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := (&http.Client{Timeout: c.cfg.Session.HTTPTimeout}).Do(req)
	if err != nil {
		return tokenstore.Pair{}, fmt.Errorf("login: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return tokenstore.Pair{}, fmt.Errorf("login: backend returned %d", resp.StatusCode)
	}
	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return tokenstore.Pair{}, fmt.Errorf("login: decode response: %w", err)
	}
	return tokenstore.Pair{AccessToken: out.AccessToken, RefreshToken: out.RefreshToken}, nil
}

func (c *cli) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the session on the backend (best effort) and clear local tokens",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(a *App) error {
				a.Session.Logout(cmd.Context())
				printf(cmd, "logged out\n")
				return nil
			})
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the local session state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(a *App) error {
				ctx := cmd.Context()
				printf(cmd, "state: %s\n", a.Session.State(ctx))
				printf(cmd, "store: %s\n", c.cfg.TokenStore)

				tok, ok := a.Session.AccessToken(ctx)
				if !ok {
					return nil
				}
				claims, err := session.ParseClaims(tok)
				if err != nil {
					printf(cmd, "access token: unreadable (%v)\n", err)
					return nil
				}
				if claims.Subject != "" {
					printf(cmd, "subject: %s\n", claims.Subject)
				}
				printf(cmd, "expires: %s\n", claims.ExpiresAt.UTC().Format(time.RFC3339))
				return nil
			})
		},
	}
}

func (c *cli) whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the identity reported by the backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(a *App) error {
				raw, ok := a.Session.User(cmd.Context())
				if !ok {
					return errors.New("identity unavailable (not logged in or backend unreachable)")
				}
				var out bytes.Buffer
				if err := json.Indent(&out, raw, "", "  "); err != nil {
					return err
				}
				printf(cmd, "%s\n", out.String())
				return nil
			})
		},
	}
}

func (c *cli) requestCmd() *cobra.Command {
	var data string
	var headers []string

	cmd := &cobra.Command{
		Use:   "request METHOD PATH",
		Short: "Send an authorized request, refreshing the session when needed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *App) error {
				var body io.Reader
				if data != "" {
					body = strings.NewReader(data)
				}
				req, err := a.Session.NewRequest(cmd.Context(), strings.ToUpper(args[0]), args[1], body)
				if err != nil {
					return err
				}
				if data != "" {
					req.Header.Set("Content-Type", "application/json")
				}
				for _, h := range headers {
					k, v, ok := strings.Cut(h, ":")
					if !ok {
						return fmt.Errorf("bad header %q (want Name: value)", h)
					}
					req.Header.Set(strings.TrimSpace(k), strings.TrimSpace(v))
				}

				resp, err := a.Session.Do(req)
				if err != nil {
					return err
				}
				defer func() { _ = resp.Body.Close() }()

				if _, err := io.Copy(cmd.OutOrStdout(), resp.Body); err != nil {
					return err
				}
				if resp.StatusCode >= 400 {
					return fmt.Errorf("%s %s: %s", req.Method, req.URL.Path, resp.Status)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON request body")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "extra header (Name: value), repeatable")
	return cmd
}
