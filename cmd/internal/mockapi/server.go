package mockapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"arclink/cmd/internal/mockapi/signer"
)

// Server is the development backend. Use New; the zero value is not usable.
type Server struct {
	log    *slog.Logger
	cfg    Config
	signer *signer.Signer
	now    func() time.Time

	sessions *registry
	hub      *Hub

	refreshes atomic.Int64
}

// Option configures a Server.
type Option func(*Server)

// WithLogger overrides slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides time.Now for token issuance and verification.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs a Server that signs tokens with sg.
func New(cfg Config, sg *signer.Signer, opts ...Option) (*Server, error) {
	if sg == nil {
		return nil, errors.New("mockapi: signer is required")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("mockapi: token TTLs must be positive")
	}

	s := &Server{
		log:      slog.Default(),
		cfg:      cfg,
		signer:   sg,
		now:      time.Now,
		sessions: newRegistry(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.hub = NewHub(s.log)
	return s, nil
}

// Register mounts every endpoint on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.HandleFunc("POST /auth/refresh", s.handleRefresh)
	mux.HandleFunc("POST /auth/logout", s.handleLogout)
	mux.HandleFunc("GET /auth/me", s.requireAuth(s.handleMe))
	mux.HandleFunc("GET /stream/{name}", s.handleStream)
	mux.HandleFunc("POST /stream/{name}/publish", s.requireAuth(s.handlePublish))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

// Handler returns a mux with every endpoint registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

// Hub exposes the stream fanout, for server-side pushes.
func (s *Server) Hub() *Hub { return s.hub }

// RefreshCount reports how many refresh requests rotated a session.
func (s *Server) RefreshCount() int64 { return s.refreshes.Load() }

// IssueSession starts a session for subject and returns its first token pair.
func (s *Server) IssueSession(subject string) (TokenPair, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return TokenPair{}, errors.New("subject required")
	}

	sid := uuid.NewString()
	pair, refreshExp, err := s.mintPair(subject, sid)
	if err != nil {
		return TokenPair{}, err
	}
	s.sessions.create(sid, subject, s.signer.Fingerprint(pair.RefreshToken), refreshExp)
	s.log.Info("mock.session.issued", "session_id", sid, "subject", subject)
	return pair, nil
}

// Revoke ends the session that issued token (access or refresh).
func (s *Server) Revoke(token string) bool {
	c, err := s.signer.Verify(token, "", s.now())
	if err != nil && !errors.Is(err, signer.ErrExpired) {
		return false
	}
	return s.sessions.revoke(c.SessionID)
}

func (s *Server) mintPair(subject, sid string) (TokenPair, time.Time, error) {
	now := s.now()
	access, _, err := s.signer.Mint(subject, sid, signer.TypeAccess, now, s.cfg.AccessTTL)
	if err != nil {
		return TokenPair{}, time.Time{}, err
	}
	refresh, rc, err := s.signer.Mint(subject, sid, signer.TypeRefresh, now, s.cfg.RefreshTTL)
	if err != nil {
		return TokenPair{}, time.Time{}, err
	}
	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int64(s.cfg.AccessTTL / time.Second),
	}, time.Unix(rc.ExpiresAt, 0), nil
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	pair, err := s.IssueSession(req.Username)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_username", "username required")
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	now := s.now()
	claims, err := s.signer.Verify(strings.TrimSpace(req.RefreshToken), signer.TypeRefresh, now)
	if err != nil {
		s.log.Info("mock.refresh.reject", "err", err)
		writeError(w, http.StatusUnauthorized, "invalid_refresh", "invalid or expired refresh token")
		return
	}

	pair, refreshExp, err := s.mintPair(claims.Subject, claims.SessionID)
	if err != nil {
		s.log.Error("mock.refresh.mint.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not issue tokens")
		return
	}

	subject, err := s.sessions.rotate(
		claims.SessionID,
		s.signer.Fingerprint(req.RefreshToken),
		s.signer.Fingerprint(pair.RefreshToken),
		refreshExp, now,
	)
	if err != nil {
		if errors.Is(err, errRefreshReuse) {
			s.log.Warn("mock.refresh.reuse", "session_id", claims.SessionID)
		}
		writeError(w, http.StatusUnauthorized, "invalid_refresh", "invalid or expired refresh token")
		return
	}

	s.refreshes.Add(1)
	s.log.Info("mock.refresh.ok", "session_id", claims.SessionID, "subject", subject)
	writeJSON(w, http.StatusOK, pair)
}

// handleLogout accepts an expired access token so clients can always revoke.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	tok := bearerToken(r)
	if tok == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	c, err := s.signer.Verify(tok, signer.TypeAccess, s.now())
	if err != nil && !errors.Is(err, signer.ErrExpired) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
		return
	}
	if s.sessions.revoke(c.SessionID) {
		s.log.Info("mock.logout", "session_id", c.SessionID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, c signer.Claims) {
	writeJSON(w, http.StatusOK, meResponse{ID: c.Subject, Username: c.Subject, SessionID: c.SessionID})
}

type authedHandler func(http.ResponseWriter, *http.Request, signer.Claims)

func (s *Server) requireAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := s.authenticate(bearerToken(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
			return
		}
		next(w, r, c)
	}
}

// authenticate verifies an access token and that its session is still live.
func (s *Server) authenticate(tok string) (signer.Claims, error) {
	if tok == "" {
		return signer.Claims{}, signer.ErrInvalidToken
	}
	now := s.now()
	c, err := s.signer.Verify(tok, signer.TypeAccess, now)
	if err != nil {
		return signer.Claims{}, err
	}
	if !s.sessions.active(c.SessionID, now) {
		return signer.Claims{}, errSessionRevoked
	}
	return c, nil
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(tok)
}
