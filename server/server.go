// Package server is the single-port Router: it binds one TCP listener and
// dispatches the WebSocket upgrade, the JSON HTTP API, and static assets on
// relative paths.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chris/termgate/authz"
	"github.com/chris/termgate/config"
	"github.com/chris/termgate/errkind"
	"github.com/chris/termgate/ratelimit"
	"github.com/chris/termgate/session"
	"github.com/chris/termgate/token"
	"github.com/chris/termgate/wsconn"
)

// Server owns the listener and every collaborator a request needs.
type Server struct {
	cfg        *config.Config
	verifier   *token.Verifier
	authorizer *authz.Authorizer
	sessions   *session.Manager
	limiter    *ratelimit.Limiter
	webRoot    fs.FS
	upgrader   websocket.Upgrader
	startedAt  time.Time
	httpSrv    *http.Server
}

// Config wires a Server to its collaborators.
type Config struct {
	Cfg        *config.Config
	Verifier   *token.Verifier
	Authorizer *authz.Authorizer
	Sessions   *session.Manager
	Limiter    *ratelimit.Limiter
	WebRoot    fs.FS
}

// New builds a Server. The upgrader's CheckOrigin enforces
// cors.allowed_origins, falling back to permissive when none are configured.
func New(cfg Config) *Server {
	allowed := make(map[string]struct{}, len(cfg.Cfg.CORS.AllowedOrigins))
	for _, o := range cfg.Cfg.CORS.AllowedOrigins {
		allowed[o] = struct{}{}
	}
	return &Server{
		cfg:        cfg.Cfg,
		verifier:   cfg.Verifier,
		authorizer: cfg.Authorizer,
		sessions:   cfg.Sessions,
		limiter:    cfg.Limiter,
		webRoot:    cfg.WebRoot,
		startedAt:  time.Now(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				_, ok := allowed[r.Header.Get("Origin")]
				return ok
			},
		},
	}
}

// mux builds the single ServeMux every request is dispatched through.
func (s *Server) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.withRateLimit(s.handleWS))
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/sessions", s.withRateLimit(s.withAuth(s.handleListSessions)))
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.withRateLimit(s.withAuth(s.handleSessionDetail)))
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.withRateLimit(s.withAuth(s.handleDeleteSession)))
	if s.webRoot != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webRoot)))
	}
	return mux
}

// Run binds the listener and serves until ctx is canceled, then drains:
// stop accepting, wait up to 10s for in-flight HTTP requests, destroy all
// sessions. Upgraded WebSocket connections are not waited on; destroying
// their sessions force-closes them with code 4001.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.Port))
	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: s.mux(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[SERVER] listening on %s", addr)
		var err error
		if s.cfg.Server.TLSCert != "" && s.cfg.Server.TLSKey != "" {
			err = s.httpSrv.ListenAndServeTLS(s.cfg.Server.TLSCert, s.cfg.Server.TLSKey)
		} else {
			err = s.httpSrv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Printf("[SERVER] shutting down, draining for up to 10s")
	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(drainCtx); err != nil {
		log.Printf("[SERVER] forced shutdown: %v", err)
	}
	s.sessions.Shutdown()
	return <-errCh
}

// withRateLimit rejects requests from an IP past its sliding-window quota
// before the handler runs.
func (s *Server) withRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(clientIP(r)) {
			writeErrorJSON(w, http.StatusTooManyRequests, errkind.RateLimited, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

// withAuth requires Authorization: Bearer <jwt>, verifies and authorizes it
// with the same TokenVerifier the WebSocket path uses, and passes the
// resulting user id through to the handler.
func (s *Server) withAuth(next func(w http.ResponseWriter, r *http.Request, userID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			writeErrorJSON(w, http.StatusUnauthorized, errkind.Unauthorized, "missing bearer token")
			return
		}
		claims, err := s.verifier.Verify(r.Context(), raw)
		if err != nil {
			kind := errkind.InvalidToken
			var e *errkind.Error
			if errors.As(err, &e) {
				kind = e.Kind
			}
			writeErrorJSON(w, http.StatusUnauthorized, kind, err.Error())
			return
		}
		if err := s.authorizer.Authorize(claims); err != nil {
			writeErrorJSON(w, http.StatusForbidden, errkind.Forbidden, err.Error())
			return
		}
		next(w, r, claims.Subject)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[SERVER] websocket upgrade: %v", err)
		return
	}
	c := wsconn.New(wsconn.Config{
		Conn:       conn,
		Verifier:   s.verifier,
		Authorizer: s.authorizer,
		Sessions:   s.sessions,
		RemoteAddr: clientIP(r),
	})
	c.Serve(r.Context())
}

type sessionSummary struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request, userID string) {
	ids := s.sessions.ListForUser(userID)
	out := make([]sessionSummary, 0, len(ids))
	for _, id := range ids {
		sess, ok := s.sessions.Get(id)
		if !ok {
			continue
		}
		out = append(out, sessionSummary{
			ID:           sess.ID,
			CreatedAt:    sess.CreatedAt,
			LastActivity: sess.State.LastActivity(),
		})
	}
	writeJSON(w, http.StatusOK, struct {
		Sessions []sessionSummary `json:"sessions"`
	}{out})
}

// handleSessionDetail surfaces the bounded command history SessionState
// already keeps through the external interface.
func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request, userID string) {
	id := r.PathValue("id")
	if !s.sessions.OwnedBy(id, userID) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	sess, _ := s.sessions.Get(id)
	writeJSON(w, http.StatusOK, struct {
		ID           string    `json:"id"`
		CreatedAt    time.Time `json:"created_at"`
		LastActivity time.Time `json:"last_activity"`
		Cwd          string    `json:"cwd"`
		History      []string  `json:"history"`
	}{sess.ID, sess.CreatedAt, sess.State.LastActivity(), sess.State.Cwd(), sess.State.History()})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request, userID string) {
	id := r.PathValue("id")
	if !s.sessions.OwnedBy(id, userID) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	s.sessions.Destroy(id)
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth reports liveness plus operator-facing pressure detail; it
// requires no authentication so load balancers and health probes can reach
// it directly.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Status        string `json:"status"`
		Sessions      int    `json:"sessions"`
		UptimeSeconds int64  `json:"uptime_seconds"`
	}{"ok", s.sessions.Count(), int64(time.Since(s.startedAt).Seconds())})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorJSON(w http.ResponseWriter, status int, kind errkind.Kind, message string) {
	writeJSON(w, status, struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}{string(kind), message})
}
