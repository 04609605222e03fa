package web

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mtzanidakis/solomon/internal/config"
	"github.com/mtzanidakis/solomon/internal/natsbus"
	"github.com/mtzanidakis/solomon/internal/registry"
	"github.com/mtzanidakis/solomon/internal/scheduler"
	"github.com/mtzanidakis/solomon/internal/store"
	"github.com/mtzanidakis/solomon/internal/swarm"
	"github.com/nats-io/nats.go"
)

const (
	sessionCookieName = "solomon_session"
	sessionMaxAge     = 7 * 24 * time.Hour
)

// Reachable without credentials even when web.auth is set.
var publicPaths = map[string]bool{
	"/api/login":      true,
	"/api/logout":     true,
	"/api/auth/check": true,
}

type Server struct {
	store     *store.Store
	bus       *natsbus.Bus
	nats      *natsbus.Client
	coord     *swarm.Coordinator
	queen     swarm.Queen
	sched     *scheduler.Scheduler
	registry  *registry.Registry
	hub       *Hub
	cfg       config.WebConfig
	version   string
	startedAt time.Time

	sessionMu sync.Mutex
	sessions  map[string]time.Time // token → expiry
}

// Deps bundles what the API reads from and drives.
type Deps struct {
	Store       *store.Store
	Bus         *natsbus.Bus // nil disables the event feed
	Coordinator *swarm.Coordinator
	Queen       swarm.Queen
	Scheduler   *scheduler.Scheduler
	Registry    *registry.Registry
}

func NewServer(d Deps, cfg config.WebConfig, version string) *Server {
	return &Server{
		store:     d.Store,
		bus:       d.Bus,
		coord:     d.Coordinator,
		queen:     d.Queen,
		sched:     d.Scheduler,
		registry:  d.Registry,
		hub:       NewHub(),
		cfg:       cfg,
		version:   version,
		startedAt: time.Now(),
		sessions:  make(map[string]time.Time),
	}
}

// Handler returns the routed API with auth and CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/logout", s.handleLogout)
	mux.HandleFunc("GET /api/auth/check", s.handleAuthCheck)
	mux.HandleFunc("GET /api/ws", s.handleWebSocket)
	s.registerAPI(mux)
	return s.withMiddleware(mux)
}

func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	if err := s.subscribeEvents(); err != nil {
		slog.Error("web server event feed disabled", "error", err)
	}

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		server.Close()
		if s.nats != nil {
			s.nats.Close()
		}
	}()

	slog.Info("web server listening", "addr", addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		if s.cfg.Auth != "" && strings.HasPrefix(r.URL.Path, "/api/") && !publicPaths[r.URL.Path] {
			if !s.checkAuth(w, r) {
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) passwordMatches(pass string) bool {
	return subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.Auth)) == 1
}

// validSession reports whether the request carries a live session cookie
// and slides its expiry.
func (s *Server) validSession(w http.ResponseWriter, r *http.Request) bool {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return false
	}
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	expiry, ok := s.sessions[cookie.Value]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(s.sessions, cookie.Value)
		return false
	}
	s.sessions[cookie.Value] = time.Now().Add(sessionMaxAge)
	s.setSessionCookie(w, cookie.Value, sessionMaxAge)
	return true
}

// checkAuth accepts a session cookie or Basic Auth (for swarm tooling and
// scripts). It writes the 401 itself.
func (s *Server) checkAuth(w http.ResponseWriter, r *http.Request) bool {
	if s.validSession(w, r) {
		return true
	}
	if _, pass, ok := r.BasicAuth(); ok && s.passwordMatches(pass) {
		return true
	}
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
	return false
}

func (s *Server) createSession() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token := hex.EncodeToString(b)
	now := time.Now()

	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	for t, expiry := range s.sessions {
		if now.After(expiry) {
			delete(s.sessions, t)
		}
	}
	s.sessions[token] = now.Add(sessionMaxAge)
	return token, nil
}

// setSessionCookie with a negative maxAge clears the cookie.
func (s *Server) setSessionCookie(w http.ResponseWriter, token string, maxAge time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Auth == "" {
		jsonResponse(w, map[string]string{"status": "ok"})
		return
	}

	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !s.passwordMatches(body.Password) {
		slog.Warn("web login rejected", "remote", r.RemoteAddr)
		jsonError(w, "invalid password", http.StatusUnauthorized)
		return
	}

	token, err := s.createSession()
	if err != nil {
		jsonError(w, "session creation failed", http.StatusInternalServerError)
		return
	}
	s.setSessionCookie(w, token, sessionMaxAge)
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		s.sessionMu.Lock()
		delete(s.sessions, cookie.Value)
		s.sessionMu.Unlock()
	}
	s.setSessionCookie(w, "", -time.Second)
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) handleAuthCheck(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Auth == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if s.validSession(w, r) {
		jsonResponse(w, map[string]string{"status": "ok"})
		return
	}
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}

// subscribeEvents relays coordinator and scheduler events from the bus
// into the websocket hub.
func (s *Server) subscribeEvents() error {
	if s.bus == nil {
		return nil
	}
	client, err := natsbus.Connect(s.bus.ClientURL(), "solomon-web")
	if err != nil {
		return err
	}
	s.nats = client

	_, err = client.Subscribe(natsbus.TopicEventsSwarms, func(msg *nats.Msg) {
		var event swarm.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			slog.Warn("invalid swarm event payload", "subject", msg.Subject, "error", err)
			return
		}
		s.hub.Broadcast(event)
	})
	if err != nil {
		return err
	}
	return client.Flush()
}

func (s *Server) natsClients() int {
	if s.bus == nil {
		return 0
	}
	return s.bus.Clients()
}
