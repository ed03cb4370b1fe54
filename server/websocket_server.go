package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/room4-2/voicerelay/config"
	"github.com/room4-2/voicerelay/observability"
	"github.com/room4-2/voicerelay/relay"
	"github.com/room4-2/voicerelay/session"
	"github.com/room4-2/voicerelay/tools"
)

// Server serves the session API and the client WebSocket endpoint
type Server struct {
	httpServer *http.Server
	upgrader   websocket.Upgrader
	sessions   *session.Store
	tools      *tools.Registry
	relay      *relay.Relay
	metrics    *observability.Metrics
	config     *config.Config
}

// New builds a server listening on cfg.Port
func New(cfg *config.Config, sessions *session.Store, registry *tools.Registry, rl *relay.Relay, metrics *observability.Metrics) *Server {
	s := &Server{
		sessions: sessions,
		tools:    registry,
		relay:    rl,
		metrics:  metrics,
		config:   cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    64 * 1024, // 64KB for audio chunks
			WriteBufferSize:   64 * 1024, // 64KB for audio chunks
			EnableCompression: true,
			CheckOrigin: func(r *http.Request) bool {
				return cfg.OriginAllowed(r.Header.Get("Origin"))
			},
		},
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Router builds the HTTP routes
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Delete("/sessions/{id}", s.handleDeleteSession)
		r.Get("/tools", s.handleListTools)
	})

	if dir := s.config.PublicDir; dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			r.Handle("/*", http.FileServer(http.Dir(dir)))
		}
	}

	return r
}

// Start begins listening for connections
func (s *Server) Start() error {
	log.Printf("🚀 Server starting on port %d", s.config.Port)
	log.Printf("📡 WebSocket endpoint: ws://localhost:%d/ws?sessionId=<id>", s.config.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("🛑 Shutting down server...")
	s.relay.CloseAll()
	s.sessions.Shutdown(ctx)
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")

	// Upgrade HTTP to WebSocket
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	if sessionID == "" {
		sess := s.sessions.Create(r.Context(), "")
		sessionID = sess.ID
		s.metrics.SessionEvent("created")
		s.metrics.SetActiveSessions(s.sessions.Count())
	} else if _, ok := s.sessions.Get(sessionID); !ok {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Session not found"),
			time.Now().Add(time.Second),
		)
		conn.Close()
		return
	}

	log.Printf("✅ [%s] New connection", session.ShortID(sessionID))
	s.relay.Serve(r.Context(), conn, sessionID)
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.config.OriginAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-User-Id")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
