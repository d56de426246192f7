package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/boardchat/internal/config"
	"github.com/npezzotti/boardchat/internal/database"
	"github.com/npezzotti/boardchat/internal/logging"
	"github.com/npezzotti/boardchat/internal/server"
	"github.com/rs/zerolog"
)

// GoChatApp is the HTTP surface of the chat service: session handoff,
// directory lookups, message history and the websocket endpoint.
type GoChatApp struct {
	log            zerolog.Logger
	db             database.ChatRepository
	auth           server.Authorizer
	mux            *http.Server
	cs             *server.ChatServer
	signingKey     []byte
	allowedOrigins []string
	historyLimit   int
}

func NewGoChatApp(mux *http.ServeMux, logger zerolog.Logger, cs *server.ChatServer, db database.ChatRepository, cfg *config.Config) *GoChatApp {
	s := &GoChatApp{
		log:            logger,
		db:             db,
		auth:           server.DirectoryAuthorizer{Directory: db},
		cs:             cs,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
		historyLimit:   cfg.Chat.HistoryLimit,
	}

	mux.HandleFunc("GET /healthz", s.healthz)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("GET /api/auth/session", s.authMiddleware(s.session))
	mux.HandleFunc("GET /api/auth/logout", s.authMiddleware(s.logout))
	mux.HandleFunc("GET /api/users", s.authMiddleware(s.listUsers))
	mux.HandleFunc("GET /api/projects", s.authMiddleware(s.listProjects))
	mux.HandleFunc("GET /api/messages", s.authMiddleware(s.getMessages))
	mux.HandleFunc("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)
	h = logging.HTTPMiddleware(logger)(h)

	s.mux = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}
	return s
}

// Handler returns the fully wrapped handler, for use with httptest.
func (s *GoChatApp) Handler() http.Handler {
	return s.mux.Handler
}

func (s *GoChatApp) Start() error {
	s.log.Info().Str("addr", s.mux.Addr).Msg("starting server")
	return s.mux.ListenAndServe()
}

func (s *GoChatApp) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
