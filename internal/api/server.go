// Package api exposes the HTTP surface: platform webhooks, the synchronous
// chat endpoint, the websocket chat channel, and schedule management.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatweave/chatweave/internal/bot"
	"github.com/chatweave/chatweave/internal/channel"
	"github.com/chatweave/chatweave/internal/models"
	"github.com/chatweave/chatweave/internal/speech"
	"github.com/chatweave/chatweave/internal/store"
	"github.com/chatweave/chatweave/internal/trigger"
)

const shutdownTimeout = 10 * time.Second

// ServerConfig carries the collaborators the HTTP layer serves.
type ServerConfig struct {
	Store store.Store
	// Config is the deployment's experiment configuration.
	Config *models.ExperimentConfig
	// Channels holds the webhook-driven channel orchestrators, keyed by
	// binding ID.
	Channels map[string]*channel.Channel
	// Bots holds one responder per experiment, shared by the api and web
	// channels.
	Bots   map[string]bot.Responder
	Speech speech.Service
	// Web is the in-process messenger backing the websocket channel.
	Web    *channel.WebMessenger
	Engine *trigger.Engine
	// Cancels flags in-flight pipeline runs for cooperative cancellation.
	Cancels *bot.CancelRegistry
}

// Server handles all HTTP endpoints.
type Server struct {
	store    store.Store
	cfg      *models.ExperimentConfig
	channels map[string]*channel.Channel
	bots     map[string]bot.Responder
	speech   speech.Service
	web      *channel.WebMessenger
	engine   *trigger.Engine
	cancels  *bot.CancelRegistry
	upgrader websocket.Upgrader
}

// NewServer wires the HTTP layer.
func NewServer(cfg ServerConfig) *Server {
	return &Server{
		store:    cfg.Store,
		cfg:      cfg.Config,
		channels: cfg.Channels,
		bots:     cfg.Bots,
		speech:   cfg.Speech,
		web:      cfg.Web,
		engine:   cfg.Engine,
		cancels:  cfg.Cancels,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("POST /webhooks/telegram/{channelID}", s.telegramWebhookHandler)
	mux.HandleFunc("POST /webhooks/twilio/{channelID}", s.twilioWebhookHandler)
	mux.HandleFunc("POST /webhooks/turnio/{channelID}", s.turnIOWebhookHandler)
	mux.HandleFunc("POST /webhooks/sureadhere/{channelID}", s.sureAdhereWebhookHandler)
	mux.HandleFunc("POST /api/chat", s.chatHandler)
	mux.HandleFunc("GET /ws/chat", s.wsChatHandler)
	mux.HandleFunc("POST /api/schedules", s.createScheduleHandler)
	mux.HandleFunc("DELETE /api/schedules/{scheduleID}", s.cancelScheduleHandler)
	mux.HandleFunc("POST /api/sessions/{sessionID}/cancel", s.cancelSessionRunHandler)
	return mux
}

// Run serves HTTP until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}
	slog.Info("Server.Run: stopped")
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("healthy", nil))
}
