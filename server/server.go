// Package server exposes the operational HTTP surface: health, status, and
// the ingest route the elevated-access gateway host posts member-join events
// to.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"discord-join-notifier/pkg/joinwatch"
	"discord-join-notifier/store"
)

// StatsSource reads persisted counters.
type StatsSource interface {
	Stats(ctx context.Context) (*store.Stats, error)
}

// Listener receives pushed member-join events.
type Listener interface {
	OnMemberJoined(ctx context.Context, communityID, subjectID string, snap joinwatch.Snapshot, observedAt time.Time) error
}

// Queue reports dispatcher depth.
type Queue interface {
	QueueLen() int
}

// Heartbeats reports detector liveness signals.
type Heartbeats interface {
	HeartbeatCount() int64
}

// Config holds server configuration.
type Config struct {
	Stats      StatsSource
	Listener   Listener
	Queue      Queue
	Heartbeats Heartbeats
	Logger     *slog.Logger
}

// Server handles HTTP requests.
type Server struct {
	stats      StatsSource
	listener   Listener
	queue      Queue
	heartbeats Heartbeats
	logger     *slog.Logger
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		stats:      cfg.Stats,
		listener:   cfg.Listener,
		queue:      cfg.Queue,
		heartbeats: cfg.Heartbeats,
		logger:     cfg.Logger,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/statusz", s.handleStatus)
	mux.HandleFunc("/events/member-join", s.handleMemberJoin)
	return mux
}

// Run starts the HTTP server and blocks until it fails or ctx is cancelled.
func (s *Server) Run(ctx context.Context, port string) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	s.logger.Info("Starting HTTP server", "port", port)
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats, err := s.stats.Stats(r.Context())
	if err != nil {
		s.logger.Error("Stats query failed", "error", err)
		http.Error(w, "Status unavailable", http.StatusInternalServerError)
		return
	}

	payload := struct {
		*store.Stats
		QueueDepth int   `json:"queue_depth"`
		Heartbeats int64 `json:"heartbeats"`
	}{stats, s.queue.QueueLen(), s.heartbeats.HeartbeatCount()}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("Failed to write status response", "error", err)
	}
}

// memberJoinEvent is the ingest payload posted by the gateway host.
type memberJoinEvent struct {
	CommunityID string    `json:"community_id"`
	ObservedAt  time.Time `json:"observed_at"`
	Subject     struct {
		ID               string    `json:"id"`
		Username         string    `json:"username"`
		DisplayName      string    `json:"display_name"`
		AvatarURL        string    `json:"avatar_url"`
		AccountCreatedAt time.Time `json:"account_created_at"`
	} `json:"subject"`
}

func (s *Server) handleMemberJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var event memberJoinEvent
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&event); err != nil {
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}
	if event.CommunityID == "" || event.Subject.ID == "" {
		http.Error(w, "community_id and subject.id are required", http.StatusBadRequest)
		return
	}

	snap := joinwatch.Snapshot{
		Username:         event.Subject.Username,
		DisplayName:      event.Subject.DisplayName,
		AvatarURL:        event.Subject.AvatarURL,
		AccountCreatedAt: event.Subject.AccountCreatedAt,
	}
	if err := s.listener.OnMemberJoined(r.Context(), event.CommunityID, event.Subject.ID, snap, event.ObservedAt); err != nil {
		s.logger.Error("Member join event rejected", "community_id", event.CommunityID, "error", err)
		http.Error(w, "Event not accepted", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if _, err := fmt.Fprint(w, `{"status":"accepted"}`); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
