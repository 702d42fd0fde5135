package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/kimhsiao/driftsync/internal/logging"
	"github.com/kimhsiao/driftsync/internal/models"
	driftsync "github.com/kimhsiao/driftsync/internal/sync"
)

// Server is the local status and control API. It is an observability and
// trigger surface for the engine, not the wire protocol the coordinator
// speaks to the remote service.
type Server struct {
	coord *driftsync.Coordinator
	hub   *Hub
	http  *http.Server
	log   zerolog.Logger
}

// NewServer builds the server and its routes.
func NewServer(addr string, coord *driftsync.Coordinator) *Server {
	s := &Server{
		coord: coord,
		hub:   NewHub(),
		log:   logging.With("statusapi"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Route("/sync", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/queue", s.handleQueue)
		r.Get("/conflicts", s.handleConflicts)
		r.Post("/now", s.handleSyncNow)
		r.Post("/pause", s.handlePause)
		r.Post("/resume", s.handleResume)
	})

	r.Get("/ws", s.hub.handleWS)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, forwarding coordinator
// notifications to WebSocket clients in the meantime.
func (s *Server) Run(ctx context.Context) error {
	go s.forwardNotifications(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.http.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.http.Addr).Msg("status API listening")
	if err := s.http.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Handler exposes the route tree, for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) forwardNotifications(ctx context.Context) {
	ch := s.coord.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			s.hub.Broadcast(n.Kind, n.Status)
		}
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Status())
}

// handleQueue reports outbox depth per status plus the oldest waiting
// rows, which is what a user checks when sync looks stuck.
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	stats, err := s.coord.Queue().Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, convErr := strconv.Atoi(v); convErr == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	pending, err := s.coord.Queue().List(models.QueueStatusPending, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats":   stats,
		"pending": pending,
	})
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	n := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			n = parsed
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conflicts": s.coord.Resolver().History().Recent(n),
	})
}

// handleSyncNow triggers a full sync without waiting for it.
func (s *Server) handleSyncNow(w http.ResponseWriter, _ *http.Request) {
	go func() {
		if err := s.coord.PerformFullSync(context.Background()); err != nil {
			s.log.Warn().Err(err).Msg("manually triggered sync failed")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request) {
	s.coord.Pause()
	writeJSON(w, http.StatusOK, s.coord.Status())
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.coord.Resume()
	writeJSON(w, http.StatusOK, s.coord.Status())
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
