package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/emperorhan/pixelboard/internal/board"
	"github.com/emperorhan/pixelboard/internal/domain/model"
	"github.com/emperorhan/pixelboard/internal/scheduler"
)

const (
	defaultTopActivity = 10
	maxTopActivity     = 100
)

// BoardReader is the read side of the board store.
type BoardReader interface {
	Snapshot(id model.BoardID) (model.BoardSnapshot, error)
	TopActivity(id model.BoardID, limit int) ([]board.ActivityEntry, error)
}

// HealthProvider returns per-board publish health.
type HealthProvider interface {
	Health(id model.BoardID) (scheduler.HealthSnapshot, bool)
	HealthSnapshots() []scheduler.HealthSnapshot
	InFlight(id model.BoardID) bool
}

// Server provides a read-only HTTP API over board state.
type Server struct {
	boards         BoardReader
	healthProvider HealthProvider
	logger         *slog.Logger
}

// ServerOption configures optional dependencies for the admin server.
type ServerOption func(*Server)

// WithHealthProvider sets the health provider on the admin server.
func WithHealthProvider(hp HealthProvider) ServerOption {
	return func(s *Server) { s.healthProvider = hp }
}

func NewServer(boards BoardReader, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		boards: boards,
		logger: logger.With("component", "admin"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler for the admin API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/v1/boards", s.handleListBoards)
	mux.HandleFunc("GET /admin/v1/boards/{id}", s.handleGetBoard)
	mux.HandleFunc("GET /admin/v1/health", s.handleHealth)
	return mux
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type boardStatusResponse struct {
	Board           int                       `json:"board"`
	Dirty           bool                      `json:"dirty"`
	Version         uint64                    `json:"version"`
	FeeRate         uint64                    `json:"fee_rate"`
	LastPublishedAt *time.Time                `json:"last_published_at,omitempty"`
	Identities      int                       `json:"identities"`
	InFlight        bool                      `json:"in_flight"`
	Health          *scheduler.HealthSnapshot `json:"health,omitempty"`
	TopActivity     []board.ActivityEntry     `json:"top_activity,omitempty"`
}

func (s *Server) status(id model.BoardID) (boardStatusResponse, error) {
	snap, err := s.boards.Snapshot(id)
	if err != nil {
		return boardStatusResponse{}, err
	}
	resp := boardStatusResponse{
		Board:      int(id),
		Dirty:      snap.Dirty,
		Version:    snap.Version,
		FeeRate:    snap.FeeRate,
		Identities: len(snap.Activity),
	}
	if !snap.LastPublishedAt.IsZero() {
		at := snap.LastPublishedAt.UTC()
		resp.LastPublishedAt = &at
	}
	if s.healthProvider != nil {
		if h, ok := s.healthProvider.Health(id); ok {
			resp.Health = &h
		}
		resp.InFlight = s.healthProvider.InFlight(id)
	}
	return resp, nil
}

func (s *Server) handleListBoards(w http.ResponseWriter, r *http.Request) {
	resp := make([]boardStatusResponse, 0, model.NumBoards)
	for _, id := range model.AllBoards() {
		st, err := s.status(id)
		if err != nil {
			s.logger.Error("board status failed", "board", id, "error", err)
			http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			return
		}
		resp = append(resp, st)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetBoard(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || !model.BoardID(n).Valid() {
		http.Error(w, `{"error":"board id must be an integer in [0,4)"}`, http.StatusBadRequest)
		return
	}
	id := model.BoardID(n)

	limit := defaultTopActivity
	if raw := r.URL.Query().Get("top"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 || v > maxTopActivity {
			http.Error(w, `{"error":"top must be an integer in [0,100]"}`, http.StatusBadRequest)
			return
		}
		limit = v
	}

	st, err := s.status(id)
	if err != nil {
		if errors.Is(err, board.ErrUnknownBoard) {
			http.Error(w, `{"error":"board not found"}`, http.StatusNotFound)
			return
		}
		s.logger.Error("board status failed", "board", id, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	if limit > 0 {
		top, err := s.boards.TopActivity(id, limit)
		if err != nil {
			s.logger.Error("top activity failed", "board", id, "error", err)
			http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			return
		}
		st.TopActivity = top
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.healthProvider == nil {
		http.Error(w, `{"error":"health provider not available"}`, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.healthProvider.HealthSnapshots())
}
