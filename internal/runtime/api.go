package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/loqalabs/harijap/internal/chant"
	"github.com/loqalabs/harijap/internal/eventstore"
	"github.com/loqalabs/harijap/internal/protocol"
	"github.com/loqalabs/harijap/internal/store"
)

const defaultLeaderboardLimit = 20

// counterAPI is the slice of the counter service exposed over HTTP.
type counterAPI interface {
	State(ctx context.Context, devoteeID string) (chant.State, error)
	Increment(ctx context.Context, devoteeID string) (chant.State, error)
	Reset(ctx context.Context, devoteeID string) (chant.State, error)
	Leaderboard(ctx context.Context, limit int) ([]store.Entry, error)
	Today(ctx context.Context, devoteeID string) (eventstore.DaySummary, error)
}

type leaderboardRow struct {
	Rank              int    `json:"rank"`
	DevoteeID         string `json:"devotee_id"`
	TotalCount        int    `json:"total_count"`
	CompletedCycles   int    `json:"completed_cycles"`
	CurrentCycleCount int    `json:"current_cycle_count"`
}

type daySummary struct {
	DevoteeID string    `json:"devotee_id"`
	Day       string    `json:"day"`
	Counted   int       `json:"counted"`
	Cycles    int       `json:"cycles"`
	Resets    int       `json:"resets"`
	Rejected  int       `json:"rejected"`
	FirstSeen time.Time `json:"first_seen,omitzero"`
	LastSeen  time.Time `json:"last_seen,omitzero"`
}

type apiHandler struct {
	counters  counterAPI
	cycleSize int
	logger    *slog.Logger
}

func (r *Runtime) newRouter(api counterAPI, cycleSize int, metrics http.Handler) http.Handler {
	h := &apiHandler{counters: api, cycleSize: cycleSize, logger: r.logger.With(slog.String("component", "http"))}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", r.handleHealth)
	router.Get("/readyz", r.handleReady)
	if metrics != nil {
		router.Handle("/metrics", metrics)
	}

	router.Route("/api", func(api chi.Router) {
		api.Get("/leaderboard", h.leaderboard)
		api.Get("/today", h.today)
		api.Route("/counters/{id}", func(c chi.Router) {
			c.Get("/", h.state)
			c.Post("/increment", h.increment)
			c.Post("/reset", h.reset)
			c.Get("/today", h.today)
		})
	})
	return router
}

func (h *apiHandler) state(w http.ResponseWriter, req *http.Request) {
	h.counterCall(w, req, h.counters.State)
}

func (h *apiHandler) increment(w http.ResponseWriter, req *http.Request) {
	h.counterCall(w, req, h.counters.Increment)
}

func (h *apiHandler) reset(w http.ResponseWriter, req *http.Request) {
	h.counterCall(w, req, h.counters.Reset)
}

func (h *apiHandler) counterCall(w http.ResponseWriter, req *http.Request, fn func(context.Context, string) (chant.State, error)) {
	id := chi.URLParam(req, "id")
	st, err := fn(req.Context(), id)
	if err != nil {
		h.fail(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.CounterReply{
		SessionID: id,
		State: protocol.CounterState{
			TotalCount:        st.TotalCount,
			CurrentCycleCount: st.CurrentCycleCount,
			CompletedCycles:   st.CompletedCycles,
			CycleSize:         h.cycleSize,
			LastMatch:         st.LastMatch,
		},
	})
}

// today serves both /api/today and /api/counters/{id}/today. Without an id
// the counter service picks the default devotee.
func (h *apiHandler) today(w http.ResponseWriter, req *http.Request) {
	day, err := h.counters.Today(req.Context(), chi.URLParam(req, "id"))
	if err != nil {
		h.fail(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, daySummary{
		DevoteeID: day.DevoteeID,
		Day:       day.Day,
		Counted:   day.Counted,
		Cycles:    day.Cycles,
		Resets:    day.Resets,
		Rejected:  day.Rejected,
		FirstSeen: day.FirstSeen,
		LastSeen:  day.LastSeen,
	})
}

func (h *apiHandler) leaderboard(w http.ResponseWriter, req *http.Request) {
	limit := defaultLeaderboardLimit
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	entries, err := h.counters.Leaderboard(req.Context(), limit)
	if err != nil {
		h.fail(w, req, err)
		return
	}
	rows := make([]leaderboardRow, 0, len(entries))
	for i, e := range entries {
		rows = append(rows, leaderboardRow{
			Rank:              i + 1,
			DevoteeID:         e.DevoteeID,
			TotalCount:        e.State.TotalCount,
			CompletedCycles:   e.State.CompletedCycles,
			CurrentCycleCount: e.State.CurrentCycleCount,
		})
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *apiHandler) fail(w http.ResponseWriter, req *http.Request, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, chant.ErrInvalidInput) {
		status = http.StatusBadRequest
	}
	h.logger.Warn("request failed",
		slog.String("path", req.URL.Path),
		slog.String("request_id", middleware.GetReqID(req.Context())),
		slogError(err))
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
