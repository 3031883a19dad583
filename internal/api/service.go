// Package api exposes the portfolio, on-demand evaluation and operator
// actions over HTTP, and streams decisions over WebSocket.
//
// All monetary values are shopspring/decimal and encode as JSON strings.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/edge-engine/internal/ledger"
	"github.com/atmx/edge-engine/internal/metrics"
	"github.com/atmx/edge-engine/internal/model"
	"github.com/atmx/edge-engine/internal/settlement"
)

// Portfolio is the ledger surface the API reads and operates on.
type Portfolio interface {
	Snapshot() model.Snapshot
	Positions(status model.PositionStatus) []model.Position
	Stats() ledger.Stats
	Close(ctx context.Context, positionID string, exitPrice float64) (model.Position, error)
	Resume(ctx context.Context, marketID string) error
}

// Evaluator runs one market through the engine.
type Evaluator interface {
	Evaluate(ctx context.Context, marketID string) (model.DecisionRecord, error)
	Decide(ctx context.Context, marketID string) (model.DecisionRecord, error)
}

// Settler applies a settlement event.
type Settler interface {
	Apply(ctx context.Context, ev settlement.Event) (model.Position, error)
}

// Service holds the HTTP handlers.
type Service struct {
	portfolio Portfolio
	eval      Evaluator
	settler   Settler
	hub       *Hub
	logger    *slog.Logger
}

// NewService creates the API. Pass nil for hub to disable /api/v1/ws.
func NewService(p Portfolio, e Evaluator, s Settler, hub *Hub, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{portfolio: p, eval: e, settler: s, hub: hub, logger: logger}
}

// Router mounts every route with the standard middleware stack.
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"edge-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWS)
		}
		r.Get("/portfolio", s.GetPortfolio)
		r.Get("/positions", s.ListPositions)
		r.Get("/stats", s.GetStats)
		r.Post("/evaluate/{marketID}", s.Evaluate)
		r.Post("/settlements", s.Settle)
		r.Post("/positions/{positionID}/close", s.ClosePosition)
		r.Post("/markets/{marketID}/resume", s.ResumeMarket)
	})
	return r
}

// cors allows the dashboard to call the API cross-origin.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetPortfolio handles GET /api/v1/portfolio
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.portfolio.Snapshot())
}

// ListPositions handles GET /api/v1/positions?status=OPEN
// An empty status lists every position.
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	status := model.PositionStatus(r.URL.Query().Get("status"))
	switch status {
	case "", model.StatusOpen, model.StatusResolvedWin, model.StatusResolvedLoss, model.StatusClosedEarly:
	default:
		writeError(w, "unknown status "+string(status), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.portfolio.Positions(status))
}

// GetStats handles GET /api/v1/stats
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.portfolio.Stats())
}

// Evaluate handles POST /api/v1/evaluate/{marketID}
// With ?dry_run=true the decision is computed without committing or
// recording.
func (s *Service) Evaluate(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	run := s.eval.Evaluate
	if r.URL.Query().Get("dry_run") == "true" {
		run = s.eval.Decide
	}

	rec, err := run(r.Context(), marketID)
	if err != nil {
		s.logger.Error("evaluate request", "market_id", marketID, "action", rec.Action, "error", err)
	}
	status := http.StatusOK
	if rec.Action == model.ActionError {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, rec)
}

// SettleResponse is the body returned from POST /api/v1/settlements.
type SettleResponse struct {
	Settled  bool            `json:"settled"`
	Position *model.Position `json:"position,omitempty"`
}

// Settle handles POST /api/v1/settlements
func (s *Service) Settle(w http.ResponseWriter, r *http.Request) {
	var ev settlement.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if ev.MarketID == "" {
		writeError(w, "market_id is required", http.StatusBadRequest)
		return
	}
	if !ev.Outcome.Valid() {
		writeError(w, "outcome must be YES or NO", http.StatusBadRequest)
		return
	}

	pos, err := s.settler.Apply(r.Context(), ev)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if pos.ID == "" {
		writeJSON(w, http.StatusOK, SettleResponse{})
		return
	}
	writeJSON(w, http.StatusOK, SettleResponse{Settled: true, Position: &pos})
}

// CloseRequest is the JSON body for POST /api/v1/positions/{positionID}/close.
type CloseRequest struct {
	ExitPrice float64 `json:"exit_price"` // price of the held leg
}

// ClosePosition handles POST /api/v1/positions/{positionID}/close
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	positionID := chi.URLParam(r, "positionID")
	var req CloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	pos, err := s.portfolio.Close(r.Context(), positionID, req.ExitPrice)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	metrics.SettlementsTotal.WithLabelValues(string(pos.Status)).Inc()
	writeJSON(w, http.StatusOK, pos)
}

// ResumeMarket handles POST /api/v1/markets/{marketID}/resume
func (s *Service) ResumeMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	if err := s.portfolio.Resume(r.Context(), marketID); err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"market_id": marketID, "status": "resumed"})
}

func writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrPositionNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ledger.ErrInvalidOutcome):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ledger.ErrInvariantViolation):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
