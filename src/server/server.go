// Package server is the thin HTTP surface: healthcheck, Prometheus metrics,
// session control, and a websocket bridge that forwards a user's log and
// metrics events to the browser.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	logger "github.com/sirupsen/logrus"

	"axon/src/bus"
	"axon/src/executors"
	"axon/src/model"
	"axon/src/safety"
	"axon/src/store"
)

// AgentControl is the slice of the supervisor the server needs.
type AgentControl interface {
	Disconnect(ctx context.Context, uid string) error
}

type Server struct {
	conn   bus.Conn
	store  *store.Store
	loop   *executors.Loop
	agents AgentControl
	config *Config
}

func New(conn bus.Conn, loop *executors.Loop, agents AgentControl) *Server {
	return &Server{
		conn:   conn,
		store:  store.New(conn),
		loop:   loop,
		agents: agents,
		config: GetConfig(),
	}
}

// Router builds the chi router. Split from StartServer for tests.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Get("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("OK")); err != nil {
			logger.WithError(err).Error("/healthcheck write error")
		}
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Post("/users/{uid}/sessions", s.handleStartSession)
	r.Delete("/users/{uid}/sessions/{sid}", s.handleStopSession)

	r.Get("/ws/events/{uid}", s.handleEventStream)

	return r
}

type startSessionRequest struct {
	Mode       string   `json:"mode"`
	StrategyID string   `json:"strategy_id"`
	Pairs      []string `json:"pairs"`
	Timeframe  string   `json:"timeframe"`
	Amount     float64  `json:"amount"`
	StopLoss   float64  `json:"stop_loss"`
	TakeProfit float64  `json:"take_profit"`
	MaxLosses  int      `json:"max_consecutive_losses"`
	MaxTrades  int      `json:"max_trades"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")

	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.StrategyID == "" || len(req.Pairs) == 0 || req.Timeframe == "" {
		writeError(w, http.StatusBadRequest, "strategy_id, pairs and timeframe are required")
		return
	}
	if req.Mode == "" {
		req.Mode = model.SessionModeAuto
	}
	if req.Mode == model.SessionModeAuto && req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "auto mode requires a positive amount")
		return
	}

	sessionID := uuid.NewString()
	err := s.loop.Start(r.Context(), uid, sessionID, store.SessionConfig{
		Mode:       req.Mode,
		StrategyID: req.StrategyID,
		Pairs:      req.Pairs,
		Timeframe:  req.Timeframe,
		Amount:     req.Amount,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		MaxLosses:  req.MaxLosses,
		MaxTrades:  req.MaxTrades,
	})
	if err != nil {
		logger.WithError(err).WithField("uid", uid).Error("[server] failed to start session")
		writeError(w, http.StatusInternalServerError, "failed to start session")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"session_id": sessionID})
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	sessionID := chi.URLParam(r, "sid")

	status, err := s.store.Status(r.Context(), uid, sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read session")
		return
	}
	if status == "" {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	if err := s.store.Halt(r.Context(), uid, sessionID, safety.ReasonUserStop); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to halt session")
		return
	}
	if s.agents != nil {
		// Best effort; a dead agent has nothing to stop.
		_ = s.agents.Disconnect(r.Context(), uid)
	}

	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// StartServer serves the router until SIGINT/SIGTERM, then shuts down
// gracefully.
func (s *Server) StartServer() {
	addr := ":" + s.config.Port
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}

	go func() {
		logger.Infof("Listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server crashed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("Shutting down gracefully...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Shutdown error")
	}
}
