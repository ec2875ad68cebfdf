// Package api serves the local control API: live zone and quota
// snapshots, intent submission, action invocation and history queries.
// Mutations queue into the batch engine and return 202 with the intent
// id; the outcome arrives later through history or the event bus.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/tadoctl/tadod/internal/actions"
	"github.com/tadoctl/tadod/internal/batch"
	"github.com/tadoctl/tadod/internal/history"
	"github.com/tadoctl/tadod/internal/quota"
	"github.com/tadoctl/tadod/internal/tado"
)

// CommandQueue is the batch engine surface the API needs.
type CommandQueue interface {
	Submit(in batch.Intent) error
	Flush(ctx context.Context) []batch.Outcome
	Pending() int
}

// Deps groups the daemon components the API reads and drives.
type Deps struct {
	Cache     *tado.Cache
	Ledger    *quota.Ledger
	Scheduler *quota.Scheduler
	Estimator *quota.Estimator
	Commands  CommandQueue
	Invoker   *actions.Invoker
	Poller    actions.Poller
	History   *history.Store
}

// Server is the control API HTTP server.
type Server struct {
	addr       string
	deps       Deps
	httpServer *http.Server
}

// NewServer creates a new control API server.
func NewServer(host string, port int, deps Deps) *Server {
	return &Server{
		addr: fmt.Sprintf("%s:%d", host, port),
		deps: deps,
	}
}

// Router builds the route table. Split out so tests can drive the
// handlers without a listener.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/status", s.handleStatus).Methods("GET")
	v1.HandleFunc("/zones", s.handleZones).Methods("GET")
	v1.HandleFunc("/devices", s.handleDevices).Methods("GET")

	v1.HandleFunc("/zones/{id:[0-9]+}/overlay", s.handleSetOverlay).Methods("POST")
	v1.HandleFunc("/zones/{id:[0-9]+}/overlay", s.handleResumeSchedule).Methods("DELETE")
	v1.HandleFunc("/zones/{id:[0-9]+}/early-start", s.zoneToggle(batch.OpSetEarlyStart)).Methods("POST")
	v1.HandleFunc("/zones/{id:[0-9]+}/dazzle", s.zoneToggle(batch.OpSetDazzle)).Methods("POST")
	v1.HandleFunc("/zones/{id:[0-9]+}/open-window", s.handleOpenWindow).Methods("POST")
	v1.HandleFunc("/zones/{id:[0-9]+}/away-temperature", s.handleAwayTemperature).Methods("POST")

	v1.HandleFunc("/devices/{serial}/child-lock", s.handleChildLock).Methods("POST")
	v1.HandleFunc("/devices/{serial}/offset", s.handleOffset).Methods("POST")
	v1.HandleFunc("/devices/{serial}/identify", s.handleIdentify).Methods("POST")

	v1.HandleFunc("/home/presence", s.handlePresence).Methods("PUT")
	v1.HandleFunc("/home/meter-reading", s.handleMeterReading).Methods("POST")

	v1.HandleFunc("/actions", s.handleListActions).Methods("GET")
	v1.HandleFunc("/actions/{name}", s.handleInvokeAction).Methods("POST")
	v1.HandleFunc("/poll", s.handlePoll).Methods("POST")
	v1.HandleFunc("/flush", s.handleFlush).Methods("POST")

	v1.HandleFunc("/history/commands", s.handleHistoryCommands).Methods("GET")
	v1.HandleFunc("/history/cycles", s.handleHistoryCycles).Methods("GET")

	return r
}

// Run starts the API server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: handlers.LoggingHandler(accessLogWriter{}, s.Router()),
	}

	log.Info().Str("addr", s.addr).Msg("Starting control API server")

	// Handle graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("API server shutdown error")
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

// accessLogWriter forwards Apache-style access lines into zerolog.
type accessLogWriter struct{}

func (accessLogWriter) Write(p []byte) (int, error) {
	log.Debug().Str("component", "api").Msg(strings.TrimSpace(string(p)))
	return len(p), nil
}
