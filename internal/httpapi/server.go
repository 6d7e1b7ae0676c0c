// Package httpapi exposes the background context's HTTP surface: the push
// webhook that wakes the delivery bridge, a health probe and prometheus
// metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dispatch-voice-relay/internal/bridge"
	"github.com/dispatch-voice-relay/internal/logging"
	"github.com/dispatch-voice-relay/internal/wire"
)

// maxPushBody bounds the push payload; clips travel by URL, not inline.
const maxPushBody = 64 << 10

// Server is the bridge's HTTP front end.
type Server struct {
	bridge *bridge.Bridge
	srv    *http.Server
}

// New builds the server. gatherer may be nil to disable /metrics.
func New(addr string, b *bridge.Bridge, gatherer prometheus.Gatherer) *Server {
	s := &Server{bridge: b}

	r := mux.NewRouter()
	r.HandleFunc("/push", s.handlePush).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Infow("httpapi: listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		return <-errCh
	case err := <-errCh:
		return err
	}
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var ev wire.PushEvent
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPushBody))
	if err := dec.Decode(&ev); err != nil {
		logging.Warnw("httpapi: undecodable push payload", "err", err)
		http.Error(w, "bad push payload", http.StatusBadRequest)
		return
	}
	if err := s.bridge.HandlePush(r.Context(), ev); err != nil {
		logging.Errorw("httpapi: push handling failed", "err", err)
		http.Error(w, "push handling failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
